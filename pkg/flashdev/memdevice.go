package flashdev

// MemDevice is an in-memory Device that simulates NOR-flash semantics:
// every byte starts (and returns, after an erase) as 0xFF, and WriteAt only
// clears bits — it never sets a 0 bit back to 1. This mirrors flash_write
// and flash_erase_sector from the reference firmware's flash_mem driver,
// without needing real hardware.
type MemDevice struct {
	sectorSize  uint32
	sectorCount uint32
	buf         []byte
}

// NewMemDevice returns a freshly erased MemDevice with the given geometry.
func NewMemDevice(sectorSize, sectorCount uint32) *MemDevice {
	d := &MemDevice{
		sectorSize:  sectorSize,
		sectorCount: sectorCount,
		buf:         make([]byte, uint64(sectorSize)*uint64(sectorCount)),
	}
	d.fullErase()
	return d
}

func (d *MemDevice) fullErase() {
	for i := range d.buf {
		d.buf[i] = 0xFF
	}
}

func (d *MemDevice) SectorSize() uint32  { return d.sectorSize }
func (d *MemDevice) SectorCount() uint32 { return d.sectorCount }

func (d *MemDevice) ReadAt(addr uint32, buf []byte) {
	if !InRange(d, addr, len(buf)) {
		return
	}
	copy(buf, d.buf[addr:])
}

// WriteAt clears bits to match buf. Bits that are 1 in buf are left
// untouched (not set), matching the NOR write semantics described in the
// device contract; callers are expected to only write into erased space.
func (d *MemDevice) WriteAt(addr uint32, buf []byte) {
	if !InRange(d, addr, len(buf)) {
		return
	}
	for i, b := range buf {
		d.buf[int(addr)+i] &= b
	}
}

func (d *MemDevice) EraseSector(addr uint32) {
	if !InRange(d, addr, 0) {
		return
	}
	sector := SectorOf(d, addr)
	base := SectorBase(d, sector)
	end := base + d.sectorSize
	for i := base; i < end; i++ {
		d.buf[i] = 0xFF
	}
}

// Snapshot returns a copy of the device's full backing buffer. Intended for
// tests that want to simulate a power loss by truncating or corrupting the
// image before handing it to a fresh Device.
func (d *MemDevice) Snapshot() []byte {
	out := make([]byte, len(d.buf))
	copy(out, d.buf)
	return out
}

// NewMemDeviceFromImage returns a MemDevice whose backing buffer is image,
// padded with 0xFF if image is shorter than sectorSize*sectorCount. This is
// how tests simulate remounting an existing flash image after a simulated
// power cycle.
func NewMemDeviceFromImage(sectorSize, sectorCount uint32, image []byte) *MemDevice {
	d := &MemDevice{
		sectorSize:  sectorSize,
		sectorCount: sectorCount,
		buf:         make([]byte, uint64(sectorSize)*uint64(sectorCount)),
	}
	d.fullErase()
	copy(d.buf, image)
	return d
}
