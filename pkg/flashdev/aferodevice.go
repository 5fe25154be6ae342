package flashdev

import (
	"fmt"

	"github.com/spf13/afero"
)

// AferoDevice is a Device backed by a single flat file on an afero
// filesystem. Used in place of MemDevice when the circular buffer needs to
// survive a real process restart: open the same path on the same afero.Fs
// again and Mount will recover exactly where the previous process left off.
type AferoDevice struct {
	fs          afero.Fs
	path        string
	sectorSize  uint32
	sectorCount uint32
}

// OpenAferoDevice opens (or creates) a fixed-size flash image file at path
// on fs. A newly created file is filled with 0xFF, matching an erased NOR
// device. An existing file must already be exactly sectorSize*sectorCount
// bytes; anything else is a configuration error, since AferoDevice performs
// no implicit resize.
func OpenAferoDevice(fs afero.Fs, path string, sectorSize, sectorCount uint32) (*AferoDevice, error) {
	total := int64(sectorSize) * int64(sectorCount)

	info, err := fs.Stat(path)
	switch {
	case err == nil:
		if info.Size() != total {
			return nil, fmt.Errorf(
				"flashdev: %s is %d bytes, want %d for %d sectors of %d bytes",
				path, info.Size(), total, sectorCount, sectorSize)
		}
	default:
		f, err := fs.Create(path)
		if err != nil {
			return nil, fmt.Errorf("flashdev: creating %s: %w", path, err)
		}
		defer f.Close()

		fill := make([]byte, sectorSize)
		for i := range fill {
			fill[i] = 0xFF
		}
		for sector := uint32(0); sector < sectorCount; sector++ {
			if _, err := f.WriteAt(fill, int64(sector)*int64(sectorSize)); err != nil {
				return nil, fmt.Errorf("flashdev: initializing %s: %w", path, err)
			}
		}
	}

	return &AferoDevice{
		fs:          fs,
		path:        path,
		sectorSize:  sectorSize,
		sectorCount: sectorCount,
	}, nil
}

func (d *AferoDevice) SectorSize() uint32  { return d.sectorSize }
func (d *AferoDevice) SectorCount() uint32 { return d.sectorCount }

func (d *AferoDevice) ReadAt(addr uint32, buf []byte) {
	if !InRange(d, addr, len(buf)) {
		return
	}
	f, err := d.fs.Open(d.path)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.ReadAt(buf, int64(addr))
}

// WriteAt clears bits to match buf. The underlying byte is read back before
// being written so that a 1 bit in buf never resurrects a 0 bit already
// committed to the file, keeping semantics identical to MemDevice even
// though the device contract does not strictly require it.
func (d *AferoDevice) WriteAt(addr uint32, buf []byte) {
	if !InRange(d, addr, len(buf)) {
		return
	}
	f, err := d.fs.OpenFile(d.path, osReadWrite, 0o644)
	if err != nil {
		return
	}
	defer f.Close()

	existing := make([]byte, len(buf))
	if _, err := f.ReadAt(existing, int64(addr)); err != nil {
		return
	}
	for i, b := range buf {
		existing[i] &= b
	}
	_, _ = f.WriteAt(existing, int64(addr))
}

func (d *AferoDevice) EraseSector(addr uint32) {
	if !InRange(d, addr, 0) {
		return
	}
	f, err := d.fs.OpenFile(d.path, osReadWrite, 0o644)
	if err != nil {
		return
	}
	defer f.Close()

	fill := make([]byte, d.sectorSize)
	for i := range fill {
		fill[i] = 0xFF
	}
	base := int64(SectorBase(d, SectorOf(d, addr)))
	_, _ = f.WriteAt(fill, base)
}
