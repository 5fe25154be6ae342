// Package fcbformat encodes and decodes the on-flash layout of the flash
// circular buffer: the per-sector header and the per-record header, plus
// the primitives for walking records within a sector. It has no notion of
// cursors or mounting — that lives one level up, in package fcb — but it is
// where every bit-exact layout decision and state transition lives.
package fcbformat

import (
	"encoding/binary"

	"github.com/flashfcb/fcb/pkg/checksum"
	"github.com/flashfcb/fcb/pkg/flashdev"
)

// SectorHeaderSize is the fixed, 4-byte-aligned size of a sector header.
const SectorHeaderSize = 16

// SectorMagic identifies a sector header written by this format.
const SectorMagic uint32 = 0xCAFEBABE

// Sector lifecycle states. Each later state is reached from the previous
// one purely by clearing bits, which is all NOR flash can do without an
// erase: FRESH (0xFFFFFFFF) -> ALLOCATED (0x7FFFFFFF) -> CONSUMED
// (0x0FFFFFFF).
const (
	SectorStateFresh     uint32 = 0xFFFFFFFF
	SectorStateAllocated uint32 = 0x7FFFFFFF
	SectorStateConsumed  uint32 = 0x0FFFFFFF
)

// SectorClass is the result of classifying a sector's on-flash header.
type SectorClass int

const (
	// SectorInvalid means the header failed its magic or CRC check, or its
	// state field held a value outside {FRESH, ALLOCATED, CONSUMED}.
	SectorInvalid SectorClass = iota
	SectorFresh
	SectorAllocated
	SectorConsumed
)

func (c SectorClass) String() string {
	switch c {
	case SectorFresh:
		return "fresh"
	case SectorAllocated:
		return "allocated"
	case SectorConsumed:
		return "consumed"
	default:
		return "invalid"
	}
}

// SectorHeader is the decoded form of the 16-byte header at sector offset 0.
type SectorHeader struct {
	Magic      uint32
	SequenceID uint32
	HeaderCRC  uint32
	State      uint32
}

// headerCRC returns the CRC32 over the 8-byte (magic, sequenceID) pair,
// exactly as laid out on flash: little-endian magic followed by
// little-endian sequenceID.
func headerCRC(magic, sequenceID uint32) uint32 {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint32(buf[4:8], sequenceID)
	return checksum.Sum(buf[:])
}

// Encode renders the header into its 16-byte on-flash form.
func (h SectorHeader) Encode() [SectorHeaderSize]byte {
	var buf [SectorHeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.SequenceID)
	binary.LittleEndian.PutUint32(buf[8:12], h.HeaderCRC)
	binary.LittleEndian.PutUint32(buf[12:16], h.State)
	return buf
}

func decodeSectorHeader(buf []byte) SectorHeader {
	return SectorHeader{
		Magic:      binary.LittleEndian.Uint32(buf[0:4]),
		SequenceID: binary.LittleEndian.Uint32(buf[4:8]),
		HeaderCRC:  binary.LittleEndian.Uint32(buf[8:12]),
		State:      binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// SeqNewer reports whether a is newer than b under rollover-safe sequence
// comparison: signed-subtraction arithmetic that tolerates a single wrap of
// the uint32 counter, valid as long as no two live sequence ids are more
// than 2^31 apart.
func SeqNewer(a, b uint32) bool {
	return int32(a-b) > 0
}

// SeqOlder reports whether a is older than b under the same rollover-safe
// comparison as SeqNewer.
func SeqOlder(a, b uint32) bool {
	return int32(a-b) < 0
}

// WriteHeader writes a sector header with the given sequence id and state
// at the base of sector. The caller must have erased the sector first: on
// real NOR flash, writing a header over anything but all-ones content would
// silently corrupt bits that can't be set back without an erase.
func WriteHeader(dev flashdev.Device, sector uint32, sequenceID, state uint32) {
	h := SectorHeader{
		Magic:      SectorMagic,
		SequenceID: sequenceID,
		HeaderCRC:  headerCRC(SectorMagic, sequenceID),
		State:      state,
	}
	encoded := h.Encode()
	dev.WriteAt(flashdev.SectorBase(dev, sector), encoded[:])
}

// ReadHeader reads and decodes the header at the base of sector, without
// performing any validation.
func ReadHeader(dev flashdev.Device, sector uint32) SectorHeader {
	buf := make([]byte, SectorHeaderSize)
	dev.ReadAt(flashdev.SectorBase(dev, sector), buf)
	return decodeSectorHeader(buf)
}

// Classify reads a sector's header and validates it, returning its
// lifecycle state. A sector whose magic reads as all-ones (0xFFFFFFFF) is
// classified FRESH without a CRC check: on erased NOR flash the entire
// header region is 0xFF, and computing a CRC over it would be pointless —
// an erased sector has no CRC to check by construction. Any other header
// must match SectorMagic and verify header_crc over (magic, sequenceID) to
// be trusted; everything else is SectorInvalid and treated as though it
// doesn't exist for mount purposes.
func Classify(dev flashdev.Device, sector uint32) (SectorClass, SectorHeader) {
	h := ReadHeader(dev, sector)

	if h.Magic == 0xFFFFFFFF {
		return SectorFresh, h
	}
	if h.Magic != SectorMagic {
		return SectorInvalid, h
	}
	if headerCRC(h.Magic, h.SequenceID) != h.HeaderCRC {
		return SectorInvalid, h
	}

	switch h.State {
	case SectorStateFresh:
		return SectorFresh, h
	case SectorStateAllocated:
		return SectorAllocated, h
	case SectorStateConsumed:
		return SectorConsumed, h
	default:
		return SectorInvalid, h
	}
}

// Allocate erases sector and writes a fresh ALLOCATED header into it with
// sequenceID. The caller owns sequence id generation (monotonically
// increasing across the whole fcb instance, never reused while any sector
// in range is still ALLOCATED).
func Allocate(dev flashdev.Device, sector uint32, sequenceID uint32) {
	dev.EraseSector(flashdev.SectorBase(dev, sector))
	WriteHeader(dev, sector, sequenceID, SectorStateAllocated)
}

// MarkConsumed bit-clears an ALLOCATED sector's state to CONSUMED in place.
// This never erases the sector; CONSUMED sectors are only reclaimed to
// FRESH by Allocate on a later append that needs the space.
func MarkConsumed(dev flashdev.Device, sector uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], SectorStateConsumed)
	dev.WriteAt(flashdev.SectorBase(dev, sector)+12, buf[:])
}
