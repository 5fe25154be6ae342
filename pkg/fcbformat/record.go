package fcbformat

import (
	"encoding/binary"

	"github.com/flashfcb/fcb/pkg/checksum"
	"github.com/flashfcb/fcb/pkg/flashdev"
)

// RecordHeaderSize is the fixed, 4-byte-aligned size of a record header.
const RecordHeaderSize = 12

// RecordMagic identifies a record header written by this format.
const RecordMagic uint16 = 0xA55A

// Record lifecycle states. As with the sector header, each transition only
// clears bits: ERASED (0xFFFFFFFF) -> VALID (0x0000FFFF) -> POPPED
// (0x00000000). Status sits at the end of the 12-byte header (offset 8) so
// that a write torn mid-header always leaves status reading ERASED.
const (
	RecordStatusErased uint32 = 0xFFFFFFFF
	RecordStatusValid  uint32 = 0x0000FFFF
	RecordStatusPopped uint32 = 0x00000000
)

// MaxPayload returns the largest payload that fits in a single record given
// the device's sector size.
func MaxPayload(sectorSize uint32) uint32 {
	return sectorSize - SectorHeaderSize - RecordHeaderSize
}

// RecordOutcome classifies what ReadRecord found at an offset.
type RecordOutcome int

const (
	// OutcomeEndOfSectorFill means the 12 bytes read as all-ones: this is
	// unwritten, erased space, i.e. the write frontier of the sector.
	OutcomeEndOfSectorFill RecordOutcome = iota

	// OutcomeCorrupt means the bytes don't parse as a record header and
	// aren't erased fill either: magic mismatches and the header isn't
	// all-ones.
	OutcomeCorrupt

	// OutcomePartialWrite means the header's magic is valid but its status
	// still reads ERASED: the header landed but the torn write never
	// reached the status word (or the payload). Treated as the effective
	// end of data within the sector.
	OutcomePartialWrite

	// OutcomePopped means the record was fully written and later consumed.
	OutcomePopped

	// OutcomeValid means the record was fully written and not yet popped.
	// The caller must still verify PayloadCRC before trusting the payload.
	OutcomeValid
)

func (o RecordOutcome) String() string {
	switch o {
	case OutcomeEndOfSectorFill:
		return "end-of-sector-fill"
	case OutcomeCorrupt:
		return "corrupt"
	case OutcomePartialWrite:
		return "partial-write"
	case OutcomePopped:
		return "popped"
	case OutcomeValid:
		return "valid"
	default:
		return "unknown"
	}
}

// RecordHeader is the decoded form of the 12-byte header preceding a
// record's payload.
type RecordHeader struct {
	Magic      uint16
	Len        uint16
	PayloadCRC uint32
	Status     uint32
}

func decodeRecordHeader(buf []byte) RecordHeader {
	return RecordHeader{
		Magic:      binary.LittleEndian.Uint16(buf[0:2]),
		Len:        binary.LittleEndian.Uint16(buf[2:4]),
		PayloadCRC: binary.LittleEndian.Uint32(buf[4:8]),
		Status:     binary.LittleEndian.Uint32(buf[8:12]),
	}
}

func (h RecordHeader) isAllOnes() bool {
	return h.Magic == 0xFFFF && h.Len == 0xFFFF &&
		h.PayloadCRC == 0xFFFFFFFF && h.Status == 0xFFFFFFFF
}

// ReadRecord reads the 12-byte header at addr and classifies it. It never
// reads the payload; callers must separately read and verify Len bytes
// starting at addr+RecordHeaderSize when the outcome is OutcomeValid.
func ReadRecord(dev flashdev.Device, addr uint32) (RecordOutcome, RecordHeader) {
	buf := make([]byte, RecordHeaderSize)
	dev.ReadAt(addr, buf)
	h := decodeRecordHeader(buf)

	if h.Magic != RecordMagic {
		if h.isAllOnes() {
			return OutcomeEndOfSectorFill, h
		}
		return OutcomeCorrupt, h
	}

	switch h.Status {
	case RecordStatusErased:
		return OutcomePartialWrite, h
	case RecordStatusPopped:
		return OutcomePopped, h
	case RecordStatusValid:
		return OutcomeValid, h
	default:
		return OutcomeCorrupt, h
	}
}

// VerifyPayload reads Len bytes of payload for the record at addr and
// reports whether they match PayloadCRC.
func VerifyPayload(dev flashdev.Device, addr uint32, h RecordHeader) ([]byte, bool) {
	payload := make([]byte, h.Len)
	dev.ReadAt(addr+RecordHeaderSize, payload)
	return payload, checksum.Verify(payload, h.PayloadCRC)
}

// WriteRecord writes a VALID record at addr with the given payload. The
// three writes happen in an order chosen so that a write torn at any byte
// boundary is always classified correctly on the next mount:
//
//  1. magic, len and payload_crc (8 bytes) — status is untouched, so it
//     still reads ERASED if nothing else below completes.
//  2. the payload itself.
//  3. the status word, set to VALID, last.
//
// A crash during (1) or (2) leaves status reading ERASED, which ReadRecord
// reports as OutcomePartialWrite. Only once (3) lands does the record
// become visible as OutcomeValid.
func WriteRecord(dev flashdev.Device, addr uint32, payload []byte) {
	crc := checksum.Sum(payload)

	var head [8]byte
	binary.LittleEndian.PutUint16(head[0:2], RecordMagic)
	binary.LittleEndian.PutUint16(head[2:4], uint16(len(payload)))
	binary.LittleEndian.PutUint32(head[4:8], crc)
	dev.WriteAt(addr, head[:])

	dev.WriteAt(addr+RecordHeaderSize, payload)

	var status [4]byte
	binary.LittleEndian.PutUint32(status[:], RecordStatusValid)
	dev.WriteAt(addr+8, status[:])
}

// MarkPopped bit-clears a VALID record's status word to POPPED in place.
func MarkPopped(dev flashdev.Device, addr uint32) {
	var status [4]byte
	binary.LittleEndian.PutUint32(status[:], RecordStatusPopped)
	dev.WriteAt(addr+8, status[:])
}

// recordSpan returns the offset immediately following the record whose
// header was read as h (header + payload).
func recordSpan(addr uint32, h RecordHeader) uint32 {
	return addr + RecordHeaderSize + uint32(h.Len)
}

// CorruptSkipStride is the step taken when a scan passes over a corrupt
// (non-fill, non-header) word. Advancing a full word at a time keeps
// corruption scans from re-reading the same garbage byte by byte. Records
// are packed back to back with no padding, so a record header that follows
// corrupt bytes need not lie on this stride from where the scan started,
// and a 4-byte step can pass over it.
const CorruptSkipStride = 4

// ScanHead walks forward from the start of a sector's record area
// (immediately after the sector header) to find the offset at which the
// next record should be written. offset is always the position found, even
// when full is true; callers that need to know a sector has run out of
// room (less than two record headers of space remain) check full rather
// than discarding offset, since the "full head sector" mount path still
// needs to know exactly where the unusable tail of the sector begins.
func ScanHead(dev flashdev.Device, sectorBase, sectorEnd uint32) (offset uint32, full bool) {
	pos := sectorBase + SectorHeaderSize

	for pos < sectorEnd {
		outcome, h := ReadRecord(dev, pos)
		switch outcome {
		case OutcomeValid, OutcomePopped:
			pos = recordSpan(pos, h)
		case OutcomeCorrupt:
			pos += CorruptSkipStride
		case OutcomeEndOfSectorFill, OutcomePartialWrite:
			return pos, sectorEnd-pos < 2*RecordHeaderSize
		}
	}

	return pos, sectorEnd-pos < 2*RecordHeaderSize
}

// ScanTail returns the lowest offset in the sector holding a record whose
// status is VALID or POPPED — the first record ever written to the sector.
// It returns found=false if the sector's record area is empty.
func ScanTail(dev flashdev.Device, sectorBase, sectorEnd uint32) (offset uint32, found bool) {
	pos := sectorBase + SectorHeaderSize

	for pos < sectorEnd {
		outcome, _ := ReadRecord(dev, pos)
		switch outcome {
		case OutcomeValid, OutcomePopped:
			return pos, true
		case OutcomeCorrupt:
			pos += CorruptSkipStride
		case OutcomeEndOfSectorFill, OutcomePartialWrite:
			return 0, false
		}
	}
	return 0, false
}
