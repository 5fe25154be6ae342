// Package fcb implements a persistent FIFO queue of variable-length
// records over a range of NOR-flash sectors: the flash circular buffer.
//
// Mount reconstructs an FcbHandle's cursors from whatever an arbitrary
// on-flash image happens to hold, so the buffer survives power loss at any
// byte boundary. Once mounted, Append, Peek and Pop drive the producer and
// consumer sides; neither blocks on anything but the synchronous
// flashdev.Device calls, matching the single-threaded, externally
// serialized concurrency model the format is built for.
package fcb

import (
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/google/uuid"

	"github.com/flashfcb/fcb/internal/fcberrors"
	"github.com/flashfcb/fcb/internal/observability"
	"github.com/flashfcb/fcb/pkg/fcbformat"
	"github.com/flashfcb/fcb/pkg/flashdev"
)

// Config configures a Mount call.
type Config struct {
	// FirstSector and LastSector bound the inclusive sector range this
	// instance owns. Must span at least two sectors: a single-sector FCB
	// can never allocate a fresh sector to roll into.
	FirstSector uint32
	LastSector  uint32

	// Logger receives structured logs and, if it wraps a Sentry hub,
	// corruption and device-error events. Defaults to a no-op logger.
	Logger *observability.FcbLogger

	// EraseRateLimiter, if set, is consulted (non-blocking) before every
	// sector erase Append makes when it allocates a sector; EraseAll and
	// Mount do not consult it. It never delays an erase — that would violate
	// the no-internal-suspension concurrency model — it only emits a
	// CaptureWarn when a sector is being recycled faster than expected,
	// which is useful as an early signal of wear concentrated on one
	// sector range.
	EraseRateLimiter *rate.Limiter
}

// FcbHandle is a mounted flash circular buffer. It is not safe for
// concurrent use; callers serialize access externally.
type FcbHandle struct {
	dev flashdev.Device

	firstSector uint32
	lastSector  uint32

	writeCursor  uint32
	readCursor   uint32
	deleteCursor uint32

	currentSequenceID uint32
	corruptRecords    uint64

	mountID uuid.UUID
	log     *observability.FcbLogger

	eraseLimiter *rate.Limiter
}

// MountID returns the session id assigned to this mount, for correlating
// log lines with a single Mount call.
func (h *FcbHandle) MountID() uuid.UUID {
	return h.mountID
}

// CorruptRecordCount returns the number of records skipped so far because
// their payload_crc failed to verify.
func (h *FcbHandle) CorruptRecordCount() uint64 {
	return h.corruptRecords
}

// CurrentSequenceID returns the sequence id of the sector currently owning
// write_cursor.
func (h *FcbHandle) CurrentSequenceID() uint32 {
	return h.currentSequenceID
}

func (h *FcbHandle) nextSector(sector uint32) uint32 {
	if sector == h.lastSector {
		return h.firstSector
	}
	return sector + 1
}

func (h *FcbHandle) startOfNextSector(cursor uint32) uint32 {
	next := h.nextSector(flashdev.SectorOf(h.dev, cursor))
	return flashdev.SectorBase(h.dev, next) + fcbformat.SectorHeaderSize
}

func (h *FcbHandle) onCorruptRecord(addr uint32) {
	h.corruptRecords++
	h.log.CaptureWarn("fcb: corrupt record payload, skipping",
		slog.Uint64("addr", uint64(addr)))
}

// findDeliverable walks forward from cursor looking for the next record a
// consumer should see: a VALID record whose payload_crc verifies, or the
// write_cursor itself (queue exhausted). Popped records and corrupt words
// are skipped transparently; VALID records with a bad CRC are logged,
// counted and skipped too, exactly like a popped record, since a consumer
// will never be able to retrieve them.
func (h *FcbHandle) findDeliverable(cursor uint32) (addr uint32, hdr fcbformat.RecordHeader, payload []byte, empty bool) {
	for {
		if cursor == h.writeCursor {
			return cursor, fcbformat.RecordHeader{}, nil, true
		}

		outcome, rh := fcbformat.ReadRecord(h.dev, cursor)
		switch outcome {
		case fcbformat.OutcomeValid:
			body, ok := fcbformat.VerifyPayload(h.dev, cursor, rh)
			if ok {
				return cursor, rh, body, false
			}
			h.onCorruptRecord(cursor)
			cursor += fcbformat.RecordHeaderSize + uint32(rh.Len)
		case fcbformat.OutcomePopped:
			cursor += fcbformat.RecordHeaderSize + uint32(rh.Len)
		case fcbformat.OutcomeEndOfSectorFill, fcbformat.OutcomePartialWrite:
			cursor = h.startOfNextSector(cursor)
		case fcbformat.OutcomeCorrupt:
			cursor += fcbformat.CorruptSkipStride
		}
	}
}

// Peek returns the oldest unpopped record's payload without removing it.
// Calling Peek repeatedly without an intervening Pop returns the same
// record every time.
func (h *FcbHandle) Peek() ([]byte, error) {
	addr, _, payload, empty := h.findDeliverable(h.readCursor)
	h.readCursor = addr
	if empty {
		return nil, fcberrors.Newf("fcb: queue is empty").
			Kind(fcberrors.KindEmpty).
			SkipSentryIf(true)
	}
	return payload, nil
}

// Pop removes the oldest unpopped record. It re-runs the same forward scan
// Peek uses, starting from read_cursor, so it is safe to call without a
// preceding Peek: it always targets whatever record a Peek would currently
// return, and a corrupt record a Peek already skipped is not counted again.
func (h *FcbHandle) Pop() error {
	addr, hdr, _, empty := h.findDeliverable(h.readCursor)
	if empty {
		return fcberrors.Newf("fcb: queue is empty").
			Kind(fcberrors.KindEmpty).
			SkipSentryIf(true)
	}

	sector := flashdev.SectorOf(h.dev, addr)
	fcbformat.MarkPopped(h.dev, addr)

	h.deleteCursor = addr + fcbformat.RecordHeaderSize + uint32(hdr.Len)
	h.readCursor = h.deleteCursor

	h.maybeMarkConsumed(sector)
	return nil
}

// maybeMarkConsumed transitions sector to CONSUMED once delete_cursor has
// moved on to a later sector, so a fully-popped sector becomes eligible for
// reclaiming on the next append that needs the space. It is harmless to
// call when sector is still owned by delete_cursor; MarkConsumed is only
// invoked on an actual crossing.
func (h *FcbHandle) maybeMarkConsumed(sector uint32) {
	if flashdev.SectorOf(h.dev, h.deleteCursor) != sector {
		fcbformat.MarkConsumed(h.dev, sector)
	}
}

// Append writes payload as a new VALID record at write_cursor, allocating
// the next sector first if there isn't room for it.
func (h *FcbHandle) Append(payload []byte) error {
	maxPayload := fcbformat.MaxPayload(h.dev.SectorSize())
	if len(payload) == 0 || uint32(len(payload)) > maxPayload {
		return fcberrors.Newf("fcb: payload length %d out of range (0,%d]", len(payload), maxPayload).
			Kind(fcberrors.KindInvalidArg)
	}

	need := uint32(fcbformat.RecordHeaderSize) + uint32(len(payload))
	sector := flashdev.SectorOf(h.dev, h.writeCursor)
	sectorBase := flashdev.SectorBase(h.dev, sector)
	sectorEnd := sectorBase + h.dev.SectorSize()

	// A pristine or just-erased range has no ALLOCATED sector under
	// write_cursor yet: give it a header before its first record lands.
	if h.writeCursor == sectorBase+fcbformat.SectorHeaderSize {
		if class, _ := fcbformat.Classify(h.dev, sector); class != fcbformat.SectorAllocated {
			h.allocateSector(sector)
		}
	}

	if sectorEnd-h.writeCursor < need {
		if err := h.advanceWriteSector(sector); err != nil {
			return err
		}
	}

	fcbformat.WriteRecord(h.dev, h.writeCursor, payload)
	h.writeCursor += need
	return nil
}

// advanceWriteSector rolls write_cursor into the sector after current,
// allocating it. If that sector is the one holding read_cursor, the whole
// range is in use and there is nowhere left to roll into: FULL.
func (h *FcbHandle) advanceWriteSector(current uint32) error {
	next := h.nextSector(current)
	readSector := flashdev.SectorOf(h.dev, h.readCursor)

	if next == readSector {
		return fcberrors.Newf("fcb: buffer full, sector %d already holds read_cursor", next).
			Kind(fcberrors.KindFull).
			SkipSentryIf(true)
	}

	h.allocateSector(next)
	h.writeCursor = flashdev.SectorBase(h.dev, next) + fcbformat.SectorHeaderSize
	return nil
}

func (h *FcbHandle) allocateSector(sector uint32) {
	if h.eraseLimiter != nil && !h.eraseLimiter.Allow() {
		h.log.CaptureWarn("fcb: sector erased faster than configured rate",
			slog.Uint64("sector", uint64(sector)))
	}

	h.currentSequenceID++
	fcbformat.Allocate(h.dev, sector, h.currentSequenceID)
}

// EraseAll wipes every sector in the instance's range and resets cursors
// to a pristine, empty state. Used to provision a device before first use,
// or to discard the buffer's contents outright.
func (h *FcbHandle) EraseAll() error {
	for sector := h.firstSector; ; sector++ {
		h.dev.EraseSector(flashdev.SectorBase(h.dev, sector))
		if sector == h.lastSector {
			break
		}
	}

	h.writeCursor = flashdev.SectorBase(h.dev, h.firstSector) + fcbformat.SectorHeaderSize
	h.readCursor = h.writeCursor
	h.deleteCursor = h.writeCursor
	h.currentSequenceID = 0
	return nil
}
