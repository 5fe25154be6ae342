package fcb

import (
	"context"
	"log/slog"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/flashfcb/fcb/internal/fcberrors"
	"github.com/flashfcb/fcb/internal/observability"
	"github.com/flashfcb/fcb/internal/version"
	"github.com/flashfcb/fcb/pkg/fcbformat"
	"github.com/flashfcb/fcb/pkg/flashdev"
)

// sectorSurvey is the classification of a single sector, gathered during
// the sector survey step of Mount.
type sectorSurvey struct {
	idx    uint32
	class  fcbformat.SectorClass
	header fcbformat.SectorHeader
}

// surveySectors classifies every sector in [first, last], fanning the
// reads out across goroutines: on real NOR flash a sector-header read can
// carry enough latency that surveying 64 sectors serially is the dominant
// cost of a cold mount.
func surveySectors(ctx context.Context, dev flashdev.Device, first, last uint32) ([]sectorSurvey, error) {
	count := int(last-first) + 1
	out := make([]sectorSurvey, count)

	g, _ := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		i := i
		g.Go(func() error {
			sector := first + uint32(i)
			class, header := fcbformat.Classify(dev, sector)
			out[i] = sectorSurvey{idx: sector, class: class, header: header}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Mount surveys dev's sector range and reconstructs an FcbHandle's cursors
// from whatever image is found there. It tolerates a pristine (fully
// erased) range, a quiescent prior image, and an image left mid-write by a
// power loss at any byte boundary.
func Mount(dev flashdev.Device, cfg Config) (*FcbHandle, error) {
	if cfg.LastSector >= dev.SectorCount() || cfg.FirstSector > cfg.LastSector {
		return nil, fcberrors.Newf(
			"fcb: sector range [%d,%d] invalid for a %d-sector device",
			cfg.FirstSector, cfg.LastSector, dev.SectorCount(),
		).Kind(fcberrors.KindInvalidArg)
	}
	if cfg.LastSector-cfg.FirstSector+1 < 2 {
		return nil, fcberrors.Newf(
			"fcb: sector range [%d,%d] has fewer than 2 sectors",
			cfg.FirstSector, cfg.LastSector,
		).Kind(fcberrors.KindInvalidArg)
	}

	log := cfg.Logger
	if log == nil {
		log = observability.NewNoOpLogger()
	}
	mountID := uuid.New()
	log = log.With(
		slog.String("mount_id", mountID.String()),
		slog.String("format_version", version.Current.String()),
		slog.String("environment", version.Environment),
	)

	survey, err := surveySectors(context.Background(), dev, cfg.FirstSector, cfg.LastSector)
	if err != nil {
		return nil, fcberrors.Bubblef(err, "fcb: sector survey failed").
			Kind(fcberrors.KindDeviceError)
	}

	h := &FcbHandle{
		dev:          dev,
		firstSector:  cfg.FirstSector,
		lastSector:   cfg.LastSector,
		mountID:      mountID,
		log:          log,
		eraseLimiter: cfg.EraseRateLimiter,
	}

	var live []sectorSurvey
	for _, s := range survey {
		if s.class == fcbformat.SectorAllocated || s.class == fcbformat.SectorConsumed {
			live = append(live, s)
		}
	}

	if len(live) == 0 {
		h.writeCursor = flashdev.SectorBase(dev, cfg.FirstSector) + fcbformat.SectorHeaderSize
		h.readCursor = h.writeCursor
		h.deleteCursor = h.writeCursor
		h.currentSequenceID = 0
		log.CaptureInfo("fcb: mounted a pristine buffer")
		return h, nil
	}

	sort.Slice(live, func(i, j int) bool {
		return fcbformat.SeqOlder(live[i].header.SequenceID, live[j].header.SequenceID)
	})

	headInfo := live[0]
	for _, s := range live {
		if fcbformat.SeqNewer(s.header.SequenceID, headInfo.header.SequenceID) {
			headInfo = s
		}
	}

	var tailInfo *sectorSurvey
	for i := range live {
		if live[i].class != fcbformat.SectorAllocated {
			continue
		}
		if tailInfo == nil || fcbformat.SeqOlder(live[i].header.SequenceID, tailInfo.header.SequenceID) {
			tailInfo = &live[i]
		}
	}
	if tailInfo == nil {
		return nil, fcberrors.Newf(
			"fcb: no ALLOCATED sector among %d live sectors", len(live),
		).Kind(fcberrors.KindDeviceError)
	}

	if err := recoverCursors(dev, log, h, headInfo, *tailInfo, live); err != nil {
		return nil, err
	}

	log.CaptureInfo("fcb: mounted",
		slog.Uint64("head_sector", uint64(headInfo.idx)),
		slog.Uint64("tail_sector", uint64(tailInfo.idx)),
		slog.Uint64("sequence_id", uint64(h.currentSequenceID)),
		slog.Uint64("write_cursor", uint64(h.writeCursor)),
		slog.Uint64("read_cursor", uint64(h.readCursor)))

	return h, nil
}

// recoverCursors implements mount steps 5-7: recover write_cursor by
// scanning the head sector (allocating the next sector if the head is
// full), then recover read_cursor by walking live sectors in sequence_id
// order starting at the tail, looking for the first verifiably VALID
// record.
func recoverCursors(
	dev flashdev.Device,
	log *observability.FcbLogger,
	h *FcbHandle,
	headInfo, tailInfo sectorSurvey,
	live []sectorSurvey,
) error {
	headBase := flashdev.SectorBase(dev, headInfo.idx)
	headEnd := headBase + dev.SectorSize()
	offset, full := fcbformat.ScanHead(dev, headBase, headEnd)

	h.currentSequenceID = headInfo.header.SequenceID

	switch {
	case !full:
		h.writeCursor = headBase + offset
	case h.nextSector(headInfo.idx) == tailInfo.idx:
		// Every sector in range is in use and the head has less than two
		// record headers of room left: the buffer mounts successfully with
		// write_cursor on that remaining space. An Append whose record still
		// fits there succeeds; one that does not returns FULL while
		// read_cursor is in the sector after the head.
		h.writeCursor = headBase + offset
		log.CaptureWarn("fcb: mounted with the buffer already full",
			slog.Uint64("head_sector", uint64(headInfo.idx)))
	default:
		next := h.nextSector(headInfo.idx)
		h.currentSequenceID++
		fcbformat.Allocate(dev, next, h.currentSequenceID)
		h.writeCursor = flashdev.SectorBase(dev, next) + fcbformat.SectorHeaderSize
	}

	startIdx := 0
	for i, s := range live {
		if s.idx == tailInfo.idx {
			startIdx = i
			break
		}
	}

	readCursor := h.writeCursor
	for i := startIdx; i < len(live); i++ {
		s := live[i]
		base := flashdev.SectorBase(dev, s.idx)
		end := base + dev.SectorSize()

		if addr, found := scanForFirstValid(dev, log, base, end); found {
			readCursor = addr
			break
		}
		if s.idx == headInfo.idx {
			break
		}
	}

	h.readCursor = readCursor
	h.deleteCursor = readCursor
	return nil
}

// scanForFirstValid returns the offset of the first record in [base, end)
// whose status is VALID and whose payload_crc verifies. VALID records that
// fail their CRC check are logged and skipped, exactly as Peek would skip
// them at runtime, so mount recovery and live traversal agree on what
// counts as deliverable.
func scanForFirstValid(dev flashdev.Device, log *observability.FcbLogger, base, end uint32) (uint32, bool) {
	pos := base + fcbformat.SectorHeaderSize

	for pos < end {
		outcome, hdr := fcbformat.ReadRecord(dev, pos)
		switch outcome {
		case fcbformat.OutcomeValid:
			if _, ok := fcbformat.VerifyPayload(dev, pos, hdr); ok {
				return pos, true
			}
			log.CaptureWarn("fcb: corrupt record payload during mount scan",
				slog.Uint64("addr", uint64(pos)))
			pos += fcbformat.RecordHeaderSize + uint32(hdr.Len)
		case fcbformat.OutcomePopped:
			pos += fcbformat.RecordHeaderSize + uint32(hdr.Len)
		case fcbformat.OutcomeCorrupt:
			pos += fcbformat.CorruptSkipStride
		case fcbformat.OutcomeEndOfSectorFill, fcbformat.OutcomePartialWrite:
			return 0, false
		}
	}
	return 0, false
}
