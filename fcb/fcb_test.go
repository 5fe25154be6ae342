package fcb_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashfcb/fcb/fcb"
	"github.com/flashfcb/fcb/internal/fcberrors"
	"github.com/flashfcb/fcb/pkg/fcbformat"
	"github.com/flashfcb/fcb/pkg/flashdev"
)

const smallSectorSize = 128

func mustMount(t *testing.T, dev flashdev.Device, first, last uint32) *fcb.FcbHandle {
	t.Helper()
	h, err := fcb.Mount(dev, fcb.Config{FirstSector: first, LastSector: last})
	require.NoError(t, err)
	return h
}

// S1: empty mount.
func TestMountEmptyBuffer(t *testing.T) {
	d := flashdev.NewMemDevice(smallSectorSize, 4)
	h := mustMount(t, d, 0, 3)

	assert.Equal(t, uint32(0), h.CurrentSequenceID())

	wantCursor := uint32(0x10)
	assert.Equal(t, wantCursor, flashdev.SectorBase(d, 0)+fcbformat.SectorHeaderSize)

	_, err := h.Peek()
	require.Error(t, err)
	assert.Equal(t, fcberrors.KindEmpty, fcberrors.KindOf(err))
}

// S2: single append, simulated power loss, remount.
func TestAppendThenRemountThenPeekPop(t *testing.T) {
	d := flashdev.NewMemDevice(smallSectorSize, 4)
	h := mustMount(t, d, 0, 3)

	require.NoError(t, h.Append([]byte("hello")))

	image := d.Snapshot()
	d2 := flashdev.NewMemDeviceFromImage(smallSectorSize, 4, image)
	h2 := mustMount(t, d2, 0, 3)

	payload, err := h2.Peek()
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)

	require.NoError(t, h2.Pop())

	_, err = h2.Peek()
	assert.Equal(t, fcberrors.KindEmpty, fcberrors.KindOf(err))
}

// S3: sector rollover once the current sector can't fit another record's
// worth of headroom.
func TestAppendRollsOverToNextSector(t *testing.T) {
	d := flashdev.NewMemDevice(smallSectorSize, 4)
	h := mustMount(t, d, 0, 3)

	require.NoError(t, h.Append(make([]byte, 90)))
	assert.Equal(t, uint32(1), h.CurrentSequenceID())

	require.NoError(t, h.Append([]byte("x")))
	assert.Equal(t, uint32(2), h.CurrentSequenceID())

	class, header := fcbformat.Classify(d, 1)
	require.Equal(t, fcbformat.SectorAllocated, class)
	assert.Equal(t, uint32(2), header.SequenceID)
}

// S4: a record whose status word never landed reads back as a partial
// write and is treated as the mount-time end of the sector's data.
func TestMountRecoversFromTornWrite(t *testing.T) {
	d := flashdev.NewMemDevice(smallSectorSize, 4)
	fcbformat.Allocate(d, 0, 1)

	addr := flashdev.SectorBase(d, 0) + fcbformat.SectorHeaderSize
	// magic=0xA55A, len=5, crc=0 -- status left at its erased value.
	d.WriteAt(addr, []byte{0x5A, 0xA5, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00})

	h := mustMount(t, d, 0, 3)

	// write_cursor and read_cursor both land at the partial record's
	// address, so the buffer mounts as empty.
	_, err := h.Peek()
	assert.Equal(t, fcberrors.KindEmpty, fcberrors.KindOf(err))
}

// S5: a bit flip in one record's payload is skipped transparently; the
// records before and after it are still delivered in order.
func TestPeekSkipsCorruptRecord(t *testing.T) {
	d := flashdev.NewMemDevice(smallSectorSize, 4)
	h := mustMount(t, d, 0, 3)

	require.NoError(t, h.Append([]byte("record one")))
	secondAddr := flashdev.SectorBase(d, 0) + fcbformat.SectorHeaderSize +
		fcbformat.RecordHeaderSize + uint32(len("record one"))
	require.NoError(t, h.Append([]byte("record two")))
	require.NoError(t, h.Append([]byte("record three")))

	// Flip a bit in the middle record's payload after the fact: clear the
	// lowest set bit of its first byte (flash writes can only clear bits).
	var b [1]byte
	d.ReadAt(secondAddr+fcbformat.RecordHeaderSize, b[:])
	d.WriteAt(secondAddr+fcbformat.RecordHeaderSize, []byte{b[0] & (b[0] - 1)})

	payload, err := h.Peek()
	require.NoError(t, err)
	assert.Equal(t, []byte("record one"), payload)
	require.NoError(t, h.Pop())

	payload, err = h.Peek()
	require.NoError(t, err)
	assert.Equal(t, []byte("record three"), payload)
	require.NoError(t, h.Pop())

	_, err = h.Peek()
	assert.Equal(t, fcberrors.KindEmpty, fcberrors.KindOf(err))
	assert.Equal(t, uint64(1), h.CorruptRecordCount())
}

// S6: appending until the buffer is full leaves both sectors ALLOCATED
// with adjacent sequence ids, and the writer's next sector is the one the
// reader still owns.
func TestAppendReturnsFullWhenBufferExhausted(t *testing.T) {
	d := flashdev.NewMemDevice(smallSectorSize, 2)
	h := mustMount(t, d, 0, 1)

	var lastErr error
	for i := 0; i < 100; i++ {
		if err := h.Append([]byte("x")); err != nil {
			lastErr = err
			break
		}
	}

	require.Error(t, lastErr)
	assert.Equal(t, fcberrors.KindFull, fcberrors.KindOf(lastErr))

	class0, header0 := fcbformat.Classify(d, 0)
	class1, header1 := fcbformat.Classify(d, 1)
	require.Equal(t, fcbformat.SectorAllocated, class0)
	require.Equal(t, fcbformat.SectorAllocated, class1)

	diff := int32(header1.SequenceID) - int32(header0.SequenceID)
	if diff < 0 {
		diff = -diff
	}
	assert.Equal(t, int32(1), diff)
}

// Round-trip law: append; peek == payload; pop returns to the pre-append
// empty state.
func TestAppendPeekPopRoundTrip(t *testing.T) {
	d := flashdev.NewMemDevice(smallSectorSize, 4)
	h := mustMount(t, d, 0, 3)

	_, err := h.Peek()
	require.Equal(t, fcberrors.KindEmpty, fcberrors.KindOf(err))

	require.NoError(t, h.Append([]byte("payload")))
	payload, err := h.Peek()
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), payload)

	require.NoError(t, h.Pop())
	_, err = h.Peek()
	assert.Equal(t, fcberrors.KindEmpty, fcberrors.KindOf(err))
}

// Round-trip law: mount; mount; mount is idempotent on a quiescent image.
func TestRepeatedMountIsIdempotent(t *testing.T) {
	d := flashdev.NewMemDevice(smallSectorSize, 4)
	h := mustMount(t, d, 0, 3)
	require.NoError(t, h.Append([]byte("stable")))

	image := d.Snapshot()

	var firstWrite, firstRead uint32
	for i := 0; i < 3; i++ {
		dn := flashdev.NewMemDeviceFromImage(smallSectorSize, 4, image)
		hn := mustMount(t, dn, 0, 3)
		if i == 0 {
			firstWrite = hn.CurrentSequenceID()
			payload, err := hn.Peek()
			require.NoError(t, err)
			firstRead = uint32(len(payload))
		} else {
			assert.Equal(t, firstWrite, hn.CurrentSequenceID())
			payload, err := hn.Peek()
			require.NoError(t, err)
			assert.Equal(t, firstRead, uint32(len(payload)))
		}
	}
}

func TestAppendRejectsEmptyAndOversizedPayload(t *testing.T) {
	d := flashdev.NewMemDevice(smallSectorSize, 4)
	h := mustMount(t, d, 0, 3)

	err := h.Append(nil)
	assert.Equal(t, fcberrors.KindInvalidArg, fcberrors.KindOf(err))

	tooBig := make([]byte, smallSectorSize)
	err = h.Append(tooBig)
	assert.Equal(t, fcberrors.KindInvalidArg, fcberrors.KindOf(err))
}

func TestEraseAllResetsToEmpty(t *testing.T) {
	d := flashdev.NewMemDevice(smallSectorSize, 4)
	h := mustMount(t, d, 0, 3)
	require.NoError(t, h.Append([]byte("gone soon")))

	require.NoError(t, h.EraseAll())

	assert.Equal(t, uint32(0), h.CurrentSequenceID())
	_, err := h.Peek()
	assert.Equal(t, fcberrors.KindEmpty, fcberrors.KindOf(err))
}

func TestMountRejectsSingleSectorRange(t *testing.T) {
	d := flashdev.NewMemDevice(smallSectorSize, 4)
	_, err := fcb.Mount(d, fcb.Config{FirstSector: 0, LastSector: 0})
	assert.Equal(t, fcberrors.KindInvalidArg, fcberrors.KindOf(err))
}

func TestMountRejectsOutOfRangeSectors(t *testing.T) {
	d := flashdev.NewMemDevice(smallSectorSize, 4)
	_, err := fcb.Mount(d, fcb.Config{FirstSector: 0, LastSector: 10})
	assert.Equal(t, fcberrors.KindInvalidArg, fcberrors.KindOf(err))
}
