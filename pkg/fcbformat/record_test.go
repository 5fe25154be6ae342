package fcbformat_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashfcb/fcb/pkg/fcbformat"
	"github.com/flashfcb/fcb/pkg/flashdev"
)

const testSectorSize = 128

func newAllocatedSector(t *testing.T) (*flashdev.MemDevice, uint32) {
	t.Helper()
	d := flashdev.NewMemDevice(testSectorSize, 4)
	fcbformat.Allocate(d, 0, 1)
	return d, flashdev.SectorBase(d, 0) + fcbformat.SectorHeaderSize
}

func TestReadRecordEndOfSectorFillOnFreshSpace(t *testing.T) {
	d, addr := newAllocatedSector(t)

	outcome, _ := fcbformat.ReadRecord(d, addr)
	assert.Equal(t, fcbformat.OutcomeEndOfSectorFill, outcome)
}

func TestWriteRecordThenReadRecordValid(t *testing.T) {
	d, addr := newAllocatedSector(t)
	payload := []byte("hello")

	fcbformat.WriteRecord(d, addr, payload)

	outcome, hdr := fcbformat.ReadRecord(d, addr)
	require.Equal(t, fcbformat.OutcomeValid, outcome)
	assert.Equal(t, uint16(len(payload)), hdr.Len)

	got, ok := fcbformat.VerifyPayload(d, addr, hdr)
	require.True(t, ok)
	assert.Equal(t, payload, got)
}

func TestMarkPoppedTransitionsStatus(t *testing.T) {
	d, addr := newAllocatedSector(t)
	fcbformat.WriteRecord(d, addr, []byte("x"))

	fcbformat.MarkPopped(d, addr)

	outcome, _ := fcbformat.ReadRecord(d, addr)
	assert.Equal(t, fcbformat.OutcomePopped, outcome)
}

func TestReadRecordPartialWriteWhenStatusNeverLands(t *testing.T) {
	// Simulate a torn write by writing only the first 8 bytes of the
	// header (magic, len, crc) directly, leaving status at its erased
	// 0xFFFFFFFF value, exactly as WriteRecord would leave it if power
	// was lost between its first and second writes.
	d, addr := newAllocatedSector(t)
	d.WriteAt(addr, []byte{0x5A, 0xA5, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00})

	outcome, _ := fcbformat.ReadRecord(d, addr)
	assert.Equal(t, fcbformat.OutcomePartialWrite, outcome)
}

func TestReadRecordCorruptOnGarbageMagic(t *testing.T) {
	d, addr := newAllocatedSector(t)
	d.WriteAt(addr, []byte{0x12, 0x34, 0x00, 0x00})

	outcome, _ := fcbformat.ReadRecord(d, addr)
	assert.Equal(t, fcbformat.OutcomeCorrupt, outcome)
}

func TestVerifyPayloadDetectsBitFlip(t *testing.T) {
	d, addr := newAllocatedSector(t)
	payload := []byte("integrity")
	fcbformat.WriteRecord(d, addr, payload)

	_, hdr := fcbformat.ReadRecord(d, addr)

	corrupt := flashdev.NewMemDeviceFromImage(testSectorSize, 4, d.Snapshot())
	corrupt.WriteAt(addr+fcbformat.RecordHeaderSize, []byte{0x00})

	_, ok := fcbformat.VerifyPayload(corrupt, addr, hdr)
	assert.False(t, ok)
}

func TestScanHeadAdvancesPastWrittenRecords(t *testing.T) {
	d, base := newAllocatedSector(t)
	fcbformat.WriteRecord(d, base, []byte("one"))
	next := base + fcbformat.RecordHeaderSize + 3
	fcbformat.WriteRecord(d, next, []byte("two"))

	sectorBase := flashdev.SectorBase(d, 0)
	sectorEnd := sectorBase + testSectorSize

	offset, full := fcbformat.ScanHead(d, sectorBase, sectorEnd)
	assert.False(t, full)
	assert.Equal(t, next+fcbformat.RecordHeaderSize+3, offset)
}

func TestScanHeadReportsFullNearSectorEnd(t *testing.T) {
	d := flashdev.NewMemDevice(testSectorSize, 2)
	fcbformat.Allocate(d, 0, 1)

	sectorBase := flashdev.SectorBase(d, 0)
	sectorEnd := sectorBase + testSectorSize
	maxPayload := fcbformat.MaxPayload(testSectorSize)

	// Fill with one record that leaves less than 2 record headers of room.
	addr := sectorBase + fcbformat.SectorHeaderSize
	payload := make([]byte, maxPayload-fcbformat.RecordHeaderSize+1)
	fcbformat.WriteRecord(d, addr, payload)

	_, full := fcbformat.ScanHead(d, sectorBase, sectorEnd)
	assert.True(t, full)
}

func TestScanTailFindsFirstWrittenRecord(t *testing.T) {
	d, base := newAllocatedSector(t)
	fcbformat.WriteRecord(d, base, []byte("first"))

	sectorBase := flashdev.SectorBase(d, 0)
	sectorEnd := sectorBase + testSectorSize

	offset, found := fcbformat.ScanTail(d, sectorBase, sectorEnd)
	require.True(t, found)
	assert.Equal(t, base, offset)
}

func TestScanTailEmptySector(t *testing.T) {
	d := flashdev.NewMemDevice(testSectorSize, 2)
	fcbformat.Allocate(d, 0, 1)

	sectorBase := flashdev.SectorBase(d, 0)
	sectorEnd := sectorBase + testSectorSize

	_, found := fcbformat.ScanTail(d, sectorBase, sectorEnd)
	assert.False(t, found)
}
