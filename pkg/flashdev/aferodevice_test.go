package flashdev_test

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flashfcb/fcb/pkg/flashdev"
)

func TestOpenAferoDeviceCreatesErasedImage(t *testing.T) {
	fs := afero.NewMemMapFs()

	d, err := flashdev.OpenAferoDevice(fs, "/flash.img", 64, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(64), d.SectorSize())
	assert.Equal(t, uint32(4), d.SectorCount())

	info, err := fs.Stat("/flash.img")
	require.NoError(t, err)
	assert.Equal(t, int64(64*4), info.Size())

	buf := make([]byte, 64*4)
	d.ReadAt(0, buf)
	for _, b := range buf {
		assert.Equal(t, byte(0xFF), b)
	}
}

func TestAferoDeviceWriteAtOnlyClearsBits(t *testing.T) {
	fs := afero.NewMemMapFs()
	d, err := flashdev.OpenAferoDevice(fs, "/flash.img", 64, 2)
	require.NoError(t, err)

	d.WriteAt(0, []byte{0x0F})
	d.WriteAt(0, []byte{0xFF})

	got := make([]byte, 1)
	d.ReadAt(0, got)
	assert.Equal(t, byte(0x0F), got[0], "a later write full of 1 bits must not resurrect cleared bits")
}

func TestAferoDeviceEraseSectorResetsOnlyThatSector(t *testing.T) {
	fs := afero.NewMemMapFs()
	d, err := flashdev.OpenAferoDevice(fs, "/flash.img", 64, 2)
	require.NoError(t, err)

	d.WriteAt(0, []byte{0x00})
	d.WriteAt(64, []byte{0x00})

	d.EraseSector(0)

	gotSector0 := make([]byte, 1)
	gotSector1 := make([]byte, 1)
	d.ReadAt(0, gotSector0)
	d.ReadAt(64, gotSector1)
	assert.Equal(t, byte(0xFF), gotSector0[0])
	assert.Equal(t, byte(0x00), gotSector1[0])
}

func TestOpenAferoDeviceReopenRecoversExistingImage(t *testing.T) {
	fs := afero.NewMemMapFs()

	d1, err := flashdev.OpenAferoDevice(fs, "/flash.img", 64, 2)
	require.NoError(t, err)
	d1.WriteAt(0, []byte("hello"))

	d2, err := flashdev.OpenAferoDevice(fs, "/flash.img", 64, 2)
	require.NoError(t, err)

	got := make([]byte, 5)
	d2.ReadAt(0, got)
	assert.Equal(t, []byte("hello"), got)
}

func TestOpenAferoDeviceRejectsMismatchedSize(t *testing.T) {
	fs := afero.NewMemMapFs()

	_, err := flashdev.OpenAferoDevice(fs, "/flash.img", 64, 2)
	require.NoError(t, err)

	_, err = flashdev.OpenAferoDevice(fs, "/flash.img", 64, 4)
	assert.Error(t, err)
}

func TestAferoDeviceOutOfRangeIsNoOp(t *testing.T) {
	fs := afero.NewMemMapFs()
	d, err := flashdev.OpenAferoDevice(fs, "/flash.img", 64, 2)
	require.NoError(t, err)

	d.WriteAt(1000, []byte{0x00})

	got := make([]byte, 1)
	d.ReadAt(1000, got)
	assert.Equal(t, byte(0), got[0], "reading out of range should not panic and yields the zero value")
}
