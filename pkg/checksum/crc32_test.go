package checksum_test

import (
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flashfcb/fcb/pkg/checksum"
)

func TestSumMatchesStdlibIEEE(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")
	assert.Equal(t, crc32.ChecksumIEEE(data), checksum.Sum(data))
}

func TestSumEmpty(t *testing.T) {
	assert.Equal(t, crc32.ChecksumIEEE(nil), checksum.Sum(nil))
}

func TestVerify(t *testing.T) {
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	want := checksum.Sum(data)

	assert.True(t, checksum.Verify(data, want))
	assert.False(t, checksum.Verify(data, want+1))

	data[0] ^= 0xFF
	assert.False(t, checksum.Verify(data, want))
}
