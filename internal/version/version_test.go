package version_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flashfcb/fcb/internal/version"
)

func TestParse(t *testing.T) {
	f := version.Parse("1.2.3.dev4")
	assert.Equal(t, 1, f.Major)
	assert.Equal(t, 2, f.Minor)
	assert.Equal(t, 3, f.Patch)
	assert.Equal(t, "1.2.3.dev4", f.String())
}

func TestCompatibleWithSameMajorNewerMinor(t *testing.T) {
	f := version.Parse("1.2.0")
	min := version.Parse("1.0.0")
	assert.True(t, f.CompatibleWith(min))
}

func TestCompatibleWithDifferentMajorIsIncompatible(t *testing.T) {
	f := version.Parse("2.0.0")
	min := version.Parse("1.0.0")
	assert.False(t, f.CompatibleWith(min))
}

func TestCompatibleWithOlderMinorIsIncompatible(t *testing.T) {
	f := version.Parse("1.0.0")
	min := version.Parse("1.5.0")
	assert.False(t, f.CompatibleWith(min))
}

func TestCheckCompatibleAcceptsCurrentFormat(t *testing.T) {
	assert.NoError(t, version.CheckCompatible(version.Current.String()))
}

func TestCheckCompatibleRejectsFutureMajor(t *testing.T) {
	err := version.CheckCompatible("99.0.0")
	assert.Error(t, err)
}

func TestEnvironmentIsDevelopmentForDevBuild(t *testing.T) {
	assert.Equal(t, "development", version.Environment)
}
