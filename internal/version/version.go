// Package version identifies the on-disk sector/record format this build
// writes and reads, and the "environment" log attribute derived from it.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Environment is the "environment" log attribute Mount attaches:
// "development" for any build whose Current format string contains "dev",
// "production" otherwise.
var Environment string

// Format is a parsed major.minor.patch on-disk format version. Only Major
// and Minor participate in compatibility: a patch bump never changes sector
// or record header layout, only bug fixes within the existing layout.
type Format struct {
	Major, Minor, Patch int
	raw                 string
}

// Parse splits a "major.minor.patch[.suffix]" string into a Format. Parse
// never errors on a malformed component; it zeroes that component instead,
// since the strings here are compiled-in constants, not user input.
func Parse(s string) Format {
	f := Format{raw: s}
	parts := strings.SplitN(s, ".", 4)
	nums := [3]*int{&f.Major, &f.Minor, &f.Patch}
	for i, n := range nums {
		if i >= len(parts) {
			break
		}
		*n, _ = strconv.Atoi(parts[i])
	}
	return f
}

func (f Format) String() string { return f.raw }

// CompatibleWith reports whether f can mount an on-disk image written under
// format min, i.e. f has the same major version as min and a minor version
// at least min's. A major bump means
// the sector or record header layout changed incompatibly; a minor bump
// means it only grew in a backward-compatible way (e.g. a new optional
// header field mount can ignore).
func (f Format) CompatibleWith(min Format) bool {
	if f.Major != min.Major {
		return false
	}
	return f.Minor >= min.Minor
}

// Current is the on-disk format this build writes and the newest one it
// will mount against. Bump Current whenever the sector or record header
// layout changes in a way that isn't self-describing from the magic/CRC
// fields alone; bump MinCompatible only when an old layout becomes
// unreadable entirely.
var (
	Current       = Parse("1.0.0.dev1")
	MinCompatible = Parse("1.0.0")
)

func init() {
	if strings.Contains(Current.raw, "dev") {
		Environment = "development"
	} else {
		Environment = "production"
	}
}

// CheckCompatible returns an error if Current cannot mount an image written
// under onDiskFormat.
func CheckCompatible(onDiskFormat string) error {
	f := Parse(onDiskFormat)
	if !Current.CompatibleWith(f) || !f.CompatibleWith(MinCompatible) {
		return fmt.Errorf(
			"on-disk format %s is incompatible with this build (current %s, minimum %s)",
			onDiskFormat, Current, MinCompatible)
	}
	return nil
}
