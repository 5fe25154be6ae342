package observability_test

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flashfcb/fcb/internal/observability"
)

func TestNewTags(t *testing.T) {
	testCases := []struct {
		name   string
		input  []any
		expect observability.Tags
	}{
		{
			name:   "from slog.Attr",
			input:  []any{slog.Attr{Key: "sector", Value: slog.Int64Value(3)}},
			expect: observability.Tags{"sector": "3"},
		},
		{
			name:   "from string/value pair",
			input:  []any{"mount_id", "abc"},
			expect: observability.Tags{"mount_id": "abc"},
		},
		{
			name:   "from empty input",
			input:  []any{},
			expect: observability.Tags{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, observability.NewTags(tc.input...))
		})
	}
}

func TestSetGlobalTagsAppliesToDerivedLoggers(t *testing.T) {
	log := observability.NewNoOpLogger()
	log.SetGlobalTags(observability.Tags{"mount_id": "m-1"})

	derived := log.With(slog.String("sector", "2"))
	assert.Equal(t, "m-1", derived.GetTags()["mount_id"])
}

func TestNewNoOpLoggerDoesNotPanic(t *testing.T) {
	log := observability.NewNoOpLogger()
	assert.NotPanics(t, func() {
		log.Info("mounted")
		log.CaptureWarn("corrupt record skipped")
	})
}
