// Package observability wires structured logging (log/slog) to optional
// Sentry error reporting for the flash circular buffer core. Mount and
// scan-recovery events are logged through here rather than with bare slog
// calls so that corruption events get rate-limited Sentry capture and a
// consistent set of log attributes (mount id, format version, environment)
// for free.
package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/flashfcb/fcb/internal/fcberrors"
)

type Tags map[string]string

// NewTags builds a Tags map from a mix of slog.Attr and (key string, value
// any) pairs. Incomplete pairs and other argument types are ignored.
func NewTags(args ...any) Tags {
	var done bool
	tags := Tags{}
	for len(args) > 0 && !done {
		switch x := args[0].(type) {
		case slog.Attr:
			tags[x.Key] = x.Value.String()
			args = args[1:]
		case string:
			if len(args) < 2 {
				done = true
				break
			}
			attr := slog.Any(x, args[1])
			tags[attr.Key] = attr.Value.String()
			args = args[2:]
		default:
			args = args[1:]
		}
	}
	return tags
}

const LevelFatal = slog.Level(12)

// sentrySink bundles a Sentry hub with the mutex guarding scope mutations
// against it and the flush timeout used before a fatal capture re-panics.
// Keeping this as its own type rather than three loose fields on FcbLogger
// means "Sentry is disabled" is a single nil *sentrySink check, and cloning
// a logger (With) only ever has one thing to decide whether to clone.
type sentrySink struct {
	mu           sync.Mutex
	hub          *sentry.Hub
	flushTimeout time.Duration
}

func newSentrySink(hub *sentry.Hub, flushTimeout time.Duration) *sentrySink {
	if hub == nil {
		return nil
	}
	return &sentrySink{hub: hub.Clone(), flushTimeout: flushTimeout}
}

// clone returns a sink wrapping a fresh clone of the underlying hub, or nil
// if Sentry is disabled. Each derived FcbLogger (via With) gets its own hub
// clone so that per-logger scope tags don't leak across derived loggers.
func (s *sentrySink) clone() *sentrySink {
	if s == nil {
		return nil
	}
	return &sentrySink{hub: s.hub.Clone(), flushTimeout: s.flushTimeout}
}

func (s *sentrySink) captureException(err error, tags Tags) {
	if s == nil || fcberrors.SkipSentry(err) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hub.WithScope(func(scope *sentry.Scope) {
		maps.Copy(tags, fcberrors.Tags(err))
		scope.SetTags(tags)
		if fp := fcberrors.ExtraFingerprint(err); len(fp) > 0 {
			scope.SetFingerprint(fp)
		}
		s.hub.CaptureException(err)
	})
}

func (s *sentrySink) captureMessage(msg string, tags Tags) {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		s.hub.CaptureMessage(msg)
	})
}

// flush blocks until pending events are delivered or flushTimeout elapses,
// reporting whether delivery completed in time. A nil sink always reports
// success: there's nothing to flush when Sentry is disabled.
func (s *sentrySink) flush() bool {
	if s == nil {
		return true
	}
	return s.hub.Flush(s.flushTimeout)
}

// FcbLogger wraps a slog.Logger with optional Sentry capture for the
// warnings the mount/recovery and append/pop paths raise: corrupt record
// payloads, a buffer mounted already full, and sector erases faster than
// the configured rate.
type FcbLogger struct {
	*slog.Logger

	sink *sentrySink // nil if Sentry is disabled

	baseTags Tags

	captureRateLimiter *CaptureRateLimiter
}

const (
	captureRateLimiterCacheSize = 100
	captureMinInterval          = 5 * time.Minute
	captureMaxInterval          = 2 * time.Hour
	sentryFlushTimeout          = 2 * time.Second
)

// NewFcbLogger returns a logger that writes to logger and, if sentryHub is
// non-nil, uploads captured messages using a clone of it.
func NewFcbLogger(logger *slog.Logger, sentryHub *sentry.Hub) *FcbLogger {
	captureRateLimiter, err := NewCaptureRateLimiter(
		captureRateLimiterCacheSize,
		captureMinInterval,
		captureMaxInterval,
	)
	if err != nil {
		// Shouldn't happen; fall back to a nil limiter, which lets
		// everything through instead of panicking.
		logger.Error(fmt.Sprintf(
			"observability: couldn't make CaptureRateLimiter: %v", err))
	}

	return &FcbLogger{
		Logger:             logger,
		sink:               newSentrySink(sentryHub, sentryFlushTimeout),
		baseTags:           make(Tags),
		captureRateLimiter: captureRateLimiter,
	}
}

func (cl *FcbLogger) withArgs(args ...any) Tags {
	tags := NewTags(args...)
	maps.Copy(tags, cl.baseTags)
	return tags
}

// SetGlobalTags updates tags shared by this logger and all loggers derived
// from it via With. These take precedence over tags built from a Capture
// call's own args.
func (cl *FcbLogger) SetGlobalTags(tags Tags) {
	maps.Copy(cl.baseTags, tags)
}

// With returns a derived logger that includes the given args in every
// message, e.g. a mount session id so every log line from one Mount call
// can be correlated.
func (cl *FcbLogger) With(args ...any) *FcbLogger {
	return &FcbLogger{
		Logger:             cl.Logger.With(args...),
		sink:               cl.sink.clone(),
		baseTags:           cl.baseTags,
		captureRateLimiter: cl.captureRateLimiter,
	}
}

// CaptureError logs an error and sends it to Sentry.
func (cl *FcbLogger) CaptureError(err error, args ...any) {
	cl.Error(err.Error(), args...)
	cl.captureException(err, args...)
}

// CaptureFatal logs a fatal error, uploads it to Sentry, and blocks for up
// to the configured flush timeout so the event has a chance to make it out
// before a caller that's about to crash tears the process down.
func (cl *FcbLogger) CaptureFatal(err error, args ...any) {
	cl.Log(context.Background(), LevelFatal, err.Error(), args...)
	cl.captureException(err, args...)
	if !cl.sink.flush() {
		cl.Error("observability: failed to flush Sentry before fatal")
	}
}

// CaptureWarn logs a warning and sends it to Sentry, subject to the rate
// limiter. This is the path mount/recovery and Peek use for corrupt
// records: the event is real but already locally recovered from,
// so it's a warning, not an error.
func (cl *FcbLogger) CaptureWarn(msg string, args ...any) {
	cl.Warn(msg, args...)
	cl.captureMessage(msg, args...)
}

// CaptureInfo logs an info message and sends it to Sentry.
func (cl *FcbLogger) CaptureInfo(msg string, args ...any) {
	cl.Info(msg, args...)
	cl.captureMessage(msg, args...)
}

func (cl *FcbLogger) captureException(err error, args ...any) {
	if cl.sink == nil || !cl.captureRateLimiter.AllowCapture(err.Error()) {
		return
	}
	cl.sink.captureException(err, cl.withArgs(args...))
}

func (cl *FcbLogger) captureMessage(msg string, args ...any) {
	if cl.sink == nil || !cl.captureRateLimiter.AllowCapture(msg) {
		return
	}
	cl.sink.captureMessage(msg, cl.withArgs(args...))
}

// Reraise logs a panic, uploads it to Sentry, flushes the upload, and
// re-panics. Meant to be deferred at the top of a goroutine that drives
// mount or a long scan, so a crash during recovery still reaches Sentry
// before the goroutine dies.
func (cl *FcbLogger) Reraise(args ...any) {
	panicErr := recover()
	if panicErr == nil {
		return
	}

	if err, ok := panicErr.(error); ok {
		cl.CaptureFatal(err, args...)
	} else {
		cl.CaptureFatal(fmt.Errorf("%v", panicErr), args...)
	}

	panic(panicErr)
}

// GetTags returns the tags associated with the logger. Used for testing.
func (cl *FcbLogger) GetTags() Tags {
	return cl.baseTags
}

// NewNoOpLogger returns a logger that discards all messages and never talks
// to Sentry. Used as the default when the caller doesn't supply one.
func NewNoOpLogger() *FcbLogger {
	return NewFcbLogger(slog.New(slog.NewJSONHandler(io.Discard, nil)), nil)
}
