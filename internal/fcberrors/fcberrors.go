// Package fcberrors defines a chainable error type for the flash circular
// buffer.
//
// `fmt.Errorf` is replaced by Newf, Enrichf and Bubblef:
//
//   - Newf constructs an error from a formatted message.
//   - Enrichf is like Newf, but it preserves an underlying error's data.
//     It is like using `fmt.Errorf` with the `%v` verb.
//   - Bubblef is like Enrichf, but it exposes the underlying error.
//     It is like using `fmt.Errorf` with the `%w` verb.
//
// The methods SkipSentryIf, Attr and Fingerprint enrich an error; all of
// them return the error itself to allow for method chaining:
//
//	return fcberrors.Enrichf(err, "mount: sector %d", sector).
//		Attr(slog.Int("sector", sector)).
//		Kind(fcberrors.KindCorruptHeader)
//
// Use Newf, Enrichf and Bubblef everywhere an error is created or wrapped so
// that Kind, attrs and Sentry fingerprinting survive the chain; a bare
// fmt.Errorf or errors.New silently drops all of that.
package fcberrors

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
)

// Kind classifies an error along the lines the mount and append/pop paths
// care about. Integrity failures discovered during scanning (KindCorrupt*)
// are recovered locally by the caller and never need to reach an
// application; they exist so logging and metrics can distinguish "this
// record was skipped" from "this call failed".
type Kind int

const (
	KindUnspecified Kind = iota
	KindInvalidArg
	KindFull
	KindEmpty
	KindCorruptHeader
	KindCorruptRecord
	KindDeviceError
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArg:
		return "invalid_arg"
	case KindFull:
		return "full"
	case KindEmpty:
		return "empty"
	case KindCorruptHeader:
		return "corrupt_header"
	case KindCorruptRecord:
		return "corrupt_record"
	case KindDeviceError:
		return "device_error"
	default:
		return "unspecified"
	}
}

// annotations is the Sentry/slog metadata an Error carries, split out of
// Error itself so wrap only ever has one thing to copy from a wrapped
// *Error rather than four separate field copies.
type annotations struct {
	kind        Kind
	noSentry    bool
	fingerprint []string
	attrs       map[string]slog.Value
}

func (a annotations) clone() annotations {
	return annotations{
		kind:        a.kind,
		noSentry:    a.noSentry,
		fingerprint: slices.Clone(a.fingerprint),
		attrs:       maps.Clone(a.attrs),
	}
}

func annotationsOf(err error) annotations {
	if fe, ok := err.(*Error); ok {
		return fe.annotations
	}
	return annotations{}
}

// Attrs returns any slog attrs stored in the error.
func Attrs(err error) []slog.Attr {
	a := annotationsOf(err)
	attrs := make([]slog.Attr, 0, len(a.attrs))
	for key, value := range a.attrs {
		attrs = append(attrs, slog.Attr{Key: key, Value: value})
	}
	return attrs
}

// Tags returns the Sentry tags stored in the error.
func Tags(err error) map[string]string {
	a := annotationsOf(err)
	if a.attrs == nil {
		return nil
	}
	tags := make(map[string]string, len(a.attrs))
	for key, value := range a.attrs {
		tags[key] = value.String()
	}
	return tags
}

// SkipSentry returns true if the error was marked as not needing to be
// captured.
func SkipSentry(err error) bool {
	return annotationsOf(err).noSentry
}

// ExtraFingerprint returns additional parts to include in the error's
// Sentry fingerprint.
func ExtraFingerprint(err error) []string {
	return annotationsOf(err).fingerprint
}

// KindOf reports the Kind attached to err, or KindUnspecified if err is not
// an *Error with a Kind set. Only err itself is inspected: an *Error wrapped
// inside another error type is not found.
func KindOf(err error) Kind {
	return annotationsOf(err).kind
}

// Error is a standard Go error enriched with a Kind, structured attrs for
// logging, and Sentry fingerprinting/suppression.
//
// Errors are not safe for concurrent use. Construct and mutate one in a
// single statement using method chaining.
type Error struct {
	msg string
	err error

	annotations
}

// Newf creates a new error using Sprintf to construct the message.
func Newf(format string, args ...any) *Error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Enrichf enriches an error without exposing it through `errors.Unwrap`.
//
// If the given error is already an *Error, its Kind, fingerprint and attrs
// are copied over, and SkipSentry is preserved.
func Enrichf(err error, format string, args ...any) *Error {
	return wrap(fmt.Sprintf(format, args...), err, joinMessageOnly)
}

// Bubblef is like Enrichf, but exposes the given error through
// `errors.Unwrap` so `errors.Is`/`errors.As` can match the inner error.
func Bubblef(err error, format string, args ...any) *Error {
	return wrap(fmt.Sprintf(format, args...), err, joinAndUnwrap)
}

// wrapMode distinguishes Enrichf's behavior (flatten the inner error into
// msg, no Unwrap) from Bubblef's (keep the inner error reachable via
// Unwrap).
type wrapMode int

const (
	joinMessageOnly wrapMode = iota
	joinAndUnwrap
)

func wrap(msg string, err error, mode wrapMode) *Error {
	if err == nil {
		panic("fcberrors: cannot wrap nil error")
	}

	wrapped := &Error{annotations: annotationsOf(err).clone()}

	switch {
	case mode == joinAndUnwrap:
		wrapped.msg = msg
		wrapped.err = err
	case msg == "":
		wrapped.msg = err.Error()
	default:
		wrapped.msg = fmt.Sprintf("%s: %v", msg, err)
	}

	return wrapped
}

// Kind sets the error's Kind and returns the error.
func (e *Error) Kind(kind Kind) *Error {
	e.kind = kind
	return e
}

// Attr associates structured data to the error and returns the error.
//
// It is included when the error is logged via slog, and added as a Sentry
// tag if the error is captured. An existing attr with the same key is
// overwritten.
func (e *Error) Attr(attr slog.Attr) *Error {
	if e.attrs == nil {
		e.attrs = make(map[string]slog.Value)
	}
	e.attrs[attr.Key] = attr.Value
	return e
}

// SkipSentryIf marks the error as one that should not be uploaded to Sentry
// if condition is true, and returns it. The KindEmpty and KindFull errors
// package fcb returns are marked this way: they're expected conditions, not
// incidents.
func (e *Error) SkipSentryIf(condition bool) *Error {
	e.noSentry = e.noSentry || condition
	return e
}

// Fingerprint appends to the error's Sentry fingerprint and returns the
// error, grouping events that share the fingerprint into one issue.
func (e *Error) Fingerprint(parts ...string) *Error {
	e.fingerprint = append(e.fingerprint, parts...)
	return e
}

// Error implements error.
func (e *Error) Error() string {
	switch {
	case e.err == nil:
		return e.msg
	case e.msg == "":
		return e.err.Error()
	default:
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
}

// Unwrap returns the inner error, for use with errors.Is/errors.As.
func (e *Error) Unwrap() error {
	return e.err
}
