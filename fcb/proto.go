package fcb

import (
	"google.golang.org/protobuf/proto"

	"github.com/flashfcb/fcb/internal/fcberrors"
)

// AppendProto marshals msg and appends it as a single record. It's a thin
// convenience over Append for callers whose payloads are already protobuf
// messages (telemetry events, config deltas), following the same
// marshal-then-store-the-bytes approach as a write-ahead log store built
// over this package's underlying record format.
func (h *FcbHandle) AppendProto(msg proto.Message) error {
	out, err := proto.Marshal(msg)
	if err != nil {
		return fcberrors.Bubblef(err, "fcb: marshaling proto payload").
			Kind(fcberrors.KindInvalidArg)
	}
	return h.Append(out)
}

// PeekProto reads the oldest unpopped record and unmarshals it into msg.
func (h *FcbHandle) PeekProto(msg proto.Message) error {
	payload, err := h.Peek()
	if err != nil {
		return err
	}
	if err := proto.Unmarshal(payload, msg); err != nil {
		return fcberrors.Bubblef(err, "fcb: unmarshaling proto payload").
			Kind(fcberrors.KindCorruptRecord)
	}
	return nil
}
