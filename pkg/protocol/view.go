package protocol

import (
	"bytes"

	"github.com/ajitpratap0/nebula-sink/pkg/json"
	"github.com/ajitpratap0/nebula-sink/pkg/nebulaerrors"
)

// MessageView is a partially decoded protocol message. It carries the routing
// fields and the original bytes; the body is decoded only by Materialize.
//
// A MessageView is immutable after Parse and safe to share between goroutines.
type MessageView struct {
	raw       []byte
	typ       MessageType
	key       StreamKey
	emittedAt int64
	stateType StateType
}

// envelope lists the only fields Parse looks at. Unknown fields are skipped by
// the decoder without being materialized.
type envelope struct {
	Type   MessageType `json:"type"`
	Record *struct {
		Stream    string `json:"stream"`
		Namespace string `json:"namespace"`
		EmittedAt int64  `json:"emitted_at"`
	} `json:"record"`
	State *struct {
		Type   StateType `json:"type"`
		Stream *struct {
			StreamDescriptor StreamDescriptor `json:"stream_descriptor"`
		} `json:"stream"`
	} `json:"state"`
}

// Parse extracts the routing fields of one protocol line. The line is copied,
// so callers may reuse their read buffer. Malformed or unroutable input yields
// (nil, false); Parse never panics on bad input.
func Parse(line []byte) (*MessageView, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return nil, false
	}

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, false
	}

	v := &MessageView{typ: env.Type}
	switch env.Type {
	case "":
		return nil, false
	case MessageTypeRecord:
		if env.Record == nil || env.Record.Stream == "" {
			return nil, false
		}
		v.key = StreamKey{Name: env.Record.Stream, Namespace: env.Record.Namespace}
		v.emittedAt = env.Record.EmittedAt
	case MessageTypeState:
		if env.State == nil {
			return nil, false
		}
		v.stateType = env.State.Type
		if v.stateType == "" {
			v.stateType = StateTypeLegacy
		}
		switch v.stateType {
		case StateTypeStream:
			if env.State.Stream == nil || env.State.Stream.StreamDescriptor.Name == "" {
				return nil, false
			}
			v.key = env.State.Stream.StreamDescriptor.Key()
		case StateTypeGlobal, StateTypeLegacy:
		default:
			return nil, false
		}
	}

	v.raw = append(make([]byte, 0, len(line)), line...)
	return v, true
}

// Type returns the message type.
func (v *MessageView) Type() MessageType { return v.typ }

// Key returns the stream of a record or of a STREAM state. It is the zero
// value for every other message.
func (v *MessageView) Key() StreamKey { return v.key }

// EmittedAt returns the record emission time in epoch milliseconds.
func (v *MessageView) EmittedAt() int64 { return v.emittedAt }

// StateType returns the declared state type, or "" for non-state messages.
func (v *MessageView) StateType() StateType { return v.stateType }

// Raw returns the original message bytes without the trailing newline.
// The returned slice must not be modified.
func (v *MessageView) Raw() []byte { return v.raw }

// Size is the number of bytes the message occupies in a buffer.
func (v *MessageView) Size() int64 { return int64(len(v.raw)) }

// IsRecord reports whether the message is a RECORD.
func (v *MessageView) IsRecord() bool { return v.typ == MessageTypeRecord }

// IsState reports whether the message is a STATE.
func (v *MessageView) IsState() bool { return v.typ == MessageTypeState }

// WithDefaultNamespace returns a view routed to namespace when the message did
// not declare one. The raw bytes are shared and left untouched.
func (v *MessageView) WithDefaultNamespace(namespace string) *MessageView {
	if namespace == "" || v.key.Namespace != "" || v.key.Name == "" {
		return v
	}
	clone := *v
	clone.key.Namespace = namespace
	return &clone
}

// Materialize fully decodes the message.
func (v *MessageView) Materialize() (*Message, error) {
	var msg Message
	if err := json.Unmarshal(v.raw, &msg); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeData, "failed to decode message").
			WithDetail("type", string(v.typ))
	}
	if msg.State != nil && msg.State.Type == "" {
		msg.State.Type = StateTypeLegacy
	}
	return &msg, nil
}
