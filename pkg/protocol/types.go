// Package protocol defines the newline-delimited JSON messages exchanged with a
// source process and the lightweight MessageView used to route them.
//
// Only the routing fields are modelled as Go fields. Everything else (record
// data, stream and shared state, log and trace bodies) is kept as raw JSON so
// that a message forwarded unmodified is byte-for-byte identical to what the
// source produced.
package protocol

import (
	"github.com/ajitpratap0/nebula-sink/pkg/json"
)

// MessageType is the top-level discriminator of a protocol message.
type MessageType string

const (
	MessageTypeRecord           MessageType = "RECORD"
	MessageTypeState            MessageType = "STATE"
	MessageTypeLog              MessageType = "LOG"
	MessageTypeTrace            MessageType = "TRACE"
	MessageTypeControl          MessageType = "CONTROL"
	MessageTypeSpec             MessageType = "SPEC"
	MessageTypeConnectionStatus MessageType = "CONNECTION_STATUS"
	MessageTypeCatalog          MessageType = "CATALOG"
)

// StateType is the declared type of a STATE message.
type StateType string

const (
	// StateTypeGlobal carries one cursor shared by every stream (CDC).
	StateTypeGlobal StateType = "GLOBAL"
	// StateTypeStream carries an independent cursor for one stream.
	StateTypeStream StateType = "STREAM"
	// StateTypeLegacy is an untyped blob state from older sources.
	StateTypeLegacy StateType = "LEGACY"
)

// StreamKey identifies a stream. It is comparable and used directly as a map key.
type StreamKey struct {
	Name      string
	Namespace string
}

// String renders the key as namespace.name, or name when there is no namespace.
func (k StreamKey) String() string {
	if k.Namespace == "" {
		return k.Name
	}
	return k.Namespace + "." + k.Name
}

// StreamDescriptor is the wire form of a StreamKey.
type StreamDescriptor struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
}

// Key converts the descriptor to a StreamKey.
func (d StreamDescriptor) Key() StreamKey {
	return StreamKey{Name: d.Name, Namespace: d.Namespace}
}

// Message is a fully decoded protocol message.
type Message struct {
	Type    MessageType     `json:"type"`
	Record  *RecordMessage  `json:"record,omitempty"`
	State   *StateMessage   `json:"state,omitempty"`
	Log     json.RawMessage `json:"log,omitempty"`
	Trace   json.RawMessage `json:"trace,omitempty"`
	Control json.RawMessage `json:"control,omitempty"`
}

// RecordMessage is a single data record.
type RecordMessage struct {
	Stream    string          `json:"stream"`
	Namespace string          `json:"namespace,omitempty"`
	EmittedAt int64           `json:"emitted_at"`
	Data      json.RawMessage `json:"data"`
	Meta      *RecordMeta     `json:"meta,omitempty"`
}

// Key returns the stream the record belongs to.
func (r *RecordMessage) Key() StreamKey {
	return StreamKey{Name: r.Stream, Namespace: r.Namespace}
}

// RecordMeta carries per-record changes applied by the source.
type RecordMeta struct {
	Changes []FieldChange `json:"changes,omitempty"`
}

// FieldChange describes a field the source nulled or truncated.
type FieldChange struct {
	Field  string `json:"field"`
	Change string `json:"change"`
	Reason string `json:"reason"`
}

// StateMessage is a checkpoint emitted by the source.
type StateMessage struct {
	Type        StateType       `json:"type,omitempty"`
	Stream      *StreamState    `json:"stream,omitempty"`
	Global      *GlobalState    `json:"global,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	SourceStats json.RawMessage `json:"sourceStats,omitempty"`
}

// StreamState is the per-stream cursor of a STREAM state.
type StreamState struct {
	StreamDescriptor StreamDescriptor `json:"stream_descriptor"`
	StreamState      json.RawMessage  `json:"stream_state,omitempty"`
}

// GlobalState is the shared cursor of a GLOBAL state.
type GlobalState struct {
	SharedState  json.RawMessage `json:"shared_state,omitempty"`
	StreamStates []StreamState   `json:"stream_states,omitempty"`
}
