// Package destination defines the sink that flushed batches are written to,
// together with the built-in implementations: stdout, local files, S3, Kafka
// and PostgreSQL.
//
// A Destination reports success or failure synchronously. The buffering
// engine frees memory and releases checkpoints only after Write returns nil,
// so an implementation must not return before the batch is durable.
package destination

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ajitpratap0/nebula-sink/pkg/compression"
	jsonpool "github.com/ajitpratap0/nebula-sink/pkg/json"
	"github.com/ajitpratap0/nebula-sink/pkg/protocol"
	"github.com/google/uuid"
)

// Destination receives batches of records for one stream.
// Implementations must be safe for concurrent calls with different keys.
type Destination interface {
	// Write persists records in order. A nil error means the batch is durable.
	Write(ctx context.Context, key protocol.StreamKey, records []*protocol.MessageView) error

	// Close releases connections and flushes any client-side buffers.
	Close(ctx context.Context) error
}

// LockedWriter serializes writes from several goroutines onto one writer.
// The CLI shares one LockedWriter between the stdout destination and the
// checkpoint emitter so lines never interleave.
type LockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewLockedWriter wraps w.
func NewLockedWriter(w io.Writer) *LockedWriter {
	return &LockedWriter{w: w}
}

// Write implements io.Writer.
func (l *LockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// WriteLines writes every line, each terminated by a newline, without
// interleaving with other writers.
func (l *LockedWriter) WriteLines(lines [][]byte) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return jsonpool.WriteLines(l.w, lines)
}

func rawLines(records []*protocol.MessageView) [][]byte {
	lines := make([][]byte, len(records))
	for i, r := range records {
		lines[i] = r.Raw()
	}
	return lines
}

// encodeBatch renders records as NDJSON through codec.
func encodeBatch(codec compression.Codec, records []*protocol.MessageView) ([]byte, error) {
	buf := jsonpool.GetBuffer()
	defer jsonpool.PutBuffer(buf)

	w, err := codec.NewWriter(buf)
	if err != nil {
		return nil, err
	}
	if _, err := jsonpool.WriteLines(w, rawLines(records)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return bytes.Clone(buf.Bytes()), nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_\-]+`)

// sanitize makes a stream name safe for paths, topics and table names.
func sanitize(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	if s == "" {
		return "_"
	}
	return s
}

// objectName returns a unique, time-ordered batch name:
// <namespace>/<stream>/<yyyy>/<mm>/<dd>/<unixnano>_<uuid>.jsonl<ext>
func objectName(key protocol.StreamKey, now time.Time, ext string) string {
	now = now.UTC()
	parts := make([]string, 0, 6)
	if key.Namespace != "" {
		parts = append(parts, sanitize(key.Namespace))
	}
	parts = append(parts,
		sanitize(key.Name),
		fmt.Sprintf("%04d", now.Year()),
		fmt.Sprintf("%02d", now.Month()),
		fmt.Sprintf("%02d", now.Day()),
		fmt.Sprintf("%d_%s.jsonl%s", now.UnixNano(), uuid.NewString(), ext),
	)
	return strings.Join(parts, "/")
}
