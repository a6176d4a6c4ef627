// Package json provides JSON serialization for nebula-sink backed by goccy/go-json,
// plus pooled buffers for assembling newline-delimited batches.
package json

import (
	"bytes"
	"io"
	"sync"

	gojson "github.com/goccy/go-json"
)

// RawMessage is a raw encoded JSON value kept verbatim.
type RawMessage = gojson.RawMessage

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(make([]byte, 0, 4096))
	},
}

// GetBuffer gets a pooled bytes.Buffer
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns a buffer to the pool
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() > 4*1024*1024 { // Don't pool very large buffers
		return
	}
	bufferPool.Put(buf)
}

// Marshal is a drop-in replacement for encoding/json.Marshal
func Marshal(v interface{}) ([]byte, error) {
	return gojson.Marshal(v)
}

// Unmarshal is a drop-in replacement for encoding/json.Unmarshal
func Unmarshal(data []byte, v interface{}) error {
	return gojson.Unmarshal(data, v)
}

// Valid reports whether data is a valid JSON encoding.
func Valid(data []byte) bool {
	return gojson.Valid(data)
}

// NewEncoder returns an encoder that does not escape HTML.
func NewEncoder(w io.Writer) *gojson.Encoder {
	enc := gojson.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc
}

// WriteLines writes each line followed by '\n'. Lines already ending in a
// newline are written as is.
func WriteLines(w io.Writer, lines [][]byte) (int64, error) {
	var n int64
	for _, line := range lines {
		written, err := w.Write(line)
		n += int64(written)
		if err != nil {
			return n, err
		}
		if len(line) == 0 || line[len(line)-1] != '\n' {
			written, err = w.Write([]byte{'\n'})
			n += int64(written)
			if err != nil {
				return n, err
			}
		}
	}
	return n, nil
}
