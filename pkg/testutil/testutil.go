// Package testutil provides testing utilities for nebula-sink
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ajitpratap0/nebula-sink/pkg/protocol"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// TestLogger creates a test logger that writes to the test output.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// TestContext creates a test context with a 30-second timeout.
// The caller must call the returned cancel function to avoid leaks.
func TestContext(_ *testing.T) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// AssertEventually asserts that a condition becomes true within the specified timeout.
// It checks the condition every 10ms until it succeeds or the timeout expires.
func AssertEventually(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("condition not met within %v: %s", timeout, msg)
}

// RecordLine builds a RECORD protocol line.
func RecordLine(stream, namespace string, id int) []byte {
	if namespace == "" {
		return []byte(fmt.Sprintf(`{"type":"RECORD","record":{"stream":%q,"emitted_at":1700000000000,"data":{"id":%d}}}`, stream, id))
	}
	return []byte(fmt.Sprintf(`{"type":"RECORD","record":{"stream":%q,"namespace":%q,"emitted_at":1700000000000,"data":{"id":%d}}}`, stream, namespace, id))
}

// GlobalStateLine builds a GLOBAL STATE line carrying cursor.
func GlobalStateLine(cursor int) []byte {
	return []byte(fmt.Sprintf(`{"type":"STATE","state":{"type":"GLOBAL","global":{"shared_state":{"cursor":%d}}}}`, cursor))
}

// StreamStateLine builds a STREAM STATE line for stream carrying cursor.
func StreamStateLine(stream string, cursor int) []byte {
	return []byte(fmt.Sprintf(`{"type":"STATE","state":{"type":"STREAM","stream":{"stream_descriptor":{"name":%q},"stream_state":{"cursor":%d}}}}`, stream, cursor))
}

// MustParse parses line or fails the test.
func MustParse(t testing.TB, line []byte) *protocol.MessageView {
	t.Helper()
	v, ok := protocol.Parse(line)
	if !ok {
		t.Fatalf("failed to parse protocol line: %s", line)
	}
	return v
}
