package destination

import (
	"context"
	"os"

	"github.com/ajitpratap0/nebula-sink/pkg/config"
	"github.com/ajitpratap0/nebula-sink/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-sink/pkg/protocol"
	"go.uber.org/zap"
)

// Stdout is the process-wide locked stdout. Anything else writing protocol
// lines to stdout must go through it.
var Stdout = NewLockedWriter(os.Stdout)

// StdoutDestination echoes raw records, one per line. It is meant for
// debugging pipelines.
type StdoutDestination struct {
	out    *LockedWriter
	logger *zap.Logger
}

// NewStdout creates a destination writing to out.
func NewStdout(out *LockedWriter, logger *zap.Logger) *StdoutDestination {
	return &StdoutDestination{out: out, logger: logger}
}

func newStdoutFromConfig(_ context.Context, _ config.DestinationConfig, logger *zap.Logger) (Destination, error) {
	return NewStdout(Stdout, logger), nil
}

// Write implements Destination.
func (d *StdoutDestination) Write(_ context.Context, key protocol.StreamKey, records []*protocol.MessageView) error {
	n, err := d.out.WriteLines(rawLines(records))
	if err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeDestination, "failed to write records").
			WithDetail("stream", key.String())
	}
	d.logger.Debug("batch written", zap.String("stream", key.String()), zap.Int("records", len(records)), zap.Int64("bytes", n))
	return nil
}

// Close implements Destination.
func (d *StdoutDestination) Close(context.Context) error {
	return nil
}
