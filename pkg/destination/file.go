package destination

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/nebula-sink/pkg/compression"
	"github.com/ajitpratap0/nebula-sink/pkg/config"
	"github.com/ajitpratap0/nebula-sink/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-sink/pkg/protocol"
	"go.uber.org/zap"
)

// FileDestination writes every batch to its own NDJSON file under Directory.
// Files are written to a temporary name and renamed once synced, so a file
// that exists is complete.
type FileDestination struct {
	dir    string
	codec  compression.Codec
	logger *zap.Logger
	now    func() time.Time

	filesWritten atomic.Int64
	bytesWritten atomic.Int64
}

// NewFile creates a file destination.
func NewFile(cfg config.FileDestinationConfig, logger *zap.Logger) (*FileDestination, error) {
	algo, err := compression.ParseAlgorithm(cfg.Compression)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid file compression")
	}
	level, err := compression.ParseLevel(cfg.CompressionLevel)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid file compression level")
	}
	codec, err := compression.NewCodec(algo, level)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid file compression")
	}
	if err := os.MkdirAll(cfg.Directory, 0o750); err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeFile, "failed to create output directory")
	}

	return &FileDestination{
		dir:    cfg.Directory,
		codec:  codec,
		logger: logger,
		now:    time.Now,
	}, nil
}

func newFileFromConfig(_ context.Context, cfg config.DestinationConfig, logger *zap.Logger) (Destination, error) {
	return NewFile(cfg.File, logger)
}

// Write implements Destination.
func (d *FileDestination) Write(ctx context.Context, key protocol.StreamKey, records []*protocol.MessageView) error {
	if err := ctx.Err(); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeTimeout, "write cancelled")
	}

	data, err := encodeBatch(d.codec, records)
	if err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeData, "failed to encode batch")
	}

	path := filepath.Join(d.dir, filepath.FromSlash(objectName(key, d.now(), d.codec.Extension())))
	if err := writeFileAtomic(path, data); err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeDestination, "failed to write batch file").
			WithDetail("stream", key.String()).
			WithDetail("path", path)
	}

	d.filesWritten.Add(1)
	d.bytesWritten.Add(int64(len(data)))
	d.logger.Debug("batch file written",
		zap.String("stream", key.String()),
		zap.String("path", path),
		zap.Int("records", len(records)),
		zap.Int("bytes", len(data)))
	return nil
}

// Close implements Destination.
func (d *FileDestination) Close(context.Context) error {
	d.logger.Info("file destination closed",
		zap.Int64("files_written", d.filesWritten.Load()),
		zap.Int64("bytes_written", d.bytesWritten.Load()))
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".batch-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // already renamed on success

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
