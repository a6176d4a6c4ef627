// Package compression provides the codecs used to encode NDJSON batches
// before they are written by the file and S3 destinations.
//
// # Algorithm Selection
//
//   - Snappy/S2: fastest, moderate ratio
//   - LZ4: very fast, decent ratio
//   - Zstd: best ratio, good speed
//   - Gzip/Deflate: widest compatibility
//
// # Basic Usage
//
//	codec, err := compression.NewCodec(compression.Zstd, compression.Default)
//	w, err := codec.NewWriter(file)
//	_, err = w.Write(batch)
//	err = w.Close()
package compression

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm represents a compression algorithm.
type Algorithm string

const (
	// None represents no compression
	None Algorithm = "none"
	// Gzip represents gzip compression
	Gzip Algorithm = "gzip"
	// Snappy represents framed snappy compression
	Snappy Algorithm = "snappy"
	// LZ4 represents lz4 frame compression
	LZ4 Algorithm = "lz4"
	// Zstd represents zstandard compression
	Zstd Algorithm = "zstd"
	// S2 represents s2 compression (Snappy compatible)
	S2 Algorithm = "s2"
	// Deflate represents raw deflate compression
	Deflate Algorithm = "deflate"
)

// Level controls the trade-off between speed and ratio.
type Level int

const (
	// Fastest prioritizes speed over compression ratio.
	Fastest Level = 1
	// Default balances speed and compression.
	Default Level = 5
	// Better improves compression at cost of speed.
	Better Level = 7
	// Best maximizes compression ratio.
	Best Level = 9
)

// ParseAlgorithm maps a configuration string to an Algorithm. The empty
// string means None.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch a := Algorithm(strings.ToLower(strings.TrimSpace(s))); a {
	case "":
		return None, nil
	case None, Gzip, Snappy, LZ4, Zstd, S2, Deflate:
		return a, nil
	default:
		return "", fmt.Errorf("unsupported compression algorithm: %s", s)
	}
}

// ParseLevel maps a configuration string (fastest, default, better, best)
// to a Level. The empty string selects Default.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return Default, nil
	case "fastest":
		return Fastest, nil
	case "better":
		return Better, nil
	case "best":
		return Best, nil
	default:
		return 0, fmt.Errorf("unsupported compression level: %s", s)
	}
}

// Codec creates streaming encoders and decoders for one algorithm.
// Codecs are safe for concurrent use.
type Codec interface {
	// Algorithm returns the compression algorithm used.
	Algorithm() Algorithm

	// Extension returns the file suffix, including the dot, or "" for None.
	Extension() string

	// NewWriter wraps dst. Close flushes the encoder but does not close dst.
	NewWriter(dst io.Writer) (io.WriteCloser, error)

	// NewReader wraps src.
	NewReader(src io.Reader) (io.ReadCloser, error)
}

// NewCodec returns the codec for algorithm at level.
func NewCodec(algorithm Algorithm, level Level) (Codec, error) {
	switch algorithm {
	case None, "":
		return noneCodec{}, nil
	case Gzip:
		return &gzipCodec{level: mapGzipLevel(level)}, nil
	case Snappy:
		return snappyCodec{}, nil
	case LZ4:
		return lz4Codec{level: mapLZ4Level(level)}, nil
	case Zstd:
		return newZstdCodec(level)
	case S2:
		return s2Codec{level: level}, nil
	case Deflate:
		return deflateCodec{level: mapDeflateLevel(level)}, nil
	default:
		return nil, fmt.Errorf("unsupported compression algorithm: %s", algorithm)
	}
}

var bufferPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// Compress encodes data in one call.
func Compress(c Codec, data []byte) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	w, err := c.NewWriter(buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// Decompress decodes data in one call.
func Decompress(c Codec, data []byte) ([]byte, error) {
	r, err := c.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	if _, err := io.Copy(buf, r); err != nil { //nolint:gosec // G110: input is produced by this process
		return nil, err
	}
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

type noneCodec struct{}

func (noneCodec) Algorithm() Algorithm { return None }
func (noneCodec) Extension() string    { return "" }

func (noneCodec) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{dst}, nil
}

func (noneCodec) NewReader(src io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(src), nil
}

type gzipCodec struct {
	level      int
	writerPool sync.Pool
}

func (gc *gzipCodec) Algorithm() Algorithm { return Gzip }
func (gc *gzipCodec) Extension() string    { return ".gz" }

func (gc *gzipCodec) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	if w, ok := gc.writerPool.Get().(*gzip.Writer); ok {
		w.Reset(dst)
		return &pooledGzipWriter{Writer: w, pool: &gc.writerPool}, nil
	}
	w, err := gzip.NewWriterLevel(dst, gc.level)
	if err != nil {
		return nil, err
	}
	return &pooledGzipWriter{Writer: w, pool: &gc.writerPool}, nil
}

func (gc *gzipCodec) NewReader(src io.Reader) (io.ReadCloser, error) {
	return gzip.NewReader(src)
}

// pooledGzipWriter returns its encoder to the pool once closed.
type pooledGzipWriter struct {
	*gzip.Writer
	pool *sync.Pool
}

func (w *pooledGzipWriter) Close() error {
	err := w.Writer.Close()
	w.pool.Put(w.Writer)
	return err
}

type snappyCodec struct{}

func (snappyCodec) Algorithm() Algorithm { return Snappy }
func (snappyCodec) Extension() string    { return ".sz" }

func (snappyCodec) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	return snappy.NewBufferedWriter(dst), nil
}

func (snappyCodec) NewReader(src io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(snappy.NewReader(src)), nil
}

type lz4Codec struct {
	level lz4.CompressionLevel
}

func (lz4Codec) Algorithm() Algorithm { return LZ4 }
func (lz4Codec) Extension() string    { return ".lz4" }

func (lc lz4Codec) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	w := lz4.NewWriter(dst)
	if err := w.Apply(lz4.CompressionLevelOption(lc.level)); err != nil {
		return nil, err
	}
	return w, nil
}

func (lz4Codec) NewReader(src io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(src)), nil
}

type zstdCodec struct {
	level       zstd.EncoderLevel
	encoderPool sync.Pool
}

func newZstdCodec(level Level) (*zstdCodec, error) {
	return &zstdCodec{level: mapZstdLevel(level)}, nil
}

func (zc *zstdCodec) Algorithm() Algorithm { return Zstd }
func (zc *zstdCodec) Extension() string    { return ".zst" }

func (zc *zstdCodec) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	if enc, ok := zc.encoderPool.Get().(*zstd.Encoder); ok {
		enc.Reset(dst)
		return &pooledZstdWriter{Encoder: enc, pool: &zc.encoderPool}, nil
	}
	enc, err := zstd.NewWriter(dst, zstd.WithEncoderLevel(zc.level))
	if err != nil {
		return nil, err
	}
	return &pooledZstdWriter{Encoder: enc, pool: &zc.encoderPool}, nil
}

func (zc *zstdCodec) NewReader(src io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(src)
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

type pooledZstdWriter struct {
	*zstd.Encoder
	pool *sync.Pool
}

func (w *pooledZstdWriter) Close() error {
	err := w.Encoder.Close()
	w.pool.Put(w.Encoder)
	return err
}

type s2Codec struct {
	level Level
}

func (s2Codec) Algorithm() Algorithm { return S2 }
func (s2Codec) Extension() string    { return ".s2" }

func (sc s2Codec) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	var opts []s2.WriterOption
	switch sc.level {
	case Better:
		opts = append(opts, s2.WriterBetterCompression())
	case Best:
		opts = append(opts, s2.WriterBestCompression())
	}
	return s2.NewWriter(dst, opts...), nil
}

func (s2Codec) NewReader(src io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(s2.NewReader(src)), nil
}

type deflateCodec struct {
	level int
}

func (deflateCodec) Algorithm() Algorithm { return Deflate }
func (deflateCodec) Extension() string    { return ".deflate" }

func (dc deflateCodec) NewWriter(dst io.Writer) (io.WriteCloser, error) {
	return flate.NewWriter(dst, dc.level)
}

func (deflateCodec) NewReader(src io.Reader) (io.ReadCloser, error) {
	return flate.NewReader(src), nil
}

// Helper functions to map compression levels

func mapGzipLevel(level Level) int {
	switch level {
	case Fastest:
		return gzip.BestSpeed
	case Best:
		return gzip.BestCompression
	default:
		return gzip.DefaultCompression
	}
}

func mapLZ4Level(level Level) lz4.CompressionLevel {
	switch level {
	case Fastest:
		return lz4.Fast
	case Best:
		return lz4.Level9
	default:
		return lz4.Level5
	}
}

func mapZstdLevel(level Level) zstd.EncoderLevel {
	switch level {
	case Fastest:
		return zstd.SpeedFastest
	case Better:
		return zstd.SpeedBetterCompression
	case Best:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

func mapDeflateLevel(level Level) int {
	switch level {
	case Fastest:
		return flate.BestSpeed
	case Best:
		return flate.BestCompression
	default:
		return flate.DefaultCompression
	}
}
