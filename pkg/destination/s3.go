package destination

import (
	"bytes"
	"context"
	"path"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/ajitpratap0/nebula-sink/pkg/compression"
	"github.com/ajitpratap0/nebula-sink/pkg/config"
	"github.com/ajitpratap0/nebula-sink/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-sink/pkg/protocol"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.uber.org/zap"
)

// Uploader is the part of manager.Uploader used by S3Destination.
type Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Destination uploads every batch as one compressed NDJSON object.
type S3Destination struct {
	bucket   string
	prefix   string
	codec    compression.Codec
	uploader Uploader
	logger   *zap.Logger
	now      func() time.Time

	objectsWritten atomic.Int64
	bytesWritten   atomic.Int64
}

// NewS3 creates an S3 destination using the default AWS credential chain.
func NewS3(ctx context.Context, cfg config.S3DestinationConfig, logger *zap.Logger) (*S3Destination, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "failed to load AWS configuration")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	uploader := manager.NewUploader(client, func(u *manager.Uploader) {
		if cfg.PartSizeMB > 0 {
			u.PartSize = cfg.PartSizeMB * 1024 * 1024
		}
		if cfg.Concurrency > 0 {
			u.Concurrency = cfg.Concurrency
		}
	})

	return NewS3WithUploader(cfg, uploader, logger)
}

// NewS3WithUploader creates an S3 destination around an existing uploader.
func NewS3WithUploader(cfg config.S3DestinationConfig, uploader Uploader, logger *zap.Logger) (*S3Destination, error) {
	algo, err := compression.ParseAlgorithm(cfg.Compression)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid s3 compression")
	}
	codec, err := compression.NewCodec(algo, compression.Default)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid s3 compression")
	}

	return &S3Destination{
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		codec:    codec,
		uploader: uploader,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func newS3FromConfig(ctx context.Context, cfg config.DestinationConfig, logger *zap.Logger) (Destination, error) {
	return NewS3(ctx, cfg.S3, logger)
}

// Write implements Destination.
func (d *S3Destination) Write(ctx context.Context, key protocol.StreamKey, records []*protocol.MessageView) error {
	data, err := encodeBatch(d.codec, records)
	if err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeData, "failed to encode batch")
	}

	objectKey := path.Join(d.prefix, objectName(key, d.now(), d.codec.Extension()))
	start := time.Now()
	result, err := d.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(d.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/x-ndjson"),
		Metadata: map[string]string{
			"records":     strconv.Itoa(len(records)),
			"stream":      key.String(),
			"compression": string(d.codec.Algorithm()),
		},
	})
	if err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to upload to S3").
			WithDetail("bucket", d.bucket).
			WithDetail("key", objectKey)
	}

	d.objectsWritten.Add(1)
	d.bytesWritten.Add(int64(len(data)))
	d.logger.Debug("batch uploaded to S3",
		zap.String("location", result.Location),
		zap.String("stream", key.String()),
		zap.Int("records", len(records)),
		zap.Int("bytes", len(data)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// Close implements Destination.
func (d *S3Destination) Close(context.Context) error {
	d.logger.Info("s3 destination closed",
		zap.String("bucket", d.bucket),
		zap.Int64("objects_written", d.objectsWritten.Load()),
		zap.Int64("bytes_written", d.bytesWritten.Load()))
	return nil
}
