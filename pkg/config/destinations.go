package config

import (
	"fmt"
	"time"
)

// Destination types understood by the destination registry.
const (
	DestinationStdout   = "stdout"
	DestinationFile     = "file"
	DestinationS3       = "s3"
	DestinationKafka    = "kafka"
	DestinationPostgres = "postgres"
)

// DestinationConfig selects a destination and carries its settings.
type DestinationConfig struct {
	// Type is one of stdout, file, s3, kafka, postgres
	Type     string                    `yaml:"type" json:"type" mapstructure:"type"`
	File     FileDestinationConfig     `yaml:"file" json:"file" mapstructure:"file"`
	S3       S3DestinationConfig       `yaml:"s3" json:"s3" mapstructure:"s3"`
	Kafka    KafkaDestinationConfig    `yaml:"kafka" json:"kafka" mapstructure:"kafka"`
	Postgres PostgresDestinationConfig `yaml:"postgres" json:"postgres" mapstructure:"postgres"`
}

// FileDestinationConfig writes every flushed batch to its own file.
type FileDestinationConfig struct {
	Directory string `yaml:"directory" json:"directory" mapstructure:"directory"`
	// Compression is none, gzip, zstd, snappy, s2, deflate or lz4
	Compression string `yaml:"compression" json:"compression" mapstructure:"compression"`
	// CompressionLevel is fastest, default, better or best
	CompressionLevel string `yaml:"compression_level" json:"compression_level" mapstructure:"compression_level"`
}

// S3DestinationConfig uploads every flushed batch as one object.
type S3DestinationConfig struct {
	Bucket         string `yaml:"bucket" json:"bucket" mapstructure:"bucket"`
	Prefix         string `yaml:"prefix" json:"prefix" mapstructure:"prefix"`
	Region         string `yaml:"region" json:"region" mapstructure:"region"`
	Endpoint       string `yaml:"endpoint" json:"endpoint" mapstructure:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style" json:"force_path_style" mapstructure:"force_path_style"`
	Compression    string `yaml:"compression" json:"compression" mapstructure:"compression"`
	PartSizeMB     int64  `yaml:"part_size_mb" json:"part_size_mb" mapstructure:"part_size_mb"`
	Concurrency    int    `yaml:"concurrency" json:"concurrency" mapstructure:"concurrency"`
}

// KafkaDestinationConfig produces one message per record.
type KafkaDestinationConfig struct {
	Brokers []string `yaml:"brokers" json:"brokers" mapstructure:"brokers"`
	// TopicPrefix is prepended to the stream name to form the topic
	TopicPrefix string `yaml:"topic_prefix" json:"topic_prefix" mapstructure:"topic_prefix"`
	ClientID    string `yaml:"client_id" json:"client_id" mapstructure:"client_id"`
	// RequiredAcks is all, local or none
	RequiredAcks string `yaml:"required_acks" json:"required_acks" mapstructure:"required_acks"`
	// Compression is none, gzip, snappy, lz4 or zstd
	Compression string        `yaml:"compression" json:"compression" mapstructure:"compression"`
	Timeout     time.Duration `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
}

// PostgresDestinationConfig copies raw records into one table per stream.
type PostgresDestinationConfig struct {
	DSN         string `yaml:"dsn" json:"dsn" mapstructure:"dsn"`
	Schema      string `yaml:"schema" json:"schema" mapstructure:"schema"`
	TablePrefix string `yaml:"table_prefix" json:"table_prefix" mapstructure:"table_prefix"`
	MaxConns    int32  `yaml:"max_conns" json:"max_conns" mapstructure:"max_conns"`
}

// DefaultDestinationConfig returns the default destination settings.
func DefaultDestinationConfig() DestinationConfig {
	return DestinationConfig{
		Type: DestinationStdout,
		File: FileDestinationConfig{
			Directory:        "./output",
			Compression:      "none",
			CompressionLevel: "default",
		},
		S3: S3DestinationConfig{
			Region:      "us-east-1",
			Compression: "gzip",
			PartSizeMB:  10,
			Concurrency: 5,
		},
		Kafka: KafkaDestinationConfig{
			TopicPrefix:  "",
			ClientID:     "nebula-sink",
			RequiredAcks: "all",
			Compression:  "none",
			Timeout:      30 * time.Second,
		},
		Postgres: PostgresDestinationConfig{
			Schema:      "public",
			TablePrefix: "_raw_",
			MaxConns:    10,
		},
	}
}

// Validate checks that the selected destination has what it needs.
func (d *DestinationConfig) Validate() error {
	switch d.Type {
	case DestinationStdout:
	case DestinationFile:
		if d.File.Directory == "" {
			return fmt.Errorf("destination.file.directory is required")
		}
	case DestinationS3:
		if d.S3.Bucket == "" {
			return fmt.Errorf("destination.s3.bucket is required")
		}
	case DestinationKafka:
		if len(d.Kafka.Brokers) == 0 {
			return fmt.Errorf("destination.kafka.brokers is required")
		}
	case DestinationPostgres:
		if d.Postgres.DSN == "" {
			return fmt.Errorf("destination.postgres.dsn is required")
		}
	default:
		return fmt.Errorf("unknown destination type %q", d.Type)
	}
	return nil
}
