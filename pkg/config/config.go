package config

import (
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
)

const (
	// DefaultBlockBytes is the allocation granularity of the memory manager.
	DefaultBlockBytes int64 = 10 * 1024 * 1024
	// DefaultFlushThresholdBytes is the per-stream size trigger.
	DefaultFlushThresholdBytes int64 = 25 * 1024 * 1024
	// DefaultFlushInterval is the time trigger for slow streams.
	DefaultFlushInterval = 5 * time.Minute
	// DefaultHighWatermark is the fraction of the budget that forces a flush.
	DefaultHighWatermark = 0.8
	// DefaultMemoryRatio is the share of available host memory used as budget.
	DefaultMemoryRatio = 0.7
)

// Config is the complete configuration of a sync session.
type Config struct {
	// Name identifies the session in logs and metrics
	Name string `yaml:"name" json:"name" mapstructure:"name"`

	Buffer        BufferConfig        `yaml:"buffer" json:"buffer" mapstructure:"buffer"`
	Flush         FlushConfig         `yaml:"flush" json:"flush" mapstructure:"flush"`
	Backpressure  BackpressureConfig  `yaml:"backpressure" json:"backpressure" mapstructure:"backpressure"`
	Destination   DestinationConfig   `yaml:"destination" json:"destination" mapstructure:"destination"`
	Catalog       CatalogConfig       `yaml:"catalog" json:"catalog" mapstructure:"catalog"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability" mapstructure:"observability"`
}

// BufferConfig bounds the memory used by buffered records.
type BufferConfig struct {
	// TotalMemoryBytes is the memory budget; 0 derives it from the host
	TotalMemoryBytes int64 `yaml:"total_memory_bytes" json:"total_memory_bytes" mapstructure:"total_memory_bytes"`
	// BlockBytes is the size of a single grant
	BlockBytes int64 `yaml:"block_bytes" json:"block_bytes" mapstructure:"block_bytes"`
	// MemoryRatio scales available host memory when TotalMemoryBytes is 0
	MemoryRatio float64 `yaml:"memory_ratio" json:"memory_ratio" mapstructure:"memory_ratio"`
}

// FlushConfig controls when and how buffers are flushed.
type FlushConfig struct {
	// ThresholdBytes makes a stream eligible once its buffer exceeds it
	ThresholdBytes int64 `yaml:"threshold_bytes" json:"threshold_bytes" mapstructure:"threshold_bytes"`
	// MaxBatchBytes caps a single destination write; 0 means ThresholdBytes
	MaxBatchBytes int64 `yaml:"max_batch_bytes" json:"max_batch_bytes" mapstructure:"max_batch_bytes"`
	// Interval is the longest a non-empty stream waits between flushes
	Interval time.Duration `yaml:"interval" json:"interval" mapstructure:"interval"`
	// HighWatermark is the allocated/budget fraction that forces a flush
	HighWatermark float64 `yaml:"high_watermark" json:"high_watermark" mapstructure:"high_watermark"`
	// TickInterval is how often idle workers re-evaluate the scheduler
	TickInterval time.Duration `yaml:"tick_interval" json:"tick_interval" mapstructure:"tick_interval"`
	// Workers is the size of the flush worker pool
	Workers int `yaml:"workers" json:"workers" mapstructure:"workers"`
}

// BackpressureConfig controls how the producer waits for memory.
type BackpressureConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay" mapstructure:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay" json:"max_delay" mapstructure:"max_delay"`
}

// CatalogConfig points at the configured catalog.
type CatalogConfig struct {
	// Path to a configured catalog JSON file; empty accepts every stream
	Path string `yaml:"path" json:"path" mapstructure:"path"`
	// DefaultNamespace is applied to records without a namespace
	DefaultNamespace string `yaml:"default_namespace" json:"default_namespace" mapstructure:"default_namespace"`
}

// ObservabilityConfig contains logging, metrics and tracing settings.
type ObservabilityConfig struct {
	LogLevel    string `yaml:"log_level" json:"log_level" mapstructure:"log_level"`
	LogEncoding string `yaml:"log_encoding" json:"log_encoding" mapstructure:"log_encoding"`
	Development bool   `yaml:"development" json:"development" mapstructure:"development"`
	// EnableMetrics serves Prometheus metrics on MetricsAddr
	EnableMetrics bool   `yaml:"enable_metrics" json:"enable_metrics" mapstructure:"enable_metrics"`
	MetricsAddr   string `yaml:"metrics_addr" json:"metrics_addr" mapstructure:"metrics_addr"`
	// EnableTracing exports flush spans to stderr
	EnableTracing bool `yaml:"enable_tracing" json:"enable_tracing" mapstructure:"enable_tracing"`
	// StatusInterval is how often buffer status is logged; 0 disables it
	StatusInterval time.Duration `yaml:"status_interval" json:"status_interval" mapstructure:"status_interval"`
}

// Default returns a Config with production defaults.
func Default() *Config {
	workers := runtime.NumCPU()
	if workers > 5 {
		workers = 5
	}
	return &Config{
		Name: "nebula-sink",
		Buffer: BufferConfig{
			TotalMemoryBytes: 0,
			BlockBytes:       DefaultBlockBytes,
			MemoryRatio:      DefaultMemoryRatio,
		},
		Flush: FlushConfig{
			ThresholdBytes: DefaultFlushThresholdBytes,
			Interval:       DefaultFlushInterval,
			HighWatermark:  DefaultHighWatermark,
			TickInterval:   250 * time.Millisecond,
			Workers:        workers,
		},
		Backpressure: BackpressureConfig{
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     time.Second,
		},
		Destination: DefaultDestinationConfig(),
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			LogEncoding:    "json",
			MetricsAddr:    ":9464",
			StatusInterval: time.Minute,
		},
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Buffer.TotalMemoryBytes < 0 {
		return fmt.Errorf("buffer.total_memory_bytes cannot be negative")
	}
	if c.Buffer.BlockBytes <= 0 {
		return fmt.Errorf("buffer.block_bytes must be positive")
	}
	if c.Buffer.TotalMemoryBytes > 0 && c.Buffer.BlockBytes > c.Buffer.TotalMemoryBytes {
		return fmt.Errorf("buffer.block_bytes (%d) exceeds buffer.total_memory_bytes (%d)",
			c.Buffer.BlockBytes, c.Buffer.TotalMemoryBytes)
	}
	if c.Buffer.TotalMemoryBytes == 0 && (c.Buffer.MemoryRatio <= 0 || c.Buffer.MemoryRatio > 1) {
		return fmt.Errorf("buffer.memory_ratio must be in (0, 1]")
	}
	if c.Flush.ThresholdBytes <= 0 {
		return fmt.Errorf("flush.threshold_bytes must be positive")
	}
	if c.Flush.MaxBatchBytes < 0 {
		return fmt.Errorf("flush.max_batch_bytes cannot be negative")
	}
	if c.Flush.Interval <= 0 {
		return fmt.Errorf("flush.interval must be positive")
	}
	if c.Flush.HighWatermark <= 0 || c.Flush.HighWatermark > 1 {
		return fmt.Errorf("flush.high_watermark must be in (0, 1]")
	}
	if c.Flush.TickInterval <= 0 {
		return fmt.Errorf("flush.tick_interval must be positive")
	}
	if c.Flush.Workers <= 0 {
		return fmt.Errorf("flush.workers must be positive")
	}
	if c.Backpressure.InitialDelay <= 0 || c.Backpressure.MaxDelay < c.Backpressure.InitialDelay {
		return fmt.Errorf("backpressure delays must be positive with max_delay >= initial_delay")
	}
	return c.Destination.Validate()
}

// BatchBytes returns the effective maximum destination write size.
func (f *FlushConfig) BatchBytes() int64 {
	if f.MaxBatchBytes > 0 {
		return f.MaxBatchBytes
	}
	return f.ThresholdBytes
}

// ResolveMemoryBudget returns the configured budget, or MemoryRatio of the
// memory currently available on the host. The result is never smaller than
// one block.
func (b *BufferConfig) ResolveMemoryBudget() (int64, error) {
	if b.TotalMemoryBytes > 0 {
		return b.TotalMemoryBytes, nil
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("failed to read host memory: %w", err)
	}

	budget := int64(float64(vm.Available) * b.MemoryRatio)
	if budget < b.BlockBytes {
		budget = b.BlockBytes
	}
	return budget, nil
}
