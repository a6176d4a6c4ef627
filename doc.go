// Package nebulasink is a destination-side buffering engine for sync
// protocols in which a source emits RECORD and STATE messages as
// newline-delimited JSON.
//
// Records are queued per stream inside a fixed memory budget, flushed to a
// destination by a small worker pool, and a STATE checkpoint is released
// upstream only after every record that preceded it has been durably
// written. A session that loses a write never acknowledges a checkpoint it
// cannot back.
//
// # Architecture
//
// The engine lives in internal/pipeline:
//
//  1. MemoryManager hands out the budget in fixed blocks and never blocks.
//
//  2. StreamBuffer is the FIFO of one stream with at most one batch in
//     flight, so each stream reaches the destination in order.
//
//  3. FlushScheduler picks the next stream by size, then memory pressure,
//     then staleness.
//
//  4. CheckpointTracker holds STATE messages, in GLOBAL or STREAM mode,
//     until the committed watermark passes them.
//
//  5. AsyncConsumer wires these together behind Accept and Close.
//
// # Quick Start
//
//	cfg, _ := config.Load("sink.yaml")
//	dest, _ := destination.New(ctx, cfg.Destination, log)
//
//	c, err := pipeline.NewAsyncConsumer(pipeline.Options{
//	    Config:      cfg,
//	    Destination: dest,
//	    Emitter:     func(raw []byte) error { _, err := destination.Stdout.WriteLines([][]byte{raw}); return err },
//	    Logger:      log,
//	})
//	if err != nil {
//	    return err
//	}
//	_ = c.Start(ctx)
//	for line := range lines {
//	    if err := c.Accept(ctx, line); err != nil {
//	        break
//	    }
//	}
//	err = c.Close(ctx)
//
// From a shell the same session is:
//
//	source read | nebula-sink run --config sink.yaml --catalog catalog.json
//
// # Key Packages
//
//	internal/pipeline  - Buffering engine and session driver
//	pkg/protocol       - Lazy message views, stream keys and the configured catalog
//	pkg/destination    - stdout, file, S3, Kafka and PostgreSQL sinks
//	pkg/compression    - Batch codecs (gzip, zstd, snappy, s2, deflate, lz4)
//	pkg/config         - YAML/JSON configuration with environment overrides
//	pkg/nebulaerrors   - Structured error handling
//	pkg/logger         - Structured logging
//	pkg/metrics        - Prometheus metrics
//	pkg/observability  - OpenTelemetry flush spans
//
// # Configuration
//
// Every setting has a production default; see config.Default. The memory
// budget defaults to 70% of available host memory, blocks are 10 MiB, a
// stream is flushed past 25 MiB or after five minutes, and allocation above
// 80% of the budget flushes the largest stream. Environment variables
// override file values with the NEBULA_SINK_ prefix, and ${VAR_NAME} is
// expanded inside config files.
package nebulasink
