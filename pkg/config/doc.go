// Package config provides configuration management for nebula-sink.
//
// A single Config structure carries every tuning knob of a sync session,
// grouped into sections:
//
//   - Buffer: memory budget and allocation block size
//   - Flush: size/time/pressure triggers, batch size and worker count
//   - Backpressure: producer backoff while memory is exhausted
//   - Destination: which sink to write to and its settings
//   - Catalog: configured streams and default namespace
//   - Observability: logging, metrics and tracing
//
// # Loading
//
// Load reads YAML or JSON through viper. ${VAR_NAME} references in the file
// are substituted from the environment before parsing, and every key may be
// overridden with a NEBULA_SINK_ prefixed variable (dots become underscores):
//
//	NEBULA_SINK_FLUSH_WORKERS=8 nebula-sink run --config sink.yaml
//
//	cfg, err := config.Load("sink.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Memory budget
//
// When buffer.total_memory_bytes is zero the budget is derived from the
// memory available on the host, scaled by buffer.memory_ratio.
package config
