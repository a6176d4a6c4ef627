package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-sink/internal/pipeline"
	"github.com/ajitpratap0/nebula-sink/pkg/config"
	"github.com/ajitpratap0/nebula-sink/pkg/destination"
	"github.com/ajitpratap0/nebula-sink/pkg/logger"
	"github.com/ajitpratap0/nebula-sink/pkg/metrics"
	"github.com/ajitpratap0/nebula-sink/pkg/observability"
	"github.com/ajitpratap0/nebula-sink/pkg/protocol"
)

type runOptions struct {
	configFile  string
	catalogFile string
	sessionID   string
	logLevel    string
	destType    string
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Consume a protocol stream from stdin",
		Long: `Consume protocol messages from stdin until EOF, write records to the configured
destination and emit checkpoints on stdout. Logs go to stderr.

Example:
  source-connector read | nebula-sink run --config sink.yaml --catalog catalog.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Observability.LogLevel = opts.logLevel
			}
			if cmd.Flags().Changed("destination") {
				cfg.Destination.Type = opts.destType
				if err := cfg.Validate(); err != nil {
					return fmt.Errorf("configuration error: %w", err)
				}
			}
			if opts.catalogFile != "" {
				cfg.Catalog.Path = opts.catalogFile
			}
			return runSession(cmd.Context(), cfg, opts.sessionID, os.Stdin)
		},
	}

	cmd.Flags().StringVarP(&opts.configFile, "config", "c", "", "Path to a YAML or JSON config file")
	cmd.Flags().StringVar(&opts.catalogFile, "catalog", "", "Path to a configured catalog JSON file; records of other streams are rejected")
	cmd.Flags().StringVar(&opts.sessionID, "session-id", "", "Session id for logs and metrics (default: random UUID)")
	cmd.Flags().StringVar(&opts.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVarP(&opts.destType, "destination", "d", "", "Override the destination type (stdout, file, s3, kafka, postgres)")
	return cmd
}

// runSession drives one sync session from in until EOF or the first fatal
// error.
func runSession(parent context.Context, cfg *config.Config, sessionID string, in io.Reader) error {
	if parent == nil {
		parent = context.Background()
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Development: cfg.Observability.Development,
		Encoding:    cfg.Observability.LogEncoding,
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = context.WithValue(ctx, logger.SessionIDKey, sessionID)
	ctx = context.WithValue(ctx, logger.DestinationKey, cfg.Destination.Type)
	log := logger.WithContext(ctx).With(zap.String("component", "nebula-sink-cli"))

	if cfg.Observability.EnableTracing {
		tc := observability.DefaultTracingConfig()
		tc.ServiceVersion = version
		shutdown, err := observability.InitTracing(ctx, tc)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			if err := shutdown(context.WithoutCancel(ctx)); err != nil {
				log.Warn("failed to shut down tracing", zap.Error(err))
			}
		}()
	}

	if cfg.Observability.EnableMetrics {
		srv := startMetricsServer(cfg.Observability.MetricsAddr, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var catalog *protocol.Catalog
	if cfg.Catalog.Path != "" {
		c, err := protocol.LoadCatalog(cfg.Catalog.Path, cfg.Catalog.DefaultNamespace)
		if err != nil {
			return err
		}
		catalog = c
		log.Info("loaded catalog", zap.String("path", cfg.Catalog.Path), zap.Int("streams", len(c.Streams)))
	}

	dest, err := destination.New(ctx, cfg.Destination, log)
	if err != nil {
		return fmt.Errorf("failed to create destination '%s': %w", cfg.Destination.Type, err)
	}

	consumer, err := pipeline.NewAsyncConsumer(pipeline.Options{
		Config:      cfg,
		Destination: dest,
		Emitter:     emitToStdout,
		Catalog:     catalog,
		Logger:      log,
		SessionID:   sessionID,
	})
	if err != nil {
		_ = dest.Close(ctx)
		return err
	}
	if err := consumer.Start(ctx); err != nil {
		return err
	}

	log.Info("consuming stdin",
		zap.String("destination", cfg.Destination.Type),
		zap.Int("workers", cfg.Flush.Workers))
	startTime := time.Now()

	readErr := consume(ctx, consumer, in)
	if readErr != nil {
		log.Error("stopping after input error", zap.Error(readErr))
	}

	closeErr := consumer.Close(context.WithoutCancel(ctx))
	stats := consumer.Stats()
	duration := time.Since(startTime)
	log.Info("session finished",
		zap.Duration("duration", duration),
		zap.Int64("records", stats.RecordsAccepted),
		zap.Int64("records_flushed", stats.RecordsFlushed),
		zap.Int64("checkpoints_emitted", stats.CheckpointsEmitted),
		zap.Int64("checkpoints_dropped", stats.CheckpointsDropped),
		zap.Int64("malformed", stats.Malformed),
		zap.Float64("records_per_second", float64(stats.RecordsAccepted)/duration.Seconds()))

	return errors.Join(readErr, closeErr)
}

func consume(ctx context.Context, consumer *pipeline.AsyncConsumer, in io.Reader) error {
	reader := bufio.NewReaderSize(in, 1<<20)
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 {
			if acceptErr := consumer.Accept(ctx, line); acceptErr != nil {
				return acceptErr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read input: %w", err)
		}
	}
}

func emitToStdout(raw []byte) error {
	_, err := destination.Stdout.WriteLines([][]byte{raw})
	return err
}

func startMetricsServer(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	return srv
}
