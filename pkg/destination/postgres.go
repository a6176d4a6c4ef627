package destination

import (
	"context"
	"sync"
	"time"

	"github.com/ajitpratap0/nebula-sink/pkg/config"
	"github.com/ajitpratap0/nebula-sink/pkg/nebulaerrors"
	"github.com/ajitpratap0/nebula-sink/pkg/protocol"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// rawColumns are the columns of every raw table.
var rawColumns = []string{"_sink_id", "_emitted_at", "_loaded_at", "_data"}

// PgPool is the part of pgxpool.Pool used by PostgresDestination.
type PgPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Close()
}

// PostgresDestination COPYs each batch into a raw table per stream. Record
// data lands in a jsonb column untouched; typing happens downstream.
type PostgresDestination struct {
	pool        PgPool
	schema      string
	tablePrefix string
	logger      *zap.Logger

	mu     sync.Mutex
	tables map[protocol.StreamKey]pgx.Identifier
}

// NewPostgres opens a connection pool to cfg.DSN.
func NewPostgres(ctx context.Context, cfg config.PostgresDestinationConfig, logger *zap.Logger) (*PostgresDestination, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConfig, "invalid postgres dsn")
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeConnection, "failed to ping postgres")
	}

	logger.Info("connected to postgres", zap.String("schema", cfg.Schema))
	return NewPostgresWithPool(cfg, pool, logger), nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(cfg config.PostgresDestinationConfig, pool PgPool, logger *zap.Logger) *PostgresDestination {
	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	return &PostgresDestination{
		pool:        pool,
		schema:      schema,
		tablePrefix: cfg.TablePrefix,
		logger:      logger,
		tables:      make(map[protocol.StreamKey]pgx.Identifier),
	}
}

func newPostgresFromConfig(ctx context.Context, cfg config.DestinationConfig, logger *zap.Logger) (Destination, error) {
	return NewPostgres(ctx, cfg.Postgres, logger)
}

// Table returns the raw table for key.
func (d *PostgresDestination) Table(key protocol.StreamKey) pgx.Identifier {
	name := key.Name
	if key.Namespace != "" {
		name = key.Namespace + "_" + key.Name
	}
	return pgx.Identifier{d.schema, d.tablePrefix + sanitize(name)}
}

// Write implements Destination.
func (d *PostgresDestination) Write(ctx context.Context, key protocol.StreamKey, records []*protocol.MessageView) error {
	table, err := d.ensureTable(ctx, key)
	if err != nil {
		return err
	}

	loadedAt := time.Now().UTC()
	rows := make([][]any, 0, len(records))
	for _, r := range records {
		msg, err := r.Materialize()
		if err != nil {
			return err
		}
		var data string
		if msg.Record != nil && len(msg.Record.Data) > 0 {
			data = string(msg.Record.Data)
		} else {
			data = "null"
		}
		rows = append(rows, []any{uuid.NewString(), r.EmittedAt(), loadedAt, data})
	}

	n, err := d.pool.CopyFrom(ctx, table, rawColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeDestination, "failed to copy batch").
			WithDetail("table", table.Sanitize())
	}
	if n != int64(len(rows)) {
		return nebulaerrors.Newf(nebulaerrors.ErrorTypeDestination, "copied %d of %d rows into %s", n, len(rows), table.Sanitize())
	}

	d.logger.Debug("batch copied", zap.String("table", table.Sanitize()), zap.Int64("rows", n))
	return nil
}

func (d *PostgresDestination) ensureTable(ctx context.Context, key protocol.StreamKey) (pgx.Identifier, error) {
	d.mu.Lock()
	table, ok := d.tables[key]
	d.mu.Unlock()
	if ok {
		return table, nil
	}

	table = d.Table(key)
	stmts := []string{
		"CREATE SCHEMA IF NOT EXISTS " + pgx.Identifier{d.schema}.Sanitize(),
		"CREATE TABLE IF NOT EXISTS " + table.Sanitize() + ` (
	_sink_id text PRIMARY KEY,
	_emitted_at bigint NOT NULL,
	_loaded_at timestamptz NOT NULL,
	_data jsonb
)`,
	}
	for _, stmt := range stmts {
		if _, err := d.pool.Exec(ctx, stmt); err != nil {
			return nil, nebulaerrors.Wrap(err, nebulaerrors.ErrorTypeDestination, "failed to prepare raw table").
				WithDetail("table", table.Sanitize())
		}
	}

	d.mu.Lock()
	d.tables[key] = table
	d.mu.Unlock()
	return table, nil
}

// Close implements Destination.
func (d *PostgresDestination) Close(context.Context) error {
	d.pool.Close()
	return nil
}
