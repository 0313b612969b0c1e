// Package postgres stores ranges in PostgreSQL so workers on many hosts can
// share one partition table.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-bucket-processor/internal/logging"
	"github.com/withObsrvr/obsrvr-bucket-processor/internal/ranges"
)

//go:embed schema.sql
var schemaSQL string

const rangeColumns = `prefix, processing, processed, failed, hostname, instance_name,
	last_object, range_data, total_items, processed_items, processing_time,
	requeue_count, random_key, error, created_at, updated_at`

// Config configures the connection pool.
type Config struct {
	DSN      string
	Table    string
	MaxConns int32

	// ConnectRetries bounds how many times the initial ping is retried.
	ConnectRetries uint64
}

// Store implements ranges.Store using PostgreSQL.
type Store struct {
	pool  *pgxpool.Pool
	name  string
	table string // sanitized identifier
	log   *slog.Logger
}

// Open connects to PostgreSQL and ensures the range table exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = ranges.DefaultTable
	}
	if err := ranges.ValidateTableName(table); err != nil {
		return nil, err
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = 5
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	log := logging.Component("range-store").With("backend", "postgres", "table", table)

	retries := cfg.ConnectRetries
	if retries == 0 {
		retries = 5
	}
	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return pool.Ping(pingCtx)
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("database not ready, retrying", "error", err, "wait", wait)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), retries), ctx)
	if err := backoff.RetryNotify(ping, policy, notify); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{
		pool:  pool,
		name:  table,
		table: pgx.Identifier{table}.Sanitize(),
		log:   log,
	}
	schema := strings.NewReplacer("{{table}}", s.table, "{{index_prefix}}", table).Replace(schemaSQL)
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Info("connected to range store")
	return s, nil
}

// Close closes the pool.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// DeleteAll removes every range.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM `+s.table)
	if err != nil {
		return 0, fmt.Errorf("delete ranges: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Insert bulk-loads ranges with COPY.
func (s *Store) Insert(ctx context.Context, rs []ranges.Range) error {
	if len(rs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]any, 0, len(rs))
	for i := range rs {
		r := &rs[i]
		rows = append(rows, []any{
			r.Prefix,
			r.Processing,
			r.Processed,
			r.Failed,
			r.Hostname,
			r.InstanceName,
			r.LastObject,
			r.RangeData,
			r.TotalItems,
			r.ProcessedItems,
			r.ProcessingTime,
			int32(r.RequeueCount),
			int32(r.RandomKey),
			r.Error,
			now,
			now,
		})
	}

	columns := []string{
		"prefix", "processing", "processed", "failed", "hostname", "instance_name",
		"last_object", "range_data", "total_items", "processed_items", "processing_time",
		"requeue_count", "random_key", "error", "created_at", "updated_at",
	}
	if _, err := s.pool.CopyFrom(ctx, pgx.Identifier{s.name}, columns, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("copy ranges: %w", err)
	}
	return nil
}

// Get loads a single range.
func (s *Store) Get(ctx context.Context, prefix string) (*ranges.Range, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+rangeColumns+` FROM `+s.table+` WHERE prefix = $1`, prefix)
	r, err := scanRange(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ranges.ErrNotFound
		}
		return nil, fmt.Errorf("get range %s: %w", prefix, err)
	}
	return r, nil
}

// Save writes all mutable fields of r.
func (s *Store) Save(ctx context.Context, r *ranges.Range) error {
	query := `
		UPDATE ` + s.table + ` SET
			processing = $2,
			processed = $3,
			failed = $4,
			hostname = $5,
			instance_name = $6,
			last_object = $7,
			range_data = $8,
			total_items = $9,
			processed_items = $10,
			processing_time = $11,
			requeue_count = $12,
			random_key = $13,
			error = $14,
			updated_at = NOW()
		WHERE prefix = $1
		RETURNING updated_at
	`
	var updatedAt time.Time
	err := s.pool.QueryRow(ctx, query,
		r.Prefix,
		r.Processing,
		r.Processed,
		r.Failed,
		r.Hostname,
		r.InstanceName,
		r.LastObject,
		r.RangeData,
		r.TotalItems,
		r.ProcessedItems,
		r.ProcessingTime,
		int32(r.RequeueCount),
		int32(r.RandomKey),
		r.Error,
	).Scan(&updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ranges.ErrNotFound
		}
		return fmt.Errorf("save range %s: %w", r.Prefix, err)
	}
	r.UpdatedAt = updatedAt.UTC()
	return nil
}

// ResetAll returns every range to Free.
func (s *Store) ResetAll(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+s.table+` SET
			last_object = '',
			hostname = '',
			processing = FALSE,
			processed = FALSE,
			failed = FALSE,
			processing_time = 0,
			total_items = 0,
			processed_items = 0,
			error = '',
			updated_at = NOW()
	`)
	if err != nil {
		return 0, fmt.Errorf("reset ranges: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetWhere frees ranges matching filter.
func (s *Store) ResetWhere(ctx context.Context, filter ranges.ResetFilter) (int64, error) {
	where, err := filterClause(filter)
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+s.table+` SET
			processing = FALSE,
			processed = FALSE,
			failed = FALSE,
			hostname = '',
			instance_name = '',
			updated_at = NOW()
		WHERE `+where)
	if err != nil {
		return 0, fmt.Errorf("reset %s ranges: %w", filter, err)
	}
	return tag.RowsAffected(), nil
}

// CountWhere counts ranges matching filter.
func (s *Store) CountWhere(ctx context.Context, filter ranges.ResetFilter) (int64, error) {
	where, err := filterClause(filter)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+s.table+` WHERE `+where).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s ranges: %w", filter, err)
	}
	return n, nil
}

// Count returns the number of ranges.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+s.table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ranges: %w", err)
	}
	return n, nil
}

// FindClaimed returns the range held by hostname/instanceName.
func (s *Store) FindClaimed(ctx context.Context, hostname, instanceName string) (*ranges.Range, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+rangeColumns+` FROM `+s.table+`
		WHERE processing = TRUE AND hostname = $1 AND instance_name = $2
		ORDER BY prefix
		LIMIT 1
	`, hostname, instanceName)
	r, err := scanRange(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ranges.ErrNotFound
		}
		return nil, fmt.Errorf("find claimed range: %w", err)
	}
	return r, nil
}

// ClaimNext claims the Free range with the lowest random key. Rows locked by a
// concurrent claim are skipped rather than waited on.
func (s *Store) ClaimNext(ctx context.Context, hostname, instanceName string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE `+s.table+` SET processing = TRUE, hostname = $1, instance_name = $2, updated_at = NOW()
		WHERE prefix = (
			SELECT prefix FROM `+s.table+`
			WHERE processing = FALSE AND processed = FALSE
			ORDER BY random_key, prefix
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		AND processing = FALSE AND processed = FALSE
	`, hostname, instanceName)
	if err != nil {
		return false, fmt.Errorf("claim range: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListFailed returns failed ranges ordered by prefix.
func (s *Store) ListFailed(ctx context.Context, limit int) ([]ranges.Summary, error) {
	var lim any // NULL means no limit
	if limit > 0 {
		lim = limit
	}
	return s.listSummaries(ctx, `failed = TRUE ORDER BY prefix LIMIT $1`, lim)
}

// ListRequeued returns requeued, non-terminal ranges updated since the given time.
func (s *Store) ListRequeued(ctx context.Context, since time.Time) ([]ranges.Summary, error) {
	return s.listSummaries(ctx,
		`requeue_count > 0 AND processed = FALSE AND failed = FALSE AND updated_at >= $1 ORDER BY updated_at DESC, prefix`,
		since.UTC())
}

func (s *Store) listSummaries(ctx context.Context, where string, args ...any) ([]ranges.Summary, error) {
	rows, err := s.pool.Query(ctx, `SELECT prefix, updated_at, hostname, error FROM `+s.table+` WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list ranges: %w", err)
	}
	defer rows.Close()

	var out []ranges.Summary
	for rows.Next() {
		var sum ranges.Summary
		if err := rows.Scan(&sum.Prefix, &sum.UpdatedAt, &sum.Hostname, &sum.Error); err != nil {
			return nil, fmt.Errorf("scan range: %w", err)
		}
		sum.UpdatedAt = sum.UpdatedAt.UTC()
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ranges: %w", err)
	}
	return out, nil
}

func filterClause(filter ranges.ResetFilter) (string, error) {
	switch filter {
	case ranges.ResetProcessing:
		return "processing = TRUE", nil
	case ranges.ResetFailed:
		return "failed = TRUE", nil
	default:
		return "", fmt.Errorf("unknown reset filter %d", filter)
	}
}

func scanRange(row pgx.Row) (*ranges.Range, error) {
	var (
		r            ranges.Range
		requeueCount int32
		randomKey    int32
	)
	if err := row.Scan(
		&r.Prefix,
		&r.Processing,
		&r.Processed,
		&r.Failed,
		&r.Hostname,
		&r.InstanceName,
		&r.LastObject,
		&r.RangeData,
		&r.TotalItems,
		&r.ProcessedItems,
		&r.ProcessingTime,
		&requeueCount,
		&randomKey,
		&r.Error,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.RequeueCount = uint32(requeueCount)
	r.RandomKey = int(randomKey)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return &r, nil
}

var _ ranges.Store = (*Store)(nil)
