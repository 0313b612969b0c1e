// Package sqlite stores ranges in a SQLite database file. All workers must
// share the same file, so this backend suits single-host deployments.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/withObsrvr/obsrvr-bucket-processor/internal/ranges"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

const rangeColumns = `prefix, processing, processed, failed, hostname, instance_name,
	last_object, range_data, total_items, processed_items, processing_time,
	requeue_count, random_key, error, created_at, updated_at`

// Store provides SQLite-backed range persistence.
type Store struct {
	db    *sql.DB
	table string
	now   func() time.Time
}

// Open opens (creating if needed) the database at path and ensures the range
// table exists.
func Open(path, table string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	if table == "" {
		table = ranges.DefaultTable
	}
	if err := ranges.ValidateTableName(table); err != nil {
		return nil, err
	}

	// Every transaction takes the write lock up front so a claim's select and
	// update cannot interleave with another writer.
	dsn := filepath.Clean(path) +
		"?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	s := &Store{db: db, table: table, now: time.Now}
	if _, err := db.Exec(strings.ReplaceAll(schemaSQL, "{{table}}", table)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DeleteAll removes every range.
func (s *Store) DeleteAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table))
	if err != nil {
		return 0, fmt.Errorf("delete ranges: %w", err)
	}
	return res.RowsAffected()
}

// Insert writes new ranges in a single transaction.
func (s *Store) Insert(ctx context.Context, rs []ranges.Range) error {
	if len(rs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`
INSERT INTO %s (`+rangeColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := s.now().UTC().UnixMilli()
	for i := range rs {
		r := &rs[i]
		if _, err := stmt.ExecContext(ctx,
			r.Prefix,
			boolInt(r.Processing),
			boolInt(r.Processed),
			boolInt(r.Failed),
			r.Hostname,
			r.InstanceName,
			r.LastObject,
			r.RangeData,
			r.TotalItems,
			r.ProcessedItems,
			r.ProcessingTime,
			int64(r.RequeueCount),
			r.RandomKey,
			r.Error,
			now,
			now,
		); err != nil {
			return fmt.Errorf("insert range %s: %w", r.Prefix, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

// Get loads a single range.
func (s *Store) Get(ctx context.Context, prefix string) (*ranges.Range, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT `+rangeColumns+` FROM %s WHERE prefix = ?`, s.table), prefix)
	r, err := scanRange(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ranges.ErrNotFound
		}
		return nil, fmt.Errorf("get range %s: %w", prefix, err)
	}
	return r, nil
}

// Save writes all mutable fields of r.
func (s *Store) Save(ctx context.Context, r *ranges.Range) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET
	processing = ?,
	processed = ?,
	failed = ?,
	hostname = ?,
	instance_name = ?,
	last_object = ?,
	range_data = ?,
	total_items = ?,
	processed_items = ?,
	processing_time = ?,
	requeue_count = ?,
	random_key = ?,
	error = ?,
	updated_at = ?
WHERE prefix = ?`, s.table),
		boolInt(r.Processing),
		boolInt(r.Processed),
		boolInt(r.Failed),
		r.Hostname,
		r.InstanceName,
		r.LastObject,
		r.RangeData,
		r.TotalItems,
		r.ProcessedItems,
		r.ProcessingTime,
		int64(r.RequeueCount),
		r.RandomKey,
		r.Error,
		now.UnixMilli(),
		r.Prefix,
	)
	if err != nil {
		return fmt.Errorf("save range %s: %w", r.Prefix, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save range %s: %w", r.Prefix, err)
	}
	if n == 0 {
		return ranges.ErrNotFound
	}
	r.UpdatedAt = time.UnixMilli(now.UnixMilli()).UTC()
	return nil
}

// ResetAll returns every range to Free.
func (s *Store) ResetAll(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET
	last_object = '',
	hostname = '',
	processing = 0,
	processed = 0,
	failed = 0,
	processing_time = 0,
	total_items = 0,
	processed_items = 0,
	error = '',
	updated_at = ?`, s.table), s.now().UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("reset ranges: %w", err)
	}
	return res.RowsAffected()
}

// ResetWhere frees ranges matching filter.
func (s *Store) ResetWhere(ctx context.Context, filter ranges.ResetFilter) (int64, error) {
	where, err := filterClause(filter)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET
	processing = 0,
	processed = 0,
	failed = 0,
	hostname = '',
	instance_name = '',
	updated_at = ?
WHERE %s`, s.table, where), s.now().UTC().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("reset %s ranges: %w", filter, err)
	}
	return res.RowsAffected()
}

// CountWhere counts ranges matching filter.
func (s *Store) CountWhere(ctx context.Context, filter ranges.ResetFilter) (int64, error) {
	where, err := filterClause(filter)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, s.table, where)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s ranges: %w", filter, err)
	}
	return n, nil
}

// Count returns the number of ranges.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count ranges: %w", err)
	}
	return n, nil
}

// FindClaimed returns the range held by hostname/instanceName.
func (s *Store) FindClaimed(ctx context.Context, hostname, instanceName string) (*ranges.Range, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
SELECT `+rangeColumns+` FROM %s
WHERE processing = 1 AND hostname = ? AND instance_name = ?
ORDER BY prefix
LIMIT 1`, s.table), hostname, instanceName)
	r, err := scanRange(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ranges.ErrNotFound
		}
		return nil, fmt.Errorf("find claimed range: %w", err)
	}
	return r, nil
}

// ClaimNext claims the Free range with the lowest random key. SQLite has no
// UPDATE ... ORDER BY ... LIMIT by default, so the claim runs in an immediate
// transaction that re-checks the Free predicate in the update.
func (s *Store) ClaimNext(ctx context.Context, hostname, instanceName string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	var prefix string
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`
SELECT prefix FROM %s
WHERE processing = 0 AND processed = 0
ORDER BY random_key, prefix
LIMIT 1`, s.table)).Scan(&prefix)
	if errors.Is(err, sql.ErrNoRows) {
		return false, tx.Commit()
	}
	if err != nil {
		return false, fmt.Errorf("select free range: %w", err)
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
UPDATE %s SET processing = 1, hostname = ?, instance_name = ?, updated_at = ?
WHERE prefix = ? AND processing = 0 AND processed = 0`, s.table),
		hostname, instanceName, s.now().UTC().UnixMilli(), prefix)
	if err != nil {
		return false, fmt.Errorf("claim range %s: %w", prefix, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim range %s: %w", prefix, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit claim: %w", err)
	}
	return n == 1, nil
}

// ListFailed returns failed ranges ordered by prefix.
func (s *Store) ListFailed(ctx context.Context, limit int) ([]ranges.Summary, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.listSummaries(ctx, `failed = 1 ORDER BY prefix LIMIT ?`, limit)
}

// ListRequeued returns requeued, non-terminal ranges updated since the given time.
func (s *Store) ListRequeued(ctx context.Context, since time.Time) ([]ranges.Summary, error) {
	return s.listSummaries(ctx,
		`requeue_count > 0 AND processed = 0 AND failed = 0 AND updated_at >= ? ORDER BY updated_at DESC, prefix`,
		since.UTC().UnixMilli())
}

func (s *Store) listSummaries(ctx context.Context, where string, args ...any) ([]ranges.Summary, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT prefix, updated_at, hostname, error FROM %s WHERE %s`, s.table, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list ranges: %w", err)
	}
	defer rows.Close()

	var out []ranges.Summary
	for rows.Next() {
		var sum ranges.Summary
		var updatedAt int64
		if err := rows.Scan(&sum.Prefix, &updatedAt, &sum.Hostname, &sum.Error); err != nil {
			return nil, fmt.Errorf("scan range: %w", err)
		}
		sum.UpdatedAt = time.UnixMilli(updatedAt).UTC()
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
		return "processing = 1", nil
	case ranges.ResetFailed:
		return "failed = 1", nil
	default:
		return "", fmt.Errorf("unknown reset filter %d", filter)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRange(row rowScanner) (*ranges.Range, error) {
	var (
		r                             ranges.Range
		processing, processed, failed int64
		requeueCount                  int64
		createdAt, updatedAt          int64
	)
	if err := row.Scan(
		&r.Prefix,
		&processing,
		&processed,
		&failed,
		&r.Hostname,
		&r.InstanceName,
		&r.LastObject,
		&r.RangeData,
		&r.TotalItems,
		&r.ProcessedItems,
		&r.ProcessingTime,
		&requeueCount,
		&r.RandomKey,
		&r.Error,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	r.Processing = processing != 0
	r.Processed = processed != 0
	r.Failed = failed != 0
	r.RequeueCount = uint32(requeueCount)
	r.CreatedAt = time.UnixMilli(createdAt).UTC()
	r.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ ranges.Store = (*Store)(nil)
