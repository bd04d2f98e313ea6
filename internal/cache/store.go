// Package cache is the repository-scoped asynchronous result cache.
//
// Producers call Facade.Populate to materialize a query's rows for a batch
// of repositories; bookkeeping records which (query, repository) pairs are
// current; consumers call Facade.Missing to detect readiness and
// Facade.Read for a consistent snapshot. The per-repository write path is
// transactional: a reader never observes a fresh bookkeeping entry whose
// rows are missing or half-written.
package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"repometrics/internal/sqlutil"
)

const (
	bookkeepingTable = "cache_bookkeeping"
	columnsTable     = "cache_columns"
	tablePrefix      = "cache_"
)

// Store owns the cache database schema: the bookkeeping table, the
// per-query columns record, and one materialized row table per query name.
// Rows are stored as JSON objects keyed by column name, so every query can
// carry its own result schema without DDL churn.
type Store struct {
	db      *sql.DB
	dialect sqlutil.Dialect

	mu     sync.Mutex
	tables map[string]bool // per-query tables known to exist
}

// NewStore wraps db. Call Init before first use.
func NewStore(db *sql.DB, dialect sqlutil.Dialect) (*Store, error) {
	if db == nil {
		return nil, errors.New("cache: db is nil")
	}
	return &Store{
		db:      db,
		dialect: dialect,
		tables:  make(map[string]bool),
	}, nil
}

// Init applies the fixed part of the schema. Per-query row tables are
// created lazily on first populate.
func (s *Store) Init(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("cache: store is not initialized (use NewStore)")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + bookkeepingTable + ` (
			cache_func   TEXT   NOT NULL,
			repo_id      BIGINT NOT NULL,
			collected_at TEXT   NOT NULL,
			PRIMARY KEY (cache_func, repo_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + columnsTable + ` (
			cache_func TEXT PRIMARY KEY,
			names      TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("cache: applying schema: %w", err)
		}
	}
	return nil
}

func rowTable(queryName string) string {
	return tablePrefix + queryName
}

// ensureRowTable creates the materialized table for a query if it does not
// exist yet. Query names are validated identifiers, so building the table
// name by concatenation is safe.
func (s *Store) ensureRowTable(ctx context.Context, queryName string) error {
	s.mu.Lock()
	known := s.tables[queryName]
	s.mu.Unlock()
	if known {
		return nil
	}

	table := rowTable(queryName)
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
			repo_id BIGINT NOT NULL,
			seq     BIGINT NOT NULL,
			payload TEXT   NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_` + table + `_repo ON ` + table + ` (repo_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("cache: creating table for query %q: %w", queryName, err)
		}
	}

	s.mu.Lock()
	s.tables[queryName] = true
	s.mu.Unlock()
	return nil
}

// Missing returns the ids in repos (order preserved, duplicates dropped)
// that have no current bookkeeping entry for queryName. When ttl > 0,
// entries collected before now-ttl count as missing.
func (s *Store) Missing(ctx context.Context, queryName string, repos []int64, ttl time.Duration, now time.Time) ([]int64, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("cache: store is not initialized (use NewStore)")
	}
	batch := dedupe(repos)
	if len(batch) == 0 {
		return nil, nil
	}

	q := `SELECT repo_id FROM ` + bookkeepingTable + `
		WHERE cache_func = ? AND repo_id IN ` + sqlutil.InList(len(batch))
	args := make([]any, 0, len(batch)+2)
	args = append(args, queryName)
	for _, id := range batch {
		args = append(args, id)
	}
	if ttl > 0 {
		q += ` AND collected_at >= ?`
		args = append(args, now.Add(-ttl).UTC().Format(time.RFC3339))
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("cache: reading bookkeeping for %q: %w", queryName, err)
	}
	defer rows.Close()

	current := make(map[int64]bool, len(batch))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("cache: reading bookkeeping for %q: %w", queryName, err)
		}
		current[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: reading bookkeeping for %q: %w", queryName, err)
	}

	missing := make([]int64, 0, len(batch))
	for _, id := range batch {
		if !current[id] {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

// ReplaceRepo atomically swaps one repository's materialized rows and
// bookkeeping entry for queryName: old rows are deleted, new rows inserted
// in order, the column order recorded, and the collection timestamp
// upserted, all in one transaction. A run that fails partway leaves every
// repository it had not committed untouched, column record included.
func (s *Store) ReplaceRepo(ctx context.Context, queryName string, repoID int64, cols []string, rows []map[string]any, collectedAt time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("cache: store is not initialized (use NewStore)")
	}
	if err := s.ensureRowTable(ctx, queryName); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("cache: begin tx for %q repo %d: %w", queryName, repoID, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	table := rowTable(queryName)
	del := s.dialect.Rebind(`DELETE FROM ` + table + ` WHERE repo_id = ?`)
	if _, err := tx.ExecContext(ctx, del, repoID); err != nil {
		return fmt.Errorf("cache: clearing rows for %q repo %d: %w", queryName, repoID, err)
	}

	if err := s.setColumnsTx(ctx, tx, queryName, cols); err != nil {
		return err
	}

	ins := s.dialect.Rebind(`INSERT INTO ` + table + ` (repo_id, seq, payload) VALUES (?, ?, ?)`)
	for seq, row := range rows {
		payload, err := json.Marshal(row)
		if err != nil {
			return fmt.Errorf("cache: encoding row for %q repo %d: %w", queryName, repoID, err)
		}
		if _, err := tx.ExecContext(ctx, ins, repoID, seq, string(payload)); err != nil {
			return fmt.Errorf("cache: writing rows for %q repo %d: %w", queryName, repoID, err)
		}
	}

	mark := s.dialect.Rebind(`INSERT INTO ` + bookkeepingTable + ` (cache_func, repo_id, collected_at)
		VALUES (?, ?, ?)
		ON CONFLICT (cache_func, repo_id) DO UPDATE SET collected_at = excluded.collected_at`)
	stamp := collectedAt.UTC().Format(time.RFC3339)
	if _, err := tx.ExecContext(ctx, mark, queryName, repoID, stamp); err != nil {
		return fmt.Errorf("cache: updating bookkeeping for %q repo %d: %w", queryName, repoID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("cache: commit for %q repo %d: %w", queryName, repoID, err)
	}
	committed = true
	return nil
}

// setColumnsTx records the result column order observed by a populate run
// inside that run's row transaction, so a rolled-back repository never
// changes the recorded order either.
func (s *Store) setColumnsTx(ctx context.Context, tx *sql.Tx, queryName string, names []string) error {
	payload, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("cache: encoding columns for %q: %w", queryName, err)
	}
	q := s.dialect.Rebind(`INSERT INTO ` + columnsTable + ` (cache_func, names) VALUES (?, ?)
		ON CONFLICT (cache_func) DO UPDATE SET names = excluded.names`)
	if _, err := tx.ExecContext(ctx, q, queryName, string(payload)); err != nil {
		return fmt.Errorf("cache: recording columns for %q: %w", queryName, err)
	}
	return nil
}

// Columns returns the recorded column order for queryName, or nil if the
// query has never been populated.
func (s *Store) Columns(ctx context.Context, queryName string) ([]string, error) {
	q := s.dialect.Rebind(`SELECT names FROM ` + columnsTable + ` WHERE cache_func = ?`)
	var payload string
	err := s.db.QueryRowContext(ctx, q, queryName).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: reading columns for %q: %w", queryName, err)
	}
	var names []string
	if err := json.Unmarshal([]byte(payload), &names); err != nil {
		return nil, fmt.Errorf("cache: decoding columns for %q: %w", queryName, err)
	}
	return names, nil
}

// ReadRepos returns the materialized rows for the batch, ordered by
// repository id and then by insertion order within each repository. Rows
// decode as column-name keyed maps.
func (s *Store) ReadRepos(ctx context.Context, queryName string, repos []int64) ([]map[string]any, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("cache: store is not initialized (use NewStore)")
	}
	batch := dedupe(repos)
	if len(batch) == 0 {
		return nil, nil
	}

	// A query that has never been populated has no row table; that reads
	// as no data, not as an error.
	cols, err := s.Columns(ctx, queryName)
	if err != nil {
		return nil, err
	}
	if cols == nil {
		return nil, nil
	}
	if err := s.ensureRowTable(ctx, queryName); err != nil {
		return nil, err
	}

	q := `SELECT repo_id, payload FROM ` + rowTable(queryName) + `
		WHERE repo_id IN ` + sqlutil.InList(len(batch)) + ` ORDER BY repo_id, seq`
	args := make([]any, 0, len(batch))
	for _, id := range batch {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("cache: reading rows for %q: %w", queryName, err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var repoID int64
		var payload string
		if err := rows.Scan(&repoID, &payload); err != nil {
			return nil, fmt.Errorf("cache: reading rows for %q: %w", queryName, err)
		}
		row, err := decodeRow(payload)
		if err != nil {
			return nil, fmt.Errorf("cache: decoding row for %q repo %d: %w", queryName, repoID, err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cache: reading rows for %q: %w", queryName, err)
	}
	return out, nil
}

func dedupe(repos []int64) []int64 {
	if len(repos) == 0 {
		return nil
	}
	seen := make(map[int64]bool, len(repos))
	out := make([]int64, 0, len(repos))
	for _, id := range repos {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
