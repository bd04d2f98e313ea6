package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"repometrics/internal/query"
	"repometrics/internal/source"
)

// ErrNoRepoColumn reports a query whose result set carries neither a
// repo_id nor an id column, so rows cannot be attributed to repositories.
// Like an unresolvable name, this is a definition defect and is not
// retried.
var ErrNoRepoColumn = errors.New("query result has no repo_id or id column")

// IsConfigError reports whether err is a configuration defect (unknown
// query name, unattributable result schema) rather than a transient fault.
// Producers fail these immediately instead of retrying.
func IsConfigError(err error) bool {
	return query.IsNotFound(err) || errors.Is(err, ErrNoRepoColumn)
}

// Runner executes a query definition against the source database.
// *source.Engine is the production implementation.
type Runner interface {
	Run(ctx context.Context, def *query.Definition, repos []int64) (*source.Rows, error)
}

// Facade orchestrates the execution engine and the cache stores behind the
// three operations producers and consumers are allowed to use. It is the
// exclusive owner of the bookkeeping and materialized tables.
type Facade struct {
	registry *query.Registry
	runner   Runner
	store    *Store

	ttl time.Duration
	now func() time.Time
}

// Option adjusts facade behavior.
type Option func(*Facade)

// WithTTL enables a freshness policy: bookkeeping entries older than ttl
// are reported missing again. Zero keeps entries current forever.
func WithTTL(ttl time.Duration) Option {
	return func(f *Facade) { f.ttl = ttl }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(f *Facade) { f.now = now }
}

// NewFacade wires the facade. All arguments are required.
func NewFacade(registry *query.Registry, runner Runner, store *Store, opts ...Option) (*Facade, error) {
	if registry == nil {
		return nil, errors.New("cache: registry is nil")
	}
	if runner == nil {
		return nil, errors.New("cache: runner is nil")
	}
	if store == nil {
		return nil, errors.New("cache: store is nil")
	}
	f := &Facade{
		registry: registry,
		runner:   runner,
		store:    store,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Populate runs queryName for the batch and replaces each repository's
// cached rows and bookkeeping entry. An empty batch succeeds without
// touching storage. Each repository commits independently; on a mid-way
// failure, repositories already committed stay current and the rest keep
// their previous state; no bookkeeping entry is ever written without its
// full row set.
//
// Populate is idempotent per repository: re-running it against unchanged
// source data leaves the same final rows, and concurrent overlapping runs
// settle on whichever commit landed last.
func (f *Facade) Populate(ctx context.Context, queryName string, repos []int64) error {
	if f == nil || f.store == nil {
		return errors.New("cache: facade is not initialized (use NewFacade)")
	}
	if ctx == nil {
		return errors.New("cache: nil context")
	}
	batch := dedupe(repos)
	if len(batch) == 0 {
		return nil
	}

	def, err := f.registry.Resolve(queryName)
	if err != nil {
		return err
	}

	rows, err := f.runner.Run(ctx, def, batch)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols := rows.Columns()
	repoCol := repoColumnIndex(cols)
	if repoCol < 0 {
		return fmt.Errorf("query %q: %w", queryName, ErrNoRepoColumn)
	}

	inBatch := make(map[int64]bool, len(batch))
	for _, id := range batch {
		inBatch[id] = true
	}

	grouped := make(map[int64][]map[string]any, len(batch))
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return err
		}
		repoID, ok := repoIDValue(vals[repoCol])
		if !ok || !inBatch[repoID] {
			continue
		}
		rec := make(map[string]any, len(cols))
		for i, col := range cols {
			rec[col] = vals[i]
		}
		grouped[repoID] = append(grouped[repoID], rec)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	collectedAt := f.now()
	for _, id := range batch {
		if err := f.store.ReplaceRepo(ctx, queryName, id, cols, grouped[id], collectedAt); err != nil {
			return err
		}
	}
	return nil
}

// Missing returns the subset of the batch that lacks a current bookkeeping
// entry for queryName, preserving batch order. An id stays absent from the
// result once populated, until the freshness TTL (if any) expires it.
func (f *Facade) Missing(ctx context.Context, queryName string, repos []int64) ([]int64, error) {
	if f == nil || f.store == nil {
		return nil, errors.New("cache: facade is not initialized (use NewFacade)")
	}
	return f.store.Missing(ctx, queryName, repos, f.ttl, f.now())
}

// Read returns the materialized rows for the batch. Zero rows is a valid
// result; readiness is Missing's job, not Read's.
func (f *Facade) Read(ctx context.Context, queryName string, repos []int64) (*Result, error) {
	if f == nil || f.store == nil {
		return nil, errors.New("cache: facade is not initialized (use NewFacade)")
	}
	cols, err := f.store.Columns(ctx, queryName)
	if err != nil {
		return nil, err
	}
	if cols == nil {
		return &Result{}, nil
	}

	recs, err := f.store.ReadRepos(ctx, queryName, repos)
	if err != nil {
		return nil, err
	}

	out := &Result{Columns: cols, Rows: make([][]any, 0, len(recs))}
	for _, rec := range recs {
		row := make([]any, len(cols))
		for i, col := range cols {
			row[i] = rec[col]
		}
		out.Rows = append(out.Rows, row)
	}
	return out, nil
}

// repoColumnIndex finds the column that attributes a row to a repository.
// The conventional names are repo_id, then id (several warehouse queries
// alias repo_id to id).
func repoColumnIndex(cols []string) int {
	for _, want := range []string{"repo_id", "id"} {
		for i, col := range cols {
			if col == want {
				return i
			}
		}
	}
	return -1
}

func repoIDValue(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int32:
		return int64(t), true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	default:
		return 0, false
	}
}
