// Package source runs metric query definitions against the warehouse
// database. The warehouse is slow and shared, so the engine bounds how many
// queries it has in flight; it never retries on its own, retry policy
// belongs to the producer wrapping it.
package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/semaphore"

	"repometrics/internal/query"
	"repometrics/internal/sqlutil"
)

// ExecError wraps any database or transport fault raised while executing a
// query. It marks the failure as transient: producers retry it with backoff.
type ExecError struct {
	Query string
	Err   error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("executing query %q: %v", e.Query, e.Err)
}

func (e *ExecError) Unwrap() error { return e.Err }

// IsExecError reports whether err is (or wraps) an *ExecError.
func IsExecError(err error) bool {
	var ee *ExecError
	return errors.As(err, &ee)
}

// Engine executes query definitions against the warehouse connection.
type Engine struct {
	db      *sql.DB
	dialect sqlutil.Dialect
	slots   *semaphore.Weighted
}

// NewEngine creates an engine over db. maxInFlight bounds concurrent
// warehouse queries across all producers sharing this engine.
func NewEngine(db *sql.DB, dialect sqlutil.Dialect, maxInFlight int64) (*Engine, error) {
	if db == nil {
		return nil, errors.New("source: db is nil")
	}
	if maxInFlight <= 0 {
		return nil, fmt.Errorf("source: maxInFlight must be >= 1, got %d", maxInFlight)
	}
	return &Engine{
		db:      db,
		dialect: dialect,
		slots:   semaphore.NewWeighted(maxInFlight),
	}, nil
}

// Run substitutes the repository batch into every placeholder of the
// definition and executes it. The returned Rows is a lazy, finite,
// non-restartable sequence; the caller must drain or Close it, which also
// releases the engine's in-flight slot.
func (e *Engine) Run(ctx context.Context, def *query.Definition, repos []int64) (*Rows, error) {
	if e == nil || e.db == nil {
		return nil, errors.New("source: engine is not initialized (use NewEngine)")
	}
	if ctx == nil {
		return nil, errors.New("source: nil context")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if len(repos) == 0 {
		return nil, fmt.Errorf("source: query %q: empty repository batch", def.Name)
	}

	text, args := expand(def, repos)
	text = e.dialect.Rebind(text)

	if err := e.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	rows, err := e.db.QueryContext(ctx, text, args...)
	if err != nil {
		e.slots.Release(1)
		return nil, &ExecError{Query: def.Name, Err: err}
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		e.slots.Release(1)
		return nil, &ExecError{Query: def.Name, Err: err}
	}
	return &Rows{
		query:   def.Name,
		rows:    rows,
		cols:    cols,
		release: func() { e.slots.Release(1) },
	}, nil
}

// expand replaces each batch placeholder with an IN list and repeats the
// batch values once per placeholder, so arity-2 queries see the same id set
// at both positions.
func expand(def *query.Definition, repos []int64) (string, []any) {
	list := sqlutil.InList(len(repos))
	text := strings.ReplaceAll(def.Template, query.BatchPlaceholder, list)

	args := make([]any, 0, len(repos)*def.Arity)
	for i := 0; i < def.Arity; i++ {
		for _, id := range repos {
			args = append(args, id)
		}
	}
	return text, args
}
