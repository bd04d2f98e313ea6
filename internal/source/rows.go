package source

import (
	"database/sql"
	"time"
)

// Rows is a lazy row sequence produced by one engine run. It is finite and
// non-restartable: once drained or closed it cannot be rewound.
type Rows struct {
	query   string
	rows    *sql.Rows
	cols    []string
	release func()
	closed  bool
}

// Columns returns the result column names in query order.
func (r *Rows) Columns() []string { return r.cols }

// Next advances to the next row. It returns false at the end of the
// sequence or on error; check Err after a false return.
func (r *Rows) Next() bool {
	if r == nil || r.rows == nil {
		return false
	}
	if r.rows.Next() {
		return true
	}
	// Exhausted: release the engine slot early so a caller that drains
	// without an explicit Close does not pin a slot until GC.
	r.Close()
	return false
}

// Values scans the current row into a generic value slice aligned with
// Columns. Driver byte slices are copied to strings so values stay valid
// after the next scan.
func (r *Rows) Values() ([]any, error) {
	ptrs := make([]any, len(r.cols))
	vals := make([]any, len(r.cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := r.rows.Scan(ptrs...); err != nil {
		return nil, &ExecError{Query: r.query, Err: err}
	}
	for i, v := range vals {
		switch t := v.(type) {
		case []byte:
			vals[i] = string(t)
		case time.Time:
			vals[i] = t.UTC()
		}
	}
	return vals, nil
}

// Err returns the first error encountered while iterating, wrapped as an
// execution fault.
func (r *Rows) Err() error {
	if r == nil || r.rows == nil {
		return nil
	}
	if err := r.rows.Err(); err != nil {
		return &ExecError{Query: r.query, Err: err}
	}
	return nil
}

// Close releases the underlying cursor and the engine's in-flight slot.
// Safe to call more than once.
func (r *Rows) Close() error {
	if r == nil || r.closed {
		return nil
	}
	r.closed = true
	err := r.rows.Close()
	if r.release != nil {
		r.release()
	}
	return err
}
