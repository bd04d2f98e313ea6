// Package sqlutil holds the small amount of SQL plumbing shared by the
// source engine and the cache stores: placeholder rebinding between the
// sqlite and Postgres drivers, and IN-list expansion.
package sqlutil

import (
	"strconv"
	"strings"
)

// Dialect selects the bind-parameter style of the underlying driver.
type Dialect int

const (
	// SQLite uses `?` ordinal placeholders (mattn/go-sqlite3).
	SQLite Dialect = iota
	// Postgres uses `$N` placeholders (jackc/pgx stdlib).
	Postgres
)

// DialectForDriver maps a database/sql driver name to its Dialect.
// Unknown drivers fall back to `?` placeholders.
func DialectForDriver(name string) Dialect {
	switch name {
	case "pgx", "postgres":
		return Postgres
	default:
		return SQLite
	}
}

// Rebind rewrites a query written with `?` placeholders into the dialect's
// native style. Queries in this module never contain a literal `?`, so a
// plain scan is sufficient.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// InList renders an SQL `(?, ?, ...)` group sized to n. n must be >= 1;
// callers short-circuit empty batches before building queries.
func InList(n int) string {
	if n <= 0 {
		return "()"
	}
	var b strings.Builder
	b.Grow(2 + 3*n)
	b.WriteByte('(')
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('?')
	}
	b.WriteByte(')')
	return b.String()
}
