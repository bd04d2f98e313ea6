package query

import (
	"fmt"
	"regexp"
	"strings"
)

// BatchPlaceholder marks where the repository-id batch is substituted into a
// template. The execution engine expands each occurrence into an SQL
// `(?, ?, ...)` list sized to the batch.
const BatchPlaceholder = "{{repos}}"

// Query names double as cache table name suffixes, so they are restricted to
// a lowercase identifier shape.
var nameShape = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Definition is a named metric query. Arity declares how many times the
// repository batch appears in the template: once for a plain qualifying
// filter, twice when the query also computes a latest-row-per-repository
// subselect over the same id set.
type Definition struct {
	Name     string
	Template string
	Arity    int
}

// Validate checks the definition for configuration defects. A mismatch
// between Arity and the number of batch placeholders in the template is a
// deployment error and must be caught before any query executes.
func (d *Definition) Validate() error {
	if d == nil {
		return fmt.Errorf("query definition is nil")
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("query definition has empty name")
	}
	if !nameShape.MatchString(d.Name) {
		return fmt.Errorf("query %q: name must match [a-z][a-z0-9_]*", d.Name)
	}
	if strings.TrimSpace(d.Template) == "" {
		return fmt.Errorf("query %q: template is empty", d.Name)
	}
	if d.Arity < 1 || d.Arity > 2 {
		return fmt.Errorf("query %q: arity must be 1 or 2, got %d", d.Name, d.Arity)
	}
	if got := strings.Count(d.Template, BatchPlaceholder); got != d.Arity {
		return fmt.Errorf("query %q: template has %d batch placeholder(s), arity declares %d", d.Name, got, d.Arity)
	}
	return nil
}
