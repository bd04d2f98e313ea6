// Package catalog serves the repository and organization listings backed
// by the warehouse repo and repo_groups tables. The listing is loaded once
// at startup and refreshed on demand, so lookups never touch the database
// on the request path.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"repometrics/internal/sqlutil"
)

const listSQL = `
    SELECT DISTINCT r.repo_id, r.repo_git, rg.rg_name
    FROM repo r
    JOIN repo_groups rg ON rg.repo_group_id = r.repo_group_id
    ORDER BY rg.rg_name, r.repo_git
`

// Repo is one repository row from the warehouse.
type Repo struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Org  string `json:"org"`
}

// Org is one repository group with its member repo ids.
type Org struct {
	Name  string  `json:"name"`
	Repos []int64 `json:"repos"`
}

// Catalog holds the loaded listing. Safe for concurrent use.
type Catalog struct {
	db      *sql.DB
	dialect sqlutil.Dialect

	mu    sync.RWMutex
	repos []Repo
	orgs  map[string][]int64
}

// New builds an empty catalog over db. Call Load before serving lookups.
func New(db *sql.DB, dialect sqlutil.Dialect) (*Catalog, error) {
	if db == nil {
		return nil, errors.New("catalog: db is nil")
	}
	return &Catalog{db: db, dialect: dialect, orgs: make(map[string][]int64)}, nil
}

// Load replaces the in-memory listing with the current warehouse contents.
func (c *Catalog) Load(ctx context.Context) error {
	if c == nil || c.db == nil {
		return errors.New("catalog: not initialized (use New)")
	}

	rows, err := c.db.QueryContext(ctx, listSQL)
	if err != nil {
		return fmt.Errorf("catalog: listing repos: %w", err)
	}
	defer rows.Close()

	var repos []Repo
	orgs := make(map[string][]int64)
	for rows.Next() {
		var r Repo
		if err := rows.Scan(&r.ID, &r.Name, &r.Org); err != nil {
			return fmt.Errorf("catalog: scanning repo row: %w", err)
		}
		r.Name = shortName(r.Name)
		repos = append(repos, r)
		orgs[r.Org] = append(orgs[r.Org], r.ID)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("catalog: listing repos: %w", err)
	}

	c.mu.Lock()
	c.repos = repos
	c.orgs = orgs
	c.mu.Unlock()
	return nil
}

// Repos returns the loaded repositories in listing order.
func (c *Catalog) Repos() []Repo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Repo(nil), c.repos...)
}

// Orgs returns the loaded groups sorted by name.
func (c *Catalog) Orgs() []Org {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Org, 0, len(c.orgs))
	for name, ids := range c.orgs {
		out = append(out, Org{Name: name, Repos: append([]int64(nil), ids...)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsOrg reports whether name is a known repository group.
func (c *Catalog) IsOrg(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.orgs[name]
	return ok
}

// OrgRepos returns the repo ids belonging to the named group, or an error
// when the group is unknown.
func (c *Catalog) OrgRepos(name string) ([]int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids, ok := c.orgs[name]
	if !ok {
		return nil, fmt.Errorf("catalog: unknown org %q", name)
	}
	return append([]int64(nil), ids...), nil
}

// Resolve expands a mixed selection of repo ids and org names into a
// deduplicated repo-id batch, preserving first-seen order.
func (c *Catalog) Resolve(repoIDs []int64, orgNames []string) ([]int64, error) {
	seen := make(map[int64]bool, len(repoIDs))
	out := make([]int64, 0, len(repoIDs))
	add := func(id int64) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range repoIDs {
		add(id)
	}
	for _, name := range orgNames {
		ids, err := c.OrgRepos(name)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			add(id)
		}
	}
	return out, nil
}

// shortName trims a clone URL down to the org/repo form used in listings.
func shortName(gitURL string) string {
	s := strings.TrimSuffix(gitURL, ".git")
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	if i := strings.Index(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	return s
}
