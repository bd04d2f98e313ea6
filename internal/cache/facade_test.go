package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"repometrics/internal/query"
	"repometrics/internal/source"
	"repometrics/internal/sqlutil"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type fixture struct {
	sourceDB *sql.DB
	store    *Store
	facade   *Facade
}

func testDefs() []*query.Definition {
	return []*query.Definition{
		{
			Name:     "commits",
			Template: "SELECT repo_id, commit_hash FROM commits WHERE repo_id IN {{repos}} ORDER BY commit_hash",
			Arity:    1,
		},
		{
			Name:     "repo_info",
			Template: "SELECT repo_id AS id, stars FROM repo_info WHERE repo_id IN {{repos}} AND repo_id IN (SELECT repo_id FROM repo_info WHERE repo_id IN {{repos}})",
			Arity:    2,
		},
		{
			Name:     "nameless",
			Template: "SELECT commit_hash FROM commits WHERE repo_id IN {{repos}}",
			Arity:    1,
		},
	}
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	sourceDB := openDB(t)
	seed := []string{
		`CREATE TABLE commits (repo_id INTEGER NOT NULL, commit_hash TEXT NOT NULL)`,
		`CREATE TABLE repo_info (repo_id INTEGER NOT NULL, stars INTEGER NOT NULL)`,
		`INSERT INTO commits (repo_id, commit_hash) VALUES
			(101, 'aaa'), (101, 'bbb'), (101, 'ccc'), (999, 'outside')`,
		`INSERT INTO repo_info (repo_id, stars) VALUES (7, 42)`,
	}
	for _, s := range seed {
		if _, err := sourceDB.Exec(s); err != nil {
			t.Fatalf("seed source db: %v", err)
		}
	}

	reg, err := query.NewRegistry(testDefs()...)
	if err != nil {
		t.Fatalf("NewRegistry() returned error: %v", err)
	}
	eng, err := source.NewEngine(sourceDB, sqlutil.SQLite, 4)
	if err != nil {
		t.Fatalf("NewEngine() returned error: %v", err)
	}

	store, err := NewStore(openDB(t), sqlutil.SQLite)
	if err != nil {
		t.Fatalf("NewStore() returned error: %v", err)
	}
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init() returned error: %v", err)
	}

	facade, err := NewFacade(reg, eng, store, opts...)
	if err != nil {
		t.Fatalf("NewFacade() returned error: %v", err)
	}
	return &fixture{sourceDB: sourceDB, store: store, facade: facade}
}

func TestPopulateThenMissingEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Before populate, every id is missing.
	missing, err := f.facade.Missing(ctx, "commits", []int64{101, 102})
	if err != nil {
		t.Fatalf("Missing() returned error: %v", err)
	}
	if len(missing) != 2 {
		t.Fatalf("Missing() = %v, want both ids", missing)
	}

	if err := f.facade.Populate(ctx, "commits", []int64{101, 102}); err != nil {
		t.Fatalf("Populate() returned error: %v", err)
	}

	missing, err = f.facade.Missing(ctx, "commits", []int64{101, 102})
	if err != nil {
		t.Fatalf("Missing() returned error: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("Missing() after populate = %v, want empty", missing)
	}

	// 101 has three commits; 102 genuinely has none. Both are valid reads.
	res, err := f.facade.Read(ctx, "commits", []int64{101})
	if err != nil {
		t.Fatalf("Read(101) returned error: %v", err)
	}
	if res.Len() != 3 {
		t.Fatalf("Read(101) = %d rows, want 3", res.Len())
	}

	res, err = f.facade.Read(ctx, "commits", []int64{102})
	if err != nil {
		t.Fatalf("Read(102) returned error: %v", err)
	}
	if res.Len() != 0 {
		t.Fatalf("Read(102) = %d rows, want 0", res.Len())
	}
}

func TestReadRestrictsToBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.facade.Populate(ctx, "commits", []int64{101, 999}); err != nil {
		t.Fatalf("Populate() returned error: %v", err)
	}

	res, err := f.facade.Read(ctx, "commits", []int64{101})
	if err != nil {
		t.Fatalf("Read() returned error: %v", err)
	}
	for _, row := range res.Rows {
		if row[0].(int64) != 101 {
			t.Fatalf("Read() leaked row for repo %v", row[0])
		}
	}
}

func TestPopulateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := f.facade.Populate(ctx, "commits", []int64{101}); err != nil {
			t.Fatalf("Populate() run %d returned error: %v", i+1, err)
		}
	}

	res, err := f.facade.Read(ctx, "commits", []int64{101})
	if err != nil {
		t.Fatalf("Read() returned error: %v", err)
	}
	if res.Len() != 3 {
		t.Fatalf("Read() after double populate = %d rows, want 3 (no accumulation)", res.Len())
	}
}

func TestPopulateEmptyBatchIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.facade.Populate(ctx, "commits", nil); err != nil {
		t.Fatalf("Populate(empty) returned error: %v", err)
	}

	missing, err := f.facade.Missing(ctx, "commits", []int64{101})
	if err != nil {
		t.Fatalf("Missing() returned error: %v", err)
	}
	if len(missing) != 1 || missing[0] != 101 {
		t.Fatalf("Missing() = %v, want [101]: empty populate must not touch bookkeeping", missing)
	}
}

func TestPopulateLastWriterWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.facade.Populate(ctx, "commits", []int64{101}); err != nil {
		t.Fatalf("Populate() returned error: %v", err)
	}

	// Source data changes between two runs; the later run must fully
	// replace the repository's rows, never mix with the earlier run.
	if _, err := f.sourceDB.Exec(`DELETE FROM commits WHERE repo_id = 101`); err != nil {
		t.Fatalf("mutate source: %v", err)
	}
	if _, err := f.sourceDB.Exec(`INSERT INTO commits (repo_id, commit_hash) VALUES (101, 'new-only')`); err != nil {
		t.Fatalf("mutate source: %v", err)
	}
	if err := f.facade.Populate(ctx, "commits", []int64{101}); err != nil {
		t.Fatalf("second Populate() returned error: %v", err)
	}

	res, err := f.facade.Read(ctx, "commits", []int64{101})
	if err != nil {
		t.Fatalf("Read() returned error: %v", err)
	}
	if res.Len() != 1 {
		t.Fatalf("Read() = %d rows, want exactly the later run's single row", res.Len())
	}
	if res.Rows[0][1].(string) != "new-only" {
		t.Fatalf("Read() row = %v, want the later run's row", res.Rows[0])
	}
}

func TestPopulateConcurrentRunsDoNotInterleave(t *testing.T) {
	ctx := context.Background()
	batch := []int64{101, 102}

	// Two sources with distinguishable rows, so any cross-run mixing within
	// a repository shows up in the marker prefix.
	seedSource := func(marker string) *sql.DB {
		db := openDB(t)
		if _, err := db.Exec(`CREATE TABLE commits (repo_id INTEGER NOT NULL, commit_hash TEXT NOT NULL)`); err != nil {
			t.Fatalf("seed source db: %v", err)
		}
		for _, repo := range batch {
			for i := 0; i < 3; i++ {
				if _, err := db.Exec(`INSERT INTO commits (repo_id, commit_hash) VALUES (?, ?)`, repo, fmt.Sprintf("%s-%d", marker, i)); err != nil {
					t.Fatalf("seed source db: %v", err)
				}
			}
		}
		return db
	}

	// Pooled in-memory sqlite connections each get their own database, so
	// the shared cache must be pinned to a single connection.
	cacheDB := openDB(t)
	cacheDB.SetMaxOpenConns(1)
	store, err := NewStore(cacheDB, sqlutil.SQLite)
	if err != nil {
		t.Fatalf("NewStore() returned error: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("Init() returned error: %v", err)
	}

	newFacadeFor := func(db *sql.DB) *Facade {
		reg, err := query.NewRegistry(testDefs()...)
		if err != nil {
			t.Fatalf("NewRegistry() returned error: %v", err)
		}
		eng, err := source.NewEngine(db, sqlutil.SQLite, 4)
		if err != nil {
			t.Fatalf("NewEngine() returned error: %v", err)
		}
		fac, err := NewFacade(reg, eng, store)
		if err != nil {
			t.Fatalf("NewFacade() returned error: %v", err)
		}
		return fac
	}
	facades := []*Facade{newFacadeFor(seedSource("alpha")), newFacadeFor(seedSource("beta"))}

	errs := make(chan error, len(facades))
	var wg sync.WaitGroup
	for _, fac := range facades {
		wg.Add(1)
		go func(f *Facade) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				if err := f.Populate(ctx, "commits", batch); err != nil {
					errs <- err
					return
				}
			}
		}(fac)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Populate() returned error: %v", err)
	}

	// Per repository the cache must hold one run's rows in full, never a
	// blend of both runs.
	for _, repo := range batch {
		res, err := facades[0].Read(ctx, "commits", []int64{repo})
		if err != nil {
			t.Fatalf("Read(%d) returned error: %v", repo, err)
		}
		if res.Len() != 3 {
			t.Fatalf("Read(%d) = %d rows, want 3", repo, res.Len())
		}
		recs := res.Records()
		prefix := strings.SplitN(recs[0]["commit_hash"].(string), "-", 2)[0]
		for _, rec := range recs {
			hash := rec["commit_hash"].(string)
			if !strings.HasPrefix(hash, prefix+"-") {
				t.Fatalf("repo %d mixes rows from different runs: %v", repo, recs)
			}
		}
	}
}

func TestPopulateUnknownQueryIsConfigError(t *testing.T) {
	f := newFixture(t)

	err := f.facade.Populate(context.Background(), "no_such_query", []int64{1})
	if err == nil {
		t.Fatal("Populate(unknown) = nil error")
	}
	if !query.IsNotFound(err) {
		t.Fatalf("Populate(unknown) error type %T, want NotFoundError", err)
	}
	if !IsConfigError(err) {
		t.Fatal("IsConfigError() = false for unresolvable query")
	}
}

func TestPopulateWithoutRepoColumnFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.facade.Populate(ctx, "nameless", []int64{101})
	if !errors.Is(err, ErrNoRepoColumn) {
		t.Fatalf("Populate(nameless) = %v, want ErrNoRepoColumn", err)
	}
	if !IsConfigError(err) {
		t.Fatal("IsConfigError() = false for ErrNoRepoColumn")
	}

	// The failed run must not have marked anything current.
	missing, err := f.facade.Missing(ctx, "nameless", []int64{101})
	if err != nil {
		t.Fatalf("Missing() returned error: %v", err)
	}
	if len(missing) != 1 {
		t.Fatalf("Missing() = %v, want [101]", missing)
	}
}

func TestPopulateArityTwoQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.facade.Populate(ctx, "repo_info", []int64{7}); err != nil {
		t.Fatalf("Populate(repo_info) returned error: %v", err)
	}
	res, err := f.facade.Read(ctx, "repo_info", []int64{7})
	if err != nil {
		t.Fatalf("Read() returned error: %v", err)
	}
	if res.Len() != 1 {
		t.Fatalf("Read() = %d rows, want 1", res.Len())
	}
	recs := res.Records()
	if recs[0]["id"].(int64) != 7 || recs[0]["stars"].(int64) != 42 {
		t.Fatalf("Records() = %v", recs[0])
	}
}

func TestMissingHonorsTTL(t *testing.T) {
	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return clock }
	f := newFixture(t, WithTTL(time.Hour), WithClock(func() time.Time { return now() }))
	ctx := context.Background()

	if err := f.facade.Populate(ctx, "commits", []int64{101}); err != nil {
		t.Fatalf("Populate() returned error: %v", err)
	}
	missing, err := f.facade.Missing(ctx, "commits", []int64{101})
	if err != nil {
		t.Fatalf("Missing() returned error: %v", err)
	}
	if len(missing) != 0 {
		t.Fatalf("Missing() right after populate = %v, want empty", missing)
	}

	clock = clock.Add(2 * time.Hour)
	missing, err = f.facade.Missing(ctx, "commits", []int64{101})
	if err != nil {
		t.Fatalf("Missing() returned error: %v", err)
	}
	if len(missing) != 1 {
		t.Fatalf("Missing() after TTL expiry = %v, want [101]", missing)
	}
}

func TestReadNeverPopulatedQuery(t *testing.T) {
	f := newFixture(t)

	res, err := f.facade.Read(context.Background(), "commits", []int64{101})
	if err != nil {
		t.Fatalf("Read() before any populate returned error: %v", err)
	}
	if res.Len() != 0 {
		t.Fatalf("Read() before any populate = %d rows, want 0", res.Len())
	}
}

func TestMissingPreservesOrderAndDedupes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.facade.Populate(ctx, "commits", []int64{102}); err != nil {
		t.Fatalf("Populate() returned error: %v", err)
	}

	missing, err := f.facade.Missing(ctx, "commits", []int64{105, 101, 102, 105, 101})
	if err != nil {
		t.Fatalf("Missing() returned error: %v", err)
	}
	want := []int64{105, 101}
	if len(missing) != len(want) || missing[0] != want[0] || missing[1] != want[1] {
		t.Fatalf("Missing() = %v, want %v", missing, want)
	}
}
