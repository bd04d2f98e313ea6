package cli

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"repometrics/internal/cache"
	"repometrics/internal/catalog"
	"repometrics/internal/config"
	"repometrics/internal/logutil"
	"repometrics/internal/producer"
	"repometrics/internal/query"
	"repometrics/internal/source"
	"repometrics/internal/sqlutil"
	"repometrics/internal/waiter"
)

// app holds the wired components every command runs against.
type app struct {
	cfg      *config.Config
	logger   *log.Logger
	sourceDB *sql.DB
	cacheDB  *sql.DB
	registry *query.Registry
	facade   *cache.Facade
	runner   *producer.Runner
	waiter   *waiter.Waiter
	catalog  *catalog.Catalog
}

// loadConfig resolves the effective config from defaults, environment, and
// whichever persistent flags the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	overrides := map[string]any{}
	flagKeys := map[string]string{
		"source-dsn":    "source.dsn",
		"source-driver": "source.driver",
		"cache-dsn":     "cache.dsn",
		"cache-driver":  "cache.driver",
		"cache-ttl":     "cache.ttl",
		"log-level":     "log.level",
	}
	for flagName, key := range flagKeys {
		f := cmd.Flags().Lookup(flagName)
		if f == nil || !f.Changed {
			continue
		}
		overrides[key] = f.Value.String()
	}
	return config.Load(overrides)
}

// newApp opens both databases and wires the collection pipeline.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	logger := logutil.New(logutil.Options{Level: cfg.Log.Level, Prefix: "repometrics"})

	sourceDB, err := sql.Open(cfg.Source.Driver, cfg.Source.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening source database: %w", err)
	}
	cacheDB, err := sql.Open(cfg.Cache.Driver, cfg.Cache.DSN)
	if err != nil {
		sourceDB.Close()
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, sourceDB: sourceDB, cacheDB: cacheDB}
	if err := a.wire(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	registry, err := query.DefaultRegistry()
	if err != nil {
		return err
	}
	a.registry = registry

	engine, err := source.NewEngine(a.sourceDB, sqlutil.DialectForDriver(a.cfg.Source.Driver), int64(a.cfg.Source.MaxInFlight))
	if err != nil {
		return err
	}

	store, err := cache.NewStore(a.cacheDB, sqlutil.DialectForDriver(a.cfg.Cache.Driver))
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return err
	}

	a.facade, err = cache.NewFacade(a.registry, engine, store, cache.WithTTL(a.cfg.Cache.TTL))
	if err != nil {
		return err
	}

	policy := producer.DefaultRetryPolicy()
	policy.MaxAttempts = a.cfg.Worker.MaxAttempts
	policy.BaseDelay = a.cfg.Worker.RetryBaseDelay
	a.runner, err = producer.NewRunner(a.facade, policy)
	if err != nil {
		return err
	}

	a.waiter, err = waiter.New(a.facade.Missing,
		waiter.WithPollInterval(a.cfg.Waiter.PollInterval),
		waiter.WithMaxPollInterval(a.cfg.Waiter.MaxPollInterval),
		waiter.WithBudget(a.cfg.Waiter.Budget),
	)
	if err != nil {
		return err
	}

	a.catalog, err = catalog.New(a.sourceDB, sqlutil.DialectForDriver(a.cfg.Source.Driver))
	if err != nil {
		return err
	}
	return nil
}

func (a *app) Close() {
	if a.cacheDB != nil {
		a.cacheDB.Close()
	}
	if a.sourceDB != nil {
		a.sourceDB.Close()
	}
}
