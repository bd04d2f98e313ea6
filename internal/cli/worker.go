package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"repometrics/internal/api"
	"repometrics/internal/config"
	"repometrics/internal/producer"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the collection workers and HTTP API",
	Long: `Run the background collection workers and the HTTP API in one process.

Workers drain a task queue: each task runs one metric query against the
source warehouse for a repo batch and replaces the cached results. The API
accepts task submissions, reports task status, serves the repo/org catalog,
and answers blocking query reads.

Endpoints:
	GET  /healthz             liveness probe
	GET  /api/data            repository and organization catalog
	POST /api/tasks           enqueue collection tasks
	POST /api/tasks/status    task status by id
	POST /api/query/{name}    wait for a repo batch, then read its rows

Examples:
  # Warehouse settings from the environment
  export AUGUR_HOST=warehouse AUGUR_DATABASE=augur AUGUR_USERNAME=reader
  export CACHE_DSN="postgres://cache@db:5432/cache"
  repometrics worker

  # Explicit connection strings
  repometrics worker --source-dsn "postgres://..." --cache-dsn "postgres://..." --addr :9000
`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}
		if workers, _ := cmd.Flags().GetInt("workers"); cmd.Flags().Changed("workers") {
			cfg.Worker.Count = workers
			if err := cfg.Validate(); err != nil {
				return err
			}
		}
		return runWorker(cmd.Context(), cfg)
	},
}

func init() {
	workerCmd.Flags().String("addr", "", "HTTP listen address (default :8080)")
	workerCmd.Flags().Int("workers", 0, "Worker pool size (default 4)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(parent context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.catalog.Load(ctx); err != nil {
		return fmt.Errorf("loading repo catalog: %w", err)
	}

	dispatcher, err := producer.NewDispatcher(a.runner, cfg.Worker.Count, cfg.Worker.QueueSize,
		producer.WithTaskTimeout(cfg.Worker.TaskTimeout),
		producer.WithLogger(a.logger.WithPrefix("worker")),
	)
	if err != nil {
		return err
	}
	dispatcher.Start(ctx)
	defer dispatcher.Close()

	server, err := api.NewServer(a.registry, a.catalog, a.facade, dispatcher, a.waiter,
		api.WithLogger(a.logger.WithPrefix("api")),
	)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("api listening", "addr", cfg.Server.Addr, "workers", cfg.Worker.Count, "queries", a.registry.Len())
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
