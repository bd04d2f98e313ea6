// Package api exposes the cache over HTTP: catalog listings, task
// submission and inspection, and a blocking query endpoint that waits for
// results to land before reading them.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/singleflight"

	"repometrics/internal/cache"
	"repometrics/internal/catalog"
	"repometrics/internal/producer"
	"repometrics/internal/query"
	"repometrics/internal/waiter"
)

// Reader is the cache surface the API consumes.
type Reader interface {
	Missing(ctx context.Context, queryName string, repos []int64) ([]int64, error)
	Read(ctx context.Context, queryName string, repos []int64) (*cache.Result, error)
}

// Enqueuer is the dispatcher surface the API consumes.
type Enqueuer interface {
	Enqueue(queryName string, repos []int64) (string, error)
	Status(id string) (producer.Task, bool)
}

// Server wires the HTTP handlers to the cache, dispatcher, and catalog.
type Server struct {
	registry *query.Registry
	catalog  *catalog.Catalog
	reader   Reader
	enqueuer Enqueuer
	waiter   *waiter.Waiter
	logger   *log.Logger

	// Coalesces identical blocking reads so a thundering herd of
	// dashboard requests performs one cache read.
	reads singleflight.Group
}

// ServerOption adjusts server construction.
type ServerOption func(*Server)

// WithLogger routes request logging.
func WithLogger(l *log.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// NewServer builds the API server. The waiter may be nil when the blocking
// query endpoint should read immediately without waiting.
func NewServer(registry *query.Registry, cat *catalog.Catalog, reader Reader, enq Enqueuer, w *waiter.Waiter, opts ...ServerOption) (*Server, error) {
	if registry == nil {
		return nil, errors.New("api: registry is nil")
	}
	if cat == nil {
		return nil, errors.New("api: catalog is nil")
	}
	if reader == nil {
		return nil, errors.New("api: reader is nil")
	}
	if enq == nil {
		return nil, errors.New("api: enqueuer is nil")
	}
	s := &Server{
		registry: registry,
		catalog:  cat,
		reader:   reader,
		enqueuer: enq,
		waiter:   w,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)
	r.Get("/healthz", s.handleHealth)
	r.Get("/api/data", s.handleData)
	r.Post("/api/tasks", s.handleSubmitTasks)
	r.Post("/api/tasks/status", s.handleTaskStatus)
	r.Post("/api/query/{name}", s.handleQuery)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request", "method", r.Method, "path", r.URL.Path, "elapsed", time.Since(start).Round(time.Millisecond))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"queries": s.registry.Len(),
	})
}

// handleData serves the combined repo/org listing for client-side search.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	repos := s.catalog.Repos()
	orgs := s.catalog.Orgs()

	items := make([]selectOption, 0, len(repos)+len(orgs))
	for _, repo := range repos {
		items = append(items, selectOption{
			Label: fmt.Sprintf("repo: %s", repo.Name),
			Value: repo.ID,
			Type:  "repo",
		})
	}
	for _, org := range orgs {
		items = append(items, selectOption{
			Label: fmt.Sprintf("org: %s", org.Name),
			Value: org.Name,
			Type:  "org",
		})
	}

	writeJSON(w, http.StatusOK, dataResponse{
		Repositories:  repos,
		Organizations: orgs,
		AllItems:      items,
	})
}

// handleSubmitTasks enqueues one populate task per requested query over the
// resolved repo batch. With no queries named, every registered query runs.
func (s *Server) handleSubmitTasks(w http.ResponseWriter, r *http.Request) {
	var req submitTasksRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	repos, err := s.catalog.Resolve(req.Repos, req.Orgs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(repos) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("no repositories selected"))
		return
	}

	names := req.Queries
	if len(names) == 0 {
		names = s.registry.Names()
	}
	for _, name := range names {
		if _, err := s.registry.Resolve(name); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	tasks := make([]submittedTask, 0, len(names))
	for _, name := range names {
		id, err := s.enqueuer.Enqueue(name, repos)
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		tasks = append(tasks, submittedTask{ID: id, Query: name})
	}

	writeJSON(w, http.StatusAccepted, submitTasksResponse{Tasks: tasks, Repos: repos})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	var req taskStatusRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	statuses := make([]taskStatus, 0, len(req.IDs))
	for _, id := range req.IDs {
		t, ok := s.enqueuer.Status(id)
		if !ok {
			statuses = append(statuses, taskStatus{ID: id, Known: false})
			continue
		}
		statuses = append(statuses, taskStatus{
			ID:       t.ID,
			Known:    true,
			Query:    t.Query,
			Status:   string(t.Status),
			Attempts: t.Attempts,
			Error:    t.LastErr,
		})
	}
	writeJSON(w, http.StatusOK, taskStatusResponse{Tasks: statuses})
}

// handleQuery blocks until the batch is readable, then returns the cached
// rows. A wait that runs out of budget is reported as 504 so clients can
// distinguish not-ready from legitimately empty results.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.registry.Resolve(name); err != nil {
		if query.IsNotFound(err) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	var req queryRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	repos, err := s.catalog.Resolve(req.Repos, req.Orgs)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	ctx := r.Context()
	if !req.NoWait && s.waiter != nil {
		if err := s.waiter.Wait(ctx, name, repos); err != nil {
			switch {
			case errors.Is(err, waiter.ErrNotReady):
				writeError(w, http.StatusGatewayTimeout, err)
			case errors.Is(err, context.Canceled):
				// Client went away; nothing useful to write.
			default:
				writeError(w, http.StatusInternalServerError, err)
			}
			return
		}
	}

	res, err := s.readCoalesced(ctx, name, repos)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, queryResponse{
		Query:   name,
		Columns: res.Columns,
		Rows:    res.Rows,
		Count:   res.Len(),
	})
}

func (s *Server) readCoalesced(ctx context.Context, name string, repos []int64) (*cache.Result, error) {
	key := readKey(name, repos)
	v, err, _ := s.reads.Do(key, func() (any, error) {
		return s.reader.Read(ctx, name, repos)
	})
	if err != nil {
		return nil, err
	}
	return v.(*cache.Result), nil
}

func readKey(name string, repos []int64) string {
	key := name
	for _, id := range repos {
		key = fmt.Sprintf("%s,%d", key, id)
	}
	return key
}
