package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"repometrics/internal/catalog"
)

type selectOption struct {
	Label string `json:"label"`
	Value any    `json:"value"`
	Type  string `json:"type"`
}

type dataResponse struct {
	Repositories  []catalog.Repo `json:"repositories"`
	Organizations []catalog.Org  `json:"organizations"`
	AllItems      []selectOption `json:"all_items"`
}

type submitTasksRequest struct {
	Queries []string `json:"queries"`
	Repos   []int64  `json:"repos"`
	Orgs    []string `json:"orgs"`
}

type submittedTask struct {
	ID    string `json:"id"`
	Query string `json:"query"`
}

type submitTasksResponse struct {
	Tasks []submittedTask `json:"tasks"`
	Repos []int64         `json:"repos"`
}

type taskStatusRequest struct {
	IDs []string `json:"ids"`
}

type taskStatus struct {
	ID       string `json:"id"`
	Known    bool   `json:"known"`
	Query    string `json:"query,omitempty"`
	Status   string `json:"status,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
	Error    string `json:"error,omitempty"`
}

type taskStatusResponse struct {
	Tasks []taskStatus `json:"tasks"`
}

type queryRequest struct {
	Repos []int64  `json:"repos"`
	Orgs  []string `json:"orgs"`

	// NoWait skips the readiness wait and reads whatever is cached now.
	NoWait bool `json:"no_wait"`
}

type queryResponse struct {
	Query   string   `json:"query"`
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
	Count   int      `json:"count"`
}

type errorResponse struct {
	Error string `json:"error"`
}

const maxBodyBytes = 1 << 20

func readJSON(r *http.Request, dst any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("reading request body: %w", err)
	}
	if len(body) == 0 {
		return errors.New("request body is empty")
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("decoding request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
