// Package producer runs populate work units: it wraps the cache facade in a
// bounded-retry policy and a worker-pool dispatcher. Producers are
// at-least-once: overlapping runs for the same query and repositories are
// tolerated because populate is idempotent per repository.
package producer

import "time"

// Status is the lifecycle state of a work unit.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// Task is one populate work unit. The dispatcher exclusively owns task
// state; consumers only observe snapshots by id.
type Task struct {
	ID       string
	Query    string
	Repos    []int64
	Status   Status
	Attempts int
	LastErr  string

	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}
