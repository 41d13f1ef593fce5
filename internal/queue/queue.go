// Package queue carries the registry's background work items: URL-health
// probe jobs produced by the prober scheduler and consumed by probe workers.
package queue

import "context"

// Job is one distribution URL-health check waiting to run.
type Job struct {
	PackageName string `json:"package_name"`
	Version     string `json:"version"`
	Filename    string `json:"filename"`
	URL         string `json:"url"`
	EnqueuedAt  int64  `json:"enqueued_at"`
}

// Backend defines operations for the queue.
type Backend interface {
	Enqueue(ctx context.Context, job Job) error
	List(ctx context.Context) ([]Job, error)
	Clear(ctx context.Context) error
	Stats(ctx context.Context) (Stats, error)
	Pop(ctx context.Context, max int) ([]Job, error)
}

// Stats summarizes queue depth and oldest item age.
type Stats struct {
	Length    int   `json:"length"`
	OldestAge int64 `json:"oldest_age_seconds"`
}
