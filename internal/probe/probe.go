// Package probe implements the background URL-health prober: it re-checks
// the external_url of registered distributions with HEAD requests and flips
// url_status between "active" and "unavailable". Registration itself only
// ever sets "active"; this prober is the one component allowed to mark a
// row unavailable (and to restore it on recovery).
package probe

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/k8ika0s/island-registry/internal/queue"
	"github.com/k8ika0s/island-registry/internal/store"
)

// Prober schedules and executes URL health checks. When Queue is set,
// Schedule pushes jobs for a separate worker pool to Pop; otherwise
// RunOnce probes inline.
type Prober struct {
	Store    store.Store
	Queue    queue.Backend // optional
	Client   *http.Client
	Interval time.Duration
	Batch    int
}

func (p *Prober) client() *http.Client {
	if p.Client != nil {
		return p.Client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (p *Prober) batch() int {
	if p.Batch > 0 {
		return p.Batch
	}
	return 100
}

// Run probes on Interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.RunOnce(ctx); err != nil {
				log.Printf("probe: sweep failed: %v", err)
			}
		}
	}
}

// RunOnce lists a batch of distributions and probes each URL, writing the
// resulting url_status back for every probed row, changed or not.
func (p *Prober) RunOnce(ctx context.Context) error {
	dists, err := p.Store.ListDistributionsForProbe(ctx, p.batch())
	if err != nil {
		return err
	}
	for _, d := range dists {
		status := p.CheckURL(ctx, d.URL)
		if err := p.Store.UpdateDistributionURLStatus(ctx, d.PackageName, d.Version, d.Filename, status); err != nil {
			log.Printf("probe: updating %s/%s/%s: %v", d.PackageName, d.Version, d.Filename, err)
		}
	}
	return nil
}

// Schedule enqueues one probe job per distribution for external workers.
func (p *Prober) Schedule(ctx context.Context) error {
	dists, err := p.Store.ListDistributionsForProbe(ctx, p.batch())
	if err != nil {
		return err
	}
	for _, d := range dists {
		job := queue.Job{
			PackageName: d.PackageName,
			Version:     d.Version,
			Filename:    d.Filename,
			URL:         d.URL,
		}
		if err := p.Queue.Enqueue(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// Work pops up to max queued jobs and probes them.
func (p *Prober) Work(ctx context.Context, max int) error {
	jobs, err := p.Queue.Pop(ctx, max)
	if err != nil {
		return err
	}
	for _, j := range jobs {
		status := p.CheckURL(ctx, j.URL)
		if err := p.Store.UpdateDistributionURLStatus(ctx, j.PackageName, j.Version, j.Filename, status); err != nil {
			log.Printf("probe: updating %s/%s/%s: %v", j.PackageName, j.Version, j.Filename, err)
		}
	}
	return nil
}

// CheckURL HEADs url and maps the outcome to a url_status value.
func (p *Prober) CheckURL(ctx context.Context, url string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return store.URLStatusUnavailable
	}
	resp, err := p.client().Do(req)
	if err != nil {
		return store.URLStatusUnavailable
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return store.URLStatusUnavailable
	}
	return store.URLStatusActive
}
