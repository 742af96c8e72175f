package broker

import (
	"context"
	"sync"
	"time"
)

// ExportCache memoizes the last export list fetched from the broker.
// Callers must Invalidate it after any action that may have changed the
// list server-side (refresh, new export, new download).
type ExportCache struct {
	lister interface {
		ListExports(ctx context.Context) ([]ExportJob, error)
	}
	now func() time.Time

	mu        sync.RWMutex
	jobs      []ExportJob
	valid     bool
	fetchedAt time.Time
	// gen is bumped by Invalidate; a fetch started under an older gen is
	// returned to its caller but not cached.
	gen uint64
}

// NewExportCache wraps an Exporter's ListExports.
func NewExportCache(e Exporter) *ExportCache {
	return &ExportCache{lister: e, now: time.Now}
}

// Exports returns the cached list, fetching it when the cache is empty.
// Failed fetches are not cached.
func (c *ExportCache) Exports(ctx context.Context) ([]ExportJob, error) {
	c.mu.RLock()
	if c.valid {
		jobs := copyJobs(c.jobs)
		c.mu.RUnlock()
		return jobs, nil
	}
	gen := c.gen
	c.mu.RUnlock()

	jobs, err := c.lister.ListExports(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.gen == gen {
		c.jobs = copyJobs(jobs)
		c.valid = true
		c.fetchedAt = c.now()
	}
	c.mu.Unlock()

	return jobs, nil
}

// Find returns the cached job with the given report id.
func (c *ExportCache) Find(ctx context.Context, reportID int64) (ExportJob, bool, error) {
	jobs, err := c.Exports(ctx)
	if err != nil {
		return ExportJob{}, false, err
	}
	for _, j := range jobs {
		if j.ReportID == reportID {
			return j, true, nil
		}
	}
	return ExportJob{}, false, nil
}

// Invalidate drops the cached list wholesale.
func (c *ExportCache) Invalidate() {
	c.mu.Lock()
	c.jobs = nil
	c.valid = false
	c.fetchedAt = time.Time{}
	c.gen++
	c.mu.Unlock()
}

// FetchedAt returns when the cached list was fetched; zero if empty.
func (c *ExportCache) FetchedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fetchedAt
}

func copyJobs(jobs []ExportJob) []ExportJob {
	if jobs == nil {
		return nil
	}
	out := make([]ExportJob, len(jobs))
	copy(out, jobs)
	return out
}
