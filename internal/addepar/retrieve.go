package addepar

import (
	"context"
	"time"
)

// DefaultCSVPath is where RetrieveToFile writes when no path is given.
const DefaultCSVPath = "client_list.csv"

// Retrieve returns the client-list export for the given as-of date
// (YYYY-MM-DD; today when empty).
//
// A cached result for the same date under 24 hours old is returned without
// network activity. The check runs twice: once optimistically, and again
// after acquiring the submission lock, closing the race where two callers
// both miss the first check. Among concurrent callers for the same date
// exactly one performs the submit/poll/download sequence; the rest block on
// the lock and then observe the populated cache.
func (c *Client) Retrieve(ctx context.Context, asOf string) (*Table, error) {
	if asOf == "" {
		asOf = c.now().Format("2006-01-02")
	}

	if t, ok := c.fromCache(asOf); ok {
		return t, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.fromCache(asOf); ok {
		return t, nil
	}

	log := c.logger.WithField("as_of", asOf)
	log.Info("retrieving client list")
	start := c.now()

	jobID, err := c.submitJob(ctx, asOf)
	if err != nil {
		return nil, err
	}

	if err := c.awaitCompletion(ctx, jobID, start); err != nil {
		return nil, err
	}

	table, err := c.downloadResults(ctx, jobID)
	if err != nil {
		return nil, err
	}

	fetchDuration.Observe(c.now().Sub(start).Seconds())
	log.WithField("rows", table.Len()).Info("client list retrieved")

	c.cacheMu.Lock()
	c.cached = &cacheEntry{asOf: asOf, fetched: c.now(), table: table}
	c.cacheMu.Unlock()

	return table, nil
}

// RetrieveToFile retrieves the export (possibly from cache) and additionally
// persists it as a CSV file at path, or DefaultCSVPath when empty.
func (c *Client) RetrieveToFile(ctx context.Context, asOf, path string) (*Table, error) {
	table, err := c.Retrieve(ctx, asOf)
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = DefaultCSVPath
	}
	if err := table.SaveCSV(path); err != nil {
		return nil, err
	}
	c.logger.WithField("path", path).Info("client list saved")
	return table, nil
}

// awaitCompletion polls the job every pollInterval until progress reaches
// 1.0, the configured maximum wait elapses, or ctx is cancelled.
func (c *Client) awaitCompletion(ctx context.Context, jobID string, start time.Time) error {
	log := c.logger.WithField("job_id", jobID)

	for {
		progress, err := c.checkStatus(ctx, jobID)
		if err != nil {
			return err
		}
		log.WithField("progress", progress).Debug("job progress")

		if progress >= 1.0 {
			log.Info("job completed")
			return nil
		}

		if c.maxWait > 0 && c.now().Sub(start) >= c.maxWait {
			return &TimeoutError{JobID: jobID, Waited: c.now().Sub(start)}
		}

		if err := sleep(ctx, c.pollInterval); err != nil {
			return err
		}
	}
}

// fromCache returns the cached table when it matches asOf and is still
// within the TTL. Expiry is purely age-based; there is no explicit eviction.
func (c *Client) fromCache(asOf string) (*Table, bool) {
	c.cacheMu.RLock()
	entry := c.cached
	c.cacheMu.RUnlock()

	if entry == nil || entry.asOf != asOf {
		return nil, false
	}
	age := c.now().Sub(entry.fetched)
	if age >= c.cacheTTL {
		return nil, false
	}

	cacheHitsTotal.Inc()
	c.logger.WithField("as_of", asOf).WithField("age", age.Round(time.Minute)).
		Debug("serving client list from cache")
	return entry.table, true
}

// CachedAt reports the retrieval time of the current cache entry, if any.
func (c *Client) CachedAt() (time.Time, bool) {
	c.cacheMu.RLock()
	defer c.cacheMu.RUnlock()
	if c.cached == nil {
		return time.Time{}, false
	}
	return c.cached.fetched, true
}
