// Package addepar implements the job-based client-list export retrieval
// against the Addepar jobs API: post an export job, poll it to completion,
// download and parse the resulting CSV. A single-slot in-process cache keyed
// by as-of date avoids re-submitting the same export within 24 hours.
package addepar

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// AuthEnvVar is consulted for credentials when none are passed explicitly.
const AuthEnvVar = "ADDEPAR_AUTH"

// Retrieval metrics.
var (
	jobSubmissionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "acc_addepar_job_submissions_total",
		Help: "Export jobs posted to the Addepar API.",
	})
	pollRequestsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "acc_addepar_poll_requests_total",
		Help: "Job status requests issued while waiting for completion.",
	})
	cacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "acc_addepar_cache_hits_total",
		Help: "Retrievals served from the in-process single-slot cache.",
	})
	fetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "acc_addepar_fetch_duration_seconds",
		Help:    "End-to-end duration of submit/poll/download retrievals.",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
	})
)

func init() {
	prometheus.MustRegister(
		jobSubmissionsTotal,
		pollRequestsTotal,
		cacheHitsTotal,
		fetchDuration,
	)
}

// Options configures a Client. BaseURL, FirmID, and the view/portfolio fields
// identify the export; the remaining knobs bound polling and retries.
type Options struct {
	// BaseURL is the jobs endpoint root, e.g. https://lido.addepar.com/api/v1/jobs.
	BaseURL string
	// Auth is the colon-separated identity string ("user:password"). When
	// empty, the ADDEPAR_AUTH environment variable is consulted.
	Auth   string
	FirmID string

	ViewID        int
	PortfolioType string
	PortfolioID   int
	// StartDate is the fixed range start sent with every job (YYYY-MM-DD).
	StartDate string

	// PollInterval is the delay between status checks. Defaults to 5s.
	PollInterval time.Duration
	// MaxWait bounds the poll loop; exceeding it yields a TimeoutError.
	// Zero selects the default of 30 minutes; a negative value disables the
	// bound entirely.
	MaxWait time.Duration
	// CacheTTL is the validity window of the single-slot cache. Defaults to 24h.
	CacheTTL time.Duration

	// RetryUnit is the base unit of the retry backoff schedules (1s unless
	// overridden; tests compress it).
	RetryUnit time.Duration
	// SubmitAttempts and StatusAttempts bound the per-stage retry loops.
	// Zero selects the defaults (3 and 5).
	SubmitAttempts int
	StatusAttempts int

	// RequestsPerSecond and Burst configure outbound request pacing.
	// Zero disables the local limiter.
	RequestsPerSecond int
	Burst             int
}

// cacheEntry is the single retained result: which date it is for, when it was
// fetched, and the parsed table.
type cacheEntry struct {
	asOf    string
	fetched time.Time
	table   *Table
}

// Client retrieves the client-list export. It is safe for concurrent use: the
// submit/poll/download sequence is serialized through one mutex so that at
// most one job per process is in flight, while cache reads stay lock-cheap.
type Client struct {
	baseURL    string
	firmID     string
	authHeader string

	viewID        int
	portfolioType string
	portfolioID   int
	startDate     string

	pollInterval   time.Duration
	maxWait        time.Duration
	cacheTTL       time.Duration
	retryUnit      time.Duration
	submitAttempts int
	statusAttempts int

	httpc   *http.Client
	limiter *RateLimiter
	logger  *logrus.Entry

	// mu serializes the whole retrieval sequence; cacheMu guards the slot so
	// the fast path never blocks behind an in-flight job.
	mu      sync.Mutex
	cacheMu sync.RWMutex
	cached  *cacheEntry

	now func() time.Time
}

const (
	defaultPollInterval = 5 * time.Second
	defaultMaxWait      = 30 * time.Minute
	defaultCacheTTL     = 24 * time.Hour
	defaultRetryUnit    = time.Second

	defaultSubmitAttempts = 3
	defaultStatusAttempts = 5
)

// New creates a Client. It fails with a ConfigError when no credential is
// supplied and ADDEPAR_AUTH is unset.
func New(opts Options, logger *logrus.Entry) (*Client, error) {
	auth := opts.Auth
	if auth == "" {
		auth = os.Getenv(AuthEnvVar)
	}
	if auth == "" {
		return nil, &ConfigError{Reason: fmt.Sprintf(
			"no credentials: pass an auth string or set %s", AuthEnvVar)}
	}
	if opts.BaseURL == "" {
		return nil, &ConfigError{Reason: "base URL is required"}
	}

	c := &Client{
		baseURL:       opts.BaseURL,
		firmID:        opts.FirmID,
		authHeader:    "Basic " + base64.StdEncoding.EncodeToString([]byte(auth)),
		viewID:        opts.ViewID,
		portfolioType: opts.PortfolioType,
		portfolioID:   opts.PortfolioID,
		startDate:     opts.StartDate,
		pollInterval:  opts.PollInterval,
		maxWait:       opts.MaxWait,
		cacheTTL:       opts.CacheTTL,
		retryUnit:      opts.RetryUnit,
		submitAttempts: opts.SubmitAttempts,
		statusAttempts: opts.StatusAttempts,
		httpc: &http.Client{
			// 303 on the status endpoint means "complete"; never follow it.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		limiter: NewRateLimiter(opts.RequestsPerSecond, opts.Burst,
			logger.WithField("component", "rate_limiter")),
		logger: logger.WithField("component", "addepar"),
		now:    time.Now,
	}

	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	if c.maxWait == 0 {
		c.maxWait = defaultMaxWait
	} else if c.maxWait < 0 {
		c.maxWait = 0
	}
	if c.cacheTTL <= 0 {
		c.cacheTTL = defaultCacheTTL
	}
	if c.retryUnit <= 0 {
		c.retryUnit = defaultRetryUnit
	}
	if c.submitAttempts <= 0 {
		c.submitAttempts = defaultSubmitAttempts
	}
	if c.statusAttempts <= 0 {
		c.statusAttempts = defaultStatusAttempts
	}

	return c, nil
}

// do issues a single API request and returns the status code and body.
// Transport-level failures are returned as-is; status interpretation is left
// to the caller.
func (c *Client) do(ctx context.Context, method, url string, body []byte) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Accept", "application/vnd.api+json")
	req.Header.Set("Addepar-Firm", c.firmID)
	req.Header.Set("Authorization", c.authHeader)
	if body != nil {
		req.Header.Set("Content-Type", "application/vnd.api+json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	c.limiter.UpdateFromHeaders(resp.Header)

	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("reading response body: %w", err)
	}

	return resp.StatusCode, data, nil
}

// sleep waits for d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
