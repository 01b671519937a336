// Package checker cross-references account numbers against the fetched
// client list and the trading-restriction tracker, and manages the
// client-list snapshot lifecycle (refresh, persistence, stale fallback).
package checker

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/compliance-checker/compliance-checker/internal/addepar"
	"github.com/compliance-checker/compliance-checker/internal/restrictions"
	"github.com/compliance-checker/compliance-checker/internal/store"
)

var (
	checksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "acc_checks_total",
		Help: "Account checks performed, by resulting status.",
	}, []string{"status"})
	clientListRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "acc_client_list_rows",
		Help: "Rows in the current client-list snapshot.",
	})
	refreshErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "acc_client_list_refresh_errors_total",
		Help: "Client-list refresh attempts that failed.",
	})
)

func init() {
	prometheus.MustRegister(checksTotal, clientListRows, refreshErrorsTotal)
}

// Status is the overall compliance verdict for one account.
type Status string

const (
	// StatusClear: present in the client list, no outstanding restriction.
	StatusClear Status = "clear"
	// StatusRestricted: present in the client list but restricted from trading.
	StatusRestricted Status = "restricted"
	// StatusNotInClientList: the account is not a known client. Dominates the
	// restriction state.
	StatusNotInClientList Status = "not_in_client_list"
	// StatusRestrictionUnknown: the restriction tracker could not be read.
	StatusRestrictionUnknown Status = "restriction_unknown"
	// StatusClientListUnknown: no client-list snapshot is available at all.
	StatusClientListUnknown Status = "client_list_unknown"
)

// Result is the outcome of checking a single account. The pointer fields are
// nil when the corresponding source was unavailable.
type Result struct {
	Account      string `json:"account"`
	Normalized   string `json:"normalized"`
	InClientList *bool  `json:"in_client_list"`
	Restricted   *bool  `json:"restricted"`
	Status       Status `json:"status"`
}

// Summary aggregates a bulk check.
type Summary struct {
	Total           int `json:"total"`
	Clear           int `json:"clear"`
	Restricted      int `json:"restricted"`
	NotInClientList int `json:"not_in_client_list"`
	Unknown         int `json:"unknown"`
}

// SnapshotInfo describes the current client-list snapshot for status
// endpoints.
type SnapshotInfo struct {
	Loaded        bool          `json:"loaded"`
	Rows          int           `json:"rows"`
	AccountColumn string        `json:"account_column,omitempty"`
	FetchedAt     time.Time     `json:"fetched_at,omitempty"`
	Age           time.Duration `json:"-"`
	Stale         bool          `json:"stale"`
}

// Fetcher retrieves the client-list export for an as-of date.
type Fetcher interface {
	Retrieve(ctx context.Context, asOf string) (*addepar.Table, error)
}

// RestrictionSource answers restriction lookups by account number.
// *restrictions.Loader is the production implementation.
type RestrictionSource interface {
	Restricted(account string) (restricted, known bool)
}

// ResolveAccountColumn picks the account column for a table: the first
// candidate present in the header, else the first column. Resolution happens
// once per table, never per lookup.
func ResolveAccountColumn(columns, candidates []string) string {
	for _, cand := range candidates {
		for _, col := range columns {
			if col == cand {
				return cand
			}
		}
	}
	if len(columns) > 0 {
		return columns[0]
	}
	return ""
}

// snapshot is an installed client list with its account set pre-normalized.
type snapshot struct {
	table    *addepar.Table
	accounts map[string]struct{}
	column   string
	fetched  time.Time
}

// Checker serves compliance checks against the current snapshot and keeps it
// fresh through the configured fetcher and store.
type Checker struct {
	fetcher      Fetcher
	store        store.Store
	restrictions RestrictionSource
	candidates   []string
	ttl          time.Duration
	logger       *logrus.Entry

	mu   sync.RWMutex
	snap *snapshot

	now func() time.Time
}

// New creates a Checker. candidates are the column names tried, in order,
// when resolving which table column holds account numbers. ttl governs when
// a snapshot counts as stale (24h in production).
func New(fetcher Fetcher, st store.Store, rl RestrictionSource, candidates []string, ttl time.Duration, logger *logrus.Entry) *Checker {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Checker{
		fetcher:      fetcher,
		store:        st,
		restrictions: rl,
		candidates:   candidates,
		ttl:          ttl,
		logger:       logger.WithField("component", "checker"),
		now:          time.Now,
	}
}

// install resolves the account column and swaps in a new snapshot.
func (c *Checker) install(table *addepar.Table, fetched time.Time) {
	column := ResolveAccountColumn(table.Columns, c.candidates)
	accounts := make(map[string]struct{}, table.Len())
	for _, row := range table.Rows {
		acct := restrictions.Normalize(row[column])
		if acct != "" {
			accounts[acct] = struct{}{}
		}
	}

	c.mu.Lock()
	c.snap = &snapshot{table: table, accounts: accounts, column: column, fetched: fetched}
	c.mu.Unlock()

	clientListRows.Set(float64(table.Len()))
	c.logger.WithFields(logrus.Fields{
		"rows":           table.Len(),
		"account_column": column,
		"fetched_at":     fetched.Format(time.RFC3339),
	}).Info("client-list snapshot installed")
}

// Refresh ensures a usable snapshot. When force is false it is a no-op while
// the current snapshot is fresh; otherwise it tries the persistent store
// first and falls back to a remote fetch. When force is true the store entry
// is dropped and a fetch always happens.
//
// A failed fetch is reported but never discards data: the previous snapshot,
// or an expired store entry, keeps serving so the UI degrades instead of
// erroring.
func (c *Checker) Refresh(ctx context.Context, force bool) error {
	now := c.now()

	if !force {
		if info := c.Snapshot(); info.Loaded && !info.Stale {
			return nil
		}
		// A snapshot written recently enough by another process is as good
		// as a fetch.
		if table, fetched, err := c.store.Get(ctx); err != nil {
			c.logger.WithError(err).Warn("reading persistent snapshot failed")
		} else if table != nil && now.Sub(fetched) < c.ttl {
			c.install(table, fetched)
			return nil
		}
	} else {
		if err := c.store.Delete(ctx); err != nil {
			c.logger.WithError(err).Warn("dropping persistent snapshot failed")
		}
	}

	table, err := c.fetcher.Retrieve(ctx, now.Format("2006-01-02"))
	if err != nil {
		refreshErrorsTotal.Inc()
		c.logger.WithError(err).Error("client-list fetch failed")
		c.fallback(ctx)
		return err
	}

	if err := c.store.Put(ctx, table, now); err != nil {
		c.logger.WithError(err).Warn("persisting snapshot failed")
	}
	c.install(table, now)
	return nil
}

// fallback installs whatever the store still has, expired or not, when there
// is no in-memory snapshot to keep serving.
func (c *Checker) fallback(ctx context.Context) {
	c.mu.RLock()
	have := c.snap != nil
	c.mu.RUnlock()
	if have {
		c.logger.Warn("keeping previous client-list snapshot after fetch failure")
		return
	}

	table, fetched, err := c.store.Get(ctx)
	if err != nil || table == nil {
		c.logger.Warn("no client-list data available; checks will report unknown")
		return
	}
	c.logger.WithField("fetched_at", fetched.Format(time.RFC3339)).
		Warn("using expired persistent snapshot after fetch failure")
	c.install(table, fetched)
}

// Check evaluates one account number against both sources.
func (c *Checker) Check(account string) Result {
	res := Result{
		Account:    account,
		Normalized: restrictions.Normalize(account),
	}

	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()

	if snap != nil {
		in := false
		if _, ok := snap.accounts[res.Normalized]; ok {
			in = true
		}
		res.InClientList = &in
	}

	if restricted, known := c.restrictions.Restricted(res.Normalized); known {
		res.Restricted = &restricted
	}

	res.Status = verdict(res.InClientList, res.Restricted)
	checksTotal.WithLabelValues(string(res.Status)).Inc()
	return res
}

// verdict applies the status matrix: a known absence from the client list
// dominates; unknown sources degrade the verdict instead of failing it.
func verdict(inClientList, restricted *bool) Status {
	switch {
	case inClientList != nil && !*inClientList:
		return StatusNotInClientList
	case restricted == nil:
		return StatusRestrictionUnknown
	case *restricted:
		return StatusRestricted
	case inClientList == nil:
		return StatusClientListUnknown
	default:
		return StatusClear
	}
}

// CheckAll evaluates every account and aggregates a summary.
func (c *Checker) CheckAll(accounts []string) ([]Result, Summary) {
	results := make([]Result, 0, len(accounts))
	var sum Summary
	for _, acct := range accounts {
		res := c.Check(acct)
		results = append(results, res)
		sum.Total++
		switch res.Status {
		case StatusClear:
			sum.Clear++
		case StatusRestricted:
			sum.Restricted++
		case StatusNotInClientList:
			sum.NotInClientList++
		default:
			sum.Unknown++
		}
	}
	return results, sum
}

// Snapshot reports the state of the current client-list snapshot.
func (c *Checker) Snapshot() SnapshotInfo {
	c.mu.RLock()
	snap := c.snap
	c.mu.RUnlock()

	if snap == nil {
		return SnapshotInfo{}
	}
	age := c.now().Sub(snap.fetched)
	return SnapshotInfo{
		Loaded:        true,
		Rows:          snap.table.Len(),
		AccountColumn: snap.column,
		FetchedAt:     snap.fetched,
		Age:           age,
		Stale:         age >= c.ttl,
	}
}

// TTL returns the staleness window.
func (c *Checker) TTL() time.Duration { return c.ttl }
