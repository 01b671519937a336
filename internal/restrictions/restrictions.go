// Package restrictions reads the trading-restriction tracker workbook and
// answers restriction lookups by normalized account number.
package restrictions

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

var (
	entriesGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "acc_restriction_entries",
		Help: "Number of outstanding restriction entries loaded.",
	})
	reloadErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "acc_restriction_reload_errors_total",
		Help: "Failed attempts to reload the restriction workbook.",
	})
)

func init() {
	prometheus.MustRegister(entriesGauge, reloadErrorsTotal)
}

// Normalize canonicalizes an account number for comparison by trimming
// whitespace and stripping dashes.
func Normalize(account string) string {
	return strings.ReplaceAll(strings.TrimSpace(account), "-", "")
}

// Loader reads the restriction workbook and serves lookups from an in-memory
// set. The account column is resolved once per load against the header row;
// a missing column is a load error, never a per-lookup guess.
type Loader struct {
	path   string
	sheet  string
	column string
	logger *logrus.Entry

	mu       sync.RWMutex
	accounts map[string]struct{}
	loadedAt time.Time
}

// NewLoader creates a Loader for the given workbook path, sheet name, and
// account column header. No I/O happens until Reload.
func NewLoader(path, sheet, column string, logger *logrus.Entry) *Loader {
	return &Loader{
		path:   path,
		sheet:  sheet,
		column: column,
		logger: logger.WithField("component", "restrictions"),
	}
}

// Reload re-reads the workbook and swaps the lookup set wholesale. On error
// the previously loaded set (if any) stays in effect.
func (l *Loader) Reload() error {
	accounts, err := l.read()
	if err != nil {
		reloadErrorsTotal.Inc()
		l.logger.WithError(err).Error("failed to reload restriction workbook")
		return err
	}

	l.mu.Lock()
	l.accounts = accounts
	l.loadedAt = time.Now()
	l.mu.Unlock()

	entriesGauge.Set(float64(len(accounts)))
	l.logger.WithField("entries", len(accounts)).Info("restriction workbook loaded")
	return nil
}

func (l *Loader) read() (map[string]struct{}, error) {
	f, err := excelize.OpenFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("opening workbook %s: %w", l.path, err)
	}
	defer f.Close()

	rows, err := f.GetRows(l.sheet)
	if err != nil {
		return nil, fmt.Errorf("reading sheet %q: %w", l.sheet, err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("sheet %q is empty", l.sheet)
	}

	col := -1
	for i, name := range rows[0] {
		if strings.TrimSpace(name) == l.column {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("sheet %q has no column %q (header: %s)",
			l.sheet, l.column, strings.Join(rows[0], ", "))
	}

	accounts := make(map[string]struct{}, len(rows)-1)
	for _, row := range rows[1:] {
		if col >= len(row) {
			continue
		}
		acct := Normalize(row[col])
		if acct == "" {
			continue
		}
		accounts[acct] = struct{}{}
	}

	return accounts, nil
}

// Restricted reports whether the account appears in the restriction list.
// known is false when no workbook has been loaded successfully yet, in which
// case the restriction state is unknown rather than clear.
func (l *Loader) Restricted(account string) (restricted, known bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.accounts == nil {
		return false, false
	}
	_, restricted = l.accounts[Normalize(account)]
	return restricted, true
}

// Size returns the number of loaded restriction entries.
func (l *Loader) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.accounts)
}

// LoadedAt returns when the workbook was last loaded successfully.
func (l *Loader) LoadedAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loadedAt
}
