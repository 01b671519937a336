package checker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/compliance-checker/compliance-checker/internal/addepar"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

// fakeFetcher scripts Retrieve responses.
type fakeFetcher struct {
	table *addepar.Table
	err   error
	calls int
}

func (f *fakeFetcher) Retrieve(_ context.Context, _ string) (*addepar.Table, error) {
	f.calls++
	return f.table, f.err
}

// memStore is an in-memory store.Store for tests.
type memStore struct {
	mu      sync.Mutex
	table   *addepar.Table
	fetched time.Time
}

func (m *memStore) Get(context.Context) (*addepar.Table, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table, m.fetched, nil
}

func (m *memStore) Put(_ context.Context, t *addepar.Table, fetched time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table, m.fetched = t, fetched
	return nil
}

func (m *memStore) Delete(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table, m.fetched = nil, time.Time{}
	return nil
}

func (m *memStore) Close() error { return nil }

// fakeRestrictions is a scriptable RestrictionSource.
type fakeRestrictions struct {
	set   map[string]bool
	known bool
}

func (f *fakeRestrictions) Restricted(account string) (bool, bool) {
	if !f.known {
		return false, false
	}
	return f.set[account], true
}

func clientTable(t *testing.T) *addepar.Table {
	t.Helper()
	table, err := addepar.ParseCSV([]byte("Account #,Name\n643-149-03,Alpha\n111,Beta\n"))
	if err != nil {
		t.Fatalf("ParseCSV: %v", err)
	}
	return table
}

var defaultCandidates = []string{"Account #", "Account Number"}

func newTestChecker(t *testing.T, f Fetcher, rs RestrictionSource) (*Checker, *memStore) {
	t.Helper()
	st := &memStore{}
	c := New(f, st, rs, defaultCandidates, 24*time.Hour, testLogger())
	return c, st
}

func TestVerdictMatrix(t *testing.T) {
	yes, no := true, false
	cases := []struct {
		name         string
		inClientList *bool
		restricted   *bool
		want         Status
	}{
		{"clear", &yes, &no, StatusClear},
		{"restricted", &yes, &yes, StatusRestricted},
		{"not in client list dominates", &no, &yes, StatusNotInClientList},
		{"not in client list, clear restriction", &no, &no, StatusNotInClientList},
		{"restriction unknown", &yes, nil, StatusRestrictionUnknown},
		{"client list unknown", nil, &no, StatusClientListUnknown},
		{"everything unknown", nil, nil, StatusRestrictionUnknown},
	}
	for _, tc := range cases {
		if got := verdict(tc.inClientList, tc.restricted); got != tc.want {
			t.Errorf("%s: got %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestCheckNormalizesAccounts(t *testing.T) {
	fetcher := &fakeFetcher{table: clientTable(t)}
	rs := &fakeRestrictions{known: true, set: map[string]bool{"111": true}}
	c, _ := newTestChecker(t, fetcher, rs)

	if err := c.Refresh(context.Background(), false); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Dashes stripped on both the snapshot and the queried account.
	res := c.Check("64-31-49-03")
	if res.Status != StatusClear {
		t.Errorf("expected clear, got %s", res.Status)
	}
	res = c.Check("111")
	if res.Status != StatusRestricted {
		t.Errorf("expected restricted, got %s", res.Status)
	}
	res = c.Check("999999")
	if res.Status != StatusNotInClientList {
		t.Errorf("expected not_in_client_list, got %s", res.Status)
	}
}

func TestRefreshSkipsWhenFresh(t *testing.T) {
	fetcher := &fakeFetcher{table: clientTable(t)}
	c, _ := newTestChecker(t, fetcher, &fakeRestrictions{known: true})

	if err := c.Refresh(context.Background(), false); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if err := c.Refresh(context.Background(), false); err != nil {
		t.Fatalf("second Refresh: %v", err)
	}
	if fetcher.calls != 1 {
		t.Errorf("expected 1 fetch for back-to-back refreshes, got %d", fetcher.calls)
	}
}

func TestRefreshUsesFreshStoreEntry(t *testing.T) {
	fetcher := &fakeFetcher{table: clientTable(t)}
	c, st := newTestChecker(t, fetcher, &fakeRestrictions{known: true})

	// Another process left a fresh snapshot behind.
	if err := st.Put(context.Background(), clientTable(t), time.Now().Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}

	if err := c.Refresh(context.Background(), false); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if fetcher.calls != 0 {
		t.Errorf("expected no fetch when the store is fresh, got %d", fetcher.calls)
	}
	if info := c.Snapshot(); !info.Loaded || info.Rows != 2 {
		t.Errorf("snapshot not installed from store: %+v", info)
	}
}

func TestForceRefreshDropsStoreAndFetches(t *testing.T) {
	fetcher := &fakeFetcher{table: clientTable(t)}
	c, st := newTestChecker(t, fetcher, &fakeRestrictions{known: true})

	if err := st.Put(context.Background(), clientTable(t), time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := c.Refresh(context.Background(), true); err != nil {
		t.Fatalf("forced Refresh: %v", err)
	}
	if fetcher.calls != 1 {
		t.Errorf("forced refresh must fetch, got %d calls", fetcher.calls)
	}
}

func TestFetchFailureFallsBackToExpiredStore(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("api down")}
	c, st := newTestChecker(t, fetcher, &fakeRestrictions{known: true})

	// Only an expired entry is available.
	stale := time.Now().Add(-48 * time.Hour)
	if err := st.Put(context.Background(), clientTable(t), stale); err != nil {
		t.Fatal(err)
	}

	err := c.Refresh(context.Background(), false)
	if err == nil {
		t.Fatal("expected refresh error to surface")
	}
	info := c.Snapshot()
	if !info.Loaded || !info.Stale {
		t.Fatalf("expected stale snapshot installed as fallback: %+v", info)
	}
	// Checks still work against the stale data.
	if res := c.Check("111"); res.Status == StatusClientListUnknown {
		t.Error("stale snapshot should still answer checks")
	}
}

func TestFetchFailureWithNoDataReportsUnknown(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("api down")}
	c, _ := newTestChecker(t, fetcher, &fakeRestrictions{known: true})

	if err := c.Refresh(context.Background(), false); err == nil {
		t.Fatal("expected refresh error")
	}
	res := c.Check("111")
	if res.InClientList != nil {
		t.Error("expected unknown client-list membership")
	}
	if res.Status != StatusClientListUnknown {
		t.Errorf("expected client_list_unknown, got %s", res.Status)
	}
}

func TestCheckAllSummary(t *testing.T) {
	fetcher := &fakeFetcher{table: clientTable(t)}
	rs := &fakeRestrictions{known: true, set: map[string]bool{"111": true}}
	c, _ := newTestChecker(t, fetcher, rs)
	if err := c.Refresh(context.Background(), false); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	results, sum := c.CheckAll([]string{"64314903", "111", "404404"})
	if len(results) != 3 || sum.Total != 3 {
		t.Fatalf("expected 3 results, got %d / %+v", len(results), sum)
	}
	if sum.Clear != 1 || sum.Restricted != 1 || sum.NotInClientList != 1 {
		t.Errorf("unexpected summary: %+v", sum)
	}
}

func TestResolveAccountColumn(t *testing.T) {
	cands := []string{"Account #", "Account Number"}

	if got := ResolveAccountColumn([]string{"Name", "Account Number"}, cands); got != "Account Number" {
		t.Errorf("candidate not picked: %q", got)
	}
	if got := ResolveAccountColumn([]string{"Account Number", "Account #"}, cands); got != "Account #" {
		t.Errorf("candidate order not respected: %q", got)
	}
	if got := ResolveAccountColumn([]string{"Acct", "Name"}, cands); got != "Acct" {
		t.Errorf("expected first-column fallback, got %q", got)
	}
	if got := ResolveAccountColumn(nil, cands); got != "" {
		t.Errorf("expected empty for empty header, got %q", got)
	}
}
