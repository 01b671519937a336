package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"

	"github.com/compliance-checker/compliance-checker/internal/addepar"
	"github.com/compliance-checker/compliance-checker/internal/checker"
	"github.com/compliance-checker/compliance-checker/internal/config"
	"github.com/compliance-checker/compliance-checker/internal/restrictions"
	"github.com/compliance-checker/compliance-checker/internal/scheduler"
	"github.com/compliance-checker/compliance-checker/internal/store"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

type fakeFetcher struct {
	table *addepar.Table
	calls atomic.Int32
}

func (f *fakeFetcher) Retrieve(_ context.Context, _ string) (*addepar.Table, error) {
	f.calls.Add(1)
	return f.table, nil
}

func clientTable() *addepar.Table {
	t, err := addepar.ParseCSV([]byte("Account #,Name\n643-149-03,Alpha\n111,Beta\n"))
	if err != nil {
		panic(err)
	}
	return t
}

// writeWorkbook creates a restriction tracker workbook with the given
// restricted accounts.
func writeWorkbook(t *testing.T, accounts ...string) string {
	t.Helper()

	f := excelize.NewFile()
	sheet := "Outstanding Restrictions"
	f.SetSheetName("Sheet1", sheet)

	cell, _ := excelize.CoordinatesToCellName(1, 1)
	if err := f.SetCellValue(sheet, cell, "Account #"); err != nil {
		t.Fatalf("writing header: %v", err)
	}
	for i, acct := range accounts {
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetCellValue(sheet, cell, acct); err != nil {
			t.Fatalf("writing row: %v", err)
		}
	}

	path := filepath.Join(t.TempDir(), "restrictions.xlsx")
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("saving workbook: %v", err)
	}
	return path
}

type testEnv struct {
	server  *Server
	ts      *httptest.Server
	fetcher *fakeFetcher
	queue   *scheduler.TaskQueue
	cancel  context.CancelFunc
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Addepar.Auth = "dXNlcjpwYXNz"

	loader := restrictions.NewLoader(writeWorkbook(t, "111"), "Outstanding Restrictions", "Account #", testLogger())
	if err := loader.Reload(); err != nil {
		t.Fatalf("loading workbook: %v", err)
	}

	fetcher := &fakeFetcher{table: clientTable()}
	fileStore, err := store.NewFileStore(t.TempDir(), "clients.csv")
	if err != nil {
		t.Fatalf("creating file store: %v", err)
	}
	chk := checker.New(fetcher, fileStore, loader, cfg.Checker.AccountColumns, 24*time.Hour, testLogger())
	if err := chk.Refresh(context.Background(), false); err != nil {
		t.Fatalf("initial refresh: %v", err)
	}

	queue := scheduler.NewTaskQueue(8, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	go queue.Start(ctx)

	srv := NewServer(cfg, chk, loader, queue, testLogger())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(cancel)

	return &testEnv{server: srv, ts: ts, fetcher: fetcher, queue: queue, cancel: cancel}
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decoding %s response: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestCheckEndpoint(t *testing.T) {
	env := newTestEnv(t)

	var res checker.Result
	if code := getJSON(t, env.ts.URL+"/api/check?account=643-149-03", &res); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if res.Status != checker.StatusClear {
		t.Errorf("status = %q, want clear", res.Status)
	}
	if res.Normalized != "64314903" {
		t.Errorf("normalized = %q", res.Normalized)
	}

	if code := getJSON(t, env.ts.URL+"/api/check?account=111", &res); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if res.Status != checker.StatusRestricted {
		t.Errorf("status = %q, want restricted", res.Status)
	}

	if code := getJSON(t, env.ts.URL+"/api/check?account=999", &res); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if res.Status != checker.StatusNotInClientList {
		t.Errorf("status = %q, want not_in_client_list", res.Status)
	}

	if code := getJSON(t, env.ts.URL+"/api/check", nil); code != http.StatusBadRequest {
		t.Errorf("missing account: status = %d, want 400", code)
	}
}

func TestBulkCheckJSON(t *testing.T) {
	env := newTestEnv(t)

	body := `{"accounts":["643-149-03","111","999"]}`
	resp, err := http.Post(env.ts.URL+"/api/check/bulk", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var run bulkRun
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if run.ID == "" {
		t.Error("bulk run id is empty")
	}
	if run.Summary.Total != 3 || run.Summary.Clear != 1 || run.Summary.Restricted != 1 || run.Summary.NotInClientList != 1 {
		t.Errorf("summary = %+v", run.Summary)
	}

	// The run is retrievable and downloadable by id.
	var fetched bulkRun
	if code := getJSON(t, env.ts.URL+"/api/check/bulk/"+run.ID, &fetched); code != http.StatusOK {
		t.Fatalf("fetch run: status = %d", code)
	}
	if len(fetched.Results) != 3 {
		t.Errorf("fetched %d results, want 3", len(fetched.Results))
	}

	dl, err := http.Get(env.ts.URL + "/api/check/bulk/" + run.ID + "/download")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer dl.Body.Close()
	if dl.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", dl.StatusCode)
	}
	if ct := dl.Header.Get("Content-Type"); ct != "text/csv" {
		t.Errorf("download content type = %q", ct)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(dl.Body); err != nil {
		t.Fatalf("reading download: %v", err)
	}
	csv := buf.String()
	if !strings.Contains(csv, "Account,Normalized,In Client List,Restricted,Status") {
		t.Errorf("download missing header: %q", csv)
	}
	if !strings.Contains(csv, "643-149-03") || !strings.Contains(csv, "restricted") {
		t.Errorf("download missing rows: %q", csv)
	}

	if code := getJSON(t, env.ts.URL+"/api/check/bulk/nope/download", nil); code != http.StatusNotFound {
		t.Errorf("unknown run: status = %d, want 404", code)
	}
}

func TestBulkCheckUpload(t *testing.T) {
	env := newTestEnv(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "accounts.csv")
	if err != nil {
		t.Fatalf("creating form file: %v", err)
	}
	fmt.Fprint(fw, "Account Number,Owner\n643-149-03,A\n999,B\n")
	mw.Close()

	resp, err := http.Post(env.ts.URL+"/api/check/bulk", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var run bulkRun
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if run.Filename != "accounts.csv" {
		t.Errorf("filename = %q", run.Filename)
	}
	if run.Summary.Total != 2 || run.Summary.Clear != 1 || run.Summary.NotInClientList != 1 {
		t.Errorf("summary = %+v", run.Summary)
	}
}

func TestBulkCheckRejectsEmptyBatch(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Post(env.ts.URL+"/api/check/bulk", "application/json", strings.NewReader(`{"accounts":[]}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestClientsStatus(t *testing.T) {
	env := newTestEnv(t)

	var resp clientsStatusResponse
	if code := getJSON(t, env.ts.URL+"/api/clients/status", &resp); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if !resp.ClientList.Loaded || resp.ClientList.Rows != 2 {
		t.Errorf("client list = %+v", resp.ClientList)
	}
	if resp.ClientList.AccountColumn != "Account #" {
		t.Errorf("account column = %q", resp.ClientList.AccountColumn)
	}
	if !resp.Restrictions.Loaded || resp.Restrictions.Entries != 1 {
		t.Errorf("restrictions = %+v", resp.Restrictions)
	}
}

func TestRefreshEndpointQueuesFetch(t *testing.T) {
	env := newTestEnv(t)

	before := env.fetcher.calls.Load()
	resp, err := http.Post(env.ts.URL+"/api/refresh", "application/json", nil)
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	deadline := time.After(time.Second)
	for env.fetcher.calls.Load() == before {
		select {
		case <-deadline:
			t.Fatal("forced refresh never reached the fetcher")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestHealthReadyAndConfig(t *testing.T) {
	env := newTestEnv(t)

	if code := getJSON(t, env.ts.URL+"/health", nil); code != http.StatusOK {
		t.Errorf("/health status = %d", code)
	}

	if code := getJSON(t, env.ts.URL+"/ready", nil); code != http.StatusServiceUnavailable {
		t.Errorf("/ready before SetReady: status = %d, want 503", code)
	}
	env.server.SetReady(true)
	if code := getJSON(t, env.ts.URL+"/ready", nil); code != http.StatusOK {
		t.Errorf("/ready after SetReady: status = %d", code)
	}

	resp, err := http.Get(env.ts.URL + "/config")
	if err != nil {
		t.Fatalf("GET /config: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("reading config: %v", err)
	}
	if strings.Contains(buf.String(), "dXNlcjpwYXNz") {
		t.Error("/config leaked the Addepar credential")
	}
}

func TestDashboardRenders(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.ts.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatalf("reading body: %v", err)
	}
	page := buf.String()
	if !strings.Contains(page, "Compliance Checker") {
		t.Error("dashboard missing title")
	}
	if !strings.Contains(page, "2 accounts") {
		t.Errorf("dashboard missing client list summary: %q", page)
	}
}
