package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/compliance-checker/compliance-checker/internal/addepar"
	"github.com/compliance-checker/compliance-checker/internal/checker"
)

// bulkRunRetention is how long bulk check results stay downloadable.
const bulkRunRetention = time.Hour

// bulkRun holds the outcome of one bulk check so it can be fetched and
// downloaded later by id.
type bulkRun struct {
	ID        string           `json:"id"`
	CreatedAt time.Time        `json:"created_at"`
	Filename  string           `json:"filename,omitempty"`
	Summary   checker.Summary  `json:"summary"`
	Results   []checker.Result `json:"results"`
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not_ready"}`))
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	data, err := s.config.RedactedJSON()
	if err != nil {
		s.logger.WithError(err).Error("failed to encode config")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// handleCheck answers GET /api/check?account=NNN for a single account.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	if account == "" {
		http.Error(w, "account query parameter is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, s.checker.Check(account))
}

// bulkRequest is the JSON body accepted by POST /api/check/bulk.
type bulkRequest struct {
	Accounts []string `json:"accounts"`
}

// handleBulkCheck checks a batch of accounts. The batch arrives either as a
// JSON body listing accounts or as a multipart upload of a CSV file whose
// account column is resolved the same way as the client list's.
func (s *Server) handleBulkCheck(w http.ResponseWriter, r *http.Request) {
	accounts, filename, err := s.bulkAccounts(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(accounts) == 0 {
		http.Error(w, "no accounts provided", http.StatusBadRequest)
		return
	}

	results, summary := s.checker.CheckAll(accounts)

	run := &bulkRun{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Filename:  filename,
		Summary:   summary,
		Results:   results,
	}
	s.storeBulkRun(run)

	s.logger.WithField("accounts", len(accounts)).WithField("run_id", run.ID).
		Info("bulk check completed")
	writeJSON(w, http.StatusOK, run)
}

// bulkAccounts extracts the account batch from the request body.
func (s *Server) bulkAccounts(r *http.Request) (accounts []string, filename string, err error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		file, header, err := r.FormFile("file")
		if err != nil {
			return nil, "", errBulkBody("multipart form must carry a \"file\" part")
		}
		defer file.Close()

		data, err := io.ReadAll(io.LimitReader(file, 16<<20))
		if err != nil {
			return nil, "", errBulkBody("reading uploaded file failed")
		}
		table, err := addepar.ParseCSV(data)
		if err != nil {
			return nil, "", errBulkBody("uploaded file is not valid CSV")
		}
		col := checker.ResolveAccountColumn(table.Columns, s.config.Checker.AccountColumns)
		accounts, _ := table.Column(col)
		return accounts, header.Filename, nil
	}

	var req bulkRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 16<<20)).Decode(&req); err != nil {
		return nil, "", errBulkBody("request body must be JSON with an accounts list")
	}
	return req.Accounts, "", nil
}

type errBulkBody string

func (e errBulkBody) Error() string { return string(e) }

// handleBulkResult returns a previously computed bulk run by id.
func (s *Server) handleBulkResult(w http.ResponseWriter, r *http.Request) {
	run, ok := s.bulkRun(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "bulk run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleBulkDownload streams a bulk run's results as CSV.
func (s *Server) handleBulkDownload(w http.ResponseWriter, r *http.Request) {
	run, ok := s.bulkRun(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "bulk run not found", http.StatusNotFound)
		return
	}

	table := &addepar.Table{
		Columns: []string{"Account", "Normalized", "In Client List", "Restricted", "Status"},
	}
	for _, res := range run.Results {
		table.Rows = append(table.Rows, addepar.Row{
			"Account":        res.Account,
			"Normalized":     res.Normalized,
			"In Client List": formatBool(res.InClientList),
			"Restricted":     formatBool(res.Restricted),
			"Status":         string(res.Status),
		})
	}

	var buf bytes.Buffer
	if err := table.WriteCSV(&buf); err != nil {
		s.logger.WithError(err).Error("failed to encode bulk results")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="check_results_`+run.ID+`.csv"`)
	_, _ = w.Write(buf.Bytes())
}

func formatBool(b *bool) string {
	if b == nil {
		return "unknown"
	}
	return strconv.FormatBool(*b)
}

// clientsStatusResponse describes the data sources backing checks.
type clientsStatusResponse struct {
	ClientList   checker.SnapshotInfo `json:"client_list"`
	NextRefresh  *time.Time           `json:"next_refresh,omitempty"`
	Restrictions struct {
		Entries  int       `json:"entries"`
		LoadedAt time.Time `json:"loaded_at,omitempty"`
		Loaded   bool      `json:"loaded"`
	} `json:"restrictions"`
}

func (s *Server) handleClientsStatus(w http.ResponseWriter, _ *http.Request) {
	var resp clientsStatusResponse
	resp.ClientList = s.checker.Snapshot()
	if resp.ClientList.Loaded {
		next := resp.ClientList.FetchedAt.Add(s.checker.TTL())
		resp.NextRefresh = &next
	}
	resp.Restrictions.Entries = s.restrictions.Size()
	resp.Restrictions.LoadedAt = s.restrictions.LoadedAt()
	resp.Restrictions.Loaded = !s.restrictions.LoadedAt().IsZero()
	writeJSON(w, http.StatusOK, resp)
}

// handleRefresh enqueues a forced client list refresh and returns immediately.
func (s *Server) handleRefresh(w http.ResponseWriter, _ *http.Request) {
	s.queue.Enqueue(func() {
		if err := s.checker.Refresh(context.Background(), true); err != nil {
			s.logger.WithError(err).Error("forced refresh failed")
		}
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh_queued"})
}

// storeBulkRun records a run and prunes expired ones.
func (s *Server) storeBulkRun(run *bulkRun) {
	s.bulkMu.Lock()
	defer s.bulkMu.Unlock()

	cutoff := time.Now().Add(-bulkRunRetention)
	for id, old := range s.bulks {
		if old.CreatedAt.Before(cutoff) {
			delete(s.bulks, id)
		}
	}
	s.bulks[run.ID] = run
}

func (s *Server) bulkRun(id string) (*bulkRun, bool) {
	s.bulkMu.Lock()
	defer s.bulkMu.Unlock()
	run, ok := s.bulks[id]
	if !ok || time.Since(run.CreatedAt) > bulkRunRetention {
		return nil, false
	}
	return run, true
}
