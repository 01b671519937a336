package server

import (
	"embed"
	"html/template"
	"net/http"
	"time"
)

//go:embed templates/index.html
var templateFS embed.FS

var dashboardTmpl = template.Must(template.ParseFS(templateFS, "templates/index.html"))

// dashboardData is the view model for the dashboard page.
type dashboardData struct {
	ClientListLoaded  bool
	ClientListRows    int
	ClientListColumn  string
	ClientListAge     string
	ClientListStale   bool
	RestrictionCount  int
	RestrictionLoaded bool
}

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	snap := s.checker.Snapshot()

	data := dashboardData{
		ClientListLoaded:  snap.Loaded,
		ClientListRows:    snap.Rows,
		ClientListColumn:  snap.AccountColumn,
		ClientListStale:   snap.Stale,
		RestrictionCount:  s.restrictions.Size(),
		RestrictionLoaded: !s.restrictions.LoadedAt().IsZero(),
	}
	if snap.Loaded {
		data.ClientListAge = snap.Age.Round(time.Minute).String()
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTmpl.Execute(w, data); err != nil {
		s.logger.WithError(err).Error("failed to render dashboard")
	}
}
