package web

//go:generate templ generate

import (
	"net/http"

	"github.com/JonMunkholm/serialcheck/internal/core"
	"github.com/a-h/templ"
)

// dashboardLimit is the number of audit records shown on the dashboard.
const dashboardLimit = 50

type dashboardData struct {
	Stats         core.DatasetStats
	Counts        core.StatusCounts
	Recent        []core.AuditRecord
	ImportRunning bool
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := s.service.Stats(ctx)
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}
	counts, err := s.service.AuditCounts(ctx)
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}
	recent, err := s.service.RecentAudit(ctx, dashboardLimit)
	if err != nil {
		respondError(w, r, err, statusFor(err))
		return
	}

	data := dashboardData{
		Stats:         stats,
		Counts:        counts,
		Recent:        recent,
		ImportRunning: s.service.ImportRunning(),
	}
	templ.Handler(dashboardPage(data)).ServeHTTP(w, r)
}

func importState(running bool) string {
	if running {
		return "import running"
	}
	return "idle"
}
