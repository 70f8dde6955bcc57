package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/sentrywatch/internal/archive"
)

// handleDashboard returns the aggregate counts backing a dashboard widget:
// total events, severity-band breakdown, top agents, and top rules over
// a trailing window sized by ?hours= (default 24), per the supplemented
// DashboardAggregate data model.
func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			hours = n
		}
	}

	window := archive.TimeWindow{
		Start: time.Now().Add(-time.Duration(hours) * time.Hour).Format(time.RFC3339),
		End:   time.Now().Format(time.RFC3339),
	}

	thresholds := s.cfg.Snapshot().Thresholds
	agg, err := s.store.Dashboard(r.Context(), window, thresholds.CriticalRuleLevel, thresholds.HighRuleLevel, thresholds.MediumRuleLevel)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}
