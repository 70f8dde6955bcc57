package httpapi

import (
	"net/http"
	"time"
)

type statusResponse struct {
	Status         string  `json:"status"`
	UptimeSeconds  float64 `json:"uptime_seconds"`
	LastIngestedAt string  `json:"last_ingested_at,omitempty"`
	TotalEvents    int64   `json:"total_events_appended"`
	AlertsRunning  bool    `json:"alerts_running"`
	ModelName      string  `json:"model_name"`
}

// handleStatus is unauthenticated on purpose: a liveness/readiness probe
// for startup checks and monitoring.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	wm, err := s.store.Watermark(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Status:         "ok",
		UptimeSeconds:  time.Since(s.startedAt).Seconds(),
		LastIngestedAt: wm.LastTimestamp,
		TotalEvents:    wm.TotalAppended,
		AlertsRunning:  s.monitor != nil && s.monitor.IsRunning(),
		ModelName:      s.cfg.Snapshot().Model.Name,
	})
}
