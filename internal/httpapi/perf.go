package httpapi

import (
	"net/http"
	"time"

	"github.com/ent0n29/voicecall/internal/observability"
)

type perfResponse struct {
	observability.TurnStageSnapshot
	QueueDepth     int `json:"queue_depth"`
	ActiveSessions int `json:"active_sessions"`
}

func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	resp := perfResponse{ActiveSessions: s.sessions.ActiveCount()}
	if s.orchestrator != nil {
		resp.QueueDepth = s.orchestrator.QueueDepth()
	}
	if s.metrics == nil {
		resp.GeneratedAt = time.Now().UTC()
		respondJSON(w, http.StatusOK, resp)
		return
	}
	resp.TurnStageSnapshot = s.metrics.SnapshotTurnStages()
	respondJSON(w, http.StatusOK, resp)
}
