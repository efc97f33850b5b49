package apihttp

import (
	"net/http"
	"strings"

	"hybridstream/internal/domain"
)

func (s *Server) handlePlaybackHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "playback history not configured")
		return
	}

	if swarmID := strings.TrimSpace(r.URL.Query().Get("swarmId")); swarmID != "" {
		pos, err := s.history.Get(r.Context(), domain.SwarmID(swarmID))
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pos)
		return
	}

	limit, err := parseOptionalIntQuery(r.URL.Query().Get("limit"), 20)
	if err != nil || limit < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid limit")
		return
	}

	positions, err := s.history.ListRecent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "repository_error", err.Error())
		return
	}
	if positions == nil {
		positions = []domain.PlaybackPosition{}
	}
	writeJSON(w, http.StatusOK, positions)
}
