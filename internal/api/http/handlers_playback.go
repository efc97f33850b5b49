package apihttp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"hybridstream/internal/domain"
)

type playbackUpdateRequest struct {
	URL         string            `json:"url,omitempty"`
	Range       *domain.ByteRange `json:"range,omitempty"`
	StartTime   *float64          `json:"startTime,omitempty"`
	Duration    float64           `json:"duration,omitempty"`
	CurrentTime *float64          `json:"currentTime,omitempty"`
}

// handlePlayback re-anchors the loader's priority computation on the player's
// reported position: either an explicit playing segment or a bare timestamp.
func (s *Server) handlePlayback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var body playbackUpdateRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}

	url := strings.TrimSpace(body.URL)
	var position float64
	switch {
	case url != "":
		var startTime float64
		if body.StartTime != nil {
			startTime = *body.StartTime
		}
		s.loader.SetPlayingSegment(url, body.Range, startTime, body.Duration)
		position = startTime
	case body.CurrentTime != nil:
		s.loader.SetPlayingSegmentByTime(*body.CurrentTime)
		position = *body.CurrentTime
	default:
		writeError(w, http.StatusBadRequest, "invalid_request", "url or currentTime is required")
		return
	}

	if s.history != nil && s.swarmID != "" {
		if err := s.history.Upsert(r.Context(), domain.PlaybackPosition{
			SwarmID:     s.swarmID,
			TimeSeconds: position,
		}); err != nil {
			s.logger.Warn("playback history upsert failed", slog.String("error", err.Error()))
		}
	}

	writeJSON(w, http.StatusOK, s.loader.Stats())
}

// handleAbortCritical drops the single most time-critical in-flight request,
// freeing a slot ahead of a seek-triggered mandatory fetch.
func (s *Server) handleAbortCritical(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.loader.AbortMostCritical()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.loader.Stats())
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
