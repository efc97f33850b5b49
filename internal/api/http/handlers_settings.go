package apihttp

import (
	"encoding/json"
	"net/http"
)

// loaderSettingsPatch is the partial-update body for the loader settings.
type loaderSettingsPatch struct {
	HTTPDownloadProbability   *float64 `json:"httpDownloadProbability"`
	SimultaneousHTTPDownloads *int     `json:"simultaneousHttpDownloads"`
	SimultaneousP2PDownloads  *int     `json:"simultaneousP2pDownloads"`
	CachedSegmentsCount       *int     `json:"cachedSegmentsCount"`
	CachedSegmentExpirationMS *int64   `json:"cachedSegmentExpirationMs"`
}

func (s *Server) handleLoaderSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleGetLoaderSettings(w, r)
	case http.MethodPatch, http.MethodPut:
		s.handleUpdateLoaderSettings(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleGetLoaderSettings(w http.ResponseWriter, _ *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "loader settings not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.settings.Get())
}

func (s *Server) handleUpdateLoaderSettings(w http.ResponseWriter, r *http.Request) {
	if s.settings == nil {
		writeError(w, http.StatusNotImplemented, "not_configured", "loader settings not configured")
		return
	}

	var patch loaderSettingsPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}

	// Fields absent from the request keep their current values. Pointer
	// fields distinguish "omitted" from a zero value, which is valid for
	// the probability.
	body := s.settings.Get()
	if patch.HTTPDownloadProbability != nil {
		body.HTTPDownloadProbability = *patch.HTTPDownloadProbability
	}
	if patch.SimultaneousHTTPDownloads != nil {
		body.SimultaneousHTTPDownloads = *patch.SimultaneousHTTPDownloads
	}
	if patch.SimultaneousP2PDownloads != nil {
		body.SimultaneousP2PDownloads = *patch.SimultaneousP2PDownloads
	}
	if patch.CachedSegmentsCount != nil {
		body.CachedSegmentsCount = *patch.CachedSegmentsCount
	}
	if patch.CachedSegmentExpirationMS != nil {
		body.CachedSegmentExpirationMS = *patch.CachedSegmentExpirationMS
	}

	if body.HTTPDownloadProbability < 0 || body.HTTPDownloadProbability > 1 {
		writeError(w, http.StatusBadRequest, "invalid_request", "httpDownloadProbability must be 0-1")
		return
	}
	if body.SimultaneousHTTPDownloads < 1 || body.SimultaneousHTTPDownloads > 32 {
		writeError(w, http.StatusBadRequest, "invalid_request", "simultaneousHttpDownloads must be 1-32")
		return
	}
	if body.SimultaneousP2PDownloads < 1 || body.SimultaneousP2PDownloads > 32 {
		writeError(w, http.StatusBadRequest, "invalid_request", "simultaneousP2pDownloads must be 1-32")
		return
	}
	if body.CachedSegmentsCount < 1 || body.CachedSegmentsCount > 10000 {
		writeError(w, http.StatusBadRequest, "invalid_request", "cachedSegmentsCount must be 1-10000")
		return
	}
	if body.CachedSegmentExpirationMS < 1000 {
		writeError(w, http.StatusBadRequest, "invalid_request", "cachedSegmentExpirationMs must be >= 1000")
		return
	}

	if err := s.settings.Update(body); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update loader settings")
		return
	}

	writeJSON(w, http.StatusOK, s.settings.Get())
}
