package apihttp

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"hybridstream/internal/domain"
)

type segmentDescriptor struct {
	URL        string            `json:"url"`
	RequestURL string            `json:"requestUrl,omitempty"`
	Range      *domain.ByteRange `json:"range,omitempty"`
	StartTime  float64           `json:"startTime"`
	Duration   float64           `json:"duration"`
}

type setSegmentsRequest struct {
	Segments []segmentDescriptor `json:"segments"`
}

type setSegmentsResponse struct {
	Accepted int `json:"accepted"`
}

func (s *Server) handleSegments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost, http.MethodPut:
		s.handleSetSegments(w, r)
	case http.MethodGet:
		s.handleGetSegment(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleSetSegments replaces or extends the loader's managed segment list
// from the player's current manifest window.
func (s *Server) handleSetSegments(w http.ResponseWriter, r *http.Request) {
	var body setSegmentsRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid json")
		return
	}

	segs := make([]*domain.Segment, 0, len(body.Segments))
	for _, d := range body.Segments {
		url := strings.TrimSpace(d.URL)
		if url == "" {
			writeError(w, http.StatusBadRequest, "invalid_request", "segment url is required")
			return
		}
		if d.Duration <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "segment duration must be > 0")
			return
		}
		segs = append(segs, &domain.Segment{
			ID:         domain.MakeSegmentID(url, d.Range),
			URL:        url,
			RequestURL: strings.TrimSpace(d.RequestURL),
			Range:      d.Range,
			StartTime:  d.StartTime,
			Duration:   d.Duration,
		})
	}

	s.loader.SetSegments(segs)
	writeJSON(w, http.StatusOK, setSegmentsResponse{Accepted: len(segs)})
}

type cachedSegmentsResponse struct {
	Segments []domain.SegmentID `json:"segments"`
}

// handleGetSegment serves a completed segment payload from the cache.
// Identity comes from the url and range query parameters; without a url the
// cached segment ids are listed instead, so peers and players can discover
// what is servable without a download.
func (s *Server) handleGetSegment(w http.ResponseWriter, r *http.Request) {
	url := strings.TrimSpace(r.URL.Query().Get("url"))
	if url == "" {
		ids := s.loader.CachedSegmentIDs()
		if ids == nil {
			ids = []domain.SegmentID{}
		}
		writeJSON(w, http.StatusOK, cachedSegmentsResponse{Segments: ids})
		return
	}

	var byteRange *domain.ByteRange
	if raw := strings.TrimSpace(r.URL.Query().Get("range")); raw != "" {
		parsed, err := parseRangeParam(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", "invalid range, want offset-length")
			return
		}
		byteRange = parsed
	}

	seg := s.loader.GetSegment(domain.MakeSegmentID(url, byteRange))
	if seg == nil {
		writeError(w, http.StatusNotFound, "not_found", "segment is not cached")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(seg.Data)))
	if seg.ResponseURL != "" {
		w.Header().Set("X-Response-Url", seg.ResponseURL)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(seg.Data)
}

// parseRangeParam parses "offset-length" (decimal, both required).
func parseRangeParam(raw string) (*domain.ByteRange, error) {
	offsetStr, lengthStr, ok := strings.Cut(raw, "-")
	if !ok {
		return nil, errInvalidRangeParam
	}
	offset, err := strconv.ParseInt(strings.TrimSpace(offsetStr), 10, 64)
	if err != nil || offset < 0 {
		return nil, errInvalidRangeParam
	}
	length, err := strconv.ParseInt(strings.TrimSpace(lengthStr), 10, 64)
	if err != nil || length <= 0 {
		return nil, errInvalidRangeParam
	}
	return &domain.ByteRange{Offset: offset, Length: length}, nil
}

var errInvalidRangeParam = errors.New("invalid range parameter")
