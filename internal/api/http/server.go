package apihttp

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"hybridstream/internal/app"
	"hybridstream/internal/domain"
)

// SegmentLoader is the loader surface the API exposes to players.
type SegmentLoader interface {
	SetSegments(segs []*domain.Segment)
	SetPlayingSegment(url string, r *domain.ByteRange, startTime, duration float64)
	SetPlayingSegmentByTime(currentTime float64)
	GetSegment(id domain.SegmentID) *domain.Segment
	CachedSegmentIDs() []domain.SegmentID
	AbortMostCritical()
	Stats() domain.LoaderStats
}

type LoaderSettingsController interface {
	Get() app.LoaderSettings
	Update(settings app.LoaderSettings) error
}

type PlaybackHistoryStore interface {
	Upsert(ctx context.Context, pos domain.PlaybackPosition) error
	Get(ctx context.Context, swarmID domain.SwarmID) (domain.PlaybackPosition, error)
	ListRecent(ctx context.Context, limit int) ([]domain.PlaybackPosition, error)
}

type Server struct {
	loader         SegmentLoader
	settings       LoaderSettingsController
	history        PlaybackHistoryStore
	swarmID        domain.SwarmID
	allowedOrigins []string
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithSettings(ctrl LoaderSettingsController) ServerOption {
	return func(s *Server) {
		s.settings = ctrl
	}
}

func WithPlaybackHistory(store PlaybackHistoryStore, swarmID domain.SwarmID) ServerOption {
	return func(s *Server) {
		s.history = store
		s.swarmID = swarmID
	}
}

// WithAllowedOrigins configures the CORS allowed origins whitelist.
// When empty (default), any origin is permitted (development mode).
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func NewServer(loader SegmentLoader, opts ...ServerOption) *Server {
	s := &Server{loader: loader}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/segments", s.handleSegments)
	mux.HandleFunc("/playback", s.handlePlayback)
	mux.HandleFunc("/playback/abort-critical", s.handleAbortCritical)
	mux.HandleFunc("/playback-history", s.handlePlaybackHistory)
	mux.HandleFunc("/settings/loader", s.handleLoaderSettings)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "hybridstream",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/healthz"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(100, 200, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.wsHub == nil {
		http.Error(w, "websocket not available", http.StatusServiceUnavailable)
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{
		hub:  s.wsHub,
		conn: conn,
		send: make(chan []byte, 256),
	}
	s.wsHub.register <- client
	go client.writePump()
	go client.readPump()
}

// BroadcastStats pushes a loader activity snapshot to all WebSocket clients.
func (s *Server) BroadcastStats(stats domain.LoaderStats) {
	if s.wsHub != nil {
		s.wsHub.Broadcast("stats", stats)
	}
}

// BroadcastSegmentEvent pushes a segment lifecycle notification to all
// WebSocket clients. Payload bytes are never included.
func (s *Server) BroadcastSegmentEvent(kind domain.LoaderEvent, seg *domain.Segment, cause error) {
	if s.wsHub == nil || seg == nil {
		return
	}
	ev := segmentEventMessage{
		ID:        seg.ID,
		URL:       seg.URL,
		StartTime: seg.StartTime,
		Duration:  seg.Duration,
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	s.wsHub.Broadcast(string(kind), ev)
}

// Close shuts down the WebSocket hub, disconnecting all clients.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
}

type segmentEventMessage struct {
	ID        domain.SegmentID `json:"id"`
	URL       string           `json:"url"`
	StartTime float64          `json:"startTime"`
	Duration  float64          `json:"duration"`
	Error     string           `json:"error,omitempty"`
}
