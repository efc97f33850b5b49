package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr      string
	MongoURI      string // empty disables persistence
	MongoDatabase string
	LogLevel      string
	LogFormat     string
	SwarmDataDir  string
	SwarmID       string

	// Segment cache.
	CachedSegmentExpiration time.Duration
	CachedSegmentsCount     int

	// Priority windows.
	RequiredSegmentsPriority   int
	HTTPDownloadMaxPriority    int
	P2PDownloadMaxPriority     int
	SkipSegmentBuilderPriority int

	// Probabilistic direct fallback.
	HTTPDownloadProbability           float64
	HTTPDownloadProbabilityInterval   time.Duration
	HTTPDownloadProbabilitySkipNoPeer bool

	// Retry / admission.
	HTTPFailedSegmentTimeout  time.Duration
	SimultaneousHTTPDownloads int
	SimultaneousP2PDownloads  int

	// Grace periods before the direct transport is allowed to compete.
	HTTPDownloadInitialTimeout           time.Duration
	HTTPDownloadInitialTimeoutPerSegment time.Duration

	// Direct transport behavior.
	HTTPDownloadRanges bool
	HTTPRateLimitBytes int64 // bytes/sec, 0 = unlimited
	HTTPRequestTimeout time.Duration

	CORSAllowedOrigins []string
}

func LoadConfig() Config {
	return Config{
		HTTPAddr:      getEnv("HTTP_ADDR", ":8080"),
		MongoURI:      getEnv("MONGO_URI", ""),
		MongoDatabase: getEnv("MONGO_DB", "hybridstream"),
		LogLevel:      strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:     strings.ToLower(getEnv("LOG_FORMAT", "text")),
		SwarmDataDir:  getEnv("SWARM_DATA_DIR", "data"),
		SwarmID:       getEnv("SWARM_ID", ""),

		CachedSegmentExpiration: getEnvDuration("LOADER_CACHED_SEGMENT_EXPIRATION_MS", 5*time.Minute),
		CachedSegmentsCount:     int(getEnvInt64("LOADER_CACHED_SEGMENTS_COUNT", 30)),

		RequiredSegmentsPriority:   int(getEnvInt64("LOADER_REQUIRED_SEGMENTS_PRIORITY", 1)),
		HTTPDownloadMaxPriority:    int(getEnvInt64("LOADER_HTTP_MAX_PRIORITY", 9)),
		P2PDownloadMaxPriority:     int(getEnvInt64("LOADER_P2P_MAX_PRIORITY", 9)),
		SkipSegmentBuilderPriority: int(getEnvInt64("LOADER_SKIP_SEGMENT_BUILDER_PRIORITY", 1)),

		HTTPDownloadProbability:           getEnvFloat("LOADER_HTTP_PROBABILITY", 0.06),
		HTTPDownloadProbabilityInterval:   getEnvDuration("LOADER_HTTP_PROBABILITY_INTERVAL_MS", time.Second),
		HTTPDownloadProbabilitySkipNoPeer: getEnvBool("LOADER_HTTP_PROBABILITY_SKIP_IF_NO_PEERS", false),

		HTTPFailedSegmentTimeout:  getEnvDuration("LOADER_HTTP_FAILED_SEGMENT_TIMEOUT_MS", 10*time.Second),
		SimultaneousHTTPDownloads: int(getEnvInt64("LOADER_SIMULTANEOUS_HTTP_DOWNLOADS", 2)),
		SimultaneousP2PDownloads:  int(getEnvInt64("LOADER_SIMULTANEOUS_P2P_DOWNLOADS", 3)),

		HTTPDownloadInitialTimeout:           getEnvDuration("LOADER_HTTP_INITIAL_TIMEOUT_MS", 2*time.Minute),
		HTTPDownloadInitialTimeoutPerSegment: getEnvDuration("LOADER_HTTP_INITIAL_TIMEOUT_PER_SEGMENT_MS", 17*time.Second),

		HTTPDownloadRanges: getEnvBool("LOADER_HTTP_RANGES", true),
		HTTPRateLimitBytes: getEnvInt64("LOADER_HTTP_RATE_LIMIT_BYTES", 0),
		HTTPRequestTimeout: getEnvDuration("LOADER_HTTP_REQUEST_TIMEOUT_MS", 30*time.Second),

		CORSAllowedOrigins: splitCommaList(getEnv("CORS_ALLOWED_ORIGINS", "")),
	}
}

func splitCommaList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed < 0 || parsed > 1 {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

// getEnvDuration reads a millisecond count from the environment.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	ms := getEnvInt64(key, -1)
	if ms < 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
