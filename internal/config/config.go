package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr       string
	LogLevel   string
	LogConsole bool

	RedisAddr        string
	RedisPoolSize    int
	RedisDialTimeout time.Duration
	RedisReadTimeout time.Duration
	SQLitePath       string

	KafkaBrokers string
	AuditTopic   string

	Provider           string
	SentinelHubBaseURL string
	SentinelHubID      string
	SentinelHubSecret  string
	UpstreamTimeout    time.Duration

	MaxAreaKm2      float64
	MaxRangeDays    int
	MaxCells        int
	CellRes         int
	MinRasterSize   int
	MaxRasterSize   int
	MaxRasterPixels int
	DefaultStep     int
	DefaultCloud    int
	DefaultLookback int

	TTLSeries time.Duration
	TTLLatest time.Duration

	LockTTL      time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	Workers      int
	PollInterval time.Duration

	RefreshInterval time.Duration
	GapFillInterval time.Duration
	GapFillWindow   int
	RefreshCooldown time.Duration

	ResourceCacheSize int
	ResourceCacheTTL  time.Duration
}

func FromEnv() Config {
	return Config{
		Addr:       getenv("ADDR", ":8090"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),

		RedisAddr:        getenv("REDIS_ADDR", "localhost:6379"),
		RedisPoolSize:    getint("REDIS_POOL_SIZE", 10),
		RedisDialTimeout: getduration("REDIS_DIAL_TIMEOUT", 5*time.Second),
		RedisReadTimeout: getduration("REDIS_READ_TIMEOUT", 3*time.Second),
		SQLitePath:       getenv("SQLITE_PATH", "ndvi.db"),

		KafkaBrokers: getenv("KAFKA_BROKERS", ""),
		AuditTopic:   getenv("AUDIT_TOPIC", "ndvi-audit"),

		Provider:           getenv("NDVI_PROVIDER", "sentinelhub"),
		SentinelHubBaseURL: getenv("SENTINELHUB_BASE_URL", "https://services.sentinel-hub.com"),
		SentinelHubID:      getenv("SENTINELHUB_CLIENT_ID", ""),
		SentinelHubSecret:  getenv("SENTINELHUB_CLIENT_SECRET", ""),
		UpstreamTimeout:    getduration("UPSTREAM_TIMEOUT", 20*time.Second),

		MaxAreaKm2:      getfloat("NDVI_MAX_AREA_KM2", 5000),
		MaxRangeDays:    getint("NDVI_MAX_RANGE_DAYS", 370),
		MaxCells:        getint("NDVI_MAX_CELLS", 4096),
		CellRes:         getint("NDVI_CELL_RES", 7),
		MinRasterSize:   getint("NDVI_RASTER_MIN_SIZE", 128),
		MaxRasterSize:   getint("NDVI_RASTER_MAX_SIZE", 1024),
		MaxRasterPixels: getint("NDVI_RASTER_MAX_PIXELS", 1024*1024),
		DefaultStep:     getint("NDVI_DEFAULT_STEP_DAYS", 7),
		DefaultCloud:    getint("NDVI_DEFAULT_MAX_CLOUD", 30),
		DefaultLookback: getint("NDVI_DEFAULT_LOOKBACK_DAYS", 14),

		TTLSeries: getduration("CACHE_TTL_SERIES", 24*time.Hour),
		TTLLatest: getduration("CACHE_TTL_LATEST", 6*time.Hour),

		LockTTL:      getduration("DISPATCH_LOCK_TTL", 60*time.Second),
		MaxAttempts:  getint("JOB_MAX_ATTEMPTS", 3),
		RetryBackoff: getduration("JOB_RETRY_BACKOFF", time.Minute),
		Workers:      getint("WORKERS", 4),
		PollInterval: getduration("WORKER_POLL_INTERVAL", 500*time.Millisecond),

		RefreshInterval: getduration("SWEEP_REFRESH_INTERVAL", 24*time.Hour),
		GapFillInterval: getduration("SWEEP_GAPFILL_INTERVAL", 7*24*time.Hour),
		GapFillWindow:   getint("SWEEP_GAPFILL_WINDOW_DAYS", 120),
		RefreshCooldown: getduration("REFRESH_COOLDOWN", 15*time.Minute),

		ResourceCacheSize: getint("RESOURCE_CACHE_SIZE", 1024),
		ResourceCacheTTL:  getduration("RESOURCE_CACHE_TTL", time.Minute),
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
