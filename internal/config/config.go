// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, the metadata database, the object store,
// media transforms, reconciliation, rate limiting, and observability.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tbourn/impulse-backend/internal/domain"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "impulse-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// Storage drivers.
const (
	StorageMemory = "memory"
	StorageS3     = "s3"
)

// StorageConfig selects and configures the object store.
type StorageConfig struct {
	Driver          string        // STORAGE_DRIVER: memory|s3
	Endpoint        string        // STORAGE_ENDPOINT, public host (e.g. "fra1.digitaloceanspaces.com")
	APIURL          string        // STORAGE_API_URL, optional S3 API base URL override
	Region          string        // STORAGE_REGION
	Bucket          string        // STORAGE_BUCKET
	AccessKeyID     string        // STORAGE_ACCESS_KEY_ID
	SecretAccessKey string        // STORAGE_SECRET_ACCESS_KEY
	UsePathStyle    bool          // STORAGE_PATH_STYLE
	Timeout         time.Duration // STORAGE_TIMEOUT, per upload/delete
	MaxAttempts     int           // STORAGE_MAX_ATTEMPTS, SDK retry attempts
}

// TransformConfig bounds the media transforms.
type TransformConfig struct {
	ImageMaxDimension  int           // IMAGE_MAX_DIMENSION
	ImageJPEGQuality   int           // IMAGE_JPEG_QUALITY (1..100)
	AudioMaxChannels   int           // AUDIO_MAX_CHANNELS
	AudioMaxSampleRate int           // AUDIO_MAX_SAMPLE_RATE (Hz)
	AudioBitrate       string        // AUDIO_BITRATE (ffmpeg syntax, e.g. "128k")
	FFmpegPath         string        // AUDIO_FFMPEG_PATH
	Timeout            time.Duration // TRANSFORM_TIMEOUT
}

// ReconcileConfig drives the background cleanup loop.
type ReconcileConfig struct {
	Enabled     bool          // RECONCILE_ENABLED
	Interval    time.Duration // RECONCILE_INTERVAL
	BackoffBase time.Duration // RECONCILE_BACKOFF_BASE
	BackoffMax  time.Duration // RECONCILE_BACKOFF_MAX
	BatchSize   int           // RECONCILE_BATCH
	Orphans     bool          // RECONCILE_ORPHANS: queue blobs left by failed creates
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	MaxUploadBytes    int64         // request body cap for multipart uploads
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// Metadata store
	DBDriver    string // sqlite|postgres
	DBPath      string // SQLite path or file: URI
	DatabaseURL string // Postgres DSN

	// Record rules
	LocationPolicy domain.LocationPolicy // LOCATION_POLICY: exactly_one|at_least_one

	Storage   StorageConfig
	Transform TransformConfig
	Reconcile ReconcileConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Idempotency
	IdempotencyTTL time.Duration // how long a given Idempotency-Key is valid

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	policy, policyErr := domain.ParseLocationPolicy(getenv("LOCATION_POLICY", "exactly_one"))

	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 120*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		MaxUploadBytes:    int64(getint("MAX_UPLOAD_BYTES", 64<<20)),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// Metadata store
		DBDriver:    strings.ToLower(getenv("DB_DRIVER", "sqlite")),
		DBPath:      getenv("DB_PATH", "impulses.db"),
		DatabaseURL: getenv("DATABASE_URL", ""),

		LocationPolicy: policy,

		Storage: StorageConfig{
			Driver:          strings.ToLower(getenv("STORAGE_DRIVER", StorageMemory)),
			Endpoint:        getenv("STORAGE_ENDPOINT", "fra1.digitaloceanspaces.com"),
			APIURL:          getenv("STORAGE_API_URL", ""),
			Region:          getenv("STORAGE_REGION", "us-east-1"),
			Bucket:          getenv("STORAGE_BUCKET", "impulses"),
			AccessKeyID:     getenv("STORAGE_ACCESS_KEY_ID", ""),
			SecretAccessKey: getenv("STORAGE_SECRET_ACCESS_KEY", ""),
			UsePathStyle:    getbool("STORAGE_PATH_STYLE", false),
			Timeout:         getdur("STORAGE_TIMEOUT", 30*time.Second),
			MaxAttempts:     getint("STORAGE_MAX_ATTEMPTS", 3),
		},

		Transform: TransformConfig{
			ImageMaxDimension:  getint("IMAGE_MAX_DIMENSION", 1200),
			ImageJPEGQuality:   getint("IMAGE_JPEG_QUALITY", 80),
			AudioMaxChannels:   getint("AUDIO_MAX_CHANNELS", 2),
			AudioMaxSampleRate: getint("AUDIO_MAX_SAMPLE_RATE", 44100),
			AudioBitrate:       getenv("AUDIO_BITRATE", "128k"),
			FFmpegPath:         getenv("AUDIO_FFMPEG_PATH", "ffmpeg"),
			Timeout:            getdur("TRANSFORM_TIMEOUT", 60*time.Second),
		},

		Reconcile: ReconcileConfig{
			Enabled:     getbool("RECONCILE_ENABLED", true),
			Interval:    getdur("RECONCILE_INTERVAL", time.Minute),
			BackoffBase: getdur("RECONCILE_BACKOFF_BASE", 30*time.Second),
			BackoffMax:  getdur("RECONCILE_BACKOFF_MAX", time.Hour),
			BatchSize:   getint("RECONCILE_BATCH", 50),
			Orphans:     getbool("RECONCILE_ORPHANS", true),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Idempotency
		IdempotencyTTL: getdur("IDEMPOTENCY_TTL", 24*time.Hour),

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "impulse-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}
	if cfg.DBDriver == "postgresql" {
		cfg.DBDriver = "postgres"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if cfg.MaxUploadBytes <= 0 {
		return cfg, errors.New("MAX_UPLOAD_BYTES must be > 0")
	}
	if policyErr != nil {
		return cfg, fmt.Errorf("LOCATION_POLICY: %w", policyErr)
	}
	switch cfg.DBDriver {
	case "sqlite":
		if strings.TrimSpace(cfg.DBPath) == "" {
			return cfg, errors.New("DB_PATH must not be empty")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return cfg, errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return cfg, errors.New("DB_DRIVER must be one of: sqlite, postgres")
	}
	if err := cfg.Storage.validate(); err != nil {
		return cfg, err
	}
	if err := cfg.Transform.validate(); err != nil {
		return cfg, err
	}
	if err := cfg.Reconcile.validate(); err != nil {
		return cfg, err
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.IdempotencyTTL <= 0 {
		return cfg, errors.New("IDEMPOTENCY_TTL must be > 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

func (s StorageConfig) validate() error {
	switch s.Driver {
	case StorageMemory:
	case StorageS3:
		if strings.TrimSpace(s.AccessKeyID) == "" || strings.TrimSpace(s.SecretAccessKey) == "" {
			return errors.New("STORAGE_ACCESS_KEY_ID and STORAGE_SECRET_ACCESS_KEY are required when STORAGE_DRIVER=s3")
		}
	default:
		return errors.New("STORAGE_DRIVER must be one of: memory, s3")
	}
	if strings.TrimSpace(s.Bucket) == "" {
		return errors.New("STORAGE_BUCKET must not be empty")
	}
	if strings.TrimSpace(s.Endpoint) == "" {
		return errors.New("STORAGE_ENDPOINT must not be empty")
	}
	if s.Timeout <= 0 {
		return errors.New("STORAGE_TIMEOUT must be > 0")
	}
	if s.MaxAttempts < 1 {
		return errors.New("STORAGE_MAX_ATTEMPTS must be >= 1")
	}
	return nil
}

func (t TransformConfig) validate() error {
	if t.ImageMaxDimension < 1 {
		return errors.New("IMAGE_MAX_DIMENSION must be >= 1")
	}
	if t.ImageJPEGQuality < 1 || t.ImageJPEGQuality > 100 {
		return errors.New("IMAGE_JPEG_QUALITY must be in [1,100]")
	}
	if t.AudioMaxChannels < 1 {
		return errors.New("AUDIO_MAX_CHANNELS must be >= 1")
	}
	if t.AudioMaxSampleRate < 8000 {
		return errors.New("AUDIO_MAX_SAMPLE_RATE must be >= 8000")
	}
	if t.Timeout <= 0 {
		return errors.New("TRANSFORM_TIMEOUT must be > 0")
	}
	return nil
}

func (r ReconcileConfig) validate() error {
	if r.Interval <= 0 {
		return errors.New("RECONCILE_INTERVAL must be > 0")
	}
	if r.BackoffBase <= 0 || r.BackoffMax < r.BackoffBase {
		return errors.New("RECONCILE_BACKOFF_BASE must be > 0 and <= RECONCILE_BACKOFF_MAX")
	}
	if r.BatchSize < 1 {
		return errors.New("RECONCILE_BATCH must be >= 1")
	}
	return nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
