// internal/config/config.go

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Environment string
	Log         LogConfig
	Server      ServerConfig
	Backend     BackendConfig
	Session     SessionConfig
	Realtime    RealtimeConfig
	Geocode     GeocodeConfig
	Sampler     SamplerConfig
	Gate        GateConfig
	Nearby      NearbyConfig
	NATS        NATSConfig
	Cache       CacheConfig
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string
}

// ServerConfig holds the local API configuration
type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	CorsOrigins     []string
}

// BackendConfig holds the NomadNet backend configuration
type BackendConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
	PushTimeout    time.Duration
}

// SessionConfig holds the authenticated session
type SessionConfig struct {
	Token string

	// UserID is used when the token is opaque and carries no subject
	UserID string
}

// RealtimeConfig holds realtime channel configuration
type RealtimeConfig struct {
	Path                 string
	HandshakeTimeout     time.Duration
	InitialBackoff       time.Duration
	MaxBackoff           time.Duration
	MaxReconnectAttempts int
	PingInterval         time.Duration
	PongWait             time.Duration
	WriteWait            time.Duration
}

// GeocodeConfig holds reverse geocoding configuration
type GeocodeConfig struct {
	BaseURL           string
	UserAgent         string
	Timeout           time.Duration
	RequestsPerSecond float64
	FailureThreshold  int
	BreakerTimeout    time.Duration
}

// SamplerConfig holds position sampling configuration
type SamplerConfig struct {
	GPSDAddr     string
	HighAccuracy bool
	Timeout      time.Duration
	MaxSampleAge time.Duration
	ErrorPause   time.Duration
}

// GateConfig holds distance gate configuration
type GateConfig struct {
	MovementThresholdMeters float64
	MinInterval             time.Duration
}

// NearbyConfig holds nearby refresh and follow configuration
type NearbyConfig struct {
	RadiusMeters         float64
	Limit                int
	Types                []string
	RefreshInterval      time.Duration
	RefreshTimeout       time.Duration
	RejoinDistanceMeters float64
	FillerPerKind        int
	FillerSpreadMeters   float64
}

// NATSConfig holds NATS configuration. An empty URL disables the event bus.
type NATSConfig struct {
	URL            string
	SubjectPrefix  string
	MaxReconnects  int
	ReconnectWait  time.Duration
	ConnectTimeout time.Duration
}

// CacheConfig holds the last-known cache configuration. An empty Dir
// keeps the cache in memory.
type CacheConfig struct {
	Dir                string
	CheckpointInterval time.Duration
}

// Load loads configuration from environment variables, reading .env
// first when one exists
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	config := Config{
		Environment: getEnv("APP_ENV", "development"),
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "127.0.0.1"),
			Port:            getEnvAsInt("SERVER_PORT", 8787),
			ReadTimeout:     getEnvAsDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvAsDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			ShutdownTimeout: getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			CorsOrigins:     getEnvAsSlice("SERVER_CORS_ORIGINS", []string{"*"}),
		},
		Backend: BackendConfig{
			BaseURL:        getEnv("BACKEND_URL", "http://localhost:3000/api"),
			RequestTimeout: getEnvAsDuration("BACKEND_REQUEST_TIMEOUT", 15*time.Second),
			PushTimeout:    getEnvAsDuration("BACKEND_PUSH_TIMEOUT", 10*time.Second),
		},
		Session: SessionConfig{
			Token:  getEnv("SESSION_TOKEN", ""),
			UserID: getEnv("SESSION_USER_ID", "local"),
		},
		Realtime: RealtimeConfig{
			Path:                 getEnv("REALTIME_PATH", "/ws"),
			HandshakeTimeout:     getEnvAsDuration("REALTIME_HANDSHAKE_TIMEOUT", 10*time.Second),
			InitialBackoff:       getEnvAsDuration("REALTIME_INITIAL_BACKOFF", 1*time.Second),
			MaxBackoff:           getEnvAsDuration("REALTIME_MAX_BACKOFF", 32*time.Second),
			MaxReconnectAttempts: getEnvAsInt("REALTIME_MAX_RECONNECT_ATTEMPTS", 5),
			PingInterval:         getEnvAsDuration("REALTIME_PING_INTERVAL", 54*time.Second),
			PongWait:             getEnvAsDuration("REALTIME_PONG_WAIT", 60*time.Second),
			WriteWait:            getEnvAsDuration("REALTIME_WRITE_WAIT", 10*time.Second),
		},
		Geocode: GeocodeConfig{
			BaseURL:           getEnv("GEOCODE_URL", "https://nominatim.openstreetmap.org/reverse"),
			UserAgent:         getEnv("GEOCODE_USER_AGENT", "NomadNet-Chat-App"),
			Timeout:           getEnvAsDuration("GEOCODE_TIMEOUT", 10*time.Second),
			RequestsPerSecond: getEnvAsFloat("GEOCODE_REQUESTS_PER_SECOND", 1),
			FailureThreshold:  getEnvAsInt("GEOCODE_FAILURE_THRESHOLD", 5),
			BreakerTimeout:    getEnvAsDuration("GEOCODE_BREAKER_TIMEOUT", 1*time.Minute),
		},
		Sampler: SamplerConfig{
			GPSDAddr:     getEnv("GPSD_ADDR", "localhost:2947"),
			HighAccuracy: getEnvAsBool("SAMPLER_HIGH_ACCURACY", true),
			Timeout:      getEnvAsDuration("SAMPLER_TIMEOUT", 10*time.Second),
			MaxSampleAge: getEnvAsDuration("SAMPLER_MAX_SAMPLE_AGE", 0),
			ErrorPause:   getEnvAsDuration("SAMPLER_ERROR_PAUSE", 5*time.Second),
		},
		Gate: GateConfig{
			MovementThresholdMeters: getEnvAsFloat("GATE_MOVEMENT_THRESHOLD_METERS", 100),
			MinInterval:             getEnvAsDuration("GATE_MIN_INTERVAL", 60*time.Second),
		},
		Nearby: NearbyConfig{
			RadiusMeters:         getEnvAsFloat("NEARBY_RADIUS_METERS", 5000),
			Limit:                getEnvAsInt("NEARBY_LIMIT", 100),
			Types:                getEnvAsSlice("NEARBY_TYPES", []string{"users", "venues", "marketplace", "checkins"}),
			RefreshInterval:      getEnvAsDuration("NEARBY_REFRESH_INTERVAL", 5*time.Minute),
			RefreshTimeout:       getEnvAsDuration("NEARBY_REFRESH_TIMEOUT", 15*time.Second),
			RejoinDistanceMeters: getEnvAsFloat("NEARBY_REJOIN_DISTANCE_METERS", 500),
			FillerPerKind:        getEnvAsInt("NEARBY_FILLER_PER_KIND", 0),
			FillerSpreadMeters:   getEnvAsFloat("NEARBY_FILLER_SPREAD_METERS", 1000),
		},
		NATS: NATSConfig{
			URL:            getEnv("NATS_URL", ""),
			SubjectPrefix:  getEnv("NATS_SUBJECT_PREFIX", "nomadnet"),
			MaxReconnects:  getEnvAsInt("NATS_MAX_RECONNECTS", 10),
			ReconnectWait:  getEnvAsDuration("NATS_RECONNECT_WAIT", 1*time.Second),
			ConnectTimeout: getEnvAsDuration("NATS_CONNECT_TIMEOUT", 2*time.Second),
		},
		Cache: CacheConfig{
			Dir:                getEnv("CACHE_DIR", ""),
			CheckpointInterval: getEnvAsDuration("CACHE_CHECKPOINT_INTERVAL", 30*time.Second),
		},
	}

	return config, validate(config)
}

// validate checks if config is valid
func validate(config Config) error {
	var errs []error

	if config.Environment != "development" {
		if config.Session.Token == "" {
			errs = append(errs, errors.New("SESSION_TOKEN must be set in non-development environments"))
		}
		if config.Backend.BaseURL == "" {
			errs = append(errs, errors.New("BACKEND_URL must be set in non-development environments"))
		}
	}
	if config.Gate.MovementThresholdMeters <= 0 {
		errs = append(errs, fmt.Errorf("gate movement threshold must be positive, got %v", config.Gate.MovementThresholdMeters))
	}
	if config.Gate.MinInterval <= 0 {
		errs = append(errs, fmt.Errorf("gate min interval must be positive, got %v", config.Gate.MinInterval))
	}
	if config.Nearby.RadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("nearby radius must be positive, got %v", config.Nearby.RadiusMeters))
	}
	if config.Realtime.MaxReconnectAttempts < 0 {
		errs = append(errs, errors.New("realtime reconnect attempts must not be negative"))
	}

	return errors.Join(errs...)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	parts := strings.Split(valueStr, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
