// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Transport backends.
const (
	BackendFTP   = "ftp"
	BackendLocal = "local"
)

// Catalog backends.
const (
	CatalogMemory   = "memory"
	CatalogPostgres = "postgres"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Auth
	JWTSecret string
	TokenTTL  time.Duration
	SeedUsers string

	// Remote store ("ftp" or "local", default: "ftp")
	TransportBackend      string
	FTPHost               string
	FTPUser               string
	FTPPassword           string
	FTPTLS                string // explicit, implicit, none
	FTPInsecureSkipVerify bool
	RemoteRoot            string
	LocalRemotePath       string
	MaxSessions           int64 // concurrent remote sessions, 0 = unlimited

	// Timeouts
	ConnectTimeout      time.Duration
	TransferTimeout     time.Duration // uploads and remote listings
	DownloadIdleTimeout time.Duration // longest silence during a download

	// Uploads
	StagingDir       string
	MaxUploadSize    int64
	UploadsPerMinute int

	// Catalog ("memory" or "postgres", default: "memory")
	CatalogBackend string
	DatabaseURL    string
}

// DefaultSeedUsers mirrors the two accounts the service has always shipped with.
const DefaultSeedUsers = "admin:adminpass:Super Admin:admin,testuser:testpass:Test User:user"

// Load reads configuration from environment variables with defaults.
// A .env file in the working directory is applied first; variables already
// present in the environment win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:            envOr("LISTEN_ADDR", ":5000"),
		MetricsAddr:           envOr("METRICS_ADDR", ":9090"),
		LogLevel:              envOr("LOG_LEVEL", "info"),
		LogFormat:             envOr("LOG_FORMAT", "json"),
		JWTSecret:             envOr("JWT_SECRET", ""),
		TokenTTL:              envDuration("TOKEN_TTL", time.Hour),
		SeedUsers:             envOr("SEED_USERS", DefaultSeedUsers),
		TransportBackend:      strings.ToLower(envOr("TRANSPORT_BACKEND", BackendFTP)),
		FTPHost:               envOr("FTP_HOST", ""),
		FTPUser:               envOr("FTP_USER", "anonymous"),
		FTPPassword:           envOr("FTP_PASSWORD", ""),
		FTPTLS:                strings.ToLower(envOr("FTP_TLS", "explicit")),
		FTPInsecureSkipVerify: envBool("FTP_TLS_INSECURE_SKIP_VERIFY", true),
		RemoteRoot:            envOr("FTP_ROOT", "/files"),
		LocalRemotePath:       envOr("LOCAL_REMOTE_PATH", "./data/remote"),
		MaxSessions:           envInt64("FTP_MAX_SESSIONS", 8),
		ConnectTimeout:        envDuration("CONNECT_TIMEOUT", 15*time.Second),
		TransferTimeout:       envDuration("TRANSFER_TIMEOUT", 10*time.Minute),
		DownloadIdleTimeout:   envDuration("DOWNLOAD_IDLE_TIMEOUT", time.Minute),
		StagingDir:            envOr("STAGING_DIR", "uploads"),
		MaxUploadSize:         envInt64("MAX_UPLOAD_SIZE", 100*1024*1024), // 100MB default
		UploadsPerMinute:      envInt("UPLOADS_PER_MINUTE", 0),            // 0 = unlimited
		CatalogBackend:        strings.ToLower(envOr("CATALOG_BACKEND", CatalogMemory)),
		DatabaseURL:           envOr("DATABASE_URL", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings and enumerated values.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}

	switch c.TransportBackend {
	case BackendFTP:
		if c.FTPHost == "" {
			return fmt.Errorf("FTP_HOST is required when TRANSPORT_BACKEND=ftp")
		}
		switch c.FTPTLS {
		case "explicit", "implicit", "none":
		default:
			return fmt.Errorf("FTP_TLS must be explicit, implicit or none, got %q", c.FTPTLS)
		}
	case BackendLocal:
		if c.LocalRemotePath == "" {
			return fmt.Errorf("LOCAL_REMOTE_PATH is required when TRANSPORT_BACKEND=local")
		}
	default:
		return fmt.Errorf("unknown TRANSPORT_BACKEND: %s", c.TransportBackend)
	}

	switch c.CatalogBackend {
	case CatalogMemory:
	case CatalogPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when CATALOG_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("unknown CATALOG_BACKEND: %s", c.CatalogBackend)
	}

	if !strings.HasPrefix(c.RemoteRoot, "/") {
		return fmt.Errorf("FTP_ROOT must be absolute, got %q", c.RemoteRoot)
	}
	if c.MaxSessions < 0 {
		return fmt.Errorf("FTP_MAX_SESSIONS must not be negative")
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
