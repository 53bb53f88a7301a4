package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	DIMSE    DIMSEConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Cache    CacheConfig
	Log      LogConfig
	Metrics  MetricsConfig
	CORS     CORSConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DIMSEConfig holds configuration for the DICOM listener and outbound associations
type DIMSEConfig struct {
	// Enabled starts the SCP listener
	Enabled         bool
	Host            string
	Port            int
	AETitle         string
	CallingAETitle  string
	MaxPDULength    uint32
	Timeout         time.Duration
	MaxAssociations int
	Workers         int
	PoolSize        int
	PoolIdleTimeout time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	LogLevel string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// CacheConfig holds query result cache configuration
type CacheConfig struct {
	Enabled bool
	Type    string // redis or memory
	TTL     time.Duration
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string
	Format string
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// Load reads configuration from the environment, loading a .env file first if present
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	} else if err == nil {
		log.Debug().Msg("Loaded .env file")
	}

	r := &reader{}
	cfg := &Config{
		Server: ServerConfig{
			Host:         r.str("SERVER_HOST", "0.0.0.0"),
			Port:         r.integer("SERVER_PORT", 8080),
			ReadTimeout:  r.duration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: r.duration("SERVER_WRITE_TIMEOUT", 120*time.Second),
		},
		DIMSE: DIMSEConfig{
			Enabled:         r.boolean("DIMSE_ENABLED", true),
			Host:            r.str("DIMSE_HOST", "0.0.0.0"),
			Port:            r.integer("DIMSE_PORT", 11112),
			AETitle:         r.str("DIMSE_AE_TITLE", "RIS_SCP"),
			CallingAETitle:  r.str("DIMSE_CALLING_AE_TITLE", "RIS_SCU"),
			MaxPDULength:    uint32(r.integer("DIMSE_MAX_PDU_LENGTH", 16384)),
			Timeout:         r.duration("DIMSE_TIMEOUT", 30*time.Second),
			MaxAssociations: r.integer("DIMSE_MAX_ASSOCIATIONS", 32),
			Workers:         r.integer("DIMSE_WORKERS", 16),
			PoolSize:        r.integer("DIMSE_POOL_SIZE", 5),
			PoolIdleTimeout: r.duration("DIMSE_POOL_IDLE_TIMEOUT", 5*time.Minute),
		},
		Database: DatabaseConfig{
			Host:     r.str("DB_HOST", "localhost"),
			Port:     r.integer("DB_PORT", 5432),
			User:     r.str("DB_USER", "postgres"),
			Password: r.str("DB_PASSWORD", ""),
			DBName:   r.str("DB_NAME", "ris_dimse_node"),
			SSLMode:  r.str("DB_SSLMODE", "disable"),
			LogLevel: r.str("DB_LOG_LEVEL", "warn"),

			MaxOpenConns:    r.integer("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    r.integer("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: r.duration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:     r.str("REDIS_HOST", "localhost"),
			Port:     r.integer("REDIS_PORT", 6379),
			Password: r.str("REDIS_PASSWORD", ""),
			DB:       r.integer("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Enabled: r.boolean("CACHE_ENABLED", true),
			Type:    r.str("CACHE_TYPE", "memory"),
			TTL:     r.duration("CACHE_TTL", 5*time.Minute),
		},
		Log: LogConfig{
			Level:  r.str("LOG_LEVEL", "info"),
			Format: r.str("LOG_FORMAT", "json"),
		},
		Metrics: MetricsConfig{
			Enabled: r.boolean("METRICS_ENABLED", true),
		},
		CORS: CORSConfig{
			AllowedOrigins: r.list("CORS_ALLOWED_ORIGINS", []string{"*"}),
			AllowedMethods: r.list("CORS_ALLOWED_METHODS", []string{"GET", "POST", "DELETE", "OPTIONS"}),
			AllowedHeaders: r.list("CORS_ALLOWED_HEADERS", []string{"Accept", "Content-Type", "X-Tenant-ID", "X-Request-ID"}),
		},
	}

	if len(r.errs) > 0 {
		return nil, errors.Join(r.errs...)
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	if c.DIMSE.Port <= 0 || c.DIMSE.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid DIMSE port: %d", c.DIMSE.Port))
	}
	if err := validateAETitle("DIMSE_AE_TITLE", c.DIMSE.AETitle); err != nil {
		errs = append(errs, err)
	}
	if err := validateAETitle("DIMSE_CALLING_AE_TITLE", c.DIMSE.CallingAETitle); err != nil {
		errs = append(errs, err)
	}
	if c.DIMSE.MaxPDULength < 4096 {
		errs = append(errs, fmt.Errorf("DIMSE max PDU length %d is below 4096", c.DIMSE.MaxPDULength))
	}
	if c.DIMSE.Workers <= 0 {
		errs = append(errs, fmt.Errorf("DIMSE workers must be positive, got %d", c.DIMSE.Workers))
	}
	if c.DIMSE.Timeout <= 0 {
		errs = append(errs, errors.New("DIMSE timeout must be positive"))
	}
	if c.Database.MaxOpenConns <= 0 {
		errs = append(errs, fmt.Errorf("DB_MAX_OPEN_CONNS must be positive, got %d", c.Database.MaxOpenConns))
	}
	if c.Cache.Type != "redis" && c.Cache.Type != "memory" {
		errs = append(errs, fmt.Errorf("unsupported cache type: %s", c.Cache.Type))
	}

	return errors.Join(errs...)
}

func validateAETitle(name, title string) error {
	if title == "" || len(title) > 16 {
		return fmt.Errorf("%s must be 1-16 characters, got %q", name, title)
	}
	return nil
}

// reader collects parse errors so Load reports all of them at once
type reader struct {
	errs []error
}

func (r *reader) str(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func (r *reader) integer(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return fallback
	}
	return n
}

func (r *reader) boolean(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
		return fallback
	}
	return b
}

func (r *reader) duration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return fallback
	}
	return d
}

func (r *reader) list(key string, fallback []string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
