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

// Store drivers accepted by STORE_DRIVER
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	SQLite        SQLiteConfig
	App           AppConfig
	Cache         CacheConfig
	Broker        BrokerConfig
	Observability ObservabilityConfig
	Housekeeping  HousekeepingConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Driver   string
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	Migrate  bool
}

// SQLiteConfig holds the DSN used when Driver is sqlite.
// A libsql:// or wss:// DSN selects the libsql driver.
type SQLiteConfig struct {
	DSN string
}

// Redis Caching Layer configuration
type CacheConfig struct {
	Enabled  bool
	Host     string
	Port     string
	User     string
	Password string
	TTL      time.Duration
}

// BrokerConfig holds RabbitMQ settings for click event fan-out.
// An empty URL disables publishing.
type BrokerConfig struct {
	URL        string
	ClickQueue string
}

// ObservabilityConfig holds logging, tracing and metrics settings
type ObservabilityConfig struct {
	ServiceName   string
	Environment   string
	OTLPEndpoint  string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxAgeDays int
}

// HousekeepingConfig controls the purge of long-expired mappings
type HousekeepingConfig struct {
	Interval  time.Duration
	Retention time.Duration
}

// AppConfig holds application-specific configuration
type AppConfig struct {
	BaseURL                string // Base URL for generating short links
	DefaultValidityMinutes int
	ShortCodeLen           int
	ShortCodeRetries       int
	MaxAliasLen            int
	MinAliasLen            int
	MaxBatchSize           int
	AllowedSchemes         []string
	LocationHeader         string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	_ = godotenv.Load()
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			ReadTimeout:     getEnvDuration("SERVER_READ_TIMEOUT", 10*time.Second),
			WriteTimeout:    getEnvDuration("SERVER_WRITE_TIMEOUT", 10*time.Second),
			IdleTimeout:     getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Driver:   strings.ToLower(getEnv("STORE_DRIVER", DriverPostgres)),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "zhejian"),
			Password: getEnv("DB_PASSWORD", "zhejian_secret"),
			DBName:   getEnv("DB_NAME", "shortlink"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			Migrate:  getEnvBool("DB_MIGRATE", true),
		},
		SQLite: SQLiteConfig{
			DSN: getEnv("SQLITE_DSN", "file:shortlink.db"),
		},
		Cache: CacheConfig{
			Enabled:  getEnvBool("CACHE_ENABLED", true),
			Host:     getEnv("RDB_HOST", "localhost"),
			Port:     getEnv("RDB_PORT", "6379"),
			User:     getEnv("RDB_USER", ""),
			Password: getEnv("RDB_PASSWORD", "zhejian"),
			TTL:      getEnvDuration("CACHE_TTL", 10*time.Minute),
		},
		Broker: BrokerConfig{
			URL:        getEnv("AMQP_URL", ""),
			ClickQueue: getEnv("CLICK_QUEUE", "click_events"),
		},
		Observability: ObservabilityConfig{
			ServiceName:   getEnv("SERVICE_NAME", "shortlink"),
			Environment:   getEnv("ENVIRONMENT", "development"),
			OTLPEndpoint:  getEnv("OTLP_ENDPOINT", ""),
			LogFile:       getEnv("LOG_FILE", ""),
			LogMaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
			LogMaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 7),
		},
		Housekeeping: HousekeepingConfig{
			Interval:  getEnvDuration("HOUSEKEEPING_INTERVAL", 10*time.Minute),
			Retention: getEnvDuration("EXPIRED_RETENTION", 24*time.Hour),
		},
		App: AppConfig{
			BaseURL:                strings.TrimSuffix(getEnv("BASE_URL", "http://localhost:8080"), "/"),
			DefaultValidityMinutes: getEnvInt("DEFAULT_VALIDITY_MINUTES", 30),
			ShortCodeLen:           getEnvInt("SHORT_CODE_LENGTH", 6),
			ShortCodeRetries:       getEnvInt("SHORT_CODE_MAX_RETRIES", 10),
			MaxAliasLen:            getEnvInt("MAX_ALIAS_LENGTH", 20),
			MinAliasLen:            getEnvInt("MIN_ALIAS_LENGTH", 3),
			MaxBatchSize:           getEnvInt("MAX_BATCH_SIZE", 5),
			AllowedSchemes:         getEnvList("ALLOWED_SCHEMES", []string{"http", "https"}),
			LocationHeader:         getEnv("LOCATION_HEADER", "X-Location-Hint"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot work at runtime
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPostgres, DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.Database.Driver)
	}
	if c.App.ShortCodeLen <= 0 {
		return errors.New("config: SHORT_CODE_LENGTH must be positive")
	}
	if c.App.ShortCodeRetries <= 0 {
		return errors.New("config: SHORT_CODE_MAX_RETRIES must be positive")
	}
	if c.App.DefaultValidityMinutes <= 0 {
		return errors.New("config: DEFAULT_VALIDITY_MINUTES must be positive")
	}
	if c.App.MinAliasLen <= 0 || c.App.MaxAliasLen < c.App.MinAliasLen {
		return fmt.Errorf("config: invalid alias length range [%d, %d]", c.App.MinAliasLen, c.App.MaxAliasLen)
	}
	if c.App.MaxBatchSize <= 0 {
		return errors.New("config: MAX_BATCH_SIZE must be positive")
	}
	if len(c.App.AllowedSchemes) == 0 {
		return errors.New("config: ALLOWED_SCHEMES must not be empty")
	}
	if c.Housekeeping.Interval <= 0 {
		return errors.New("config: HOUSEKEEPING_INTERVAL must be positive")
	}
	// A negative retention would move the purge cutoff past now
	if c.Housekeeping.Retention < 0 {
		return errors.New("config: EXPIRED_RETENTION must not be negative")
	}
	return nil
}

type ConnectionInterface interface {
	ConnectionString() string
}

// ConnectionString returns the PostgreSQL connection string
func (d *DatabaseConfig) ConnectionString() string {
	connectionString := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", d.User, d.Password, d.Host, d.Port, d.DBName, d.SSLMode)
	return connectionString
}

func (c *CacheConfig) ConnectionString() string {
	connectionString := fmt.Sprintf("redis://%s:%s@%s:%s/0", c.User, c.Password, c.Host, c.Port)
	return connectionString
}

func getEnv(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvList splits a comma separated value, dropping empty items
func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.ToLower(strings.TrimSpace(item)); item != "" {
			out = append(out, item)
		}
	}
	return out
}
