package configs

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Cache       CacheConfig
	Maintenance MaintenanceConfig
	RateLimit   RateLimitConfig
	Log         LogConfig
}

type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	TLSCertFile  string
	TLSKeyFile   string
	// AllowedOrigins enables CORS for the listed origins when non-empty.
	AllowedOrigins []string
	Environment    string
}

type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	DSN      string
	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// MigrationsPath overrides the embedded migrations when set.
	MigrationsPath string
}

type CacheConfig struct {
	Table             string
	KeyPrefix         string
	Version           int
	DefaultTimeout    time.Duration
	CompressMinLength int
	CompressLevel     int
	CullProbability   float64
	MaxEntries        int // -1 for unlimited
	CullFrequency     int
	// CreateTable creates Table on startup when it is missing.
	CreateTable bool
}

type MaintenanceConfig struct {
	CullInterval    time.Duration // 0 disables the background cull
	LockTimeout     time.Duration
	ThrottleRunning int64 // Threads_running ceiling before a cull; 0 disables
}

// RateLimitConfig limits API requests per client IP using counters stored in
// the cache itself.
type RateLimitConfig struct {
	RequestsPerWindow int // 0 disables rate limiting
	BurstMultiplier   float64
	Window            time.Duration
	KeyPrefix         string
}

type LogConfig struct {
	Level  string
	Format string // json or text
}

func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host:           getEnv("SERVER_HOST", "0.0.0.0"),
			Port:           getEnv("SERVER_PORT", "8080"),
			ReadTimeout:    getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:   getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:    getDurationEnv("SERVER_IDLE_TIMEOUT", 120*time.Second),
			TLSCertFile:    getEnv("TLS_CERT_FILE", ""),
			TLSKeyFile:     getEnv("TLS_KEY_FILE", ""),
			AllowedOrigins: getListEnv("ALLOWED_ORIGINS"),
			Environment:    getEnv("ENVIRONMENT", "development"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "3306"),
			User:            getEnv("DB_USER", "root"),
			Password:        getEnv("DB_PASSWORD", ""),
			DBName:          getEnv("DB_NAME", "cache"),
			DSN:             getEnv("DB_DSN", ""),
			MaxOpenConns:    getIntEnv("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getIntEnv("DB_MAX_IDLE_CONNS", 25),
			ConnMaxLifetime: getDurationEnv("DB_CONN_MAX_LIFETIME", 30*time.Minute),
			ConnMaxIdleTime: getDurationEnv("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),
			MigrationsPath:  getEnv("DB_MIGRATIONS_PATH", ""),
		},
		Cache: CacheConfig{
			Table:             getEnv("CACHE_TABLE", "mysql_cache"),
			KeyPrefix:         getEnv("CACHE_KEY_PREFIX", ""),
			Version:           getIntEnv("CACHE_VERSION", 1),
			DefaultTimeout:    getDurationEnv("CACHE_TIMEOUT", 300*time.Second),
			CompressMinLength: getIntEnv("CACHE_COMPRESS_MIN_LENGTH", 5000),
			CompressLevel:     getIntEnv("CACHE_COMPRESS_LEVEL", 6),
			CullProbability:   getFloatEnv("CACHE_CULL_PROBABILITY", 0.01),
			MaxEntries:        getIntEnv("CACHE_MAX_ENTRIES", -1),
			CullFrequency:     getIntEnv("CACHE_CULL_FREQUENCY", 3),
			CreateTable:       getBoolEnv("CACHE_CREATE_TABLE", false),
		},
		Maintenance: MaintenanceConfig{
			CullInterval:    getDurationEnv("CACHE_CULL_INTERVAL", 5*time.Minute),
			LockTimeout:     getDurationEnv("CACHE_CULL_LOCK_TIMEOUT", 0),
			ThrottleRunning: int64(getIntEnv("CACHE_CULL_THROTTLE_RUNNING", 0)),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getIntEnv("RATE_LIMIT_REQUESTS", 0),
			BurstMultiplier:   getFloatEnv("RATE_LIMIT_BURST_MULTIPLIER", 1),
			Window:            getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
			KeyPrefix:         getEnv("RATE_LIMIT_KEY_PREFIX", "ratelimit"),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
	}

	if cfg.Database.DSN == "" {
		cfg.Database.DSN = cfg.Database.FormatDSN()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FormatDSN builds a go-sql-driver/mysql DSN from the discrete fields.
func (d DatabaseConfig) FormatDSN() string {
	mc := mysql.NewConfig()
	mc.User = d.User
	mc.Passwd = d.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(d.Host, d.Port)
	mc.DBName = d.DBName
	return mc.FormatDSN()
}

// Validate checks the ranges the cache accepts.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Cache.Table) == "" {
		problems = append(problems, "CACHE_TABLE must not be empty")
	}
	if c.Cache.CompressLevel < 0 || c.Cache.CompressLevel > 9 {
		problems = append(problems, "CACHE_COMPRESS_LEVEL must be 0-9")
	}
	if c.Cache.CompressMinLength < 0 {
		problems = append(problems, "CACHE_COMPRESS_MIN_LENGTH must not be negative")
	}
	if c.Cache.CullProbability < 0 || c.Cache.CullProbability > 1 {
		problems = append(problems, "CACHE_CULL_PROBABILITY must be 0-1")
	}
	if c.Cache.CullFrequency < 0 {
		problems = append(problems, "CACHE_CULL_FREQUENCY must not be negative")
	}
	if c.Cache.MaxEntries < -1 || c.Cache.MaxEntries == 0 {
		problems = append(problems, "CACHE_MAX_ENTRIES must be positive or -1")
	}
	if c.RateLimit.RequestsPerWindow < 0 {
		problems = append(problems, "RATE_LIMIT_REQUESTS must not be negative")
	}
	if c.RateLimit.RequestsPerWindow > 0 && c.RateLimit.Window <= 0 {
		problems = append(problems, "RATE_LIMIT_WINDOW must be positive")
	}
	if c.Maintenance.CullInterval < 0 {
		problems = append(problems, "CACHE_CULL_INTERVAL must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getFloatEnv(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getListEnv(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
