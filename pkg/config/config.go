package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Lens types recognised by the national scheme's optical benefit
const (
	LensTypeSingleVision = "SINGLE_VISION"
	LensTypeBifocal      = "BIFOCAL"
	LensTypeProgressive  = "PROGRESSIVE"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Insurer  InsurerConfig
	Coverage CoverageConfig
	Routing  RoutingConfig
	Audit    AuditConfig
	OTEL     OTELConfig
	Log      LogConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string
	Port           int
	AllowedOrigins []string
	// StreamHeartbeat is the interval between SSE heartbeats on stage streams
	StreamHeartbeat time.Duration
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	// AutoMigrate applies the embedded schema migrations at startup
	AutoMigrate bool
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// InsurerConfig holds the national insurer authorization API settings
type InsurerConfig struct {
	BaseURL  string
	Username string
	Password string
	// VerifyTimeout bounds one whole verification, including token
	// acquisition and the single 401 retry.
	VerifyTimeout time.Duration
	// TokenFetchTimeout bounds one call to the token endpoint.
	TokenFetchTimeout time.Duration
	// TokenExpirySkew treats a token as expired this long before the
	// insurer's stated expiry.
	TokenExpirySkew time.Duration
	TokenCacheKey   string
}

// CoverageConfig holds scheme coverage caps. Amounts are in the billing
// currency's major unit.
type CoverageConfig struct {
	FrameCap              float64
	LensCaps              map[string]float64
	MaxTotalReimbursement float64
}

// RoutingConfig holds the clinical routing heuristic settings
type RoutingConfig struct {
	MedicationKeywords []string
}

// AuditConfig holds audit dispatcher settings
type AuditConfig struct {
	BufferSize int
}

// OTELConfig holds OpenTelemetry configuration
type OTELConfig struct {
	ServiceName    string
	ServiceVersion string
	Endpoint       string
	Enabled        bool
}

// LogConfig holds logger configuration
type LogConfig struct {
	Env   string
	Level string
}

// Load loads configuration from environment variables. A .env file in the
// working directory is read first when present; real environment variables
// take precedence over it.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
			Port: getEnvAsInt("SERVER_PORT", 8080),

			AllowedOrigins:  getEnvAsList("ALLOWED_ORIGINS", []string{"*"}),
			StreamHeartbeat: getEnvAsDuration("STREAM_HEARTBEAT", 30*time.Second),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvAsInt("DB_PORT", 5432),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "clinicflow"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),

			AutoMigrate: getEnvAsBool("DB_AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvAsInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Insurer: InsurerConfig{
			BaseURL:           getEnv("INSURER_BASE_URL", "https://verification.nhif.or.tz/NHIFService"),
			Username:          getEnv("INSURER_USERNAME", ""),
			Password:          getEnv("INSURER_PASSWORD", ""),
			VerifyTimeout:     getEnvAsDuration("INSURER_VERIFY_TIMEOUT", 20*time.Second),
			TokenFetchTimeout: getEnvAsDuration("INSURER_TOKEN_TIMEOUT", 10*time.Second),
			TokenExpirySkew:   getEnvAsDuration("INSURER_TOKEN_EXPIRY_SKEW", 60*time.Second),
			TokenCacheKey:     getEnv("INSURER_TOKEN_CACHE_KEY", "insurer:token"),
		},
		Coverage: CoverageConfig{
			FrameCap: getEnvAsFloat("COVERAGE_FRAME_CAP", 30000),
			LensCaps: map[string]float64{
				LensTypeSingleVision: getEnvAsFloat("COVERAGE_LENS_CAP_SINGLE_VISION", 20000),
				LensTypeBifocal:      getEnvAsFloat("COVERAGE_LENS_CAP_BIFOCAL", 35000),
				LensTypeProgressive:  getEnvAsFloat("COVERAGE_LENS_CAP_PROGRESSIVE", 60000),
			},
			MaxTotalReimbursement: getEnvAsFloat("COVERAGE_MAX_TOTAL_REIMBURSEMENT", 100000),
		},
		Routing: RoutingConfig{
			MedicationKeywords: getEnvAsList("ROUTING_MEDICATION_KEYWORDS", DefaultMedicationKeywords),
		},
		Audit: AuditConfig{
			BufferSize: getEnvAsInt("AUDIT_BUFFER_SIZE", 256),
		},
		OTEL: OTELConfig{
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "clinicflow"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "1.0.0"),
			Endpoint:       getEnv("OTEL_ENDPOINT", ""),
			Enabled:        getEnvAsBool("OTEL_ENABLED", false),
		},
		Log: LogConfig{
			Env:   getEnv("APP_ENV", "production"),
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.Coverage.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultMedicationKeywords are the treatment-plan terms that signal a
// pharmacy hand-off when no explicit flag or medication list is given.
var DefaultMedicationKeywords = []string{
	"drop", "tablet", "capsule", "ointment", "syrup", "medication",
	"medicine", "prescribe", "antibiotic", "gel",
}

// Validate rejects negative caps
func (c *CoverageConfig) Validate() error {
	if c.FrameCap < 0 {
		return fmt.Errorf("coverage frame cap must not be negative: %v", c.FrameCap)
	}
	if c.MaxTotalReimbursement < 0 {
		return fmt.Errorf("coverage max total reimbursement must not be negative: %v", c.MaxTotalReimbursement)
	}
	for lensType, limit := range c.LensCaps {
		if limit < 0 {
			return fmt.Errorf("coverage lens cap for %s must not be negative: %v", lensType, limit)
		}
	}
	return nil
}

// DatabaseDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
