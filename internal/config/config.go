package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Storage drivers.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Server     ServerConfig
	Storage    string
	Database   DatabaseConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	RabbitMQ   RabbitMQConfig
	Slack      SlackConfig
	JWT        JWTConfig
	Audit      AuditConfig
	Threat     ThreatConfig
	Breaker    BreakerConfig
	Routes     RoutesConfig
	Log        LogConfig
	SelfHosted bool
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
	// UpstreamURL is the application the guard protects.
	UpstreamURL string
	// TrustProxy makes the first X-Forwarded-For hop the client address.
	TrustProxy bool
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings. An empty Addr disables Redis.
type RedisConfig struct {
	Addr      string
	Password  string //nolint:gosec // G117: Redis connection config
	DB        int
	Namespace string
}

// KafkaConfig enables the Kafka escalation sink when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// RabbitMQConfig enables the RabbitMQ escalation sink when URL is set.
type RabbitMQConfig struct {
	URL   string
	Queue string
}

// SlackConfig enables Slack alerts when both BotToken and Channel are set.
type SlackConfig struct {
	BotToken    string
	Channel     string
	MinSeverity string
}

// JWTConfig holds the bearer token verification secret.
type JWTConfig struct {
	Secret string //nolint:gosec // G117: JWT signing secret config
}

// AuditConfig holds audit chain settings.
type AuditConfig struct {
	Secret           string //nolint:gosec // G117: HMAC signing secret config
	EmergencyLogPath string
	AuditedPrefixes  []string
}

// ThreatConfig holds threat cache settings.
type ThreatConfig struct {
	TTL            time.Duration
	RapidThreshold int
	// RepeatWindow coalesces repeated deny and suspicious records per
	// identity. Negative disables coalescing.
	RepeatWindow time.Duration
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold  int
	ResetTimeout      time.Duration
	HalfOpenSuccesses int
}

// ClassLimit overrides the budget of one route class.
type ClassLimit struct {
	Class  string
	Limit  int
	Window time.Duration
}

// RoutesConfig holds route classification and class overrides.
type RoutesConfig struct {
	// Rules is a comma separated list of prefix=class pairs added to the
	// built-in table.
	Rules  string
	Limits []ClassLimit
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string
	Format string
}

// Load reads configuration from environment variables.
// Defaults are safe for local development only. In production,
// the JWT and audit secrets must be set explicitly.
func Load() (*Config, error) {
	readTimeout, err := getEnvDuration("BASTION_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("BASTION_SERVER_WRITE_TIMEOUT", 150*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	trustProxy, err := getEnvBool("BASTION_TRUST_PROXY", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbPort, err := getEnvInt("BASTION_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("BASTION_DB_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("BASTION_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	threatTTL, err := getEnvDuration("BASTION_THREAT_TTL", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	repeatWindow, err := getEnvDuration("BASTION_THREAT_REPEAT_WINDOW", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	rapidThreshold, err := getEnvInt("BASTION_THREAT_RAPID_THRESHOLD", 120)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	failureThreshold, err := getEnvInt("BASTION_BREAKER_FAILURE_THRESHOLD", 5)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	resetTimeout, err := getEnvDuration("BASTION_BREAKER_RESET_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	halfOpenSuccesses, err := getEnvInt("BASTION_BREAKER_HALF_OPEN_SUCCESSES", 3)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	classLimits, err := parseClassLimits(getEnv("BASTION_ROUTE_LIMITS", ""))
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	selfHosted, err := getEnvBool("BASTION_SELF_HOSTED", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:         getEnv("BASTION_SERVER_ADDR", ":8080"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			CORSOrigins:  getEnvList("BASTION_CORS_ORIGINS", []string{"http://localhost:5173"}),
			UpstreamURL:  getEnv("BASTION_UPSTREAM_URL", "http://localhost:3000"),
			TrustProxy:   trustProxy,
		},
		Storage: getEnv("BASTION_STORAGE", StoragePostgres),
		Database: DatabaseConfig{
			Host:     getEnv("BASTION_DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("BASTION_DB_USER", "bastion"),
			Password: getEnv("BASTION_DB_PASSWORD", ""),
			DBName:   getEnv("BASTION_DB_NAME", "bastion_dev"),
			SSLMode:  getEnv("BASTION_DB_SSLMODE", "disable"),
			MaxConns: dbMaxConns,
		},
		Redis: RedisConfig{
			Addr:      getEnv("BASTION_REDIS_ADDR", ""),
			Password:  getEnv("BASTION_REDIS_PASSWORD", ""),
			DB:        redisDB,
			Namespace: getEnv("BASTION_REDIS_NAMESPACE", "bastion"),
		},
		Kafka: KafkaConfig{
			Brokers: getEnvList("BASTION_KAFKA_BROKERS", nil),
			Topic:   getEnv("BASTION_KAFKA_TOPIC", "security.threats"),
		},
		RabbitMQ: RabbitMQConfig{
			URL:   getEnv("BASTION_RABBITMQ_URL", ""),
			Queue: getEnv("BASTION_RABBITMQ_QUEUE", "security.threats"),
		},
		Slack: SlackConfig{
			BotToken:    getEnv("BASTION_SLACK_BOT_TOKEN", ""),
			Channel:     getEnv("BASTION_SLACK_CHANNEL", ""),
			MinSeverity: getEnv("BASTION_SLACK_MIN_SEVERITY", "high"),
		},
		JWT: JWTConfig{
			Secret: getEnv("BASTION_JWT_SECRET", ""),
		},
		Audit: AuditConfig{
			Secret:           getEnv("BASTION_AUDIT_SECRET", ""),
			EmergencyLogPath: getEnv("BASTION_AUDIT_EMERGENCY_LOG", ""),
			AuditedPrefixes:  getEnvList("BASTION_AUDITED_PREFIXES", []string{"/api/v1/admin", "/api/v1/auth"}),
		},
		Threat: ThreatConfig{
			TTL:            threatTTL,
			RapidThreshold: rapidThreshold,
			RepeatWindow:   repeatWindow,
		},
		Breaker: BreakerConfig{
			FailureThreshold:  failureThreshold,
			ResetTimeout:      resetTimeout,
			HalfOpenSuccesses: halfOpenSuccesses,
		},
		Routes: RoutesConfig{
			Rules:  getEnv("BASTION_ROUTE_RULES", ""),
			Limits: classLimits,
		},
		Log: LogConfig{
			Level:  getEnv("BASTION_LOG_LEVEL", "info"),
			Format: getEnv("BASTION_LOG_FORMAT", "json"),
		},
		SelfHosted: selfHosted,
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	// Both secrets are required (no insecure default).
	if c.JWT.Secret == "" {
		return errors.New("BASTION_JWT_SECRET is required")
	}
	if len(c.JWT.Secret) < 32 {
		return errors.New("BASTION_JWT_SECRET must be at least 32 characters")
	}
	if c.Audit.Secret == "" {
		return errors.New("BASTION_AUDIT_SECRET is required")
	}
	if len(c.Audit.Secret) < 32 {
		return errors.New("BASTION_AUDIT_SECRET must be at least 32 characters")
	}
	if c.Audit.Secret == c.JWT.Secret {
		return errors.New("BASTION_AUDIT_SECRET must differ from BASTION_JWT_SECRET")
	}

	switch c.Storage {
	case StorageMemory:
		if !c.SelfHosted {
			log.Warn().Msg("BASTION_STORAGE=memory keeps the audit chain in process memory; records are lost on restart")
		}
	case StoragePostgres:
		if c.Database.SSLMode == "disable" && !c.SelfHosted {
			log.Warn().Msg("BASTION_DB_SSLMODE=disable is insecure for production; set to 'require' or 'verify-full'")
		}
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return fmt.Errorf("BASTION_DB_PORT must be 1-65535, got %d", c.Database.Port)
		}
		if c.Database.MaxConns < 1 {
			return fmt.Errorf("BASTION_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
		}
	default:
		return fmt.Errorf("BASTION_STORAGE must be %q or %q, got %q", StorageMemory, StoragePostgres, c.Storage)
	}

	u, err := url.Parse(c.Server.UpstreamURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("BASTION_UPSTREAM_URL must be an absolute URL, got %q", c.Server.UpstreamURL)
	}

	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("BASTION_SERVER_READ_TIMEOUT must be positive, got %s", c.Server.ReadTimeout)
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("BASTION_SERVER_WRITE_TIMEOUT must be positive, got %s", c.Server.WriteTimeout)
	}
	if c.Threat.TTL <= 0 {
		return fmt.Errorf("BASTION_THREAT_TTL must be positive, got %s", c.Threat.TTL)
	}
	if c.Threat.RapidThreshold < 1 {
		return fmt.Errorf("BASTION_THREAT_RAPID_THRESHOLD must be >= 1, got %d", c.Threat.RapidThreshold)
	}
	if c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("BASTION_BREAKER_FAILURE_THRESHOLD must be >= 1, got %d", c.Breaker.FailureThreshold)
	}
	if c.Breaker.ResetTimeout <= 0 {
		return fmt.Errorf("BASTION_BREAKER_RESET_TIMEOUT must be positive, got %s", c.Breaker.ResetTimeout)
	}
	if c.Breaker.HalfOpenSuccesses < 1 {
		return fmt.Errorf("BASTION_BREAKER_HALF_OPEN_SUCCESSES must be >= 1, got %d", c.Breaker.HalfOpenSuccesses)
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		return errors.New("BASTION_KAFKA_TOPIC is required when brokers are configured")
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// parseClassLimits parses "class=limit/window" pairs, e.g. "auth=10/15m,api=200/1m".
func parseClassLimits(s string) ([]ClassLimit, error) {
	var out []ClassLimit
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		class, budget, ok := strings.Cut(part, "=")
		if !ok || strings.TrimSpace(class) == "" {
			return nil, fmt.Errorf("parsing BASTION_ROUTE_LIMITS entry %q: want class=limit/window", part)
		}
		limitStr, windowStr, ok := strings.Cut(budget, "/")
		if !ok {
			return nil, fmt.Errorf("parsing BASTION_ROUTE_LIMITS entry %q: want class=limit/window", part)
		}
		limit, err := strconv.Atoi(strings.TrimSpace(limitStr))
		if err != nil || limit < 1 {
			return nil, fmt.Errorf("parsing BASTION_ROUTE_LIMITS entry %q: limit must be a positive integer", part)
		}
		window, err := time.ParseDuration(strings.TrimSpace(windowStr))
		if err != nil || window <= 0 {
			return nil, fmt.Errorf("parsing BASTION_ROUTE_LIMITS entry %q: window must be a positive duration", part)
		}
		out = append(out, ClassLimit{Class: strings.TrimSpace(class), Limit: limit, Window: window})
	}
	return out, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
