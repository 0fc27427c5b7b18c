package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config captures all runtime configuration for the wallet bridge and the
// development SIWE backend.
type Config struct {
	App       AppConfig
	HTTP      HTTPConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Protocol  ProtocolConfig
	RateLimit RateLimitConfig
	Dedup     DedupConfig
	Timeouts  TimeoutConfig
	Auth      AuthConfig
	API       APIConfig
	Retry     RetryConfig
}

// AppConfig contains generic application level settings.
type AppConfig struct {
	Env      string
	LogLevel string
}

// HTTPConfig controls the page channel listener and the origins it trusts.
type HTTPConfig struct {
	Addr           string
	AllowedOrigins []string
	TargetOrigin   string
}

// RedisConfig locates the persistent storage tier. An empty address keeps the
// persistent tier in memory.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// KafkaConfig defines the broadcast transport. Broadcasting over Kafka is
// disabled when no brokers are configured.
type KafkaConfig struct {
	Brokers        []string
	BroadcastTopic string
	ConsumerGroup  string
}

// ProtocolConfig toggles envelope validation in the router.
type ProtocolConfig struct {
	ValidateVersion   bool
	ValidateTimestamp bool
	MaxMessageAge     time.Duration
	LogCapacity       int
}

// RateLimitConfig holds the in-memory bucket and durable cooldown settings.
type RateLimitConfig struct {
	MaxTokens      float64
	RefillRate     float64
	MethodCooldown time.Duration
	GCInterval     time.Duration
}

// DedupConfig controls stale in-flight entry purging.
type DedupConfig struct {
	Timeout time.Duration
}

// TimeoutConfig contains deadlines for cross-context calls.
type TimeoutConfig struct {
	Wallet              time.Duration
	Request             time.Duration
	HealthCheck         time.Duration
	HealthCheckCooldown time.Duration
}

// AuthConfig controls the authentication flow.
type AuthConfig struct {
	FlowTTL        time.Duration
	AuthPageURL    string
	DefaultChainID int64
	MaxConcurrency int
}

// APIConfig locates the SIWE backend.
type APIConfig struct {
	BaseURL    string
	ListenAddr string
	Domain     string
	URI        string
	Statement  string
	SessionTTL time.Duration
}

// RetryConfig controls API retry and backoff behaviour.
type RetryConfig struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Load reads environment variables, applies defaults, validates required
// values and returns a populated Config instance.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ldr := &envLoader{}

	cfg := &Config{}
	cfg.App.Env = ldr.getString("APP_ENV", "development", false)
	cfg.App.LogLevel = ldr.getString("LOG_LEVEL", "info", false)

	cfg.HTTP.Addr = ldr.getString("HTTP_ADDR", ":8080", false)
	cfg.HTTP.AllowedOrigins = ldr.getStringSlice("ALLOWED_ORIGINS", true)
	cfg.HTTP.TargetOrigin = ldr.getString("TARGET_ORIGIN", "", false)

	cfg.Redis.Addr = ldr.getString("REDIS_ADDR", "", false)
	cfg.Redis.Password = ldr.getString("REDIS_PASSWORD", "", false)
	cfg.Redis.DB = ldr.getInt("REDIS_DB", 0, false)
	cfg.Redis.Prefix = ldr.getString("REDIS_PREFIX", "wallet-bridge:", false)

	cfg.Kafka.Brokers = ldr.getStringSlice("KAFKA_BROKERS", false)
	cfg.Kafka.BroadcastTopic = ldr.getString("KAFKA_BROADCAST_TOPIC", "wallet-bridge.broadcast", false)
	cfg.Kafka.ConsumerGroup = ldr.getString("KAFKA_CONSUMER_GROUP", "wallet-bridge", false)

	cfg.Protocol.ValidateVersion = ldr.getBool("PROTOCOL_VALIDATE_VERSION", true, false)
	cfg.Protocol.ValidateTimestamp = ldr.getBool("PROTOCOL_VALIDATE_TIMESTAMP", true, false)
	cfg.Protocol.MaxMessageAge = ldr.getDuration("PROTOCOL_MAX_MESSAGE_AGE", 30*time.Second, false)
	cfg.Protocol.LogCapacity = ldr.getInt("PROTOCOL_LOG_CAPACITY", 100, false)

	cfg.RateLimit.MaxTokens = float64(ldr.getInt("RATE_LIMIT_MAX_TOKENS", 20, false))
	cfg.RateLimit.RefillRate = float64(ldr.getInt("RATE_LIMIT_REFILL_PER_SECOND", 5, false))
	cfg.RateLimit.MethodCooldown = ldr.getDuration("RATE_LIMIT_METHOD_COOLDOWN", time.Second, false)
	cfg.RateLimit.GCInterval = ldr.getDuration("RATE_LIMIT_GC_INTERVAL", time.Minute, false)

	cfg.Dedup.Timeout = ldr.getDuration("DEDUP_TIMEOUT", 60*time.Second, false)

	cfg.Timeouts.Wallet = ldr.getDuration("WALLET_TIMEOUT", 45*time.Second, false)
	cfg.Timeouts.Request = ldr.getDuration("REQUEST_TIMEOUT", 60*time.Second, false)
	cfg.Timeouts.HealthCheck = ldr.getDuration("HEALTH_CHECK_TIMEOUT", 2*time.Second, false)
	cfg.Timeouts.HealthCheckCooldown = ldr.getDuration("HEALTH_CHECK_COOLDOWN", 5*time.Second, false)

	cfg.Auth.FlowTTL = ldr.getDuration("AUTH_FLOW_TTL", 5*time.Minute, false)
	cfg.Auth.AuthPageURL = ldr.getString("AUTH_PAGE_URL", "", false)
	cfg.Auth.DefaultChainID = int64(ldr.getInt("DEFAULT_CHAIN_ID", 1, false))
	cfg.Auth.MaxConcurrency = ldr.getInt("BACKGROUND_MAX_CONCURRENCY", 8, false)

	cfg.API.BaseURL = ldr.getString("API_BASE_URL", "http://localhost:8081", false)
	cfg.API.ListenAddr = ldr.getString("SIWE_API_ADDR", ":8081", false)
	cfg.API.Domain = ldr.getString("SIWE_DOMAIN", "localhost", false)
	cfg.API.URI = ldr.getString("SIWE_URI", "http://localhost", false)
	cfg.API.Statement = ldr.getString("SIWE_STATEMENT", "Sign in with Ethereum.", false)
	cfg.API.SessionTTL = ldr.getDuration("SESSION_TTL", 24*time.Hour, false)

	cfg.Retry.MaxAttempts = ldr.getInt("MAX_ATTEMPTS", 3, false)
	cfg.Retry.BaseBackoff = ldr.getDuration("BASE_BACKOFF", 250*time.Millisecond, false)
	cfg.Retry.MaxBackoff = ldr.getDuration("MAX_BACKOFF", 5*time.Second, false)

	if cfg.Retry.MaxAttempts < 1 {
		ldr.addError("MAX_ATTEMPTS must be >= 1")
	}
	if cfg.Auth.MaxConcurrency < 1 {
		ldr.addError("BACKGROUND_MAX_CONCURRENCY must be >= 1")
	}

	if err := ldr.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

type envLoader struct {
	errs []string
}

func (l *envLoader) validate() error {
	if len(l.errs) == 0 {
		return nil
	}
	return fmt.Errorf("config validation failed: %s", strings.Join(l.errs, "; "))
}

func (l *envLoader) lookup(key string, required bool) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		val = strings.TrimSpace(val)
		if val != "" {
			return val, true
		}
	}
	if required {
		l.addError(fmt.Sprintf("%s is required", key))
	}
	return "", false
}

func (l *envLoader) getString(key, def string, required bool) string {
	if val, ok := l.lookup(key, required); ok {
		return val
	}
	return def
}

func (l *envLoader) getInt(key string, def int, required bool) int {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid integer", key))
		return def
	}
	return i
}

func (l *envLoader) getBool(key string, def bool, required bool) bool {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid boolean", key))
		return def
	}
	return parsed
}

func (l *envLoader) getDuration(key string, def time.Duration, required bool) time.Duration {
	val, ok := l.lookup(key, required)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		l.addError(fmt.Sprintf("%s must be a valid duration", key))
		return def
	}
	if d < 0 {
		l.addError(fmt.Sprintf("%s cannot be negative", key))
		return def
	}
	return d
}

func (l *envLoader) getStringSlice(key string, required bool) []string {
	raw := l.getString(key, "", required)
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if required && len(out) == 0 {
		l.addError(fmt.Sprintf("%s must contain at least one entry", key))
	}
	return out
}

func (l *envLoader) addError(err string) {
	l.errs = append(l.errs, err)
}
