package config

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"dtrunner/pkg/failure"
	"dtrunner/pkg/logger"
	tracing "dtrunner/pkg/observability"
)

// LogDirectoryEnv names the required base directory of the engine's logs.
const LogDirectoryEnv = "DEMANDTOOLS_LOG_DIRECTORY"

type Config struct {
	LogDirectory   string
	Engine         string
	OrganizationID string
	MaxLineLength  int
	PollInterval   time.Duration
	Concurrency    int
	Timeout        time.Duration
	Isolated       bool
	DiagnosticDir  string
	// EngineLock serializes engine processes. With EtcdEndpoints set the
	// lock spans hosts.
	EngineLock bool

	// Optional backends; empty means disabled.
	DBHost        string
	DBPort        string
	DBUser        string
	DBPassword    string
	DBName        string
	RedisHost     string
	RedisPort     string
	RedisPassword string
	EtcdEndpoints []string
	LockTTL       int
	S3Bucket      string
	S3Prefix      string
	S3Region      string
	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string

	APIHost     string
	APIPort     string
	APIKeys     []string
	LogLevel    string
	LogEncoding string

	OTelEnabled      bool
	OTelEndpoint     string
	OTelSamplingRate float64
}

func LoadConfig() *Config {
	return &Config{
		LogDirectory:   getEnv(LogDirectoryEnv, ""),
		Engine:         getEnv("DT_ENGINE", "demandtools"),
		OrganizationID: getEnv("DT_ORG_ID", ""),
		MaxLineLength:  getEnvAsInt("DT_MAX_LINE_LENGTH", 120),
		PollInterval:   getEnvAsDuration("DT_POLL_INTERVAL", time.Second),
		Concurrency:    getEnvAsInt("DT_CONCURRENCY", 0),
		Timeout:        getEnvAsDuration("DT_TIMEOUT", 0),
		Isolated:       getEnvAsBool("DT_ISOLATED", false),
		DiagnosticDir:  getEnv("DT_DIAGNOSTIC_DIR", ""),
		EngineLock:     getEnvAsBool("DT_ENGINE_LOCK", false),

		DBHost:        getEnv("DB_HOST", ""),
		DBPort:        getEnv("DB_PORT", "5432"),
		DBUser:        getEnv("DB_USER", "dtrunner"),
		DBPassword:    getEnv("DB_PASSWORD", ""),
		DBName:        getEnv("DB_NAME", "dtrunner"),
		RedisHost:     getEnv("REDIS_HOST", ""),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		EtcdEndpoints: getEnvAsList("ETCD_ENDPOINTS"),
		LockTTL:       getEnvAsInt("LOCK_TTL", 30),
		S3Bucket:      getEnv("S3_BUCKET", ""),
		S3Prefix:      getEnv("S3_PREFIX", "diagnostics/"),
		S3Region:      getEnv("S3_REGION", "us-east-1"),
		S3Endpoint:    getEnv("S3_ENDPOINT", ""),
		S3AccessKey:   getEnv("S3_ACCESS_KEY_ID", ""),
		S3SecretKey:   getEnv("S3_SECRET_ACCESS_KEY", ""),

		APIHost:     getEnv("API_HOST", "127.0.0.1"),
		APIPort:     getEnv("API_PORT", "8080"),
		APIKeys:     getEnvAsList("DT_API_KEYS"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		LogEncoding: getEnv("LOG_ENCODING", "console"),

		OTelEnabled:      getEnvAsBool("OTEL_ENABLED", false),
		OTelEndpoint:     getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
		OTelSamplingRate: getEnvAsFloat("OTEL_SAMPLING_RATE", 1.0),
	}
}

// Validate checks what every command needs. It never touches the network.
func (c *Config) Validate() error {
	if c.LogDirectory == "" {
		return failure.Configf("environment variable %s must be set to the engine's log directory", LogDirectoryEnv)
	}
	if c.Engine == "" {
		return failure.Configf("DT_ENGINE must not be empty")
	}
	if c.MaxLineLength < 0 {
		return failure.Configf("DT_MAX_LINE_LENGTH must be >= 0, got %d", c.MaxLineLength)
	}
	if c.Timeout < 0 {
		return failure.Configf("DT_TIMEOUT must be >= 0, got %s", c.Timeout)
	}
	return nil
}

// Preflight validates and also checks that the engine can be found.
func (c *Config) Preflight() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if _, err := exec.LookPath(c.Engine); err != nil {
		return failure.Configf("engine %q not found: %v", c.Engine, err)
	}
	return nil
}

// APIAddr is the host:port the HTTP API listens on.
func (c *Config) APIAddr() string {
	return net.JoinHostPort(c.APIHost, c.APIPort)
}

// ValidateAPI refuses to serve an unauthenticated API beyond loopback.
func (c *Config) ValidateAPI() error {
	if len(c.APIKeys) > 0 || isLoopback(c.APIHost) {
		return nil
	}
	return failure.Configf("API_HOST %q is reachable from other machines; set DT_API_KEYS", c.APIHost)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func (c *Config) PostgresDSN() string {
	if c.DBHost == "" {
		return ""
	}
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName)
}

func (c *Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	return c.RedisHost + ":" + c.RedisPort
}

func (c *Config) LoggerConfig(service string) logger.Config {
	cfg := logger.DefaultConfig(service)
	cfg.Level = c.LogLevel
	cfg.Encoding = c.LogEncoding
	return cfg
}

func (c *Config) TracingConfig(service string) tracing.Config {
	cfg := tracing.DefaultConfig(service)
	cfg.Enabled = c.OTelEnabled
	cfg.Endpoint = c.OTelEndpoint
	cfg.SamplingRate = c.OTelSamplingRate
	return cfg
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return fallback
}

func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(getEnv(key, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
