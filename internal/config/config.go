package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/muaviaUsmani/backupagent/internal/logger"
)

// Report store backends
const (
	ReportStoreFile  = "file"
	ReportStoreRedis = "redis"
)

// Config holds all configuration for the backup agent
type Config struct {
	// ControllerURL is the base URL of the controller that hands out plans
	ControllerURL string
	// APIToken authenticates the agent to the controller and callers to the local API
	APIToken string
	// LocalAPIEndpoint is advertised in heartbeats; its host:port is also the local listen address
	LocalAPIEndpoint string

	RusticBin        string
	RcloneBin        string
	RusticMinVersion string

	// StateDir holds the pending report file and the tool HOME/XDG directories
	StateDir string

	PlanAPIPath   string
	HeartbeatPath string

	PlanSyncInterval  time.Duration
	SchedulerInterval time.Duration
	FlushInterval     time.Duration
	HeartbeatInterval time.Duration
	HTTPTimeout       time.Duration

	// DeliveryRateLimit caps report deliveries per second; 0 disables the limiter
	DeliveryRateLimit float64

	PendingReportsMax        int
	PendingReportMaxAttempts int
	DedupMaxKeys             int

	// ReportStore selects where pending reports are persisted: "file" or "redis"
	ReportStore string
	RedisURL    string

	ShutdownTimeout time.Duration

	// TraceSpans writes finished spans to the debug log
	TraceSpans bool

	Logging *logger.Config
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	cfg := &Config{
		ControllerURL:            strings.TrimRight(getEnv("CONTROLLER_URL", ""), "/"),
		APIToken:                 getEnv("API_TOKEN", ""),
		LocalAPIEndpoint:         getEnv("LOCAL_API_ENDPOINT", "http://127.0.0.1:8090"),
		RusticBin:                getEnv("RUSTIC_BIN", "rustic"),
		RcloneBin:                getEnv("RCLONE_BIN", "rclone"),
		RusticMinVersion:         getEnv("RUSTIC_MIN_VERSION", ""),
		StateDir:                 getEnv("STATE_DIR", ".glare-worker"),
		PlanAPIPath:              getEnv("PLAN_API_PATH", "/api/workers/backup-plans"),
		HeartbeatPath:            getEnv("HEARTBEAT_PATH", "/api/workers/sync"),
		PlanSyncInterval:         getEnvAsDuration("PLAN_SYNC_INTERVAL", 30*time.Second),
		SchedulerInterval:        getEnvAsDuration("SCHEDULER_INTERVAL", 15*time.Second),
		FlushInterval:            getEnvAsDuration("FLUSH_INTERVAL", 30*time.Second),
		HeartbeatInterval:        getEnvAsDuration("HEARTBEAT_INTERVAL", 15*time.Second),
		HTTPTimeout:              getEnvAsDuration("HTTP_TIMEOUT", 30*time.Second),
		DeliveryRateLimit:        getEnvAsFloat("DELIVERY_RATE_LIMIT", 0),
		PendingReportsMax:        getEnvAsInt("PENDING_REPORTS_MAX", 500),
		PendingReportMaxAttempts: getEnvAsInt("PENDING_REPORT_MAX_ATTEMPTS", 20),
		DedupMaxKeys:             getEnvAsInt("DEDUP_MAX_KEYS", 20000),
		ReportStore:              strings.ToLower(getEnv("REPORT_STORE", ReportStoreFile)),
		RedisURL:                 getEnv("REDIS_URL", "redis://localhost:6379"),
		ShutdownTimeout:          getEnvAsDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		TraceSpans:               getEnvAsBool("TRACE_SPANS", false),
	}
	cfg.Logging = loadLoggingConfig(cfg.StateDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.ControllerURL == "" {
		return fmt.Errorf("CONTROLLER_URL cannot be empty")
	}
	if u, err := url.Parse(c.ControllerURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("CONTROLLER_URL must be an absolute URL, got %q", c.ControllerURL)
	}
	if c.APIToken == "" {
		return fmt.Errorf("API_TOKEN cannot be empty")
	}
	if _, err := c.ListenAddr(); err != nil {
		return err
	}
	if c.StateDir == "" {
		return fmt.Errorf("STATE_DIR cannot be empty")
	}
	if !strings.HasPrefix(c.PlanAPIPath, "/") || !strings.HasPrefix(c.HeartbeatPath, "/") {
		return fmt.Errorf("PLAN_API_PATH and HEARTBEAT_PATH must start with /")
	}

	for name, d := range map[string]time.Duration{
		"PLAN_SYNC_INTERVAL": c.PlanSyncInterval,
		"SCHEDULER_INTERVAL": c.SchedulerInterval,
		"FLUSH_INTERVAL":     c.FlushInterval,
		"HEARTBEAT_INTERVAL": c.HeartbeatInterval,
		"HTTP_TIMEOUT":       c.HTTPTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT cannot be negative")
	}
	if c.DeliveryRateLimit < 0 {
		return fmt.Errorf("DELIVERY_RATE_LIMIT cannot be negative")
	}
	if c.PendingReportsMax < 1 {
		return fmt.Errorf("PENDING_REPORTS_MAX must be at least 1")
	}
	if c.PendingReportMaxAttempts < 1 {
		return fmt.Errorf("PENDING_REPORT_MAX_ATTEMPTS must be at least 1")
	}
	if c.DedupMaxKeys < 1 {
		return fmt.Errorf("DEDUP_MAX_KEYS must be at least 1")
	}

	switch c.ReportStore {
	case ReportStoreFile:
	case ReportStoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL cannot be empty when REPORT_STORE=redis")
		}
	default:
		return fmt.Errorf("REPORT_STORE must be %q or %q, got %q", ReportStoreFile, ReportStoreRedis, c.ReportStore)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}
	return nil
}

// ListenAddr derives the local API listen address from LocalAPIEndpoint
func (c *Config) ListenAddr() (string, error) {
	u, err := url.Parse(c.LocalAPIEndpoint)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("LOCAL_API_ENDPOINT must be an absolute URL, got %q", c.LocalAPIEndpoint)
	}
	if u.Port() == "" {
		return "", fmt.Errorf("LOCAL_API_ENDPOINT must include a port, got %q", c.LocalAPIEndpoint)
	}
	return u.Host, nil
}

// PendingReportsPath is the on-disk location of the report queue snapshot
func (c *Config) PendingReportsPath() string {
	return filepath.Join(c.StateDir, "pending_reports.json")
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(valueStr), 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration retrieves an environment variable as a duration or returns a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(strings.TrimSpace(valueStr))
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
	if err != nil {
		return defaultValue
	}
	return value
}

// loadLoggingConfig loads logging configuration from environment variables
func loadLoggingConfig(stateDir string) *logger.Config {
	cfg := logger.DefaultConfig()

	if level := getEnv("LOG_LEVEL", ""); level != "" {
		cfg.Level = logger.LogLevel(strings.ToLower(level))
	}
	if format := getEnv("LOG_FORMAT", ""); format != "" {
		cfg.Format = logger.LogFormat(strings.ToLower(format))
	}

	cfg.Console.Enabled = getEnvAsBool("LOG_CONSOLE_ENABLED", true)
	cfg.Console.Color = getEnvAsBool("LOG_COLOR", true)
	cfg.Console.BufferSize = getEnvAsInt("LOG_CONSOLE_BUFFER_SIZE", cfg.Console.BufferSize)
	cfg.Console.FlushInterval = getEnvAsDuration("LOG_CONSOLE_FLUSH_INTERVAL", cfg.Console.FlushInterval)

	cfg.File.Enabled = getEnvAsBool("LOG_FILE_ENABLED", false)
	cfg.File.Path = getEnv("LOG_FILE_PATH", filepath.Join(stateDir, "logs", "agent.log"))
	cfg.File.MaxSizeMB = getEnvAsInt("LOG_FILE_MAX_SIZE_MB", cfg.File.MaxSizeMB)
	cfg.File.MaxBackups = getEnvAsInt("LOG_FILE_MAX_BACKUPS", cfg.File.MaxBackups)
	cfg.File.MaxAgeDays = getEnvAsInt("LOG_FILE_MAX_AGE_DAYS", cfg.File.MaxAgeDays)
	cfg.File.Compress = getEnvAsBool("LOG_FILE_COMPRESS", cfg.File.Compress)
	cfg.File.BufferSize = getEnvAsInt("LOG_FILE_BUFFER_SIZE", cfg.File.BufferSize)
	cfg.File.BatchSize = getEnvAsInt("LOG_FILE_BATCH_SIZE", cfg.File.BatchSize)
	cfg.File.BatchInterval = getEnvAsDuration("LOG_FILE_BATCH_INTERVAL", cfg.File.BatchInterval)

	return cfg
}
