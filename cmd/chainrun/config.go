package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/chainrun/internal/plugins"
	"github.com/rendis/chainrun/pkg/schema"
)

// Config holds all chainrun configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	Transport  string `json:"transport"`
	ListenAddr string `json:"listen_addr"`
	APIAddr    string `json:"api_addr,omitempty"`
	DBPath     string `json:"db_path"`
	LogLevel   string `json:"log_level"`

	PoolSize        int    `json:"pool_size"`
	CleanupBatch    int    `json:"cleanup_batch"`
	CleanupInterval string `json:"cleanup_interval"`
	CleanupMaxAge   string `json:"cleanup_max_age"`
	ConditionEngine string `json:"condition_engine"`
	DefaultTimeout  string `json:"default_timeout,omitempty"`
	StepTimeout     string `json:"step_timeout,omitempty"`

	RetryAttempts    int    `json:"retry_attempts"`
	RetryBackoff     string `json:"retry_backoff,omitempty"`
	RetryDelay       string `json:"retry_delay,omitempty"`
	BreakerThreshold int    `json:"breaker_threshold"`
	BreakerCooldown  string `json:"breaker_cooldown"`

	SchedulesFile    string `json:"schedules_file,omitempty"`
	ScheduleInterval string `json:"schedule_interval"`

	MCPServers []plugins.MCPServerConfig `json:"mcp_servers,omitempty"`
}

// durations holds the parsed duration settings of a Config.
type durations struct {
	cleanupInterval  time.Duration
	cleanupMaxAge    time.Duration
	defaultTimeout   time.Duration
	stepTimeout      time.Duration
	retryDelay       time.Duration
	breakerCooldown  time.Duration
	scheduleInterval time.Duration
}

func defaultConfig() Config {
	return Config{
		Transport:        "stdio",
		ListenAddr:       ":4100",
		DBPath:           filepath.Join(chainrunDir(), "chainrun.db"),
		LogLevel:         "info",
		PoolSize:         10,
		CleanupBatch:     10,
		CleanupInterval:  "5m",
		CleanupMaxAge:    "1h",
		ConditionEngine:  "cel",
		RetryAttempts:    1,
		BreakerThreshold: 5,
		BreakerCooldown:  "30s",
		ScheduleInterval: "1m",
	}
}

func chainrunDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chainrun"
	}
	return filepath.Join(home, ".chainrun")
}

func settingsPath() string {
	return filepath.Join(chainrunDir(), "settings.json")
}

func pidPath() string {
	return filepath.Join(chainrunDir(), "chainrun.pid")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	envString("CHAINRUN_TRANSPORT", &cfg.Transport)
	envString("CHAINRUN_LISTEN_ADDR", &cfg.ListenAddr)
	envString("CHAINRUN_API_ADDR", &cfg.APIAddr)
	envString("CHAINRUN_DB_PATH", &cfg.DBPath)
	envString("CHAINRUN_LOG_LEVEL", &cfg.LogLevel)
	envInt("CHAINRUN_POOL_SIZE", &cfg.PoolSize)
	envInt("CHAINRUN_CLEANUP_BATCH", &cfg.CleanupBatch)
	envString("CHAINRUN_CLEANUP_INTERVAL", &cfg.CleanupInterval)
	envString("CHAINRUN_CLEANUP_MAX_AGE", &cfg.CleanupMaxAge)
	envString("CHAINRUN_CONDITION_ENGINE", &cfg.ConditionEngine)
	envString("CHAINRUN_DEFAULT_TIMEOUT", &cfg.DefaultTimeout)
	envString("CHAINRUN_STEP_TIMEOUT", &cfg.StepTimeout)
	envInt("CHAINRUN_RETRY_ATTEMPTS", &cfg.RetryAttempts)
	envString("CHAINRUN_RETRY_BACKOFF", &cfg.RetryBackoff)
	envString("CHAINRUN_RETRY_DELAY", &cfg.RetryDelay)
	envInt("CHAINRUN_BREAKER_THRESHOLD", &cfg.BreakerThreshold)
	envString("CHAINRUN_BREAKER_COOLDOWN", &cfg.BreakerCooldown)
	envString("CHAINRUN_SCHEDULES_FILE", &cfg.SchedulesFile)
	envString("CHAINRUN_SCHEDULE_INTERVAL", &cfg.ScheduleInterval)

	return cfg
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// validate checks enumerations and parses every duration setting.
func (c Config) validate() (durations, error) {
	var d durations
	switch c.Transport {
	case "stdio", "http":
	default:
		return d, fmt.Errorf("transport must be stdio or http, got %q", c.Transport)
	}
	switch c.ConditionEngine {
	case "", "cel", "expr":
	default:
		return d, fmt.Errorf("condition_engine must be cel or expr, got %q", c.ConditionEngine)
	}

	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"cleanup_interval", c.CleanupInterval, &d.cleanupInterval},
		{"cleanup_max_age", c.CleanupMaxAge, &d.cleanupMaxAge},
		{"default_timeout", c.DefaultTimeout, &d.defaultTimeout},
		{"step_timeout", c.StepTimeout, &d.stepTimeout},
		{"retry_delay", c.RetryDelay, &d.retryDelay},
		{"breaker_cooldown", c.BreakerCooldown, &d.breakerCooldown},
		{"schedule_interval", c.ScheduleInterval, &d.scheduleInterval},
	}
	for _, f := range fields {
		v, err := schema.ParseOptionalDuration(f.raw)
		if err != nil {
			return d, fmt.Errorf("%s: %w", f.name, err)
		}
		if v < 0 {
			return d, fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = v
	}
	return d, nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	if old.Transport != new.Transport {
		d.RestartNeeded = append(d.RestartNeeded, "transport")
	}
	if old.ListenAddr != new.ListenAddr {
		d.RestartNeeded = append(d.RestartNeeded, "listen_addr")
	}
	if old.APIAddr != new.APIAddr {
		d.RestartNeeded = append(d.RestartNeeded, "api_addr")
	}
	if old.DBPath != new.DBPath {
		d.RestartNeeded = append(d.RestartNeeded, "db_path")
	}
	if old.PoolSize != new.PoolSize {
		d.RestartNeeded = append(d.RestartNeeded, "pool_size")
	}
	if old.ConditionEngine != new.ConditionEngine {
		d.RestartNeeded = append(d.RestartNeeded, "condition_engine")
	}
	if old.SchedulesFile != new.SchedulesFile {
		d.RestartNeeded = append(d.RestartNeeded, "schedules_file")
	}
	return d
}
