package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "LOGCHANNEL_"

const (
	BeforeSendOncePerLog   = "once_per_log"
	BeforeSendEveryAttempt = "every_attempt"
)

type Config struct {
	AppSecret   string `yaml:"app_secret"`
	EndpointURL string `yaml:"endpoint_url"`
	// StoragePath is the SQLite database file, ":memory:" keeps nothing
	// across restarts.
	StoragePath string `yaml:"storage_path"`
	CrashDir    string `yaml:"crash_dir"`
	// Capacity is the maximum number of stored logs per group.
	Capacity    int           `yaml:"capacity"`
	MaxLogSize  int           `yaml:"max_log_size"`
	Compress    bool          `yaml:"compress"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`
	BeforeSend  string        `yaml:"before_send"`
	LogLevel    string        `yaml:"log_level"`
	MetricsAddr string        `yaml:"metrics_addr"`

	App    AppConfig              `yaml:"app"`
	Retry  RetryConfig            `yaml:"retry"`
	Groups map[string]GroupConfig `yaml:"groups"`
	Relay  RelayConfig            `yaml:"relay"`
}

type AppConfig struct {
	Version   string `yaml:"version"`
	Build     string `yaml:"build"`
	Namespace string `yaml:"namespace"`
}

type RetryConfig struct {
	InitialInterval     time.Duration `yaml:"initial_interval"`
	MaxInterval         time.Duration `yaml:"max_interval"`
	Multiplier          float64       `yaml:"multiplier"`
	RandomizationFactor float64       `yaml:"randomization_factor"`
	MaxAttempts         int           `yaml:"max_attempts"`
}

// GroupConfig overrides the batching policy of one group. Zero fields keep
// the group's own defaults.
type GroupConfig struct {
	TriggerCount       int           `yaml:"trigger_count"`
	TriggerInterval    time.Duration `yaml:"trigger_interval"`
	MaxParallelBatches int           `yaml:"max_parallel_batches"`
	MaxAge             time.Duration `yaml:"max_age"`
}

type RelayConfig struct {
	LogRootPath        string        `yaml:"log_root_path"`
	NodeName           string        `yaml:"node_name"`
	ScanInterval       time.Duration `yaml:"scan_interval"`
	MinWorkers         int           `yaml:"min_workers"`
	MaxWorkers         int           `yaml:"max_workers"`
	QueueSize          int           `yaml:"queue_size"`
	ScaleUpThreshold   float64       `yaml:"scale_up_threshold"`
	ScaleDownThreshold float64       `yaml:"scale_down_threshold"`
	ScaleCheckInterval time.Duration `yaml:"scale_check_interval"`
	FileIdleTimeout    time.Duration `yaml:"file_idle_timeout"`
}

func Default() Config {
	return Config{
		StoragePath: "logchannel.db",
		CrashDir:    "crashes",
		Capacity:    10000,
		MaxLogSize:  1 << 20,
		Compress:    true,
		HTTPTimeout: 30 * time.Second,
		BeforeSend:  BeforeSendOncePerLog,
		LogLevel:    "info",
		Retry: RetryConfig{
			InitialInterval:     time.Second,
			MaxInterval:         5 * time.Minute,
			Multiplier:          1.5,
			RandomizationFactor: 0.5,
		},
		Relay: RelayConfig{
			LogRootPath:        "/var/log/pods",
			NodeName:           "unknown",
			ScanInterval:       30 * time.Second,
			MinWorkers:         2,
			MaxWorkers:         10,
			QueueSize:          50,
			ScaleUpThreshold:   0.9,
			ScaleDownThreshold: 0.3,
			ScaleCheckInterval: 15 * time.Second,
			FileIdleTimeout:    5 * time.Minute,
		},
	}
}

// Load reads the YAML file at path on top of the defaults, then applies
// LOGCHANNEL_* environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.AppSecret = getEnv("APP_SECRET", c.AppSecret)
	c.EndpointURL = getEnv("ENDPOINT_URL", c.EndpointURL)
	c.StoragePath = getEnv("STORAGE_PATH", c.StoragePath)
	c.CrashDir = getEnv("CRASH_DIR", c.CrashDir)
	c.Capacity = getEnvAsInt("CAPACITY", c.Capacity)
	c.MaxLogSize = getEnvAsInt("MAX_LOG_SIZE", c.MaxLogSize)
	c.Compress = getEnvAsBool("COMPRESS", c.Compress)
	c.HTTPTimeout = getEnvAsDuration("HTTP_TIMEOUT", c.HTTPTimeout)
	c.BeforeSend = getEnv("BEFORE_SEND", c.BeforeSend)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)

	c.App.Version = getEnv("APP_VERSION", c.App.Version)
	c.App.Build = getEnv("APP_BUILD", c.App.Build)
	c.App.Namespace = getEnv("APP_NAMESPACE", c.App.Namespace)

	c.Retry.InitialInterval = getEnvAsDuration("RETRY_INITIAL_INTERVAL", c.Retry.InitialInterval)
	c.Retry.MaxInterval = getEnvAsDuration("RETRY_MAX_INTERVAL", c.Retry.MaxInterval)
	c.Retry.Multiplier = getEnvAsFloat("RETRY_MULTIPLIER", c.Retry.Multiplier)
	c.Retry.RandomizationFactor = getEnvAsFloat("RETRY_RANDOMIZATION_FACTOR", c.Retry.RandomizationFactor)
	c.Retry.MaxAttempts = getEnvAsInt("RETRY_MAX_ATTEMPTS", c.Retry.MaxAttempts)

	c.Relay.LogRootPath = getEnv("LOG_PATH", c.Relay.LogRootPath)
	// NODE_NAME is injected by the downward API without our prefix
	if node := os.Getenv("NODE_NAME"); node != "" {
		c.Relay.NodeName = node
	}
	c.Relay.ScanInterval = getEnvAsDuration("SCAN_INTERVAL", c.Relay.ScanInterval)
	c.Relay.MinWorkers = getEnvAsInt("MIN_WORKERS", c.Relay.MinWorkers)
	c.Relay.MaxWorkers = getEnvAsInt("MAX_WORKERS", c.Relay.MaxWorkers)
	c.Relay.QueueSize = getEnvAsInt("QUEUE_SIZE", c.Relay.QueueSize)
	c.Relay.ScaleUpThreshold = getEnvAsFloat("SCALE_UP_THRESHOLD", c.Relay.ScaleUpThreshold)
	c.Relay.ScaleDownThreshold = getEnvAsFloat("SCALE_DOWN_THRESHOLD", c.Relay.ScaleDownThreshold)
	c.Relay.ScaleCheckInterval = getEnvAsDuration("SCALE_CHECK_INTERVAL", c.Relay.ScaleCheckInterval)
	c.Relay.FileIdleTimeout = getEnvAsDuration("FILE_IDLE_TIMEOUT", c.Relay.FileIdleTimeout)
}

// Validate reports the settings the SDK cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.AppSecret == "" {
		errs = append(errs, errors.New("app_secret is required"))
	}
	if c.EndpointURL == "" {
		errs = append(errs, errors.New("endpoint_url is required"))
	} else if u, err := url.Parse(c.EndpointURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("endpoint_url %q is not an absolute url", c.EndpointURL))
	}
	if c.StoragePath == "" {
		errs = append(errs, errors.New("storage_path is required"))
	}
	if c.BeforeSend != BeforeSendOncePerLog && c.BeforeSend != BeforeSendEveryAttempt {
		errs = append(errs, fmt.Errorf("before_send must be %q or %q", BeforeSendOncePerLog, BeforeSendEveryAttempt))
	}
	if c.Relay.MinWorkers < 1 || c.Relay.MaxWorkers < c.Relay.MinWorkers {
		errs = append(errs, fmt.Errorf("relay workers must satisfy 1 <= min (%d) <= max (%d)",
			c.Relay.MinWorkers, c.Relay.MaxWorkers))
	}
	return errors.Join(errs...)
}

// Group returns the override for name, if any.
func (c Config) Group(name string) (GroupConfig, bool) {
	g, ok := c.Groups[name]
	return g, ok
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(envPrefix + key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(envPrefix + key); value != "" {
		if result, err := strconv.Atoi(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(envPrefix + key); value != "" {
		if result, err := strconv.ParseBool(value); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(envPrefix + key); value != "" {
		if result, err := strconv.ParseFloat(value, 64); err == nil {
			return result
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(envPrefix + key); value != "" {
		if result, err := time.ParseDuration(value); err == nil {
			return result
		}
	}
	return defaultValue
}
