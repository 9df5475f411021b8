package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the alerting engine.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Manager ManagerConfig `yaml:"manager"`
	Store   StoreConfig   `yaml:"store"`
	Bus     BusConfig     `yaml:"bus"`
	Notify  NotifyConfig  `yaml:"notify"`
	Logging LoggingConfig `yaml:"logging"`
}

// ServerConfig controls the management API and metrics listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// ManagerConfig controls the periodic evaluation and detection loops.
type ManagerConfig struct {
	EvaluationInterval time.Duration `yaml:"evaluationInterval"`
	DetectionInterval  time.Duration `yaml:"detectionInterval"`
	AnomalyDetection   bool          `yaml:"anomalyDetection"`
	InstallDefaults    bool          `yaml:"installDefaults"`
}

// StoreConfig selects the time-series backend.
type StoreConfig struct {
	Backend   string `yaml:"backend"` // "memory" or "postgres"
	MaxPoints int    `yaml:"maxPoints"`
	DSN       string `yaml:"dsn"`
}

// BusConfig controls NATS event publishing.
type BusConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// NotifyConfig tunes the notification executors.
type NotifyConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	WebhookAttempts int           `yaml:"webhookAttempts"`
	WebhookBackoff  time.Duration `yaml:"webhookBackoff"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("OPSWATCH_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8090",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Manager: ManagerConfig{
			EvaluationInterval: 30 * time.Second,
			DetectionInterval:  5 * time.Minute,
			AnomalyDetection:   true,
			InstallDefaults:    false,
		},
		Store: StoreConfig{
			Backend:   "memory",
			MaxPoints: 10000,
		},
		Bus: BusConfig{
			Enabled: false,
			URL:     "nats://localhost:4222",
		},
		Notify: NotifyConfig{
			Timeout:         30 * time.Second,
			WebhookAttempts: 3,
			WebhookBackoff:  time.Second,
		},
		Logging: LoggingConfig{Level: "info", JSON: true},
	}
}

func (c Config) validate() error {
	switch c.Store.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unsupported store backend %q", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.DSN == "" {
		return errors.New("postgres store requires a dsn")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPSWATCH_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("OPSWATCH_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("OPSWATCH_EVALUATION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Manager.EvaluationInterval = d
		}
	}
	if v := os.Getenv("OPSWATCH_DETECTION_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Manager.DetectionInterval = d
		}
	}
	if v := os.Getenv("OPSWATCH_ANOMALY_DETECTION"); v != "" {
		cfg.Manager.AnomalyDetection = isTrue(v)
	}
	if v := os.Getenv("OPSWATCH_INSTALL_DEFAULTS"); v != "" {
		cfg.Manager.InstallDefaults = isTrue(v)
	}
	if v := os.Getenv("OPSWATCH_STORE_BACKEND"); v != "" {
		cfg.Store.Backend = v
	}
	if v := os.Getenv("OPSWATCH_STORE_MAX_POINTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Store.MaxPoints = n
		}
	}
	if v := os.Getenv("OPSWATCH_DATABASE_URL"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("OPSWATCH_BUS_ENABLED"); v != "" {
		cfg.Bus.Enabled = isTrue(v)
	}
	if v := os.Getenv("OPSWATCH_NATS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("OPSWATCH_NOTIFY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Notify.Timeout = d
		}
	}
	if v := os.Getenv("OPSWATCH_WEBHOOK_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Notify.WebhookAttempts = n
		}
	}
	if v := os.Getenv("OPSWATCH_WEBHOOK_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Notify.WebhookBackoff = d
		}
	}
	if v := os.Getenv("OPSWATCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("OPSWATCH_LOG_FORMAT"); v != "" {
		cfg.Logging.JSON = strings.EqualFold(v, "json")
	}
}

func isTrue(v string) bool {
	return strings.EqualFold(v, "true") || v == "1"
}
