package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/pingsantohq/healthagent/pkg/types"
)

const (
	envConfigPath     = "HEALTHAGENT_CONFIG"
	EnvPrefix         = "HEALTHAGENT"
	DefaultConfigPath = "/etc/healthagent/agent.yaml"
)

type Config struct {
	Agent    AgentConfig    `yaml:"agent" envconfig:"AGENT"`
	Queue    QueueConfig    `yaml:"queue" envconfig:"QUEUE"`
	Exchange ExchangeConfig `yaml:"exchange" envconfig:"EXCHANGE"`
	Monitor  MonitorConfig  `yaml:"monitor" envconfig:"MONITOR"`
	Engine   EngineConfig   `yaml:"engine" envconfig:"ENGINE"`
	TLS      TLSConfig      `yaml:"tls" envconfig:"TLS"`
	Log      LogConfig      `yaml:"log" envconfig:"LOG"`
}

type AgentConfig struct {
	Server       string   `yaml:"server" envconfig:"SERVER"`
	DataDir      string   `yaml:"data_dir" envconfig:"DATA_DIR"`
	MonitorTypes []string `yaml:"monitor_types" envconfig:"MONITOR_TYPES"`
	StatusAddr   string   `yaml:"status_addr" envconfig:"STATUS_ADDR"`
	DNSServer    string   `yaml:"dns_server" envconfig:"DNS_SERVER"`
}

type QueueConfig struct {
	Capacity int `yaml:"capacity" envconfig:"CAPACITY"`
}

type ExchangeConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval" envconfig:"REFRESH_INTERVAL"`
	UploadInterval  time.Duration `yaml:"upload_interval" envconfig:"UPLOAD_INTERVAL"`
	BatchSize       int           `yaml:"batch_size" envconfig:"BATCH_SIZE"`
	MaxWait         time.Duration `yaml:"max_wait" envconfig:"MAX_WAIT"`
	StartupAttempts int           `yaml:"startup_attempts" envconfig:"STARTUP_ATTEMPTS"`
	StartupDelay    time.Duration `yaml:"startup_delay" envconfig:"STARTUP_DELAY"`
	RequestTimeout  time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	ConfigPublicKey string        `yaml:"config_public_key" envconfig:"CONFIG_PUBLIC_KEY"`
}

// MonitorConfig holds the sampling settings used until the collector
// provides its own.
type MonitorConfig struct {
	HealthCheckInterval time.Duration `yaml:"health_check_interval" envconfig:"HEALTH_CHECK_INTERVAL"`
	ShortTimeout        time.Duration `yaml:"short_timeout" envconfig:"SHORT_TIMEOUT"`
	FailureTimeout      time.Duration `yaml:"failure_timeout" envconfig:"FAILURE_TIMEOUT"`
	MaxBackoffInterval  time.Duration `yaml:"max_backoff_interval" envconfig:"MAX_BACKOFF_INTERVAL"`
}

type EngineConfig struct {
	// StartRate is loop starts per second; zero disables pacing.
	StartRate  float64 `yaml:"start_rate" envconfig:"START_RATE"`
	StartBurst int     `yaml:"start_burst" envconfig:"START_BURST"`
}

type TLSConfig struct {
	CertPath string `yaml:"cert_path" envconfig:"CERT_PATH"`
	KeyPath  string `yaml:"key_path" envconfig:"KEY_PATH"`
	CAPath   string `yaml:"ca_path" envconfig:"CA_PATH"`
}

// Enabled reports whether a client certificate is configured.
func (t TLSConfig) Enabled() bool {
	return t.CertPath != "" && t.KeyPath != ""
}

type LogConfig struct {
	Level string `yaml:"level" envconfig:"LEVEL"`
}

// Defaults returns the configuration used for every field the file and the
// environment leave unset.
func Defaults() Config {
	return Config{
		Agent: AgentConfig{
			DataDir:    "/var/lib/healthagent",
			StatusAddr: "127.0.0.1:9102",
		},
		Queue: QueueConfig{Capacity: 10000},
		Exchange: ExchangeConfig{
			RefreshInterval: time.Minute,
			UploadInterval:  5 * time.Second,
			BatchSize:       256,
			MaxWait:         time.Second,
			StartupAttempts: 5,
			StartupDelay:    2 * time.Second,
			RequestTimeout:  30 * time.Second,
		},
		Monitor: MonitorConfig{
			HealthCheckInterval: 30 * time.Second,
			ShortTimeout:        5 * time.Second,
			FailureTimeout:      15 * time.Second,
			MaxBackoffInterval:  5 * time.Minute,
		},
		Engine: EngineConfig{StartRate: 50, StartBurst: 100},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads the YAML file at path, applies HEALTHAGENT_* environment
// overrides and fills defaults.
func Load(ctx context.Context, path string) (Config, error) {
	cfg := Defaults()

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("open config %q: %w", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return cfg, fmt.Errorf("apply environment overrides: %w", err)
	}

	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config %q: %w", path, err)
	}
	return cfg, nil
}

func LoadFromEnv(ctx context.Context) (Config, error) {
	path := os.Getenv(envConfigPath)
	if path == "" {
		path = DefaultConfigPath
	}
	return Load(ctx, path)
}

func (c *Config) fillDefaults() {
	d := Defaults()
	if c.Agent.DataDir == "" {
		c.Agent.DataDir = d.Agent.DataDir
	}
	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = d.Queue.Capacity
	}
	if c.Exchange.RefreshInterval <= 0 {
		c.Exchange.RefreshInterval = d.Exchange.RefreshInterval
	}
	if c.Exchange.UploadInterval <= 0 {
		c.Exchange.UploadInterval = d.Exchange.UploadInterval
	}
	if c.Exchange.BatchSize <= 0 {
		c.Exchange.BatchSize = d.Exchange.BatchSize
	}
	if c.Exchange.MaxWait < 0 {
		c.Exchange.MaxWait = d.Exchange.MaxWait
	}
	if c.Exchange.StartupAttempts <= 0 {
		c.Exchange.StartupAttempts = d.Exchange.StartupAttempts
	}
	if c.Exchange.StartupDelay <= 0 {
		c.Exchange.StartupDelay = d.Exchange.StartupDelay
	}
	if c.Exchange.RequestTimeout <= 0 {
		c.Exchange.RequestTimeout = d.Exchange.RequestTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Agent.Server == "" {
		errs = append(errs, errors.New("agent.server is required"))
	}
	if (c.TLS.CertPath == "") != (c.TLS.KeyPath == "") {
		errs = append(errs, errors.New("tls.cert_path and tls.key_path must be set together"))
	}
	if c.Engine.StartRate < 0 {
		errs = append(errs, errors.New("engine.start_rate must not be negative"))
	}
	return errors.Join(errs...)
}

// MonitorSettings converts the local monitor section to the wire settings
// type used until the collector sends its own.
func (c Config) MonitorSettings() types.MonitorSettings {
	return types.MonitorSettings{
		HealthCheckInterval: types.Duration(c.Monitor.HealthCheckInterval),
		ShortTimeout:        types.Duration(c.Monitor.ShortTimeout),
		FailureTimeout:      types.Duration(c.Monitor.FailureTimeout),
		MaxBackOffInterval:  types.Duration(c.Monitor.MaxBackoffInterval),
	}
}
