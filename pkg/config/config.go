package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is the process-scoped configuration read at startup (§6). Both
// cmd/orchestrator and cmd/worker load the same shape; each process only
// consults the fields relevant to its own role.
type Config struct {
	WorkerHost           string        `mapstructure:"worker_host" json:"worker_host" yaml:"worker_host"`
	WorkerPort           int           `mapstructure:"worker_port" json:"worker_port" yaml:"worker_port"`
	WorkerLaunchCommand  string        `mapstructure:"worker_launch_command" json:"worker_launch_command" yaml:"worker_launch_command"`
	OrchestratorDBURL    string        `mapstructure:"orchestrator_db_url" json:"orchestrator_db_url,omitempty" yaml:"orchestrator_db_url,omitempty"`
	SchedulerInterval    time.Duration `mapstructure:"scheduler_interval" json:"scheduler_interval" yaml:"scheduler_interval"`
	MigrateHTTPTimeout   time.Duration `mapstructure:"migrate_http_timeout" json:"migrate_http_timeout" yaml:"migrate_http_timeout"`
	WorkerStartupTimeout time.Duration `mapstructure:"worker_startup_timeout" json:"worker_startup_timeout" yaml:"worker_startup_timeout"`

	Logging LoggingConfig `mapstructure:"logging" json:"logging" yaml:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics" json:"metrics" yaml:"metrics"`
}

// LoggingConfig controls the zerolog global level and format.
type LoggingConfig struct {
	Level  string `mapstructure:"level" json:"level" yaml:"level"`
	Format string `mapstructure:"format" json:"format" yaml:"format"`
}

// MetricsConfig controls the Prometheus exporter endpoint (§AMBIENT STACK).
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" json:"port" yaml:"port"`
	Path    string `mapstructure:"path" json:"path,omitempty" yaml:"path,omitempty"`
}

// WorkerEndpoint is the base URL the orchestrator calls the worker on.
func (c *Config) WorkerEndpoint() string {
	return fmt.Sprintf("http://%s:%d", c.WorkerHost, c.WorkerPort)
}

// Default returns a Config populated with the defaults named in §6.
func Default() *Config {
	return &Config{
		WorkerHost:           "127.0.0.1",
		WorkerPort:           8089,
		WorkerLaunchCommand:  "./bin/worker",
		OrchestratorDBURL:    "",
		SchedulerInterval:    5 * time.Second,
		MigrateHTTPTimeout:   3600 * time.Second,
		WorkerStartupTimeout: 60 * time.Second,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// Validate enforces the eager-validation-at-startup idiom (§SUPPLEMENTED
// FEATURES): an invalid WORKER_LAUNCH_COMMAND or ORCHESTRATOR_DB_URL must
// fail fast rather than surface as a mysterious runtime error later.
func (c *Config) Validate() error {
	if c.WorkerPort <= 0 || c.WorkerPort > 65535 {
		return fmt.Errorf("worker_port out of range: %d", c.WorkerPort)
	}
	if c.WorkerHost == "" {
		return fmt.Errorf("worker_host is required")
	}
	if c.WorkerLaunchCommand == "" {
		return fmt.Errorf("worker_launch_command is required")
	}
	if c.OrchestratorDBURL != "" {
		if _, err := url.Parse(c.OrchestratorDBURL); err != nil {
			return fmt.Errorf("orchestrator_db_url is not a valid URL: %w", err)
		}
	}
	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("scheduler_interval must be positive")
	}
	if c.MigrateHTTPTimeout <= 0 {
		return fmt.Errorf("migrate_http_timeout must be positive")
	}
	if c.WorkerStartupTimeout <= 0 {
		return fmt.Errorf("worker_startup_timeout must be positive")
	}
	return nil
}

// Load reads configuration from a file (if present), then environment
// variables prefixed MIGRATE_, then watches the file for changes, mirroring
// the teacher's viper + fsnotify idiom (pkg/config/config.go's
// LoadConfiguration/reloadConfig).
func Load(configFile string) (*Config, error) {
	v := viper.New()
	d := Default()

	v.SetDefault("worker_host", d.WorkerHost)
	v.SetDefault("worker_port", d.WorkerPort)
	v.SetDefault("worker_launch_command", d.WorkerLaunchCommand)
	v.SetDefault("orchestrator_db_url", d.OrchestratorDBURL)
	v.SetDefault("scheduler_interval", d.SchedulerInterval.String())
	v.SetDefault("migrate_http_timeout", d.MigrateHTTPTimeout.String())
	v.SetDefault("worker_startup_timeout", d.WorkerStartupTimeout.String())
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.port", d.Metrics.Port)
	v.SetDefault("metrics.path", d.Metrics.Path)

	v.SetEnvPrefix("MIGRATE")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			log.Info().Str("file", e.Name).Msg("configuration file changed, reloading")
		})
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	return cfg, nil
}
