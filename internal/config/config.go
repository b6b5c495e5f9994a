// Package config loads satchel configuration from file, environment
// and defaults.
//
// Precedence is flags > environment (SATCHEL_ prefix) > config file >
// defaults. The loaded struct is validated before use so a bad config
// fails at startup with a field-level message instead of surfacing as
// a runtime sync error.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full satchel runtime configuration.
type Config struct {
	// BaseURL is the backend API root every resource endpoint is
	// resolved against.
	BaseURL string `mapstructure:"base_url" validate:"required,url"`

	// HealthURL is the endpoint the network monitor probes. Defaults
	// to BaseURL + /health when empty.
	HealthURL string `mapstructure:"health_url" validate:"omitempty,url"`

	// Token is the bearer token attached to mutating requests.
	Token string `mapstructure:"token"`

	// DBPath is the SQLite database location.
	DBPath string `mapstructure:"db_path" validate:"required"`

	// RegistryPath is the resource registry YAML document.
	RegistryPath string `mapstructure:"registry_path" validate:"required"`

	// BootstrapPath is the optional context bootstrap JSON document.
	BootstrapPath string `mapstructure:"bootstrap_path"`

	// ProbeInterval is how often the network monitor probes.
	ProbeInterval time.Duration `mapstructure:"probe_interval" validate:"min=1s"`

	// RequestTimeout bounds each HTTP request.
	RequestTimeout time.Duration `mapstructure:"request_timeout" validate:"min=1s"`

	// RetryCeiling caps per-item retry attempts.
	RetryCeiling int `mapstructure:"retry_ceiling" validate:"min=1,max=100"`

	// SweepInterval is how often the context cache purges expired
	// segments.
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"min=1m"`

	// DashboardPort is the WebSocket dashboard port. 0 disables the
	// dashboard.
	DashboardPort int `mapstructure:"dashboard_port" validate:"min=0,max=65535"`

	// LogPath is the rotating log file location. Empty logs to stderr.
	LogPath string `mapstructure:"log_path"`
}

// Load reads configuration from the given file (or the default search
// path when empty), overlays SATCHEL_ environment variables, and
// validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("db_path", defaultDBPath())
	v.SetDefault("registry_path", "resources.yaml")
	v.SetDefault("probe_interval", 30*time.Second)
	v.SetDefault("request_timeout", 10*time.Second)
	v.SetDefault("retry_ceiling", 5)
	v.SetDefault("sweep_interval", 30*time.Minute)
	v.SetDefault("dashboard_port", 0)

	v.SetEnvPrefix("SATCHEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("satchel")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".satchel"))
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
			// No config file is fine; env and defaults still apply.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.HealthURL == "" && cfg.BaseURL != "" {
		cfg.HealthURL = strings.TrimSuffix(cfg.BaseURL, "/") + "/health"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and reports the first violation.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid config: field %s failed %q", fe.Field(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".satchel", "satchel.db")
	}
	return filepath.Join(home, ".satchel", "satchel.db")
}
