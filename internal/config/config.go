// Package config loads service configuration from a YAML file and
// PROMPTCRON_ environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/t77yq/promptcron/internal/notify"
)

// Config is the full service configuration
type Config struct {
	App struct {
		Name string `mapstructure:"name"`
	} `mapstructure:"app"`

	Log struct {
		Development bool `mapstructure:"development"`
	} `mapstructure:"log"`

	Storage struct {
		Path          string        `mapstructure:"path"`
		RunRetention  time.Duration `mapstructure:"run_retention"`
		CleanupPeriod time.Duration `mapstructure:"cleanup_period"`
	} `mapstructure:"storage"`

	Engine struct {
		Command         string   `mapstructure:"command"`
		Args            []string `mapstructure:"args"`
		WorkDir         string   `mapstructure:"workdir"`
		BrowserArgs     []string `mapstructure:"browser_args"`
		DefaultModel    string   `mapstructure:"default_model"`
		DisallowedTools []string `mapstructure:"disallowed_tools"`
	} `mapstructure:"engine"`

	Supervisor struct {
		StaleTimeout      time.Duration `mapstructure:"stale_timeout"`
		MaxTurns          int           `mapstructure:"max_turns"`
		MessageMultiplier int           `mapstructure:"message_multiplier"`
		InterruptGrace    time.Duration `mapstructure:"interrupt_grace"`
	} `mapstructure:"supervisor"`

	Scheduler struct {
		Timezone        string        `mapstructure:"timezone"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"scheduler"`

	Notify struct {
		MaxChunk   int                      `mapstructure:"max_chunk"`
		RatePerSec float64                  `mapstructure:"rate_per_sec"`
		Recipients []notify.RecipientConfig `mapstructure:"recipients"`
	} `mapstructure:"notify"`

	NATS struct {
		URL            string        `mapstructure:"url"`
		MaxReconnects  int           `mapstructure:"max_reconnects"`
		ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
		ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	} `mapstructure:"nats"`

	API struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"api"`

	Status struct {
		Interval time.Duration `mapstructure:"interval"`
	} `mapstructure:"status"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "promptcron")
	v.SetDefault("log.development", false)

	v.SetDefault("storage.path", "promptcron.db")
	v.SetDefault("storage.run_retention", 30*24*time.Hour)
	v.SetDefault("storage.cleanup_period", 24*time.Hour)

	v.SetDefault("engine.command", "claude")
	v.SetDefault("engine.args", []string{})
	v.SetDefault("engine.workdir", "")
	v.SetDefault("engine.browser_args", []string{})
	v.SetDefault("engine.default_model", "")
	v.SetDefault("engine.disallowed_tools", []string{})

	v.SetDefault("supervisor.stale_timeout", 5*time.Minute)
	v.SetDefault("supervisor.max_turns", 50)
	v.SetDefault("supervisor.message_multiplier", 5)
	v.SetDefault("supervisor.interrupt_grace", 10*time.Second)

	v.SetDefault("scheduler.timezone", "UTC")
	v.SetDefault("scheduler.shutdown_timeout", 30*time.Second)

	v.SetDefault("notify.max_chunk", notify.DefaultMaxChunk)
	v.SetDefault("notify.rate_per_sec", 2)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("status.interval", time.Minute)
}

// Load reads configuration. An empty path searches for config.yaml in
// ./config and the working directory; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PROMPTCRON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Location returns the scheduler's time zone
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Scheduler.Timezone)
}

func (c *Config) validate() error {
	if c.Engine.Command == "" {
		return errors.New("engine.command is required")
	}
	if c.Storage.Path == "" {
		return errors.New("storage.path is required")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid scheduler.timezone: %w", err)
	}
	for _, r := range c.Notify.Recipients {
		if r.Kind == notify.KindNATS && c.NATS.URL == "" {
			return fmt.Errorf("notify recipient %q requires nats.url", r.Name)
		}
	}
	return nil
}
