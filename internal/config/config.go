package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type SignalConfig struct {
	SendBuffer         int     `mapstructure:"send_buffer"`
	MaxConnections     int     `mapstructure:"max_connections"`
	RateLimit          float64 `mapstructure:"rate_limit"`
	RateBurst          int     `mapstructure:"rate_burst"`
	SlowConsumerPolicy string  `mapstructure:"slow_consumer_policy"`
}

type RegistryConfig struct {
	Shards int `mapstructure:"shards"`
}

type AuthConfig struct {
	Mode   string `mapstructure:"mode"`
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type Config struct {
	Mode            string        `mapstructure:"mode"`
	Port            int           `mapstructure:"port"`
	LogLevel        string        `mapstructure:"log_level"`
	ReadLimit       int64         `mapstructure:"read_limit"`
	PingPeriod      time.Duration `mapstructure:"ping_period"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Signal   SignalConfig   `mapstructure:"signal"`
	Registry RegistryConfig `mapstructure:"registry"`
	Auth     AuthConfig     `mapstructure:"auth"`

	v *viper.Viper
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "27s")
	v.SetDefault("pong_wait", "30s")
	v.SetDefault("write_wait", "5s")
	v.SetDefault("shutdown_timeout", "5s")

	v.SetDefault("signal.send_buffer", 64)
	v.SetDefault("signal.max_connections", 1000)
	v.SetDefault("signal.rate_limit", 0)
	v.SetDefault("signal.rate_burst", 20)
	v.SetDefault("signal.slow_consumer_policy", "ignore")

	v.SetDefault("registry.shards", 32)

	v.SetDefault("auth.mode", "none")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "")
}

// Flags returns the command line flags Load understands.
func Flags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("monitor", pflag.ContinueOnError)
	fs.String("config", "", "path to a config file (overrides CONFIG_ENV)")
	fs.Int("port", 8080, "listen port")
	fs.String("log-level", "info", "log level")
	fs.String("mode", "release", "gin mode: debug or release")
	return fs
}

// Load reads config/config.<CONFIG_ENV>.yaml, then MONITOR_* env vars, then
// any flags that were set explicitly. A missing file is not an error.
func Load(args []string) (*Config, error) {
	fs := Flags()
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix("MONITOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range map[string]string{"port": "port", "log_level": "log-level", "mode": "mode"} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	fileName, _ := fs.GetString("config")
	if fileName == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		fileName = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(fileName)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	cfg := &Config{v: v}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().
		Str("module", "config").
		Str("mode", cfg.Mode).
		Int("port", cfg.Port).
		Str("auth", cfg.Auth.Mode).
		Msg("config ready")
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Signal.MaxConnections < 0 {
		return fmt.Errorf("signal.max_connections must not be negative")
	}
	if c.Signal.RateLimit < 0 {
		return fmt.Errorf("signal.rate_limit must not be negative")
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return nil
}

// Level returns the zerolog level for log_level, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// WatchLogLevel re-reads log_level whenever the config file changes and hands
// the new level to apply. Other keys need a restart.
func (c *Config) WatchLogLevel(apply func(zerolog.Level)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	if _, err := os.Stat(c.v.ConfigFileUsed()); err != nil {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		lvl, err := zerolog.ParseLevel(c.v.GetString("log_level"))
		if err != nil {
			log.Warn().Str("module", "config").Err(err).Str("file", e.Name).Msg("ignoring bad log_level")
			return
		}
		log.Info().Str("module", "config").Str("file", e.Name).Str("level", lvl.String()).Msg("log level reloaded")
		apply(lvl)
	})
	c.v.WatchConfig()
}
