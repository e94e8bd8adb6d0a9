package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	EnvDev     = "dev"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

type ServerConfig struct {
	Address         string `mapstructure:"address"`
	Environment     string `mapstructure:"environment"`
	ReadTimeout     string `mapstructure:"read_timeout"`
	WriteTimeout    string `mapstructure:"write_timeout"`
	ShutdownTimeout string `mapstructure:"shutdown_timeout"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type DispatcherConfig struct {
	BlacklistTTL           string `mapstructure:"blacklist_ttl"`
	MaxAttemptsPerProvider int    `mapstructure:"max_attempts_per_provider"`
	SweepInterval          string `mapstructure:"sweep_interval"`
	EventBuffer            int    `mapstructure:"event_buffer"`
}

type AdminConfig struct {
	Token     string  `mapstructure:"token"`
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

type ProviderConfig struct {
	Name        string   `mapstructure:"name"`
	Keys        []string `mapstructure:"keys"`
	KeysEnv     string   `mapstructure:"keys_env"`
	Endpoint    string   `mapstructure:"endpoint"`
	Model       string   `mapstructure:"model"`
	MaxAttempts int      `mapstructure:"max_attempts"`
	Timeout     string   `mapstructure:"timeout"`
}

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Providers  []ProviderConfig `mapstructure:"providers"`
}

// Load reads the configuration. An empty path searches for config.yaml in
// ./config and the working directory.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", slog.String("error", err.Error()))
	}

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Error("failed to read config file", slog.String("error", err.Error()))
			return nil, err
		}
		slog.Warn("config file not found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", slog.String("file", v.ConfigFileUsed()))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		slog.Error("failed to unmarshal config", slog.String("error", err.Error()))
		return nil, err
	}

	cfg.resolveKeys()

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.String("error", err.Error()))
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.environment", EnvDev)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("logging.level", LogLevelInfo)
	v.SetDefault("logging.max_size_mb", 50)
	v.SetDefault("logging.max_backups", 10)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("dispatcher.blacklist_ttl", "24h")
	v.SetDefault("dispatcher.max_attempts_per_provider", 0)
	v.SetDefault("dispatcher.sweep_interval", "1m")
	v.SetDefault("dispatcher.event_buffer", 256)
	v.SetDefault("admin.token", "")
	v.SetDefault("admin.rate_limit", 5)
	v.SetDefault("admin.burst", 10)
}

// resolveKeys appends secrets from each provider's keys_env variable and
// drops blank entries.
func (c *Config) resolveKeys() {
	for i := range c.Providers {
		p := &c.Providers[i]

		keys := p.Keys
		if p.KeysEnv != "" {
			keys = append(keys, strings.Split(os.Getenv(p.KeysEnv), ",")...)
		}

		resolved := make([]string, 0, len(keys))
		for _, k := range keys {
			if k = strings.TrimSpace(k); k != "" {
				resolved = append(resolved, k)
			}
		}
		p.Keys = resolved
	}
}

func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server,
			validation.Required,
			validation.By(func(value interface{}) error {
				sc, ok := value.(ServerConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a ServerConfig")
				}
				return validation.ValidateStruct(&sc,
					validation.Field(&sc.Environment,
						validation.Required,
						validation.In(EnvDev, EnvStaging, EnvProd),
					),
					validation.Field(&sc.Address,
						validation.Required,
						validation.By(validateHostPort),
					),
					validation.Field(&sc.ReadTimeout, validation.Required, validation.By(validateDuration)),
					validation.Field(&sc.WriteTimeout, validation.Required, validation.By(validateDuration)),
					validation.Field(&sc.ShutdownTimeout, validation.Required, validation.By(validateDuration)),
				)
			}),
		),
		validation.Field(&c.Logging,
			validation.Required,
			validation.By(func(value interface{}) error {
				lc, ok := value.(LoggingConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a LoggingConfig")
				}
				return validation.ValidateStruct(&lc,
					validation.Field(&lc.Level,
						validation.Required,
						validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
					),
					validation.Field(&lc.MaxSizeMB, validation.Min(0)),
					validation.Field(&lc.MaxBackups, validation.Min(0)),
					validation.Field(&lc.MaxAgeDays, validation.Min(0)),
				)
			}),
		),
		validation.Field(&c.Dispatcher,
			validation.Required,
			validation.By(func(value interface{}) error {
				dc, ok := value.(DispatcherConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be a DispatcherConfig")
				}
				return validation.ValidateStruct(&dc,
					validation.Field(&dc.BlacklistTTL,
						validation.Required,
						validation.By(validatePositiveDuration),
					),
					validation.Field(&dc.SweepInterval,
						validation.Required,
						validation.By(validatePositiveDuration),
					),
					validation.Field(&dc.MaxAttemptsPerProvider, validation.Min(0)),
					validation.Field(&dc.EventBuffer, validation.Required, validation.Min(1)),
				)
			}),
		),
		validation.Field(&c.Admin,
			validation.By(func(value interface{}) error {
				ac, ok := value.(AdminConfig)
				if !ok {
					return validation.NewError("validation_invalid_type", "must be an AdminConfig")
				}
				return validation.ValidateStruct(&ac,
					validation.Field(&ac.RateLimit, validation.Min(0.0)),
					validation.Field(&ac.Burst, validation.Min(0)),
				)
			}),
		),
		validation.Field(&c.Providers,
			validation.Required,
			validation.Length(1, 0),
			validation.Each(validation.By(validateProviderConfig)),
			validation.By(validateUniqueNames),
		),
	)
}

func validateProviderConfig(value interface{}) error {
	pc, ok := value.(ProviderConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a ProviderConfig")
	}

	return validation.ValidateStruct(&pc,
		validation.Field(&pc.Name, validation.Required, is.PrintableASCII),
		validation.Field(&pc.Model, validation.Required),
		validation.Field(&pc.Endpoint, validation.Required, validation.By(validateEndpoint)),
		validation.Field(&pc.Keys,
			validation.Required.Error("needs at least one key, inline or via keys_env"),
		),
		validation.Field(&pc.MaxAttempts, validation.Min(0)),
		validation.Field(&pc.Timeout, validation.When(pc.Timeout != "", validation.By(validatePositiveDuration))),
	)
}

func validateUniqueNames(value interface{}) error {
	providers, ok := value.([]ProviderConfig)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a list of providers")
	}

	seen := make(map[string]bool, len(providers))
	for _, p := range providers {
		if seen[p.Name] {
			return validation.NewError("validation_duplicate_provider", fmt.Sprintf("provider %q is listed twice", p.Name))
		}
		seen[p.Name] = true
	}
	return nil
}

func validateHostPort(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}

	if port == "" {
		return validation.NewError("validation_invalid_port", "port cannot be empty")
	}

	if host != "" {
		if err := is.Host.Validate(host); err != nil {
			return validation.NewError("validation_invalid_host", "invalid host")
		}
	}

	return nil
}

func validateDuration(value interface{}) error {
	durationStr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	if _, err := time.ParseDuration(durationStr); err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}

	return nil
}

func validatePositiveDuration(value interface{}) error {
	if err := validateDuration(value); err != nil {
		return err
	}

	if d, _ := time.ParseDuration(value.(string)); d <= 0 {
		return validation.NewError("validation_nonpositive_duration", "must be greater than zero")
	}

	return nil
}

// validateEndpoint accepts http(s) URLs that may contain a {model} placeholder.
func validateEndpoint(value interface{}) error {
	endpoint, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}

	parsedURL, err := url.Parse(strings.ReplaceAll(endpoint, "{model}", "model"))
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", "URL must use http or https scheme")
	}

	if parsedURL.Host == "" {
		return validation.NewError("validation_missing_host", "URL must have a host")
	}

	return nil
}

// Durations below are only valid after Validate has passed.

func (s ServerConfig) Timeouts() (read, write, shutdown time.Duration) {
	read, _ = time.ParseDuration(s.ReadTimeout)
	write, _ = time.ParseDuration(s.WriteTimeout)
	shutdown, _ = time.ParseDuration(s.ShutdownTimeout)
	return read, write, shutdown
}

func (d DispatcherConfig) TTL() time.Duration {
	ttl, _ := time.ParseDuration(d.BlacklistTTL)
	return ttl
}

func (d DispatcherConfig) Sweep() time.Duration {
	every, _ := time.ParseDuration(d.SweepInterval)
	return every
}

// RequestTimeout returns zero when no timeout is configured.
func (p ProviderConfig) RequestTimeout() time.Duration {
	if p.Timeout == "" {
		return 0
	}
	t, _ := time.ParseDuration(p.Timeout)
	return t
}

// Attempts returns the provider's attempt budget, falling back to the
// dispatcher-wide value.
func (p ProviderConfig) Attempts(d DispatcherConfig) int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return d.MaxAttemptsPerProvider
}
