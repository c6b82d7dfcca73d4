// Package config loads the settings of an attribution client from defaults,
// an optional YAML file and ATTRIBUTION_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/aponysus/attribution/policy"
)

const (
	DefaultEndpoint = "https://www.googleadservices.com/pagead/conversion/app/1.0"
	DefaultLogLevel = "info"

	envPrefix  = "ATTRIBUTION"
	configName = "attribution"
)

// Config holds everything needed to build a poller and its HTTP transport.
type Config struct {
	DevToken   string `mapstructure:"dev_token" yaml:"dev_token"`
	LinkID     string `mapstructure:"link_id" yaml:"link_id"`
	Endpoint   string `mapstructure:"endpoint" yaml:"endpoint"`
	AppVersion string `mapstructure:"app_version" yaml:"app_version"`
	OSVersion  string `mapstructure:"os_version" yaml:"os_version"`
	SDKVersion string `mapstructure:"sdk_version" yaml:"sdk_version"`
	LogLevel   string `mapstructure:"log_level" yaml:"log_level"`

	// RateLimit caps transport requests per second across sessions. Zero disables it.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst"`

	Policy policy.PollPolicy `mapstructure:"policy" yaml:"policy"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-" yaml:"-"`
}

// ValidationError aggregates every problem found in a Config.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	if e == nil || e.Err == nil {
		return "<nil>"
	}
	return "attribution: invalid config: " + e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Errors returns the individual problems.
func (e *ValidationError) Errors() []error {
	if e == nil {
		return nil
	}
	return multierr.Errors(e.Err)
}

type loadOptions struct {
	file        string
	searchPaths []string
	overrides   map[string]any
}

// Option customizes Load.
type Option func(*loadOptions)

// WithFile reads the given file instead of searching for attribution.yaml.
// A missing explicit file is an error.
func WithFile(path string) Option {
	return func(o *loadOptions) { o.file = path }
}

// WithSearchPaths replaces the directories searched for attribution.yaml.
func WithSearchPaths(paths ...string) Option {
	return func(o *loadOptions) { o.searchPaths = append([]string(nil), paths...) }
}

// WithOverride sets key (dotted, e.g. "policy.max_retries") above every other source.
func WithOverride(key string, value any) Option {
	return func(o *loadOptions) {
		if o.overrides == nil {
			o.overrides = make(map[string]any)
		}
		o.overrides[key] = value
	}
}

// Load resolves the configuration, normalizes its policy and validates it.
func Load(opts ...Option) (*Config, error) {
	o := loadOptions{searchPaths: []string{".", "./config", "$HOME/.attribution"}}
	for _, opt := range opts {
		opt(&o)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if o.file != "" {
		v.SetConfigFile(o.file)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		for _, p := range o.searchPaths {
			v.AddConfigPath(p)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if o.file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	for k, val := range o.overrides {
		v.Set(k, val)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := policy.DefaultPollPolicy()

	v.SetDefault("dev_token", "")
	v.SetDefault("link_id", "")
	v.SetDefault("endpoint", DefaultEndpoint)
	v.SetDefault("app_version", "")
	v.SetDefault("os_version", "")
	v.SetDefault("sdk_version", "")
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("rate_limit", 0.0)
	v.SetDefault("rate_burst", 1)
	v.SetDefault("policy.max_retries", def.MaxRetries)
	v.SetDefault("policy.attempt_timeout", def.AttemptTimeout)
	v.SetDefault("policy.backoff_table", def.BackoffTable)
	v.SetDefault("policy.backoff_fallback", def.BackoffFallback)
	v.SetDefault("policy.lookback_days", def.LookbackDays)
}

// Validate normalizes c.Policy in place and reports every invalid field at once.
func (c *Config) Validate() error {
	var errs error

	if c.DevToken == "" {
		errs = multierr.Append(errs, errors.New("dev_token is required"))
	}
	if c.LinkID == "" {
		errs = multierr.Append(errs, errors.New("link_id is required"))
	}
	if u, err := url.Parse(c.Endpoint); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = multierr.Append(errs, fmt.Errorf("endpoint %q must be an absolute http(s) URL", c.Endpoint))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.RateLimit < 0 {
		errs = multierr.Append(errs, fmt.Errorf("rate_limit must not be negative, got %v", c.RateLimit))
	}
	if c.RateLimit > 0 && c.RateBurst < 1 {
		errs = multierr.Append(errs, fmt.Errorf("rate_burst must be at least 1, got %d", c.RateBurst))
	}

	normalized, err := c.Policy.Normalize()
	if err != nil {
		errs = multierr.Append(errs, err)
	} else {
		c.Policy = normalized
	}

	if errs != nil {
		return &ValidationError{Err: errs}
	}
	return nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil || c.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

type yamlPolicy struct {
	MaxRetries      int    `yaml:"max_retries"`
	AttemptTimeout  string `yaml:"attempt_timeout"`
	BackoffTable    []int  `yaml:"backoff_table,flow"`
	BackoffFallback int    `yaml:"backoff_fallback"`
	LookbackDays    int    `yaml:"lookback_days"`
}

type yamlConfig struct {
	DevToken   string     `yaml:"dev_token"`
	LinkID     string     `yaml:"link_id"`
	Endpoint   string     `yaml:"endpoint"`
	AppVersion string     `yaml:"app_version,omitempty"`
	OSVersion  string     `yaml:"os_version,omitempty"`
	SDKVersion string     `yaml:"sdk_version,omitempty"`
	LogLevel   string     `yaml:"log_level"`
	RateLimit  float64    `yaml:"rate_limit"`
	RateBurst  int        `yaml:"rate_burst"`
	Policy     yamlPolicy `yaml:"policy"`
}

// YAML renders the effective configuration in the same shape Load reads.
// The dev token is masked.
func (c *Config) YAML() ([]byte, error) {
	out := yamlConfig{
		DevToken:   mask(c.DevToken),
		LinkID:     c.LinkID,
		Endpoint:   c.Endpoint,
		AppVersion: c.AppVersion,
		OSVersion:  c.OSVersion,
		SDKVersion: c.SDKVersion,
		LogLevel:   c.LogLevel,
		RateLimit:  c.RateLimit,
		RateBurst:  c.RateBurst,
		Policy: yamlPolicy{
			MaxRetries:      c.Policy.MaxRetries,
			AttemptTimeout:  c.Policy.AttemptTimeout.String(),
			BackoffTable:    c.Policy.BackoffTable,
			BackoffFallback: c.Policy.BackoffFallback,
			LookbackDays:    c.Policy.LookbackDays,
		},
	}
	b, err := yaml.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return b, nil
}

// AttemptTimeout is the per-attempt timeout of the configured policy.
func (c *Config) AttemptTimeout() time.Duration { return c.Policy.AttemptTimeout }

func mask(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-4) + s[len(s)-4:]
}
