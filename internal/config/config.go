package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"resonance/internal/flags"
	"resonance/internal/repository"
	"resonance/internal/retry"
)

// Config holds application configuration
type Config struct {
	Server struct {
		Port         string `yaml:"port"`
		Mode         string `yaml:"mode"` // gin mode: release | debug | test
		SecureCookie bool   `yaml:"secure_cookie"`

		// Proxies whose X-Forwarded-For is believed; empty means the socket peer is the origin
		TrustedProxies []string `yaml:"trusted_proxies"`
	} `yaml:"server"`

	Log struct {
		Development bool `yaml:"development"`
	} `yaml:"log"`

	Database repository.Config `yaml:"database"`

	// Empty addr keeps rate limiting in process memory
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Prefix   string `yaml:"prefix"`
	} `yaml:"redis"`

	RateLimit struct {
		Window        time.Duration `yaml:"window"`
		Capacity      int           `yaml:"capacity"`
		SweepSchedule string        `yaml:"sweep_schedule"`
	} `yaml:"rate_limit"`

	Classifier struct {
		Provider          string        `yaml:"provider"` // gemini | openrouter
		APIKey            string        `yaml:"api_key"`
		BaseURL           string        `yaml:"base_url"`
		TextModel         string        `yaml:"text_model"`
		ImageModel        string        `yaml:"image_model"`
		MaxRetries        *int          `yaml:"max_retries"` // 0 disables retrying
		BaseDelay         time.Duration `yaml:"base_delay"`
		Multiplier        float64       `yaml:"multiplier"`
		MaxDelay          time.Duration `yaml:"max_delay"`
		RequestTimeout    time.Duration `yaml:"request_timeout"`
		RequestsPerMinute int           `yaml:"requests_per_minute"`

		// Tried in order once the primary keeps failing
		Fallbacks               []Provider `yaml:"fallbacks"`
		MaxFailuresBeforeSwitch int        `yaml:"max_failures_before_switch"`
	} `yaml:"classifier"`

	// Image references are fetched only from the upload collaborator's hosts or root
	Media struct {
		MaxBytes             int64         `yaml:"max_bytes"`
		Timeout              time.Duration `yaml:"timeout"`
		Root                 string        `yaml:"root"`
		AllowedHosts         []string      `yaml:"allowed_hosts"`
		AllowPrivateNetworks bool          `yaml:"allow_private_networks"`
	} `yaml:"media"`

	Cache struct {
		Path string `yaml:"path"`
	} `yaml:"cache"`

	Audit struct {
		Path string `yaml:"path"`
	} `yaml:"audit"`

	Flags struct {
		Path string `yaml:"path"`
	} `yaml:"flags"`

	Session struct {
		Secret     string        `yaml:"secret"`
		TTL        time.Duration `yaml:"ttl"`
		DailyLimit int           `yaml:"daily_limit"` // 0 disables the throttle
	} `yaml:"session"`

	Housekeeping struct {
		ReportSchedule string `yaml:"report_schedule"`
	} `yaml:"housekeeping"`
}

// Provider is a fallback classifier backend
type Provider struct {
	Provider          string `yaml:"provider"` // gemini | openrouter
	APIKey            string `yaml:"api_key"`
	BaseURL           string `yaml:"base_url"`
	TextModel         string `yaml:"text_model"`
	ImageModel        string `yaml:"image_model"`
	RequestsPerMinute int    `yaml:"requests_per_minute"`
}

// LoadConfig loads configuration from YAML file
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	file, err := os.Open(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	// An empty file means all defaults
	if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to decode config file: %w", err)
	}

	config.setDefaults()

	// Expand environment variables in secrets
	config.Classifier.APIKey = os.ExpandEnv(config.Classifier.APIKey)
	for i := range config.Classifier.Fallbacks {
		config.Classifier.Fallbacks[i].APIKey = os.ExpandEnv(config.Classifier.Fallbacks[i].APIKey)
	}
	config.Database.DSN = os.ExpandEnv(config.Database.DSN)
	config.Redis.Password = os.ExpandEnv(config.Redis.Password)
	config.Session.Secret = os.ExpandEnv(config.Session.Secret)

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) setDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/resonance.db"
	}

	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "resonance"
	}

	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = time.Minute
	}
	if c.RateLimit.Capacity == 0 {
		c.RateLimit.Capacity = 1
	}
	if c.RateLimit.SweepSchedule == "" {
		c.RateLimit.SweepSchedule = "@every 1m"
	}

	defaults := retry.DefaultPolicy()
	if c.Classifier.Provider == "" {
		c.Classifier.Provider = "gemini"
	}
	if c.Classifier.TextModel == "" {
		c.Classifier.TextModel = "gemini-2.0-flash"
	}
	if c.Classifier.ImageModel == "" {
		c.Classifier.ImageModel = c.Classifier.TextModel
	}
	if c.Classifier.MaxRetries == nil {
		c.Classifier.MaxRetries = &defaults.MaxRetries
	}
	if c.Classifier.BaseDelay == 0 {
		c.Classifier.BaseDelay = defaults.BaseDelay
	}
	if c.Classifier.Multiplier == 0 {
		c.Classifier.Multiplier = defaults.Multiplier
	}
	if c.Classifier.MaxDelay == 0 {
		c.Classifier.MaxDelay = defaults.MaxDelay
	}
	if c.Classifier.MaxFailuresBeforeSwitch == 0 {
		c.Classifier.MaxFailuresBeforeSwitch = 3
	}
	if c.Classifier.RequestTimeout == 0 {
		c.Classifier.RequestTimeout = 30 * time.Second
	}

	if c.Media.MaxBytes == 0 {
		c.Media.MaxBytes = 10 << 20
	}
	if c.Media.Timeout == 0 {
		c.Media.Timeout = 15 * time.Second
	}

	if c.Cache.Path == "" {
		c.Cache.Path = "./data/feature_cache.json"
	}
	if c.Audit.Path == "" {
		c.Audit.Path = "./data/audit.log"
	}
	if c.Flags.Path == "" {
		c.Flags.Path = "configs/flags.yml"
	}

	if c.Session.TTL == 0 {
		c.Session.TTL = 24 * time.Hour
	}

	if c.Housekeeping.ReportSchedule == "" {
		c.Housekeeping.ReportSchedule = "@every 5m"
	}
}

func (c *Config) validate() error {
	if *c.Classifier.MaxRetries < 0 {
		return fmt.Errorf("classifier.max_retries must not be negative")
	}
	if c.Classifier.Multiplier < 1 {
		return fmt.Errorf("classifier.multiplier must be at least 1")
	}
	if c.RateLimit.Capacity < 0 {
		return fmt.Errorf("rate_limit.capacity must not be negative")
	}
	if !supportedProvider(c.Classifier.Provider) {
		return fmt.Errorf("unsupported classifier provider %q", c.Classifier.Provider)
	}
	for i, fb := range c.Classifier.Fallbacks {
		if !supportedProvider(fb.Provider) {
			return fmt.Errorf("unsupported provider %q in classifier.fallbacks[%d]", fb.Provider, i)
		}
	}
	if c.Database.Driver == "postgres" && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required for postgres")
	}
	return nil
}

func supportedProvider(name string) bool {
	return name == "gemini" || name == "openrouter"
}

// RetryPolicy is the classifier retry policy
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries: *c.Classifier.MaxRetries,
		BaseDelay:  c.Classifier.BaseDelay,
		Multiplier: c.Classifier.Multiplier,
		MaxDelay:   c.Classifier.MaxDelay,
	}
}

// DefaultFlags are the live flags in effect until the flags file says otherwise
func (c *Config) DefaultFlags() flags.Flags {
	return flags.Flags{
		TextModel:  c.Classifier.TextModel,
		ImageModel: c.Classifier.ImageModel,
	}
}
