package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

const (
	envPrefix = "GEOIP"

	DefaultEndpoint         = "https://geoipdb.net/auth"
	DefaultTargetDir        = "./geoip"
	DefaultRetries          = 3
	DefaultTimeout          = 300 * time.Second
	DefaultConcurrency      = 4
	DefaultScratchRetention = 24 * time.Hour
)

var (
	ErrMissingAPIKey = errors.New("API key not provided. Use --api-key or set GEOIP_API_KEY")
	ErrInvalidAPIKey = errors.New("invalid API key format: expected 8-64 characters of letters, digits, '_' or '-'")
)

// Config is the fully resolved updater configuration. It is built once by Load
// and not mutated afterwards.
type Config struct {
	APIKey    string   `envconfig:"API_KEY" yaml:"api_key" validate:"required,apikey"`
	Endpoint  string   `envconfig:"API_ENDPOINT" yaml:"api_endpoint" validate:"required,url"`
	TargetDir string   `envconfig:"TARGET_DIR" yaml:"target_dir" validate:"required"`
	Databases Selector `envconfig:"DATABASES" yaml:"databases"`

	MaxRetries     int           `envconfig:"MAX_RETRIES" yaml:"max_retries" validate:"min=1"`
	Timeout        time.Duration `envconfig:"TIMEOUT" yaml:"timeout" validate:"gt=0"`
	MaxConcurrency int           `envconfig:"MAX_CONCURRENCY" yaml:"max_concurrent" validate:"min=1"`
	NoLock         bool          `envconfig:"NO_LOCK" yaml:"no_lock"`
	Deadline       time.Duration `envconfig:"DEADLINE" yaml:"deadline" validate:"min=0"`
	Jitter         bool          `envconfig:"RETRY_JITTER" yaml:"retry_jitter"`
	Insecure       bool          `envconfig:"INSECURE" yaml:"insecure"`

	ScratchRetention time.Duration `envconfig:"SCRATCH_RETENTION" yaml:"scratch_retention"`

	LogFile  string `envconfig:"LOG_FILE" yaml:"log_file"`
	LogLevel string `envconfig:"LOG_LEVEL" yaml:"log_level"`
	Quiet    bool   `ignored:"true" yaml:"-"`
	Verbose  bool   `ignored:"true" yaml:"-"`

	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL" yaml:"discord_webhook_url" validate:"omitempty,url"`
	OTLPEndpoint      string `envconfig:"OTLP_ENDPOINT" yaml:"otlp_endpoint" validate:"omitempty,url"`
	MetricsTextfile   string `envconfig:"METRICS_TEXTFILE" yaml:"metrics_textfile"`
}

// UseLock reports whether the single-instance lock file should be used.
func (c *Config) UseLock() bool {
	return !c.NoLock
}

// Overrides carries explicitly set command line flags. Nil fields leave the
// value resolved from defaults, the config file and the environment untouched.
type Overrides struct {
	ConfigFile     *string
	APIKey         *string
	Endpoint       *string
	TargetDir      *string
	Databases      *string
	LogFile        *string
	MaxRetries     *int
	Timeout        *time.Duration
	MaxConcurrency *int
	NoLock         *bool
	Deadline       *time.Duration
	Jitter         *bool
	Insecure       *bool
	Quiet          *bool
	Verbose        *bool
	OTLPEndpoint   *string
	Metrics        *string
}

// Defaults returns the compiled-in configuration.
func Defaults() *Config {
	return &Config{
		Endpoint:         DefaultEndpoint,
		TargetDir:        DefaultTargetDir,
		Databases:        Selector{All: true},
		MaxRetries:       DefaultRetries,
		Timeout:          DefaultTimeout,
		MaxConcurrency:   DefaultConcurrency,
		ScratchRetention: DefaultScratchRetention,
		LogLevel:         "INFO",
	}
}

// Load resolves the configuration from defaults, an optional YAML file, the
// environment and finally the explicitly set flags, then validates it and
// makes sure the target directory is usable.
func Load(o Overrides) (*Config, error) {
	cfg, err := Resolve(o)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := EnsureTargetDir(cfg.TargetDir); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Resolve merges every configuration layer without validating the result.
// Commands that do not download (listing, name checks) use it directly.
func Resolve(o Overrides) (*Config, error) {
	// .env never overrides variables already present in the environment.
	_ = godotenv.Load()

	cfg := Defaults()

	path := os.Getenv(envPrefix + "_CONFIG")
	if o.ConfigFile != nil {
		path = *o.ConfigFile
	}

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	o.apply(cfg)

	cfg.Endpoint = NormalizeEndpoint(cfg.Endpoint)

	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("invalid YAML in config file %s: %w", path, err)
	}

	return nil
}

func (o Overrides) apply(cfg *Config) {
	setIf(&cfg.APIKey, o.APIKey)
	setIf(&cfg.Endpoint, o.Endpoint)
	setIf(&cfg.TargetDir, o.TargetDir)
	setIf(&cfg.LogFile, o.LogFile)
	setIf(&cfg.MaxRetries, o.MaxRetries)
	setIf(&cfg.Timeout, o.Timeout)
	setIf(&cfg.MaxConcurrency, o.MaxConcurrency)
	setIf(&cfg.NoLock, o.NoLock)
	setIf(&cfg.Deadline, o.Deadline)
	setIf(&cfg.Jitter, o.Jitter)
	setIf(&cfg.Insecure, o.Insecure)
	setIf(&cfg.Quiet, o.Quiet)
	setIf(&cfg.Verbose, o.Verbose)
	setIf(&cfg.OTLPEndpoint, o.OTLPEndpoint)
	setIf(&cfg.MetricsTextfile, o.Metrics)

	if o.Databases != nil {
		cfg.Databases = ParseSelector(*o.Databases)
	}
}

func setIf[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

// Validate checks the resolved configuration and reports the first problem
// with a specific reason.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return ErrMissingAPIKey
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		fe := verrs[0]
		if fe.Tag() == "apikey" {
			return ErrInvalidAPIKey
		}

		return fmt.Errorf("invalid configuration: %s failed on %q (value %v)", fe.Field(), fe.Tag(), fe.Value())
	}

	return nil
}
