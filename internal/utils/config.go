package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration as read from YAML.
type Config struct {
	Server struct {
		Host        string `yaml:"host"`
		Port        string `yaml:"port"`
		Prefork     bool   `yaml:"prefork"`
		BodyLimitMB int    `yaml:"body_limit_mb"`
	} `yaml:"server"`

	Logger struct {
		File       string `yaml:"file"`
		Level      string `yaml:"level"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAgeDays int    `yaml:"max_age_days"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logger"`

	Cache struct {
		RedisHost        string        `yaml:"redis_host"`
		RateLimitDB      int           `yaml:"redis_rate_db"`
		HTMLCacheDB      int           `yaml:"redis_html_db"`
		HTMLCacheEnabled bool          `yaml:"html_cache_enabled"`
		HTMLCacheTTL     time.Duration `yaml:"html_cache_ttl"`
	} `yaml:"cache"`

	RateLimiter struct {
		EnableUserLimiter bool          `yaml:"enable_user_limiter"`
		UserLimit         int           `yaml:"user_limit"`
		Interval          time.Duration `yaml:"interval"`
	} `yaml:"rate_limiter"`

	CORS struct {
		Origin string `yaml:"origin"`
	} `yaml:"cors"`

	Poppler PopplerConfig `yaml:"poppler"`

	Cleanup struct {
		MaxAge   time.Duration `yaml:"max_age"`
		Interval time.Duration `yaml:"interval"`
	} `yaml:"cleanup"`

	Ledger struct {
		Enabled  bool           `yaml:"enabled"`
		Postgres PostgresConfig `yaml:"postgres"`
	} `yaml:"ledger"`
}

// PopplerConfig configures the pdftohtml conversion step. PdfToHTMLOptions
// holds converter defaults keyed by option name (e.g. complexOutput).
type PopplerConfig struct {
	BinaryPath       string         `yaml:"binary_path"`
	Encoding         string         `yaml:"encoding"`
	TempDirectory    string         `yaml:"temp_directory"`
	TimeoutSecs      int            `yaml:"timeout_secs"`
	MaxConcurrency   int            `yaml:"max_concurrency"`
	PdfToHTMLOptions map[string]any `yaml:"pdf_to_html_options"`
}

// PostgresConfig describes the connection to the conversion ledger database.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"sslmode"`
}

// AppConfig holds the configuration loaded by LoadConfig.
var AppConfig Config

const defaultConfigPath = "config.yaml"

// LoadConfig reads the file named by CONFIG_PATH (or config.yaml) and stores
// the result in AppConfig.
func LoadConfig() Config {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = defaultConfigPath
	}
	AppConfig = LoadConfigFrom(path)
	return AppConfig
}

// LoadConfigFrom parses the YAML file at path and applies defaults. It panics
// when the file cannot be read or holds invalid values.
func LoadConfigFrom(path string) Config {
	raw, err := os.ReadFile(path)
	if err != nil {
		panic(fmt.Sprintf("cannot read config %q: %v", path, err))
	}

	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		panic(fmt.Sprintf("cannot parse config %q: %v", path, err))
	}

	if v := os.Getenv("POPPLER_BINARY_PATH"); v != "" {
		cfg.Poppler.BinaryPath = v
	}

	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		panic(fmt.Sprintf("invalid config %q: %v", path, err))
	}
	return cfg
}

// GetConfig returns the currently loaded configuration.
func GetConfig() Config {
	return AppConfig
}

// DefaultPdfToHTMLOptions are the converter options used when the config
// file does not set any.
func DefaultPdfToHTMLOptions() map[string]any {
	return map[string]any{
		"complexOutput": true,
		"singlePage":    true,
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8204"
	}
	if cfg.Server.BodyLimitMB == 0 {
		cfg.Server.BodyLimitMB = 64
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = "info"
	}
	if cfg.RateLimiter.Interval == 0 {
		cfg.RateLimiter.Interval = time.Minute
	}
	if cfg.Cache.HTMLCacheTTL == 0 {
		cfg.Cache.HTMLCacheTTL = time.Hour
	}
	if cfg.Poppler.Encoding == "" {
		cfg.Poppler.Encoding = "UTF-8"
	}
	if cfg.Poppler.TempDirectory == "" {
		cfg.Poppler.TempDirectory = filepath.Join(os.TempDir(), "pdf2html")
	}
	if abs, err := filepath.Abs(cfg.Poppler.TempDirectory); err == nil {
		cfg.Poppler.TempDirectory = abs
	}
	if cfg.Poppler.TimeoutSecs == 0 {
		cfg.Poppler.TimeoutSecs = 60
	}
	if cfg.Poppler.PdfToHTMLOptions == nil {
		cfg.Poppler.PdfToHTMLOptions = DefaultPdfToHTMLOptions()
	}
	if cfg.Cleanup.MaxAge > 0 && cfg.Cleanup.Interval == 0 {
		cfg.Cleanup.Interval = time.Minute
	}
}

func validate(cfg Config) error {
	switch {
	case cfg.Poppler.TimeoutSecs < 0:
		return fmt.Errorf("poppler.timeout_secs must not be negative")
	case cfg.Poppler.MaxConcurrency < 0:
		return fmt.Errorf("poppler.max_concurrency must not be negative")
	case cfg.RateLimiter.UserLimit < 0:
		return fmt.Errorf("rate_limiter.user_limit must not be negative")
	case cfg.RateLimiter.Interval < 0:
		return fmt.Errorf("rate_limiter.interval must be positive")
	case cfg.Cleanup.MaxAge < 0:
		return fmt.Errorf("cleanup.max_age must not be negative")
	case cfg.Ledger.Enabled && strings.TrimSpace(cfg.Ledger.Postgres.Host) == "":
		return fmt.Errorf("ledger.postgres.host is required when the ledger is enabled")
	}
	return nil
}
