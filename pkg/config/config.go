package config

import (
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/stellar-lumens/lumens-supply/pkg/logging"
)

// Config holds all application configuration.
type Config struct {
	HTTP struct {
		Addr        string   `yaml:"addr"`
		RatePerMin  int      `yaml:"rate_per_min"`
		Burst       int      `yaml:"burst"`
		CORSOrigins []string `yaml:"cors_origins"`
	} `yaml:"http"`
	Horizon struct {
		URL     string        `yaml:"url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"horizon"`
	Refresh struct {
		Schedule string        `yaml:"schedule"`
		Timeout  time.Duration `yaml:"timeout"`
	} `yaml:"refresh"`
	Cache struct {
		Backend string `yaml:"backend"` // "memory" or "badger"
		Dir     string `yaml:"dir"`
	} `yaml:"cache"`
	// RegistryPath points at an account registry YAML; empty uses the built-in one.
	RegistryPath string         `yaml:"registry_path"`
	Log          logging.Config `yaml:"log"`
}

// Load reads config from a YAML file, then applies environment variable
// overrides and defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "read config")
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "parse config")
		}
	}

	if v := os.Getenv("LUMENS_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("LUMENS_HORIZON_URL"); v != "" {
		cfg.Horizon.URL = v
	}
	if v := os.Getenv("LUMENS_REGISTRY_PATH"); v != "" {
		cfg.RegistryPath = v
	}
	if v := os.Getenv("LUMENS_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("LUMENS_CACHE_DIR"); v != "" {
		cfg.Cache.Dir = v
	}
	if v := os.Getenv("LUMENS_REFRESH_SCHEDULE"); v != "" {
		cfg.Refresh.Schedule = v
	}
	if v := os.Getenv("LUMENS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LUMENS_RATE_PER_MIN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errors.Wrap(err, "LUMENS_RATE_PER_MIN")
		}
		cfg.HTTP.RatePerMin = n
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.RatePerMin == 0 {
		cfg.HTTP.RatePerMin = 60
	}
	if cfg.HTTP.Burst == 0 {
		cfg.HTTP.Burst = 120
	}
	if len(cfg.HTTP.CORSOrigins) == 0 {
		cfg.HTTP.CORSOrigins = []string{"*"}
	}
	if cfg.Horizon.URL == "" {
		cfg.Horizon.URL = "https://horizon.stellar.org"
	}
	if cfg.Horizon.Timeout == 0 {
		cfg.Horizon.Timeout = 10 * time.Second
	}
	if cfg.Refresh.Schedule == "" {
		cfg.Refresh.Schedule = "@every 10m"
	}
	if cfg.Refresh.Timeout == 0 {
		cfg.Refresh.Timeout = 2 * time.Minute
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.Backend == "badger" && cfg.Cache.Dir == "" {
		cfg.Cache.Dir = "data/cache"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	return cfg, nil
}

// Validate checks that all fields are usable.
func (c *Config) Validate() error {
	if c.Horizon.URL == "" {
		return errors.New("horizon.url is required")
	}
	if c.Horizon.Timeout < 0 {
		return errors.New("horizon.timeout must not be negative")
	}
	if _, err := cron.ParseStandard(c.Refresh.Schedule); err != nil {
		return errors.Wrapf(err, "refresh.schedule %q", c.Refresh.Schedule)
	}
	switch c.Cache.Backend {
	case "memory", "badger":
	default:
		return errors.Errorf("cache.backend must be memory or badger, got %q", c.Cache.Backend)
	}
	if c.HTTP.RatePerMin < 0 || c.HTTP.Burst < 0 {
		return errors.New("http.rate_per_min and http.burst must not be negative")
	}
	return nil
}
