package offcache

import (
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. OFFCACHE_SERVER_ORIGIN.
const EnvPrefix = "OFFCACHE_"

type Config struct {
	Server struct {
		Port         int    `yaml:"port" env:"PORT"`
		Origin       string `yaml:"origin" env:"ORIGIN"`
		FetchTimeout string `yaml:"fetchTimeout" env:"FETCH_TIMEOUT"`
	} `yaml:"server" envPrefix:"SERVER_"`

	Cache struct {
		// Prefix names derived generations: "<prefix>-<manifest digest>".
		Prefix string `yaml:"prefix" env:"PREFIX"`
		// Version pins the generation name. Bump it whenever the manifest
		// or the assets behind it change.
		Version            string `yaml:"version" env:"VERSION"`
		Dir                string `yaml:"dir" env:"DIR"`
		InstallConcurrency int    `yaml:"installConcurrency" env:"INSTALL_CONCURRENCY"`
	} `yaml:"cache" envPrefix:"CACHE_"`

	Storage struct {
		RAM struct {
			Max string `yaml:"max" env:"MAX"`
		} `yaml:"ram" envPrefix:"RAM_"`
	} `yaml:"storage" envPrefix:"STORAGE_"`

	Manifest Manifest `yaml:"manifest" envPrefix:"MANIFEST_"`

	Logging struct {
		Level      string `yaml:"level" env:"LEVEL"`
		StatsEvery string `yaml:"statsEvery" env:"STATS_EVERY"`
	} `yaml:"logging" envPrefix:"LOGGING_"`

	Telemetry struct {
		Endpoint string `yaml:"endpoint" env:"ENDPOINT"`
	} `yaml:"telemetry" envPrefix:"TELEMETRY_"`

	// compiled
	ramMax       int64
	fetchTimeout time.Duration
	statsEvery   time.Duration
}

// LoadConfig reads the YAML file at path, applies OFFCACHE_* environment
// overrides and validates the result. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "parse %s", path)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, errors.Wrap(err, "parse env")
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return errors.New("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	if !strings.HasPrefix(cfg.Server.Origin, "http://") && !strings.HasPrefix(cfg.Server.Origin, "https://") {
		return errors.Errorf("server.origin: %q must be an http(s) URL", cfg.Server.Origin)
	}
	if cfg.Server.FetchTimeout != "" {
		d, err := time.ParseDuration(cfg.Server.FetchTimeout)
		if err != nil {
			return errors.Wrap(err, "server.fetchTimeout")
		}
		cfg.fetchTimeout = d
	}

	if cfg.Cache.Prefix == "" {
		cfg.Cache.Prefix = "offcache"
	}
	if cfg.Cache.InstallConcurrency <= 0 {
		cfg.Cache.InstallConcurrency = 6
	}

	ramMax, err := parseBytes(cfg.Storage.RAM.Max)
	if err != nil {
		return errors.Wrap(err, "storage.ram.max")
	}
	cfg.ramMax = ramMax

	man, err := cfg.Manifest.Normalize()
	if err != nil {
		return err
	}
	cfg.Manifest = man

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.StatsEvery)
		if err != nil {
			return errors.Wrap(err, "logging.statsEvery")
		}
		cfg.statsEvery = d
	}
	return nil
}

// Version is the generation name for the configured manifest: the pinned
// cache.version, or one derived from the manifest digest.
func (cfg Config) Version() string {
	if cfg.Cache.Version != "" {
		return cfg.Cache.Version
	}
	return cfg.Manifest.Version(cfg.Cache.Prefix)
}

func (cfg Config) RAMMax() int64 { return cfg.ramMax }

func (cfg Config) FetchTimeout() time.Duration { return cfg.fetchTimeout }

func (cfg Config) StatsEvery() time.Duration { return cfg.statsEvery }
