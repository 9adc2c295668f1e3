// Package config loads the offline agent configuration from a YAML file,
// environment variables and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"time"

	offlineagent "github.com/always-cache/offline-agent"
	"github.com/always-cache/offline-agent/cache"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of all environment variables, e.g. OFFLINE_AGENT_ORIGIN.
const EnvPrefix = "OFFLINE_AGENT_"

// storage drivers
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
	DriverRedis  = "redis"
)

type Config struct {
	// URL of the application origin.
	Origin string `yaml:"origin" env:"ORIGIN"`
	// Path prefix controlled by the agent.
	Scope    string `yaml:"scope" env:"SCOPE"`
	AppShell Family `yaml:"appShell" envPrefix:"APP_SHELL_"`
	Dynamic  Family `yaml:"dynamic" envPrefix:"DYNAMIC_"`
	// Comma separated in the environment.
	ShellAssets       []string      `yaml:"shellAssets" env:"SHELL_ASSETS"`
	DynamicAssets     []string      `yaml:"dynamicAssets" env:"DYNAMIC_ASSETS"`
	// 0 uses offlineagent.DefaultDynamicMaxEntries
	DynamicMaxEntries int           `yaml:"dynamicMaxEntries" env:"DYNAMIC_MAX_ENTRIES"`
	FetchTimeout      time.Duration `yaml:"fetchTimeout" env:"FETCH_TIMEOUT"`
	Storage           Storage       `yaml:"storage" envPrefix:"STORAGE_"`
}

type Family struct {
	Prefix  string `yaml:"prefix" env:"PREFIX"`
	Version string `yaml:"version" env:"VERSION"`
}

type Storage struct {
	// One of sqlite, memory or redis.
	Driver string `yaml:"driver" env:"DRIVER"`
	// SQLite db file name.
	DB          string `yaml:"db" env:"DB"`
	RedisURL    string `yaml:"redisUrl" env:"REDIS_URL"`
	RedisPrefix string `yaml:"redisPrefix" env:"REDIS_PREFIX"`
}

// Default returns the configuration of the calendar application the agent was first built for.
func Default() Config {
	return Config{
		Scope:    "/",
		AppShell: Family(offlineagent.DefaultAppShell),
		Dynamic:  Family(offlineagent.DefaultDynamic),
		ShellAssets: []string{
			"/",
			"/index.html",
			"/pages/calendar.html",
			"/pages/form.html",
			"/pages/about.html",
			"/style.css",
			"/register.js",
			"/img/192.png",
			"/img/512.png",
			"https://cdn.tailwindcss.com/",
		},
		DynamicAssets: []string{
			"https://cdn.jsdelivr.net/npm/fullcalendar@6.1.11/index.global.min.js",
			"https://cdn.jsdelivr.net/npm/fullcalendar@6.1.11/main.min.css",
			"https://cdnjs.cloudflare.com/ajax/libs/jquery/3.7.1/jquery.min.js",
			"https://cdnjs.cloudflare.com/ajax/libs/select2/4.0.13/js/select2.min.js",
			"https://cdnjs.cloudflare.com/ajax/libs/select2/4.0.13/css/select2.min.css",
		},
		DynamicMaxEntries: offlineagent.DefaultDynamicMaxEntries,
		Storage: Storage{
			Driver:      DriverSQLite,
			DB:          "offline-agent.db",
			RedisPrefix: cache.DefaultRedisPrefix,
		},
	}
}

// Load reads the configuration: defaults, then the YAML file if filename is not empty,
// then the environment.
func Load(filename string) (Config, error) {
	config := Default()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	if err := ApplyEnv(&config); err != nil {
		return config, err
	}
	return config, nil
}

// ApplyEnv overrides the configuration with OFFLINE_AGENT_* environment variables.
// Variables are first loaded from the given .env files, or from ./.env if none are given.
// Missing .env files are ignored, and variables already set in the environment win.
func ApplyEnv(config *Config, envFiles ...string) error {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks the configuration for values the agent cannot work with.
func (c Config) Validate() error {
	if _, err := c.originURL(); err != nil {
		return err
	}
	if c.AppShell.Prefix == "" || c.Dynamic.Prefix == "" {
		return errors.New("store family prefix missing")
	}
	if c.AppShell.Prefix == c.Dynamic.Prefix {
		return fmt.Errorf("store families share the prefix %s", c.AppShell.Prefix)
	}
	// zero is accepted, the agent replaces it with the default cap
	if c.DynamicMaxEntries < 0 {
		return fmt.Errorf("negative dynamic max entries %d", c.DynamicMaxEntries)
	}
	switch c.Storage.Driver {
	case DriverSQLite, DriverMemory:
	case DriverRedis:
		if c.Storage.RedisURL == "" {
			return errors.New("redis storage without redis url")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

func (c Config) originURL() (*url.URL, error) {
	if c.Origin == "" {
		return nil, errors.New("origin missing")
	}
	u, err := url.Parse(c.Origin)
	if err != nil {
		return nil, fmt.Errorf("parse origin: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("origin %s is not an absolute URL", c.Origin)
	}
	return u, nil
}

// AgentConfig returns the agent configuration.
// Storage, transport and logger are left for the caller to set.
func (c Config) AgentConfig() (offlineagent.Config, error) {
	if err := c.Validate(); err != nil {
		return offlineagent.Config{}, err
	}
	origin, _ := c.originURL()
	return offlineagent.Config{
		OriginURL:         *origin,
		Scope:             c.Scope,
		AppShell:          offlineagent.Family(c.AppShell),
		Dynamic:           offlineagent.Family(c.Dynamic),
		ShellAssets:       c.ShellAssets,
		DynamicAssets:     c.DynamicAssets,
		DynamicMaxEntries: c.DynamicMaxEntries,
		FetchTimeout:      c.FetchTimeout,
	}, nil
}

// NewStorage opens the configured storage.
func (s Storage) NewStorage() (cache.Storage, error) {
	switch s.Driver {
	case DriverMemory:
		return cache.NewMemStorage(), nil
	case DriverRedis:
		storage, err := cache.NewRedisStorage(s.RedisURL, s.RedisPrefix)
		if err != nil {
			return nil, err
		}
		return storage, nil
	default:
		storage, err := cache.NewSQLiteStorage(s.DB)
		if err != nil {
			return nil, err
		}
		return storage, nil
	}
}
