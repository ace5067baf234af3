package main

import (
	"fmt"
	"os"
	"time"

	remoteurl "github.com/bjonesy/fetch-remote-url"
	"github.com/bjonesy/fetch-remote-url/cache"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Store                 string            `yaml:"store"`
	DB                    string            `yaml:"db"`
	Group                 string            `yaml:"group"`
	Tenant                string            `yaml:"tenant"`
	DisableErrorReporting bool              `yaml:"disableErrorReporting"`
	Timeout               string            `yaml:"timeout"`
	CacheTime             string            `yaml:"cacheTime"`
	IgnoreCacheControl    bool              `yaml:"ignoreCacheControl"`
	UserAgent             string            `yaml:"userAgent"`
	Headers               map[string]string `yaml:"headers"`

	// parsed
	timeout   time.Duration
	cacheTime time.Duration
}

func defaultConfig() Config {
	return Config{
		Store: "sqlite",
		DB:    "cache.db",
	}
}

func getConfig(filename string) (Config, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("parse %s: %w", filename, err)
		}
	}
	return config, config.parse()
}

func (c *Config) parse() error {
	if c.Timeout != "" {
		d, err := time.ParseDuration(c.Timeout)
		if err != nil {
			return fmt.Errorf("timeout: %w", err)
		}
		c.timeout = d
	}
	if c.CacheTime != "" {
		d, err := time.ParseDuration(c.CacheTime)
		if err != nil {
			return fmt.Errorf("cacheTime: %w", err)
		}
		c.cacheTime = d
	}
	return nil
}

func (c Config) options() remoteurl.Options {
	return remoteurl.Options{
		Timeout:                  c.timeout,
		CacheTime:                c.cacheTime,
		IgnoreCacheControlHeader: c.IgnoreCacheControl,
		HTTP: remoteurl.ClientOptions{
			Headers:   c.Headers,
			UserAgent: c.UserAgent,
		},
	}
}

// openStore opens the configured cache store. The returned function closes it.
func (c Config) openStore() (cache.Store, func() error, error) {
	noop := func() error { return nil }
	switch c.Store {
	case "memory":
		return cache.NewMemCache(), noop, nil
	case "sqlite":
		db := c.DB
		if db == "memory" {
			db = ""
		}
		s, err := cache.NewSQLiteCache(db)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case "leveldb":
		path := c.DB
		if path == "memory" {
			path = ""
		}
		s, err := cache.NewLevelDBCache(path)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	default:
		return nil, noop, fmt.Errorf("unsupported cache store: %s", c.Store)
	}
}
