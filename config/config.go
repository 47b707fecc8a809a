// Package config loads the rockettag configuration from a file and from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	rockettag "github.com/bradphelan/rocket-tag"
)

// EnvPrefix is the prefix of the environment variables overriding the configuration, e.g.
// ROCKETTAG_STORAGE_DRIVER.
const EnvPrefix = "ROCKETTAG"

// Config holds all configuration of the engine
type Config struct {
	// ForceLowercase lowercases every tag name before it is stored or queried
	ForceLowercase bool `mapstructure:"force_lowercase"`

	// Storage configuration
	Storage StorageConfig `mapstructure:"storage"`

	// Cache configuration
	Cache CacheConfig `mapstructure:"cache"`

	// Log configuration
	Log LogConfig `mapstructure:"log"`

	// Types maps the taggable entity types to their tag contexts. The type names are case insensitive, and
	// they are read in lowercase.
	Types map[string][]string `mapstructure:"types"`
}

// StorageConfig holds the SQL storage configuration
type StorageConfig struct {
	Driver     string `mapstructure:"driver"` // sqlite3, sqlite, postgres, pgx
	DataSource string `mapstructure:"data_source"`
}

// CacheConfig holds the alias cache configuration
type CacheConfig struct {
	Size             int           `mapstructure:"size"`
	ExpectedItemSize int           `mapstructure:"expected_item_size"`
	TTL              time.Duration `mapstructure:"ttl"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load loads configuration from the provided file, when not empty, and from environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("force_lowercase", false)

	v.SetDefault("storage.driver", rockettag.DefaultDriverName)
	v.SetDefault("storage.data_source", rockettag.DefaultDataSourceName)

	v.SetDefault("cache.size", 1<<26)
	v.SetDefault("cache.expected_item_size", 64)
	v.SetDefault("cache.ttl", rockettag.DefaultAliasCacheTTL)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Logger creates the logger described by the log configuration.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// Options converts the configuration into engine options.
func (c *Config) Options() rockettag.Options {
	return rockettag.Options{
		StorageOptions: rockettag.StorageOptions{
			DriverName:     c.Storage.Driver,
			DataSourceName: c.Storage.DataSource,
		},
		CacheOptions: rockettag.CacheOptions{
			CacheSize:        c.Cache.Size,
			ExpectedItemSize: c.Cache.ExpectedItemSize,
			TTL:              c.Cache.TTL,
		},
		ForceLowercase: c.ForceLowercase,
		Logger:         c.Logger(),
	}
}

// TaggableTypes declares the configured entity types, keyed by name.
func (c *Config) TaggableTypes() (map[string]*rockettag.TaggableType, error) {
	names := make([]string, 0, len(c.Types))
	for n := range c.Types {
		names = append(names, n)
	}

	sort.Strings(names)
	types := make(map[string]*rockettag.TaggableType, len(names))
	for _, n := range names {
		t, err := rockettag.NewTaggableType(n, c.Types[n]...)
		if err != nil {
			return nil, err
		}

		types[n] = t
	}

	return types, nil
}
