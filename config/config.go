// Package config loads the loyalty server configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
)

// DefaultConfigFile is the config file read when -config is not given.
const DefaultConfigFile = "loyalty.yaml"

// Config represents the contents of the server config file.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`
	Seed     SeedConfig     `yaml:"seed"`
}

type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"` // ":memory:" for an in-memory database
}

type LogConfig struct {
	Level       string `yaml:"level"` // debug, info, warn, error
	Development bool   `yaml:"development"`
}

type LedgerConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

type SweeperConfig struct {
	Interval time.Duration `yaml:"interval"` // 0 disables the sweeper
}

// SeedConfig describes the tiers created when the catalog is empty.
type SeedConfig struct {
	DefaultLadder bool               `yaml:"default_ladder"`
	Tiers         []factory.TierJSON `yaml:"tiers"`
}

// Load reads the config from path.
// Returns a default config if the file doesn't exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Database: DatabaseConfig{Path: "loyalty.db"},
		Log:      LogConfig{Level: "info"},
		Ledger:   LedgerConfig{MaxRetries: loyalty.DefaultMaxRetries},
		Sweeper:  SweeperConfig{Interval: time.Hour},
		Seed:     SeedConfig{DefaultLadder: true},
	}
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Ledger.MaxRetries < 1 {
		return fmt.Errorf("ledger.max_retries must be at least 1, got %d", c.Ledger.MaxRetries)
	}
	if c.Sweeper.Interval < 0 {
		return fmt.Errorf("sweeper.interval must not be negative")
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// SeedTiers returns the tiers to create on an empty catalog: the inline
// list when present, otherwise the stock ladder if enabled.
func (c *Config) SeedTiers() ([]loyalty.RewardTier, error) {
	if len(c.Seed.Tiers) > 0 {
		return factory.NewTierFactory().FromJSONList(c.Seed.Tiers)
	}
	if c.Seed.DefaultLadder {
		return factory.DefaultLadder(), nil
	}
	return nil, nil
}

// NewLogger builds the process logger at the configured level.
func (c *Config) NewLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if c.Log.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	return zc.Build()
}
