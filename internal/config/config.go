// Package config loads the sharded-database topology described in spec
// §6: an ordered host list, the shared database name used on every host,
// and which host carries the Definitions table. Grounded on
// internal/config/local_config.go (direct yaml.Unmarshal of the file,
// returning an empty layer rather than an error when it is missing or
// malformed) layered under cmd/bd/doctor/label_mutex.go's
// viper.New()/SetDefault/AutomaticEnv pattern for a one-off instance
// outside the global viper singleton, applying EDGESTORE_-prefixed
// environment overrides on top of the file layer.
package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// fileConfig is the on-disk shape of the optional YAML layer, read
// directly with yaml.Unmarshal the way LoadLocalConfig
// reads config.yaml, rather than through viper's own YAML decoder.
type fileConfig struct {
	DatabaseHosts   []string `yaml:"database_hosts"`
	DatabaseName    string   `yaml:"database_name"`
	DefinitionsHost string   `yaml:"definitions_host"`
	NumHosts        int      `yaml:"num_hosts"`
}

// loadFile reads path directly and parses it with yaml.Unmarshal, mirroring
// LoadLocalConfig: a missing or unparseable file yields an empty layer
// instead of an error, since the env-var layer above it may still supply
// everything Validate needs.
func loadFile(path string) *fileConfig {
	if path == "" {
		return &fileConfig{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return &fileConfig{}
	}
	var cfg fileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return &fileConfig{}
	}
	return &cfg
}

// ErrConfig is the sentinel for a malformed or incomplete topology.
var ErrConfig = errors.New("config: invalid configuration")

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrConfig}, args...)...)
}

// Config is the resolved topology: the ordered host list that colo→host
// routing indexes into, the database name every host's shard uses, and
// the host carrying the Definitions table (spec §4.3).
type Config struct {
	DatabaseHosts   []string
	DatabaseName    string
	DefinitionsHost string
	NumHosts        int
}

// Load resolves a Config the way local_config.go layers its own settings: the
// YAML file at path (skipped entirely if it doesn't exist, matching
// LoadLocalConfig's "return empty, not an error" behavior) as the base
// layer, then a one-off viper instance — grounded on label_mutex.go's
// viper.New() pattern rather than the global singleton — applying
// EDGESTORE_-prefixed environment variables on top, which always take
// precedence. path may be empty to skip the file layer entirely.
func Load(path string) (*Config, error) {
	file := loadFile(path)

	v := viper.New()
	v.SetDefault("database_hosts", file.DatabaseHosts)
	v.SetDefault("database_name", file.DatabaseName)
	v.SetDefault("definitions_host", file.DefinitionsHost)
	v.SetDefault("num_hosts", file.NumHosts)
	v.SetEnvPrefix("EDGESTORE")
	v.AutomaticEnv()
	for _, key := range []string{"database_hosts", "database_name", "definitions_host", "num_hosts"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: binding env for %q: %w", key, err)
		}
	}

	cfg := &Config{
		DatabaseHosts:   v.GetStringSlice("database_hosts"),
		DatabaseName:    v.GetString("database_name"),
		DefinitionsHost: v.GetString("definitions_host"),
		NumHosts:        v.GetInt("num_hosts"),
	}
	if cfg.NumHosts == 0 {
		cfg.NumHosts = len(cfg.DatabaseHosts)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces spec §6's configuration invariant: NUM_HOSTS must
// agree with the declared host list's length (changing the host count
// changes colo→host routing and is a deliberately unsupported, offline-
// only operation, never a silent runtime reinterpretation), and
// DEFINITIONS_HOST must name one of the declared hosts.
func (c *Config) Validate() error {
	if c.DatabaseName == "" {
		return configErrorf("database_name is required")
	}
	if len(c.DatabaseHosts) == 0 {
		return configErrorf("database_hosts must name at least one host")
	}
	if c.NumHosts != len(c.DatabaseHosts) {
		return configErrorf("num_hosts (%d) does not match database_hosts length (%d)", c.NumHosts, len(c.DatabaseHosts))
	}
	if _, err := c.DefinitionsHostIndex(); err != nil {
		return err
	}
	return nil
}

// DefinitionsHostIndex resolves DefinitionsHost to its position in
// DatabaseHosts, the index internal/store.New expects.
func (c *Config) DefinitionsHostIndex() (int, error) {
	for i, host := range c.DatabaseHosts {
		if host == c.DefinitionsHost {
			return i, nil
		}
	}
	return 0, configErrorf("definitions_host %q is not in database_hosts", c.DefinitionsHost)
}
