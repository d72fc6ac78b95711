// Package config loads mydocker settings from defaults, a YAML file,
// MYDOCKER_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/ciiiii/mydocker/core"
)

const (
	appName   = "mydocker"
	envPrefix = "MYDOCKER"

	DefaultBaseDir     = "/tmp/mydocker"
	DefaultConcurrency = 3
)

type Config struct {
	BaseDir     string        `mapstructure:"base_dir"`
	Registry    string        `mapstructure:"registry"`
	Arch        string        `mapstructure:"arch"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"`
	VerifyCache bool          `mapstructure:"verify_cache"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	Log         LogConfig     `mapstructure:"log"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// New returns a viper instance carrying the defaults and the environment
// binding. Callers bind their flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("base_dir", DefaultBaseDir)
	v.SetDefault("registry", core.DefaultRegistry)
	v.SetDefault("arch", "")
	v.SetDefault("timeout", time.Duration(0))
	v.SetDefault("concurrency", DefaultConcurrency)
	v.SetDefault("verify_cache", false)
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// DefaultFile is $XDG_CONFIG_HOME/mydocker/config.yaml.
func DefaultFile() string {
	return filepath.Join(xdg.ConfigHome, appName, "config.yaml")
}

// Load reads file into v and decodes the result. An empty file means
// DefaultFile, which may be absent; an explicitly named file must exist.
func Load(v *viper.Viper, file string) (*Config, error) {
	explicit := file != ""
	if !explicit {
		file = DefaultFile()
	}
	if _, err := os.Stat(file); err == nil {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", file, err)
		}
	} else if explicit || !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading config %s: %w", file, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir must not be empty")
	}
	abs, err := filepath.Abs(c.BaseDir)
	if err != nil {
		return fmt.Errorf("base_dir %q: %w", c.BaseDir, err)
	}
	c.BaseDir = abs
	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %s", c.Timeout)
	}
	if c.Registry != "" && !strings.Contains(c.Registry, "://") {
		return fmt.Errorf("registry %q must be a URL with a scheme", c.Registry)
	}
	if (c.Username == "") != (c.Password == "") {
		return fmt.Errorf("username and password must be set together")
	}
	return nil
}

// Account returns the registry credentials, or nil for anonymous pulls.
func (c *Config) Account() *core.RegistryAccount {
	if c.Username == "" {
		return nil
	}
	return &core.RegistryAccount{Username: c.Username, Password: c.Password}
}
