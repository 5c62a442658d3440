package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "LANVAULT"

// Config is read from lanvault.{yaml,json,toml}, a .env file and
// LANVAULT_* environment variables, in increasing precedence.
type Config struct {
	Addr string `mapstructure:"addr"`

	// StateDir holds staged chunks, accounts.yaml, archives and thumbnails.
	StateDir string `mapstructure:"state_dir"`

	// AllowedDirectories seeds the global root list on first start. Once
	// accounts.yaml exists the list is managed through the admin API.
	AllowedDirectories []string `mapstructure:"allowed_directories"`

	// ChunkBackend is "fs" or "badger".
	ChunkBackend     string `mapstructure:"chunk_backend"`
	ChunkCompression bool   `mapstructure:"chunk_compression"`

	ChunkTTL      time.Duration `mapstructure:"chunk_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	MaxChunkBytes int64         `mapstructure:"max_chunk_bytes"`

	Debug bool `mapstructure:"debug"`

	AutoTLS AutoTLS `mapstructure:"auto_tls"`

	// File is the config file that was read, if any.
	File string
}

// AutoTLS enables ACME certificates when Hosts is non-empty.
type AutoTLS struct {
	Hosts []string `mapstructure:"hosts"`
	Email string   `mapstructure:"email"`
}

func (c *Config) TLSEnabled() bool { return len(c.AutoTLS.Hosts) > 0 }

func setDefaults(v *viper.Viper) {
	v.SetDefault("addr", "0.0.0.0:5001")
	v.SetDefault("state_dir", "./data")
	v.SetDefault("allowed_directories", []string{})
	v.SetDefault("chunk_backend", "fs")
	v.SetDefault("chunk_compression", false)
	v.SetDefault("chunk_ttl", 24*time.Hour)
	v.SetDefault("sweep_interval", time.Hour)
	v.SetDefault("max_chunk_bytes", int64(64<<20))
	v.SetDefault("debug", false)
	v.SetDefault("auto_tls.hosts", []string{})
	v.SetDefault("auto_tls.email", "")
}

// Load reads configuration. An explicit configFile must exist; otherwise
// lanvault.* in the working directory is optional.
func Load(configFile string) (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("lanvault")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var nf viper.ConfigFileNotFoundError
			if !errors.As(err, &nf) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.File = v.ConfigFileUsed()
	if err := c.normalize(); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadDotEnv exports the variables in path without overriding ones that
// are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *Config) normalize() error {
	c.ChunkBackend = strings.ToLower(strings.TrimSpace(c.ChunkBackend))
	switch c.ChunkBackend {
	case "fs", "badger":
	default:
		return fmt.Errorf("config: chunk_backend must be fs or badger, got %q", c.ChunkBackend)
	}
	if c.MaxChunkBytes <= 0 {
		return errors.New("config: max_chunk_bytes must be positive")
	}
	if c.ChunkTTL <= 0 {
		return errors.New("config: chunk_ttl must be positive")
	}
	if c.SweepInterval < 0 {
		return errors.New("config: sweep_interval must not be negative")
	}
	if strings.TrimSpace(c.StateDir) == "" {
		return errors.New("config: state_dir is required")
	}
	abs, err := filepath.Abs(c.StateDir)
	if err != nil {
		return fmt.Errorf("config: state_dir: %w", err)
	}
	c.StateDir = abs

	var dirs []string
	for _, d := range c.AllowedDirectories {
		if d = strings.TrimSpace(d); d != "" {
			dirs = append(dirs, d)
		}
	}
	c.AllowedDirectories = dirs
	return nil
}
