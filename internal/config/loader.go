package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// Environment variables read by LoadDefault and ApplyEnv.
const (
	EnvConfig   = "STAGEGATE_CONFIG"
	EnvHome     = "STAGEGATE_HOME"
	EnvStore    = "STAGEGATE_STORE"
	EnvLogLevel = "STAGEGATE_LOG_LEVEL"
)

// ConfigFileName is the project-level config file name.
const ConfigFileName = "stagegate.yaml"

// Defaults returns the embedded default configuration.
func Defaults() (*Config, error) {
	var cfg Config
	if err := decodeInto(defaultsYAML, &cfg); err != nil {
		return nil, fmt.Errorf("parsing embedded defaults: %w", err)
	}
	return &cfg, nil
}

// Load reads the YAML file at path over the embedded defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes data over the embedded defaults.
func Parse(data []byte) (*Config, error) {
	cfg, err := Defaults()
	if err != nil {
		return nil, err
	}
	if err := decodeInto(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

func decodeInto(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// LoadDefault loads the .env files, then the first config found in
// $STAGEGATE_CONFIG, ./stagegate.yaml or ~/.stagegate/config.yaml, falling back
// to the embedded defaults. Environment overrides are applied last.
func LoadDefault() (*Config, error) {
	LoadDotEnv()

	var candidates []string
	if p := os.Getenv(EnvConfig); p != "" {
		if _, err := os.Stat(p); err != nil {
			return nil, fmt.Errorf("%s=%s: %w", EnvConfig, p, err)
		}
		candidates = append(candidates, p)
	}
	candidates = append(candidates, ConfigFileName)
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".stagegate", "config.yaml"))
	}

	var cfg *Config
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			c, err := Load(path)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			cfg = c
			break
		}
	}
	if cfg == nil {
		c, err := Defaults()
		if err != nil {
			return nil, err
		}
		cfg = c
	}
	ApplyEnv(cfg)
	return cfg, nil
}

// LoadDotEnv loads ./.env and ~/.stagegate/.env when present. Variables already
// set in the environment win.
func LoadDotEnv() {
	_ = godotenv.Load()
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".stagegate", ".env")
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

// ApplyEnv overlays environment overrides onto cfg.
func ApplyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvHome)); v != "" {
		cfg.Home = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStore)); v != "" {
		cfg.Store.Backend = strings.ToLower(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
}

// HomeDir returns the state root, defaulting to ~/.stagegate.
func (c *Config) HomeDir() (string, error) {
	if c.Home != "" {
		return expandHome(c.Home)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".stagegate"), nil
}

// StoreDir returns the directory of the configured store backend.
func (c *Config) StoreDir() (string, error) {
	if c.Store.Dir != "" {
		return expandHome(c.Store.Dir)
	}
	home, err := c.HomeDir()
	if err != nil {
		return "", err
	}
	if c.Store.Backend == "badger" {
		return filepath.Join(home, "badger"), nil
	}
	return filepath.Join(home, "runs"), nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
