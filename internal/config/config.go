package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DataDir   string `yaml:"data_dir"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Server    struct {
		RegistryURL       string        `yaml:"registry_url"`
		AccessToken       string        `yaml:"access_token"`
		GzipEvents        bool          `yaml:"gzip_events"`
		RequestTimeoutRaw string        `yaml:"request_timeout"`
		RequestTimeout    time.Duration `yaml:"-"`
	} `yaml:"server"`
	Context struct {
		TimeoutRaw string        `yaml:"timeout"`
		Timeout    time.Duration `yaml:"-"`
	} `yaml:"context"`
	Sequencer struct {
		MaxConcurrent int `yaml:"max_concurrent"`
	} `yaml:"sequencer"`
	Keepalive struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"keepalive"`
	Control struct {
		Enabled bool   `yaml:"enabled"`
		Listen  string `yaml:"listen"`
	} `yaml:"control"`
}

// Defaults returns the configuration written when no file exists yet.
func Defaults() *Config {
	cfg := &Config{
		DataDir:   filepath.Join(os.Getenv("HOME"), ".voicelink"),
		LogLevel:  "info",
		LogFormat: "text",
	}
	cfg.Server.RequestTimeoutRaw = "10s"
	cfg.Context.TimeoutRaw = "2s"
	cfg.Sequencer.MaxConcurrent = 8
	cfg.Keepalive.Enabled = true
	cfg.Control.Enabled = true
	cfg.Control.Listen = "127.0.0.1:7780"
	return cfg
}

func Load(path string) (*Config, error) {
	cfg := Defaults()

	// Load from file if exists, otherwise write defaults
	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	// Override from env (highest precedence)
	if token := os.Getenv("VOICELINK_ACCESS_TOKEN"); token != "" {
		cfg.Server.AccessToken = token
	}
	if registry := os.Getenv("VOICELINK_REGISTRY_URL"); registry != "" {
		cfg.Server.RegistryURL = registry
	}
	if level := os.Getenv("VOICELINK_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the variable's value, or "" if unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func parseDurations(cfg *Config) error {
	var err error
	if cfg.Server.RequestTimeoutRaw != "" {
		cfg.Server.RequestTimeout, err = time.ParseDuration(cfg.Server.RequestTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing server.request_timeout %q: %w", cfg.Server.RequestTimeoutRaw, err)
		}
	}
	if cfg.Context.TimeoutRaw != "" {
		cfg.Context.Timeout, err = time.ParseDuration(cfg.Context.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing context.timeout %q: %w", cfg.Context.TimeoutRaw, err)
		}
	}
	return nil
}

// Validate reports the first problem that prevents the client from running.
func (c *Config) Validate() error {
	if c.Server.RegistryURL == "" {
		return fmt.Errorf("server.registry_url is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn or error, got %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("log_format must be text or json, got %q", c.LogFormat)
	}
	if c.Sequencer.MaxConcurrent < 1 {
		return fmt.Errorf("sequencer.max_concurrent must be at least 1")
	}
	if c.Control.Enabled && c.Control.Listen == "" {
		return fmt.Errorf("control.listen is required when control is enabled")
	}
	return nil
}

// Save writes cfg to path atomically, creating the parent directory.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to the nested map form it has on disk.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return m, nil
}

// ListValues returns cfg as dot-separated keys, masking secrets if mask is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue reads key from the file at path, writing defaults first if the
// file does not exist yet.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	if _, known := LookupKey(key); !known {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	v, ok := Flatten(raw)[key]
	if !ok {
		return nil, fmt.Errorf("config key %s is not set in %s", key, path)
	}
	return v, nil
}

// SetValue sets key in the existing file at path. The value is converted to
// the key's kind; unknown keys and malformed values are rejected.
func SetValue(path, key, value string) error {
	k, ok := LookupKey(key)
	if !ok {
		return fmt.Errorf("unknown config key: %s", key)
	}
	parsed, err := k.Parse(value)
	if err != nil {
		return err
	}

	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	flat := Flatten(raw)
	flat[key] = parsed
	data, err := yaml.Marshal(Unflatten(flat))
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return writeFile(path, data)
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	raw := make(map[string]any)
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return raw, nil
}
