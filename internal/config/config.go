package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// TokenizerBackend selects how sentences are turned into token ids.
type TokenizerBackend string

const (
	TokenizerGGUF     TokenizerBackend = "gguf"
	TokenizerTiktoken TokenizerBackend = "tiktoken"
)

// Config is the application configuration for the lens CLI and server.
// Values come from an optional YAML file overlaid by command-line flags.
type Config struct {
	// Model is a GGUF path or an ollama-style "name:tag" reference.
	Model string `yaml:"model"`

	Tokenizer TokenizerBackend `yaml:"tokenizer"`
	// Encoding names the tiktoken encoding when Tokenizer is "tiktoken".
	Encoding string `yaml:"encoding"`

	// Analysis defaults, overridable per call.
	Ranks        bool `yaml:"ranks"`
	KL           bool `yaml:"kl"`
	IncludeInput bool `yaml:"include_input"`
	TopK         int  `yaml:"top_k"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ServerAddr string `yaml:"server_addr"`

	// Export targets. Empty means the exporter is disabled.
	JSONPath      string `yaml:"json_path"`
	ArrowPath     string `yaml:"arrow_path"`
	FlightAddr    string `yaml:"flight_addr"`
	FlightTimeout int    `yaml:"flight_timeout_seconds"`
}

func Default() Config {
	return Config{
		Tokenizer:     TokenizerGGUF,
		Encoding:      "cl100k_base",
		TopK:          5,
		LogLevel:      "info",
		LogFormat:     "console",
		ServerAddr:    ":8311",
		FlightTimeout: 30,
	}
}

func (c *Config) Validate() error {
	if c.Model == "" {
		return fmt.Errorf("model is required (GGUF path or ollama reference)")
	}
	switch c.Tokenizer {
	case TokenizerGGUF, TokenizerTiktoken:
	default:
		return fmt.Errorf("invalid tokenizer: %q (must be %q or %q)", c.Tokenizer, TokenizerGGUF, TokenizerTiktoken)
	}
	if c.Tokenizer == TokenizerTiktoken && c.Encoding == "" {
		return fmt.Errorf("encoding is required when tokenizer is %q", TokenizerTiktoken)
	}
	if c.TopK < 0 {
		return fmt.Errorf("invalid top_k: %d (must be non-negative)", c.TopK)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log_format: %q (must be console or json)", c.LogFormat)
	}
	if c.FlightTimeout < 0 {
		return fmt.Errorf("invalid flight_timeout_seconds: %d (must be non-negative)", c.FlightTimeout)
	}
	return nil
}

// IsModelPath reports whether Model is a filesystem path rather than an
// ollama-style reference.
func (c *Config) IsModelPath() bool {
	return strings.ContainsAny(c.Model, "/\\") || strings.HasSuffix(c.Model, ".gguf")
}

// DefaultPath returns the conventional config file location, or "" when the
// user config dir cannot be determined.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "longbow-lens", "config.yaml")
}

// Load reads a YAML config file on top of defaults. A missing file at the
// default location is not an error; a missing explicit path is.
func Load(path string, explicit bool) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
