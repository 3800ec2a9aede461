package main

import (
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/23skdu/longbow-lens/internal/config"
	"github.com/23skdu/longbow-lens/internal/logger"
	"github.com/23skdu/longbow-lens/internal/model"
	"github.com/23skdu/longbow-lens/internal/ollama"
	"github.com/23skdu/longbow-lens/internal/tokenizer"
)

var (
	modelRef      string
	configPath    string
	logLevel      string
	logFormat     string
	tokenizerName string
	encodingName  string
)

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "GGUF path or ollama-style model reference",
			Destination: &modelRef,
		},
		&cli.StringFlag{
			Name:        "config",
			Aliases:     []string{"c"},
			Usage:       "YAML config file (default: user config dir)",
			Destination: &configPath,
		},
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (trace, debug, info, warn, error)",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (console, json)",
			Destination: &logFormat,
		},
		&cli.StringFlag{
			Name:        "tokenizer",
			Usage:       "tokenizer backend (gguf, tiktoken)",
			Destination: &tokenizerName,
		},
		&cli.StringFlag{
			Name:        "encoding",
			Usage:       "tiktoken encoding name",
			Destination: &encodingName,
		},
	}
}

// loadConfig overlays command-line flags on the YAML file on built-in
// defaults, then configures logging from the merged result.
func loadConfig() (config.Config, error) {
	path := configPath
	explicit := path != ""
	if !explicit {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path, explicit)
	if err != nil {
		return cfg, err
	}

	if modelRef != "" {
		cfg.Model = modelRef
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if logFormat != "" {
		cfg.LogFormat = logFormat
	}
	if tokenizerName != "" {
		cfg.Tokenizer = config.TokenizerBackend(tokenizerName)
	}
	if encodingName != "" {
		cfg.Encoding = encodingName
	}

	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

// resolveModelPath turns the configured model reference into a GGUF path.
// References without a path separator go through the local ollama store.
func resolveModelPath(cfg config.Config) (string, error) {
	if cfg.Model == "" {
		return "", fmt.Errorf("model is required (GGUF path or ollama reference)")
	}
	if cfg.IsModelPath() {
		return cfg.Model, nil
	}
	path, err := ollama.ResolveModelPath(cfg.Model)
	if err != nil {
		return "", fmt.Errorf("resolve model %q: %w", cfg.Model, err)
	}
	return path, nil
}

func openModel(cfg config.Config) (*model.Model, error) {
	path, err := resolveModelPath(cfg)
	if err != nil {
		return nil, err
	}
	return model.Load(path)
}

func openTokenizer(cfg config.Config, m *model.Model) (tokenizer.Tokenizer, error) {
	switch cfg.Tokenizer {
	case config.TokenizerTiktoken:
		return tokenizer.NewTiktoken(cfg.Encoding)
	default:
		return tokenizer.FromGGUF(m.File())
	}
}
