// Package config loads the node pack settings from YAML.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/tksw/comfynodes/nodeapi"
)

// Config holds the settings shared by all nodes.
type Config struct {
	// LoraDirs are searched in order for LoRA files. The first is also the save directory.
	LoraDirs        []string `yaml:"lora_dirs" validate:"dive,required"`
	ImageExtensions []string `yaml:"image_extensions" validate:"min=1,dive,startswith=."`
	TextExtensions  []string `yaml:"text_extensions" validate:"min=1,dive,startswith=."`
	LoraExtensions  []string `yaml:"lora_extensions" validate:"min=1,dive,startswith=."`
	// LoraCacheLimitGB is the default byte budget of the selector cache.
	LoraCacheLimitGB float64 `yaml:"lora_cache_limit_gb" validate:"gte=0,lte=128"`
	// DefaultImageSize is the edge of the black image returned when nothing else is available.
	DefaultImageSize int    `yaml:"default_image_size" validate:"gte=1,lte=16384"`
	LogLevel         string `yaml:"log_level" validate:"oneof=debug info warn error"`
}

var validate = validator.New()

// Default returns a usable configuration with no LoRA directories.
func Default() *Config {
	return &Config{
		ImageExtensions:  []string{".png", ".jpg", ".jpeg", ".bmp", ".webp"},
		TextExtensions:   []string{".txt"},
		LoraExtensions:   []string{".safetensors"},
		LoraCacheLimitGB: 4.0,
		DefaultImageSize: 64,
		LogLevel:         "info",
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, nodeapi.Wrap(nodeapi.ErrConfiguration, "", err, "decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return nodeapi.Wrap(nodeapi.ErrConfiguration, "", err, "invalid config")
	}
	return nil
}

// Level maps LogLevel to a slog level, defaulting to info.
func (c *Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Logger builds a text logger writing to w at the configured level.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: c.Level()}))
}

// Folders returns the LoRA folder resolver.
func (c *Config) Folders() *FolderPaths {
	return &FolderPaths{Dirs: c.LoraDirs, Extensions: c.LoraExtensions}
}
