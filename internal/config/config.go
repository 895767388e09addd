package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/Brownie44l1/leaf-api/internal/preprocess"
)

type Config struct {
	Server      ServerConfig
	Model       ModelConfig
	RedisConfig RedisConfig
	CacheEnable bool   `env:"CACHE_ENABLE"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

type ServerConfig struct {
	Port            string        `env:"SERVER_PORT" envDefault:"8080"`
	Timeout         time.Duration `env:"SERVER_TIMEOUT" envDefault:"1m"`
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	ThrottleLimit   int           `env:"SERVER_THROTTLE_LIMIT" envDefault:"1"`
	ThrottleBacklog int           `env:"SERVER_THROTTLE_BACKLOG" envDefault:"16"`
	MaxUploadBytes  int64         `env:"MAX_UPLOAD_BYTES" envDefault:"10485760"`
}

// ModelConfig pairs a model artifact with the preprocessing it requires.
// A manifest at MetadataPath overrides the size, normalization and labels.
type ModelConfig struct {
	Path          string   `env:"MODEL_PATH" envDefault:"models/model.onnx"`
	MetadataPath  string   `env:"MODEL_METADATA_PATH"`
	LibraryPath   string   `env:"ONNX_LIBRARY_PATH"`
	InputWidth    int      `env:"MODEL_INPUT_WIDTH" envDefault:"224"`
	InputHeight   int      `env:"MODEL_INPUT_HEIGHT" envDefault:"224"`
	Normalization string   `env:"MODEL_NORMALIZATION" envDefault:"tanh-range"`
	Layout        string   `env:"MODEL_LAYOUT" envDefault:"nhwc"`
	Threshold     float64  `env:"CONFIDENCE_THRESHOLD" envDefault:"0.60"`
	LabelsPath    string   `env:"LABELS_PATH"`
	Labels        []string `env:"LABELS" envDefault:"blimbing,jeruk,kemangi" envSeparator:","`
}

type RedisConfig struct {
	Addr     string        `env:"REDIS_ADDR" envDefault:"redis:6379"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB" envDefault:"0"`
	TTL      time.Duration `env:"REDIS_TTL" envDefault:"10m"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Model.Path == "" {
		return fmt.Errorf("MODEL_PATH is empty")
	}
	if c.Model.Threshold <= 0 || c.Model.Threshold > 1 {
		return fmt.Errorf("CONFIDENCE_THRESHOLD %v outside (0, 1]", c.Model.Threshold)
	}
	if err := c.Model.Preprocess().Validate(); err != nil {
		return fmt.Errorf("model preprocessing: %w", err)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be positive")
	}
	if c.Server.ThrottleLimit <= 0 {
		return fmt.Errorf("SERVER_THROTTLE_LIMIT must be positive")
	}
	if c.Server.ThrottleBacklog < 0 {
		return fmt.Errorf("SERVER_THROTTLE_BACKLOG must not be negative")
	}
	return nil
}

func (m ModelConfig) Preprocess() preprocess.Options {
	return preprocess.Options{
		Width:         m.InputWidth,
		Height:        m.InputHeight,
		Normalization: preprocess.Normalization(m.Normalization),
		Layout:        preprocess.Layout(m.Layout),
	}
}
