package models

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerAddr       string        `yaml:"server_addr"`
	DatabaseURL      string        `yaml:"database_url"`
	StoragePath      string        `yaml:"storage_path"`
	Retention        time.Duration `yaml:"retention"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	TransformTimeout time.Duration `yaml:"transform_timeout"`
	Workers          int           `yaml:"workers"`
	MaxUploadBytes   int64         `yaml:"max_upload_bytes"`
	KafkaBroker      string        `yaml:"kafka_broker"`
	KafkaTopic       string        `yaml:"kafka_topic"`
	RedisURL         string        `yaml:"redis_url"`
	LogLevel         string        `yaml:"log_level"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
}

const envPrefix = "IMAGEFORGE_"

// LoadConfig reads the YAML file at path, applies IMAGEFORGE_* environment
// overrides (optionally sourced from a .env file) and fills defaults.
// A missing config file is not an error; defaults and env still apply.
func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// .env is optional
	_ = godotenv.Load()
	cfg.applyEnv()

	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	strs := map[string]*string{
		"SERVER_ADDR":  &c.ServerAddr,
		"DATABASE_URL": &c.DatabaseURL,
		"STORAGE_PATH": &c.StoragePath,
		"KAFKA_BROKER": &c.KafkaBroker,
		"KAFKA_TOPIC":  &c.KafkaTopic,
		"REDIS_URL":    &c.RedisURL,
		"LOG_LEVEL":    &c.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
}

func (c *Config) normalize() error {
	if c.ServerAddr == "" {
		c.ServerAddr = ":8080"
	}
	if c.StoragePath == "" {
		c.StoragePath = "uploads"
	}
	if c.Retention == 0 {
		c.Retention = time.Hour
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = 15 * time.Minute
	}
	if c.TransformTimeout == 0 {
		c.TransformTimeout = 30 * time.Second
	}
	if c.Workers == 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = 20 << 20
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MetricsNamespace == "" {
		c.MetricsNamespace = "imageforge"
	}

	switch {
	case c.Retention < 0:
		return fmt.Errorf("retention must be positive, got %s", c.Retention)
	case c.SweepInterval < 0:
		return fmt.Errorf("sweep_interval must be positive, got %s", c.SweepInterval)
	case c.TransformTimeout < 0:
		return fmt.Errorf("transform_timeout must be positive, got %s", c.TransformTimeout)
	case c.Workers < 0:
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	case c.MaxUploadBytes < 0:
		return fmt.Errorf("max_upload_bytes must be positive, got %d", c.MaxUploadBytes)
	case c.KafkaBroker != "" && c.KafkaTopic == "":
		return fmt.Errorf("kafka_topic is required when kafka_broker is set")
	}
	return nil
}
