// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Server struct {
		Host string `json:"host" validate:"required"`
		Port int    `json:"port" validate:"min=1,max=65535"`
	} `json:"server"`

	Database struct {
		Path     string `json:"path"`
		InMemory bool   `json:"in_memory"`
	} `json:"database"`

	Queue struct {
		Workers     int `json:"workers" validate:"min=1,max=64"`
		MaxAttempts int `json:"max_attempts" validate:"min=0"`
	} `json:"queue"`

	Snapshot struct {
		CacheSize       int `json:"cache_size" validate:"min=1"`
		CompressMinSize int `json:"compress_min_size" validate:"min=0"`
	} `json:"snapshot"`

	Workspace struct {
		Ignore []string `json:"ignore"`
	} `json:"workspace"`

	LogLevel string `json:"log_level" validate:"oneof=debug info warn error"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	var cfg Config
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 7420
	cfg.Database.Path = ".lix/db"
	cfg.Queue.Workers = 4
	cfg.Snapshot.CacheSize = 1024
	cfg.Snapshot.CompressMinSize = 1024
	cfg.Workspace.Ignore = []string{".git/**", ".lix/**", "**/node_modules/**"}
	cfg.LogLevel = "info"
	return &cfg
}

// Load reads a JSON config file on top of the defaults, applies LIX_* environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer file.Close()

		if err := json.NewDecoder(file).Decode(config); err != nil {
			return nil, fmt.Errorf("decoding config %s: %w", path, err)
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("LIX_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("LIX_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("LIX_PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing LIX_PORT: %w", err)
		}
		c.Server.Port = n
	}
	if v := os.Getenv("LIX_QUEUE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parsing LIX_QUEUE_WORKERS: %w", err)
		}
		c.Queue.Workers = n
	}
	return nil
}

func (c *Config) Validate() error {
	if !c.Database.InMemory && c.Database.Path == "" {
		return fmt.Errorf("invalid config: database path is required unless in_memory is set")
	}
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
