// Package config loads server and client settings from an optional yaml file and the environment.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/astromechza/automerge-letters/pkg/store"
)

type Server struct {
	LogLevel       string        `yaml:"log-level" env:"LOG_LEVEL" env-default:"info"`
	Addr           string        `yaml:"addr" env:"ADDR" env-default:"localhost:8080"`
	Target         string        `yaml:"target" env:"TARGET" env-default:"HELLO"`
	SyncInterval   time.Duration `yaml:"sync-interval" env:"SYNC_INTERVAL" env-default:"1s"`
	BackupInterval time.Duration `yaml:"backup-interval" env:"BACKUP_INTERVAL" env-default:"5s"`
	Store          store.Config  `yaml:"store"`
}

type Client struct {
	LogLevel          string        `yaml:"log-level" env:"LOG_LEVEL" env-default:"info"`
	Server            string        `yaml:"server" env:"SERVER" env-default:"http://127.0.0.1:8080"`
	Document          string        `yaml:"document" env:"DOCUMENT"`
	Target            string        `yaml:"target" env:"TARGET" env-default:"HELLO"`
	Phrase            string        `yaml:"phrase" env:"PHRASE" env-default:"HELLOWORLD"`
	Repeat            int           `yaml:"repeat" env:"REPEAT" env-default:"10"`
	CanvasWidth       int           `yaml:"canvas-width" env:"CANVAS_WIDTH" env-default:"10"`
	CanvasHeight      int           `yaml:"canvas-height" env:"CANVAS_HEIGHT" env-default:"10"`
	CellSize          int           `yaml:"cell-size" env:"CELL_SIZE" env-default:"32"`
	SyncInterval      time.Duration `yaml:"sync-interval" env:"SYNC_INTERVAL" env-default:"1s"`
	ReconnectInterval time.Duration `yaml:"reconnect-interval" env:"RECONNECT_INTERVAL" env-default:"1s"`
	ClickInterval     time.Duration `yaml:"click-interval" env:"CLICK_INTERVAL" env-default:"2s"`
}

// Load fills cfg from the yaml file at path, or from the environment alone when path is empty.
// Environment variables win over the file.
func Load(path string, cfg any) error {
	if path == "" {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return fmt.Errorf("failed to read environment: %w", err)
		}
		return nil
	}
	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return nil
}

// Level parses a slog level name such as "debug" or "warn".
func Level(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", name, err)
	}
	return level, nil
}
