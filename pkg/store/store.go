// Package store persists saved automerge documents by handle.
package store

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrExists   = errors.New("document already exists")
)

type Store interface {
	Create(ctx context.Context, id string, content []byte) error
	Load(ctx context.Context, id string) ([]byte, error)
	// Save replaces the content of an existing document and reports whether it differed from what was
	// stored.
	Save(ctx context.Context, id string, content []byte) (bool, error)
	List(ctx context.Context) ([]string, error)
	Close() error
}

// History is implemented by stores that keep every saved version of a document.
type History interface {
	Snapshots(ctx context.Context, id string) ([]string, error)
}

var _ History = (*SQLite)(nil)

type Config struct {
	Driver string `yaml:"driver" env:"STORE_DRIVER" env-default:"sqlite"`
	SQLite struct {
		Path string `yaml:"path" env:"STORE_SQLITE_PATH" env-default:"letters.sqlite3"`
	} `yaml:"sqlite"`
	Redis struct {
		Addr     string `yaml:"addr" env:"STORE_REDIS_ADDR" env-default:"localhost:6379"`
		Password string `yaml:"password" env:"STORE_REDIS_PASSWORD"`
		DB       int    `yaml:"db" env:"STORE_REDIS_DB" env-default:"0"`
	} `yaml:"redis"`
}

func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return OpenSQLite(ctx, cfg.SQLite.Path)
	case "redis":
		return OpenRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
