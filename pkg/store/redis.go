package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const documentsKey = "documents"

// Redis keeps only the latest content of each document.
type Redis struct {
	client *redis.Client
}

func OpenRedis(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedis(client), nil
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func documentKey(id string) string {
	return "document:" + id
}

func (r *Redis) Create(ctx context.Context, id string, content []byte) error {
	created, err := r.client.SetNX(ctx, documentKey(id), content, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to set document: %w", err)
	}
	if !created {
		return fmt.Errorf("%w: %s", ErrExists, id)
	}
	if err := r.client.SAdd(ctx, documentsKey, id).Err(); err != nil {
		return fmt.Errorf("failed to index document: %w", err)
	}
	return nil
}

func (r *Redis) Load(ctx context.Context, id string) ([]byte, error) {
	content, err := r.client.Get(ctx, documentKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	} else if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return content, nil
}

func (r *Redis) Save(ctx context.Context, id string, content []byte) (bool, error) {
	current, err := r.Load(ctx, id)
	if err != nil {
		return false, err
	}
	if bytes.Equal(current, content) {
		return false, nil
	}
	// XX so a save never resurrects a document that was removed underneath us
	updated, err := r.client.SetXX(ctx, documentKey(id), content, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to set document: %w", err)
	}
	if !updated {
		return false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return true, nil
}

func (r *Redis) List(ctx context.Context) ([]string, error) {
	ids, err := r.client.SMembers(ctx, documentsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
