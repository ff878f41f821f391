package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"kirinuki-pipeline/internal/domain"
	"kirinuki-pipeline/internal/domain/ports/repository"
	"kirinuki-pipeline/internal/infra/metrics"

	"github.com/go-redis/redis/v8"
)

var _ repository.BlobStore = (*RedisBlobStore)(nil)

// RedisBlobStore keeps each blob under prefix+name. A zero ttl keeps
// blobs until they are deleted.
type RedisBlobStore struct {
	cli    RedisClient
	prefix string
	ttl    time.Duration
}

func NewBlobStore(cli RedisClient, prefix string, ttl time.Duration) *RedisBlobStore {
	return &RedisBlobStore{cli: cli, prefix: prefix, ttl: ttl}
}

func (s *RedisBlobStore) key(name string) string { return s.prefix + name }

func (s *RedisBlobStore) Get(ctx context.Context, name string) (data []byte, err error) {
	defer func(start time.Time) { metrics.ObserveStoreOp("redis", "get", start, err) }(time.Now())
	raw, err := s.cli.Get(ctx, s.key(name))
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", name, err)
	}
	return []byte(raw), nil
}

func (s *RedisBlobStore) Put(ctx context.Context, name string, data []byte) (err error) {
	defer func(start time.Time) { metrics.ObserveStoreOp("redis", "put", start, err) }(time.Now())
	if err = s.cli.Set(ctx, s.key(name), data, s.ttl); err != nil {
		return fmt.Errorf("redis put %s: %w", name, err)
	}
	return nil
}

func (s *RedisBlobStore) Delete(ctx context.Context, name string) (err error) {
	defer func(start time.Time) { metrics.ObserveStoreOp("redis", "delete", start, err) }(time.Now())
	if err = s.cli.Del(ctx, s.key(name)); err != nil {
		return fmt.Errorf("redis delete %s: %w", name, err)
	}
	return nil
}
