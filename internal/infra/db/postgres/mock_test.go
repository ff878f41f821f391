//go:build !integration

package postgres

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"kirinuki-pipeline/internal/domain/model"
	"kirinuki-pipeline/internal/domain/ports/repository"
	red "kirinuki-pipeline/internal/infra/redis"
)

// --- Mocks for Cache Decorator Tests ---

// mockInnerLedgerRepo mocks the database repository that the ledger decorator wraps.
type mockInnerLedgerRepo struct {
	RecordFunc      func(ctx context.Context, tx repository.Tx, e *model.LedgerEntry) error
	FindByJobIDFunc func(ctx context.Context, tx repository.Tx, jobID string) (*model.LedgerEntry, error)
	ListFunc        func(ctx context.Context, tx repository.Tx) ([]*model.LedgerEntry, error)
}

func (m *mockInnerLedgerRepo) Record(ctx context.Context, tx repository.Tx, e *model.LedgerEntry) error {
	return m.RecordFunc(ctx, tx, e)
}
func (m *mockInnerLedgerRepo) FindByJobID(ctx context.Context, tx repository.Tx, jobID string) (*model.LedgerEntry, error) {
	return m.FindByJobIDFunc(ctx, tx, jobID)
}
func (m *mockInnerLedgerRepo) List(ctx context.Context, tx repository.Tx) ([]*model.LedgerEntry, error) {
	return m.ListFunc(ctx, tx)
}

// mockRedisClient mocks our Redis client wrapper. Unset funcs behave like
// an empty cache.
type mockRedisClient struct {
	GetFunc func(ctx context.Context, key string) (string, error)
	SetFunc func(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	DelFunc func(ctx context.Context, keys ...string) error
}

var _ red.RedisClient = &mockRedisClient{}

func (m *mockRedisClient) Get(ctx context.Context, key string) (string, error) {
	if m.GetFunc == nil {
		return "", redis.Nil
	}
	return m.GetFunc(ctx, key)
}
func (m *mockRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	if m.SetFunc == nil {
		return nil
	}
	return m.SetFunc(ctx, key, value, expiration)
}
func (m *mockRedisClient) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	return true, nil
}
func (m *mockRedisClient) Del(ctx context.Context, keys ...string) error {
	if m.DelFunc == nil {
		return nil
	}
	return m.DelFunc(ctx, keys...)
}
func (m *mockRedisClient) RunScript(ctx context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	return nil, nil
}
func (m *mockRedisClient) Ping(ctx context.Context) error { return nil }
func (m *mockRedisClient) Close() error                   { return nil }
