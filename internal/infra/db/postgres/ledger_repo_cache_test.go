//go:build !integration

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"kirinuki-pipeline/internal/domain"
	"kirinuki-pipeline/internal/domain/model"
	"kirinuki-pipeline/internal/domain/ports/repository"
)

func TestLedgerRepoCacheDecorator(t *testing.T) {
	ctx := context.Background()
	entry := &model.LedgerEntry{JobID: "job-1", Title: "Stream", Status: model.LedgerStatusCompleted, ProcessedAt: time.Now().UTC()}
	entryJSON, _ := json.Marshal(entry)

	t.Run("FindByJobID should return from cache on hit", func(t *testing.T) {
		// Arrange
		mockRedis := &mockRedisClient{
			GetFunc: func(ctx context.Context, key string) (string, error) {
				return string(entryJSON), nil // Simulate cache hit
			},
		}
		innerRepoCalled := false
		mockInnerRepo := &mockInnerLedgerRepo{
			FindByJobIDFunc: func(ctx context.Context, tx repository.Tx, jobID string) (*model.LedgerEntry, error) {
				innerRepoCalled = true // This should not be called
				return nil, nil
			},
		}

		decorator := NewLedgerRepoCacheDecorator(mockInnerRepo, mockRedis, time.Hour, nil)

		// Act
		result, err := decorator.FindByJobID(ctx, nil, "job-1")

		// Assert
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if innerRepoCalled {
			t.Error("inner repository should not be called on a cache hit")
		}
		if result == nil || result.Status != model.LedgerStatusCompleted {
			t.Error("did not return the correct entry from cache")
		}
	})

	t.Run("FindByJobID should fill the cache on miss", func(t *testing.T) {
		var setKey string
		mockRedis := &mockRedisClient{
			SetFunc: func(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
				setKey = key
				return nil
			},
		}
		mockInnerRepo := &mockInnerLedgerRepo{
			FindByJobIDFunc: func(ctx context.Context, tx repository.Tx, jobID string) (*model.LedgerEntry, error) {
				return entry, nil
			},
		}

		decorator := NewLedgerRepoCacheDecorator(mockInnerRepo, mockRedis, time.Hour, nil)
		if _, err := decorator.FindByJobID(ctx, nil, "job-1"); err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if setKey != "ledger:job:job-1" {
			t.Errorf("expected cache fill for ledger:job:job-1, got %q", setKey)
		}
	})

	t.Run("FindByJobID should not cache a missing entry", func(t *testing.T) {
		setCalled := false
		mockRedis := &mockRedisClient{
			SetFunc: func(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
				setCalled = true
				return nil
			},
		}
		mockInnerRepo := &mockInnerLedgerRepo{
			FindByJobIDFunc: func(ctx context.Context, tx repository.Tx, jobID string) (*model.LedgerEntry, error) {
				return nil, domain.ErrNotFound
			},
		}

		decorator := NewLedgerRepoCacheDecorator(mockInnerRepo, mockRedis, time.Hour, nil)
		if _, err := decorator.FindByJobID(ctx, nil, "job-9"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if setCalled {
			t.Error("a miss from the database must not be cached")
		}
	})

	t.Run("Record should invalidate the cache", func(t *testing.T) {
		// Arrange
		var deletedKeys []string
		mockRedis := &mockRedisClient{
			DelFunc: func(ctx context.Context, keys ...string) error {
				deletedKeys = append(deletedKeys, keys...)
				return nil
			},
		}
		mockInnerRepo := &mockInnerLedgerRepo{
			RecordFunc: func(ctx context.Context, tx repository.Tx, e *model.LedgerEntry) error {
				return nil
			},
		}

		decorator := NewLedgerRepoCacheDecorator(mockInnerRepo, mockRedis, time.Hour, nil)

		// Act
		err := decorator.Record(ctx, nil, entry)

		// Assert
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if len(deletedKeys) != 2 {
			t.Fatalf("expected 2 keys to be deleted, but got %d", len(deletedKeys))
		}
	})

	t.Run("Record failure should leave the cache alone", func(t *testing.T) {
		delCalled := false
		mockRedis := &mockRedisClient{
			DelFunc: func(ctx context.Context, keys ...string) error {
				delCalled = true
				return nil
			},
		}
		boom := errors.New("db down")
		mockInnerRepo := &mockInnerLedgerRepo{
			RecordFunc: func(ctx context.Context, tx repository.Tx, e *model.LedgerEntry) error { return boom },
		}

		decorator := NewLedgerRepoCacheDecorator(mockInnerRepo, mockRedis, time.Hour, nil)
		if err := decorator.Record(ctx, nil, entry); !errors.Is(err, boom) {
			t.Fatalf("expected inner error, got %v", err)
		}
		if delCalled {
			t.Error("cache should not be touched when the write fails")
		}
	})
}

func TestGetExecutor(t *testing.T) {
	if _, err := getExecutor(nil, nil); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("nil pool and tx: expected ErrInvalidArgument, got %v", err)
	}
	if _, err := getExecutor(nil, "not-a-tx"); !errors.Is(err, domain.ErrInvalidExecContext) {
		t.Errorf("foreign tx: expected ErrInvalidExecContext, got %v", err)
	}
}
