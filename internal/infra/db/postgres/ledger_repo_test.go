//go:build integration

package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"kirinuki-pipeline/internal/domain"
	"kirinuki-pipeline/internal/domain/model"
	"kirinuki-pipeline/internal/domain/ports/repository"
)

func TestLedgerRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode.")
	}

	repo := NewLedgerRepo(testPool)
	ctx := context.Background()
	cleanup(t)

	if err := repo.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema should be idempotent: %v", err)
	}

	t.Run("should record and read an entry", func(t *testing.T) {
		e, _ := model.NewLedgerEntry("job-1", "Stream", model.LedgerStatusFailed, "transient")
		if err := repo.Record(ctx, repository.NoTX, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
		got, err := repo.FindByJobID(ctx, repository.NoTX, "job-1")
		if err != nil {
			t.Fatalf("FindByJobID: %v", err)
		}
		if got.Status != model.LedgerStatusFailed || got.Reason != "transient" || !got.Retryable() {
			t.Errorf("unexpected entry %+v", got)
		}
	})

	t.Run("should upsert by job id", func(t *testing.T) {
		e, _ := model.NewLedgerEntry("job-1", "Stream", model.LedgerStatusCompleted, "")
		e.ProcessedAt = e.ProcessedAt.Add(time.Minute)
		if err := repo.Record(ctx, repository.NoTX, e); err != nil {
			t.Fatalf("Record: %v", err)
		}
		list, err := repo.List(ctx, repository.NoTX)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(list) != 1 || list[0].Status != model.LedgerStatusCompleted || list[0].Reason != "" {
			t.Fatalf("expected one completed entry, got %+v", list)
		}
	})

	t.Run("should honour a transaction", func(t *testing.T) {
		tx, err := testPool.Begin(ctx)
		if err != nil {
			t.Fatalf("Begin: %v", err)
		}
		e, _ := model.NewLedgerEntry("job-2", "Other", model.LedgerStatusFailed, "fatal")
		if err := repo.Record(ctx, tx, e); err != nil {
			t.Fatalf("Record in tx: %v", err)
		}
		_ = tx.Rollback(ctx)
		if _, err := repo.FindByJobID(ctx, repository.NoTX, "job-2"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected rolled back entry to be missing, got %v", err)
		}
	})
}
