package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"kirinuki-pipeline/internal/domain/model"
	"kirinuki-pipeline/internal/domain/ports/repository"
	"kirinuki-pipeline/internal/infra/metrics"
	red "kirinuki-pipeline/internal/infra/redis"
)

var _ repository.LedgerRepository = (*ledgerRepoCacheDecorator)(nil)

const ledgerListKey = "ledger:all"

func ledgerEntryKey(jobID string) string { return "ledger:job:" + jobID }

type ledgerRepoCacheDecorator struct {
	inner repository.LedgerRepository
	cache red.RedisClient
	ttl   time.Duration
	log   *zerolog.Logger
}

func NewLedgerRepoCacheDecorator(inner repository.LedgerRepository, cache red.RedisClient, ttl time.Duration, logger *zerolog.Logger) repository.LedgerRepository {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &ledgerRepoCacheDecorator{inner: inner, cache: cache, ttl: ttl, log: logger}
}

// Record writes through and invalidates both the entry and the list.
func (d *ledgerRepoCacheDecorator) Record(ctx context.Context, tx repository.Tx, e *model.LedgerEntry) error {
	if err := d.inner.Record(ctx, tx, e); err != nil {
		return err
	}
	if err := d.cache.Del(ctx, ledgerEntryKey(e.JobID), ledgerListKey); err != nil {
		d.log.Warn().Err(err).Str("job_id", e.JobID).Msg("ledger cache invalidation failed")
	}
	return nil
}

func (d *ledgerRepoCacheDecorator) FindByJobID(ctx context.Context, tx repository.Tx, jobID string) (*model.LedgerEntry, error) {
	key := ledgerEntryKey(jobID)
	val, err := d.cache.Get(ctx, key)
	if err == nil {
		var e model.LedgerEntry
		if json.Unmarshal([]byte(val), &e) == nil {
			metrics.IncCacheRequest("ledger", "hit")
			return &e, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		d.log.Debug().Err(err).Msg("ledger cache read failed")
	}

	metrics.IncCacheRequest("ledger", "miss")
	e, err := d.inner.FindByJobID(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(e); err == nil {
		_ = d.cache.Set(ctx, key, b, d.ttl)
	}
	return e, nil
}

func (d *ledgerRepoCacheDecorator) List(ctx context.Context, tx repository.Tx) ([]*model.LedgerEntry, error) {
	val, err := d.cache.Get(ctx, ledgerListKey)
	if err == nil {
		var entries []*model.LedgerEntry
		if json.Unmarshal([]byte(val), &entries) == nil {
			metrics.IncCacheRequest("ledger_list", "hit")
			return entries, nil
		}
	}

	metrics.IncCacheRequest("ledger_list", "miss")
	entries, err := d.inner.List(ctx, tx)
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		b, _ := json.Marshal(entries)
		_ = d.cache.Set(ctx, ledgerListKey, b, d.ttl)
	}
	return entries, nil
}
