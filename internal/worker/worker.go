// Package worker resolves individual (provider, location) work items: it
// consults the cache, fetches through the retry policy on a miss, and
// populates the cache on success.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/vnenv/envcrawler/internal/crawler"
	"github.com/vnenv/envcrawler/internal/metrics"
)

// Item is one unit of work: fetch one provider's data for one location.
type Item struct {
	Adapter  crawler.Adapter
	Location crawler.Location
	Domain   crawler.Domain
}

// Key returns the cache key for the item.
func (i Item) Key() crawler.CacheKey {
	return crawler.CacheKey{
		ProviderID: i.Adapter.Spec().ID,
		LocationID: i.Location.ID,
		Domain:     i.Domain,
	}
}

// Result is the resolution of one Item. Exactly one of Record or Err is set.
type Result struct {
	Key      crawler.CacheKey
	Record   *crawler.RawRecord
	Err      *crawler.ItemError
	CacheHit bool
	Attempts int
}

// RetryPolicy wraps a fetch attempt with retries.
type RetryPolicy interface {
	Execute(ctx context.Context, op func(context.Context) error) (int, error)
}

// Config tunes the worker.
type Config struct {
	// TTL returns the cache lifetime for records of a domain.
	TTL func(crawler.Domain) time.Duration
}

// Worker processes items. A single Worker is shared by every goroutine of
// the pool; it keeps no per-item state.
type Worker struct {
	cache  crawler.Cache
	retry  RetryPolicy
	clock  crawler.Clock
	cfg    Config
	logger *zap.Logger
}

// New constructs a Worker. cache may be nil, in which case every item is
// fetched.
func New(cache crawler.Cache, retry RetryPolicy, clock crawler.Clock, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retry == nil {
		retry = crawler.NewExponentialRetryPolicy()
	}
	return &Worker{
		cache:  cache,
		retry:  retry,
		clock:  clock,
		cfg:    cfg,
		logger: logger.Named("worker"),
	}
}

// Run drains items until the channel closes or ctx ends, delivering one
// Result per item. results must have room for every item so delivery never
// blocks.
func (w *Worker) Run(ctx context.Context, items <-chan Item, results chan<- Result) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-items:
			if !ok {
				return
			}
			results <- w.Process(ctx, item)
		}
	}
}

// Process resolves a single item. Failures are returned in the Result, never
// as an error.
func (w *Worker) Process(ctx context.Context, item Item) Result {
	key := item.Key()
	logger := w.logger.With(
		zap.String("provider_id", key.ProviderID),
		zap.String("location_id", key.LocationID),
		zap.String("domain", key.Domain.String()),
	)
	domain := key.Domain.String()

	if rec, ok := w.lookup(ctx, key, logger); ok {
		metrics.ObserveCacheLookup(domain, "hit")
		metrics.ObserveFetch(key.ProviderID, domain, "cache_hit", 0)
		logger.Debug("cache hit")
		return Result{Key: key, Record: &rec, CacheHit: true}
	}

	start := time.Now()
	var rec crawler.RawRecord
	attempts, err := w.retry.Execute(ctx, func(ctx context.Context) error {
		r, err := item.Adapter.Fetch(ctx, item.Location, item.Domain)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	metrics.ObserveRetries(key.ProviderID, attempts-1)

	if err != nil {
		kind := errorKind(ctx, err)
		metrics.ObserveFetch(key.ProviderID, domain, string(kind), time.Since(start))
		logger.Warn("fetch failed",
			zap.String("kind", string(kind)),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return Result{
			Key:      key,
			Attempts: attempts,
			Err: &crawler.ItemError{
				ProviderID: key.ProviderID,
				LocationID: key.LocationID,
				Kind:       kind,
				Message:    err.Error(),
				Attempts:   attempts,
			},
		}
	}

	rec.Domain = key.Domain
	rec.ProviderID = key.ProviderID
	rec.LocationID = key.LocationID
	if rec.ObservedAt.IsZero() && w.clock != nil {
		rec.ObservedAt = w.clock.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = crawler.FetchOK
	}
	metrics.ObserveFetch(key.ProviderID, domain, string(rec.Status), time.Since(start))
	w.store(ctx, key, rec, logger)
	logger.Debug("fetch succeeded", zap.Int("attempts", attempts), zap.Int("fields", len(rec.Fields)))
	return Result{Key: key, Record: &rec, Attempts: attempts}
}

// lookup reads the cache. Cache failures degrade to a miss.
func (w *Worker) lookup(ctx context.Context, key crawler.CacheKey, logger *zap.Logger) (crawler.RawRecord, bool) {
	if w.cache == nil {
		return crawler.RawRecord{}, false
	}
	rec, ok, err := w.cache.Get(ctx, key)
	if err != nil {
		metrics.ObserveCacheLookup(key.Domain.String(), "error")
		logger.Warn("cache read failed", zap.Error(err))
		return crawler.RawRecord{}, false
	}
	if !ok {
		metrics.ObserveCacheLookup(key.Domain.String(), "miss")
		return crawler.RawRecord{}, false
	}
	return rec, true
}

func (w *Worker) store(ctx context.Context, key crawler.CacheKey, rec crawler.RawRecord, logger *zap.Logger) {
	if w.cache == nil || w.cfg.TTL == nil {
		return
	}
	ttl := w.cfg.TTL(key.Domain)
	if ttl <= 0 {
		return
	}
	if err := w.cache.Put(ctx, key, rec, ttl); err != nil {
		logger.Warn("cache write failed", zap.Error(err))
	}
}

// errorKind maps a fetch failure onto the provider error taxonomy. Errors
// that escaped an adapter unclassified count as unreachable unless the job
// context ended first.
func errorKind(ctx context.Context, err error) crawler.ErrorKind {
	if perr, ok := crawler.AsProviderError(err); ok {
		return perr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return crawler.KindTimeout
	}
	return crawler.KindUnreachable
}
