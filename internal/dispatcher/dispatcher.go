// Package dispatcher runs crawl jobs: it expands a request into a
// provider x location work set, fans it out to a bounded worker pool, and
// collects the results under an overall deadline.
package dispatcher

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/vnenv/envcrawler/internal/crawler"
	"github.com/vnenv/envcrawler/internal/metrics"
	"github.com/vnenv/envcrawler/internal/registry"
	"github.com/vnenv/envcrawler/internal/worker"
)

// Resolver turns a filter into target locations.
type Resolver interface {
	Resolve(domain crawler.Domain, filter registry.Filter) ([]crawler.Location, error)
}

// AdapterSource lists the adapters serving a domain.
type AdapterSource interface {
	ForDomain(d crawler.Domain) []crawler.Adapter
}

// Config tunes the pool.
type Config struct {
	// Concurrency caps in-flight work items across all providers.
	Concurrency int
	// JobDeadline bounds a job when the request does not set its own.
	JobDeadline time.Duration
}

// Request describes one crawl.
type Request struct {
	Domain   crawler.Domain
	Filter   registry.Filter
	Deadline time.Duration
	// OnItemDone, if set, is called from the collecting goroutine after each
	// work item resolves.
	OnItemDone func(done, total int)
}

// Dispatcher runs crawl jobs. It is safe for concurrent use; each Run owns
// its own pool.
type Dispatcher struct {
	resolver Resolver
	adapters AdapterSource
	worker   *worker.Worker
	ids      crawler.IDGenerator
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
}

// New creates a Dispatcher.
func New(
	resolver Resolver,
	adapters AdapterSource,
	w *worker.Worker,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Dispatcher{
		resolver: resolver,
		adapters: adapters,
		worker:   w,
		ids:      ids,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("dispatcher"),
	}
}

// Run executes one crawl job. It returns an error without a job only for
// caller mistakes (unknown domain or location). When no work item
// succeeds the job is returned together with crawler.ErrJobFailed.
func (d *Dispatcher) Run(ctx context.Context, req Request) (*crawler.CrawlJob, error) {
	domain, err := crawler.ParseDomain(string(req.Domain))
	if err != nil {
		return nil, err
	}
	targets, err := d.resolver.Resolve(domain, req.Filter)
	if err != nil {
		return nil, fmt.Errorf("resolve targets: %w", err)
	}
	adapters := d.adapters.ForDomain(domain)

	jobID, err := d.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}
	deadline := req.Deadline
	if deadline <= 0 {
		deadline = d.cfg.JobDeadline
	}

	providerIDs := make([]string, 0, len(adapters))
	for _, a := range adapters {
		providerIDs = append(providerIDs, a.Spec().ID)
	}
	job := &crawler.CrawlJob{
		ID:          jobID,
		Domain:      domain,
		Status:      crawler.JobStatusRunning,
		RequestedAt: d.clock.Now().UTC(),
		Deadline:    deadline,
		Targets:     targets,
		Providers:   providerIDs,
		Records:     []crawler.RawRecord{},
		Errors:      []crawler.ItemError{},
	}
	logger := d.logger.With(zap.String("job_id", jobID), zap.String("domain", domain.String()))
	logger.Info("crawl started",
		zap.Int("locations", len(targets)),
		zap.Strings("providers", providerIDs),
		zap.Duration("deadline", deadline),
	)
	start := time.Now()

	items := make([]worker.Item, 0, len(adapters)*len(targets))
	for _, a := range adapters {
		for _, loc := range targets {
			items = append(items, worker.Item{Adapter: a, Location: loc, Domain: domain})
		}
	}

	d.dispatch(ctx, job, items, deadline, req.OnItemDone, logger)
	finish(job, d.clock.Now().UTC())

	metrics.ObserveJob(domain.String(), string(job.Status), time.Since(start))
	logger.Info("crawl finished",
		zap.String("status", string(job.Status)),
		zap.Int("requested", job.Requested()),
		zap.Int("succeeded", len(job.Records)),
		zap.Int("failed", len(job.Errors)),
		zap.Int("cache_hits", job.CacheHits),
		zap.Bool("deadline_exceeded", job.DeadlineExceeded),
	)
	if job.Status == crawler.JobStatusFailed {
		return job, crawler.ErrJobFailed
	}
	return job, nil
}

// dispatch runs items through the pool and folds results into job. Items
// still unresolved when the deadline passes are recorded as timeouts and
// their workers are left to observe the cancelled context on their own.
func (d *Dispatcher) dispatch(
	ctx context.Context,
	job *crawler.CrawlJob,
	items []worker.Item,
	deadline time.Duration,
	onItemDone func(done, total int),
	logger *zap.Logger,
) {
	total := len(items)
	if total == 0 {
		return
	}
	jobCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	queue := make(chan worker.Item, total)
	pending := make(map[crawler.CacheKey]struct{}, total)
	for _, item := range items {
		pending[item.Key()] = struct{}{}
		queue <- item
	}
	close(queue)

	// Buffered to the item count so no worker ever blocks on delivery after
	// the collector has stopped reading.
	results := make(chan worker.Result, total)
	for range min(d.cfg.Concurrency, total) {
		go d.worker.Run(jobCtx, queue, results)
	}

	done := 0
	collect := func(res worker.Result) {
		if _, ok := pending[res.Key]; !ok {
			return
		}
		delete(pending, res.Key)
		record(job, res)
		done++
		if onItemDone != nil {
			onItemDone(done, total)
		}
	}

wait:
	for len(pending) > 0 {
		select {
		case res := <-results:
			collect(res)
		case <-jobCtx.Done():
			break wait
		}
	}
	if len(pending) == 0 {
		return
	}

	// Results that landed alongside the deadline still count.
drain:
	for len(pending) > 0 {
		select {
		case res := <-results:
			collect(res)
		default:
			break drain
		}
	}
	if len(pending) == 0 {
		return
	}

	job.DeadlineExceeded = errors.Is(jobCtx.Err(), context.DeadlineExceeded)
	logger.Warn("deadline reached, abandoning outstanding work",
		zap.Int("outstanding", len(pending)),
		zap.Error(jobCtx.Err()),
	)
	for key := range pending {
		job.Errors = append(job.Errors, crawler.ItemError{
			ProviderID: key.ProviderID,
			LocationID: key.LocationID,
			Kind:       crawler.KindTimeout,
			Message:    crawler.ErrJobTimeout.Error(),
		})
		done++
		if onItemDone != nil {
			onItemDone(done, total)
		}
	}
	clear(pending)
}

func record(job *crawler.CrawlJob, res worker.Result) {
	if res.Attempts > 1 {
		job.Retries += res.Attempts - 1
	}
	if res.Err != nil {
		job.Errors = append(job.Errors, *res.Err)
		return
	}
	if res.CacheHit {
		job.CacheHits++
	}
	job.Records = append(job.Records, *res.Record)
}

// finish orders the collected output and settles the terminal status.
func finish(job *crawler.CrawlJob, now time.Time) {
	slices.SortFunc(job.Records, func(a, b crawler.RawRecord) int {
		return cmp.Or(
			cmp.Compare(a.Domain, b.Domain),
			cmp.Compare(a.LocationID, b.LocationID),
			cmp.Compare(a.ProviderID, b.ProviderID),
		)
	})
	slices.SortFunc(job.Errors, func(a, b crawler.ItemError) int {
		return cmp.Or(
			cmp.Compare(a.LocationID, b.LocationID),
			cmp.Compare(a.ProviderID, b.ProviderID),
		)
	})
	job.CompletedAt = now
	job.Status = Status(len(job.Records), len(job.Errors))
}

// Status derives the terminal job status from item counts. A job with no
// successful item is failed, including an empty work set.
func Status(succeeded, failed int) crawler.JobStatus {
	switch {
	case succeeded == 0:
		return crawler.JobStatusFailed
	case failed > 0:
		return crawler.JobStatusCompletedWithErrors
	default:
		return crawler.JobStatusCompleted
	}
}
