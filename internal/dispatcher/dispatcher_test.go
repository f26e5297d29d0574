package dispatcher

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vnenv/envcrawler/internal/cache/memory"
	"github.com/vnenv/envcrawler/internal/crawler"
	"github.com/vnenv/envcrawler/internal/id/uuid"
	"github.com/vnenv/envcrawler/internal/registry"
	"github.com/vnenv/envcrawler/internal/worker"
)

type fetchFunc func(ctx context.Context, loc crawler.Location) (crawler.RawRecord, error)

type fakeAdapter struct {
	id     string
	domain crawler.Domain
	calls  atomic.Int32
	fetch  fetchFunc
}

func (a *fakeAdapter) Spec() crawler.ProviderSpec {
	return crawler.ProviderSpec{ID: a.id, Domain: a.domain}
}

func (a *fakeAdapter) Fetch(ctx context.Context, loc crawler.Location, _ crawler.Domain) (crawler.RawRecord, error) {
	a.calls.Add(1)
	return a.fetch(ctx, loc)
}

type adapterSet []crawler.Adapter

func (s adapterSet) ForDomain(d crawler.Domain) []crawler.Adapter {
	var out []crawler.Adapter
	for _, a := range s {
		if a.Spec().Domain == d {
			out = append(out, a)
		}
	}
	return out
}

func ok(field string, v float64) fetchFunc {
	return func(context.Context, crawler.Location) (crawler.RawRecord, error) {
		return crawler.RawRecord{Fields: map[string]crawler.Value{field: crawler.Num(v)}, Status: crawler.FetchOK}, nil
	}
}

func failing(id string, kind crawler.ErrorKind) fetchFunc {
	return func(context.Context, crawler.Location) (crawler.RawRecord, error) {
		return crawler.RawRecord{}, crawler.NewProviderError(id, kind, errors.New("upstream said no"))
	}
}

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New([]crawler.Location{
		{ID: "hanoi", Name: "Hanoi", Province: "Hanoi", Lat: 21.0285, Lon: 105.8542},
		{ID: "ho-chi-minh-city", Name: "Ho Chi Minh City", Province: "Ho Chi Minh", Lat: 10.8231, Lon: 106.6297},
		{ID: "da-nang", Name: "Da Nang", Province: "Da Nang", Lat: 16.0544, Lon: 108.2022},
	})
	require.NoError(t, err)
	return reg
}

type harness struct {
	dispatcher *Dispatcher
	cache      *memory.Cache
	clock      *clockwork.FakeClock
}

func newHarness(t *testing.T, concurrency int, adapters ...crawler.Adapter) harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC))
	cache := memory.New(8, clock)
	retry := crawler.NewRetryPolicy(crawler.RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Microsecond,
		MaxDelay:    time.Microsecond,
	}, clockwork.NewRealClock())
	w := worker.New(cache, retry, clock, worker.Config{
		TTL: func(crawler.Domain) time.Duration { return time.Hour },
	}, zap.NewNop())
	d := New(testRegistry(t), adapterSet(adapters), w, uuid.NewUUIDGenerator(), clock,
		Config{Concurrency: concurrency, JobDeadline: 5 * time.Second}, zap.NewNop())
	return harness{dispatcher: d, cache: cache, clock: clock}
}

func requireAccounting(t *testing.T, job *crawler.CrawlJob) {
	t.Helper()
	require.Equal(t, job.Requested(), len(job.Records)+len(job.Errors))
	require.Equal(t, len(job.Records) == 0, job.Status == crawler.JobStatusFailed)
}

func TestRun_AllSucceed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 4,
		&fakeAdapter{id: "waqi", domain: crawler.DomainAir, fetch: ok("aqi", 80)},
		&fakeAdapter{id: "iqair", domain: crawler.DomainAir, fetch: ok("aqi", 75)},
		&fakeAdapter{id: "open-meteo-soil", domain: crawler.DomainSoil, fetch: ok("soil_temperature_0cm", 29)},
	)

	var progress []int
	job, err := h.dispatcher.Run(context.Background(), Request{
		Domain:     crawler.DomainAir,
		OnItemDone: func(done, total int) { progress = append(progress, done*10+total) },
	})
	require.NoError(t, err)
	requireAccounting(t, job)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Len(t, job.Records, 6)
	require.Equal(t, []string{"waqi", "iqair"}, job.Providers)
	require.Equal(t, []int{16, 26, 36, 46, 56, 66}, progress)
	require.Equal(t, h.clock.Now(), job.CompletedAt)
	_, err = uuid.Parse(job.ID)
	require.NoError(t, err)
}

func TestRun_AirUnauthorizedProvider(t *testing.T) {
	t.Parallel()

	owm := &fakeAdapter{id: "openweather-air", domain: crawler.DomainAir, fetch: failing("openweather-air", crawler.KindUnauthorized)}
	h := newHarness(t, 3,
		owm,
		&fakeAdapter{id: "waqi", domain: crawler.DomainAir, fetch: ok("aqi", 80)},
	)

	job, err := h.dispatcher.Run(context.Background(), Request{Domain: crawler.DomainAir})
	require.NoError(t, err)
	requireAccounting(t, job)
	require.Equal(t, crawler.JobStatusCompletedWithErrors, job.Status)
	require.Len(t, job.Records, 3)
	require.Len(t, job.Errors, 3)
	for _, e := range job.Errors {
		require.Equal(t, crawler.KindUnauthorized, e.Kind)
		require.Equal(t, 1, e.Attempts, "unauthorized is never retried")
	}
	require.EqualValues(t, 3, owm.calls.Load())
	require.Zero(t, job.Retries)
}

func TestRun_SoilAllUnreachableFails(t *testing.T) {
	t.Parallel()

	var adapters []crawler.Adapter
	for _, id := range []string{"open-meteo-soil", "soilgrids-soil", "nasa-power"} {
		adapters = append(adapters, &fakeAdapter{id: id, domain: crawler.DomainSoil, fetch: failing(id, crawler.KindUnreachable)})
	}
	h := newHarness(t, 2, adapters...)

	job, err := h.dispatcher.Run(context.Background(), Request{Domain: crawler.DomainSoil})
	require.ErrorIs(t, err, crawler.ErrJobFailed)
	require.NotNil(t, job)
	requireAccounting(t, job)
	require.Equal(t, crawler.JobStatusFailed, job.Status)
	require.Empty(t, job.Records)
	require.Len(t, job.Errors, 9)
	for _, e := range job.Errors {
		require.Equal(t, crawler.KindUnreachable, e.Kind)
		require.Equal(t, 3, e.Attempts)
	}
	require.Equal(t, 18, job.Retries)
	for _, a := range adapters {
		require.EqualValues(t, 9, a.(*fakeAdapter).calls.Load())
	}
}

func TestRun_LiveCacheEntrySkipsAdapter(t *testing.T) {
	t.Parallel()

	waqi := &fakeAdapter{id: "waqi", domain: crawler.DomainAir, fetch: ok("aqi", 80)}
	h := newHarness(t, 2, waqi)
	key := crawler.CacheKey{ProviderID: "waqi", LocationID: "hanoi", Domain: crawler.DomainAir}
	cached := crawler.RawRecord{
		Domain: crawler.DomainAir, LocationID: "hanoi", ProviderID: "waqi",
		ObservedAt: h.clock.Now().Add(-10 * time.Minute),
		Fields:     map[string]crawler.Value{"aqi": crawler.Num(151)}, Status: crawler.FetchOK,
	}
	require.NoError(t, h.cache.Put(context.Background(), key, cached, 30*time.Minute))

	job, err := h.dispatcher.Run(context.Background(), Request{
		Domain: crawler.DomainAir,
		Filter: registry.Filter{IDs: []string{"hanoi"}},
	})
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, 1, job.CacheHits)
	require.Equal(t, []crawler.RawRecord{cached}, job.Records)
	require.Zero(t, waqi.calls.Load())
}

func TestRun_OrderingIndependentOfCompletion(t *testing.T) {
	t.Parallel()

	jitter := func(field string) fetchFunc {
		return func(context.Context, crawler.Location) (crawler.RawRecord, error) {
			time.Sleep(time.Duration(rand.IntN(5)) * time.Millisecond)
			return crawler.RawRecord{Fields: map[string]crawler.Value{field: crawler.Num(1)}, Status: crawler.FetchOK}, nil
		}
	}
	run := func(concurrency int) []string {
		h := newHarness(t, concurrency,
			&fakeAdapter{id: "waqi", domain: crawler.DomainAir, fetch: jitter("aqi")},
			&fakeAdapter{id: "iqair", domain: crawler.DomainAir, fetch: jitter("aqi")},
			&fakeAdapter{id: "aqicn-web", domain: crawler.DomainAir, fetch: failing("aqicn-web", crawler.KindMalformedResponse)},
		)
		job, err := h.dispatcher.Run(context.Background(), Request{Domain: crawler.DomainAir})
		require.NoError(t, err)
		var keys []string
		for _, r := range job.Records {
			keys = append(keys, r.LocationID+"/"+r.ProviderID)
		}
		for _, e := range job.Errors {
			keys = append(keys, "err:"+e.LocationID+"/"+e.ProviderID)
		}
		return keys
	}

	want := []string{
		"da-nang/iqair", "da-nang/waqi",
		"hanoi/iqair", "hanoi/waqi",
		"ho-chi-minh-city/iqair", "ho-chi-minh-city/waqi",
		"err:da-nang/aqicn-web", "err:hanoi/aqicn-web", "err:ho-chi-minh-city/aqicn-web",
	}
	require.Equal(t, want, run(1))
	require.Equal(t, want, run(6))
}

func TestRun_DeadlineForcesTimeouts(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	var once sync.Once
	started := make(chan struct{})
	stuck := &fakeAdapter{id: "iqair", domain: crawler.DomainAir, fetch: func(_ context.Context, loc crawler.Location) (crawler.RawRecord, error) {
		if loc.ID != "hanoi" {
			return ok("aqi", 60)(context.Background(), loc)
		}
		once.Do(func() { close(started) })
		// Ignores ctx on purpose: the job must not wait for it.
		<-release
		return crawler.RawRecord{}, errors.New("too late")
	}}
	h := newHarness(t, 3, stuck)

	start := time.Now()
	job, err := h.dispatcher.Run(context.Background(), Request{Domain: crawler.DomainAir, Deadline: 100 * time.Millisecond})
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
	<-started

	requireAccounting(t, job)
	require.True(t, job.DeadlineExceeded)
	require.Equal(t, crawler.JobStatusCompletedWithErrors, job.Status)
	require.Len(t, job.Records, 2)
	require.Equal(t, []crawler.ItemError{{
		ProviderID: "iqair",
		LocationID: "hanoi",
		Kind:       crawler.KindTimeout,
		Message:    crawler.ErrJobTimeout.Error(),
	}}, job.Errors)
}

func TestRun_UnknownLocationRejectedBeforeDispatch(t *testing.T) {
	t.Parallel()

	waqi := &fakeAdapter{id: "waqi", domain: crawler.DomainAir, fetch: ok("aqi", 1)}
	h := newHarness(t, 1, waqi)

	job, err := h.dispatcher.Run(context.Background(), Request{
		Domain: crawler.DomainAir,
		Filter: registry.Filter{IDs: []string{"hanoi", "atlantis"}},
	})
	require.Nil(t, job)
	var unknown *crawler.UnknownLocationError
	require.ErrorAs(t, err, &unknown)
	require.Equal(t, []string{"atlantis"}, unknown.IDs)
	require.Zero(t, waqi.calls.Load())
}

func TestRun_UnknownDomain(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 1)
	_, err := h.dispatcher.Run(context.Background(), Request{Domain: "noise"})
	require.ErrorIs(t, err, crawler.ErrUnknownDomain)
}

func TestRun_EmptyWorkSetFails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, 2)
	job, err := h.dispatcher.Run(context.Background(), Request{Domain: crawler.DomainWater})
	require.ErrorIs(t, err, crawler.ErrJobFailed)
	require.Zero(t, job.Requested())
	require.Equal(t, crawler.JobStatusFailed, job.Status)
}

func TestStatus(t *testing.T) {
	t.Parallel()

	require.Equal(t, crawler.JobStatusFailed, Status(0, 0))
	require.Equal(t, crawler.JobStatusFailed, Status(0, 4))
	require.Equal(t, crawler.JobStatusCompletedWithErrors, Status(1, 4))
	require.Equal(t, crawler.JobStatusCompleted, Status(4, 0))
}
