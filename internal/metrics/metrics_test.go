package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if fetchesTotal == nil || cacheLookupsTotal == nil || jobsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveFetchAndCache(t *testing.T) {
	before := testutil.ToFloat64(fetchesCounter("waqi", "air", "ok"))
	ObserveFetch("waqi", "air", "ok", 150*time.Millisecond)
	if got := testutil.ToFloat64(fetchesCounter("waqi", "air", "ok")); got != before+1 {
		t.Fatalf("expected fetch counter to increase by 1, got %f -> %f", before, got)
	}

	ObserveCacheLookup("soil", "hit")
	if got := testutil.ToFloat64(cacheLookupsTotal.WithLabelValues("soil", "hit")); got < 1 {
		t.Fatalf("expected cache hit to be recorded, got %f", got)
	}

	ObserveRetries("waqi", 0)
	ObserveRetries("waqi", 2)
	if got := testutil.ToFloat64(fetchRetriesTotal.WithLabelValues("waqi")); got < 2 {
		t.Fatalf("expected retries to be recorded, got %f", got)
	}
}

func TestObserveJob(t *testing.T) {
	ObserveJob("climate", "completed", 2*time.Second)
	if got := testutil.ToFloat64(jobsTotal.WithLabelValues("climate", "completed")); got < 1 {
		t.Fatalf("expected job counter to be recorded, got %f", got)
	}
	if n := testutil.CollectAndCount(jobDurationSeconds); n == 0 {
		t.Fatal("expected job duration to be observed")
	}
}

func fetchesCounter(provider, domain, outcome string) prometheus.Counter {
	Init()
	return fetchesTotal.WithLabelValues(provider, domain, outcome)
}
