package crawler

import (
	"context"
	"time"
)

// Adapter fetches and normalizes one provider's data for a location.
type Adapter interface {
	Spec() ProviderSpec
	Fetch(ctx context.Context, loc Location, domain Domain) (RawRecord, error)
}

// Cache holds last-known-good records keyed by provider, location, and domain.
type Cache interface {
	Get(ctx context.Context, key CacheKey) (RawRecord, bool, error)
	Put(ctx context.Context, key CacheKey, record RawRecord, ttl time.Duration) error
}

// JobStore persists finished job records.
type JobStore interface {
	SaveJob(ctx context.Context, record JobRecord) error
	GetJob(ctx context.Context, jobID string) (JobRecord, error)
}

// BlobStore writes artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
	GetObject(ctx context.Context, path string) ([]byte, error)
}

// Publisher pushes hand-off notifications to Pub/Sub, Kafka, or similar.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
