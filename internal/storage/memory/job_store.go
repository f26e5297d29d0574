package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/vnenv/envcrawler/internal/crawler"
)

// JobStore keeps finished job records in memory.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]crawler.JobRecord
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{jobs: make(map[string]crawler.JobRecord)}
}

// SaveJob inserts or replaces a job record.
func (s *JobStore) SaveJob(_ context.Context, record crawler.JobRecord) error {
	if record.ID == "" {
		return fmt.Errorf("job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[record.ID] = cloneRecord(record)
	return nil
}

// GetJob returns the record for jobID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.jobs[jobID]
	if !ok {
		return crawler.JobRecord{}, fmt.Errorf("%s: %w", jobID, crawler.ErrJobNotFound)
	}
	return cloneRecord(record), nil
}

func cloneRecord(r crawler.JobRecord) crawler.JobRecord {
	r.Errors = slices.Clone(r.Errors)
	r.Summary.FieldsObserved = slices.Clone(r.Summary.FieldsObserved)
	return r
}
