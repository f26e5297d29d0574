package emitter

import (
	"maps"
	"sync"
	"time"

	"github.com/vnenv/envcrawler/internal/crawler"
)

// StatusEntry is the latest known outcome for one domain.
type StatusEntry struct {
	JobID       string             `json:"job_id"`
	Status      crawler.JobStatus  `json:"status"`
	Summary     crawler.JobSummary `json:"summary"`
	FinishedAt  time.Time          `json:"finished_at"`
	ArtifactURI string             `json:"artifact_uri,omitempty"`

	// HandoffError is set when storing or announcing the batch failed.
	HandoffError string `json:"handoff_error,omitempty"`
}

// StatusBoard tracks the most recent job per domain.
type StatusBoard struct {
	mu      sync.RWMutex
	entries map[crawler.Domain]StatusEntry
}

// NewStatusBoard returns an empty board.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{entries: make(map[crawler.Domain]StatusEntry)}
}

// Update records a finished job. An older job never replaces a newer one.
func (b *StatusBoard) Update(record crawler.JobRecord) {
	b.set(record, "")
}

// Fail records a finished job whose handoff stopped at err.
func (b *StatusBoard) Fail(record crawler.JobRecord, err error) {
	msg := "handoff failed"
	if err != nil {
		msg = err.Error()
	}
	b.set(record, msg)
}

func (b *StatusBoard) set(record crawler.JobRecord, handoffErr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.entries[record.Domain]; ok && cur.FinishedAt.After(record.CompletedAt) {
		return
	}
	b.entries[record.Domain] = StatusEntry{
		JobID:        record.ID,
		Status:       record.Status,
		Summary:      record.Summary,
		FinishedAt:   record.CompletedAt,
		ArtifactURI:  record.ArtifactURI,
		HandoffError: handoffErr,
	}
}

// Latest returns a snapshot of every domain that has finished a job.
func (b *StatusBoard) Latest() map[crawler.Domain]StatusEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.entries)
}
