package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vnenv/envcrawler/internal/crawler"
	"github.com/vnenv/envcrawler/internal/metrics"
)

// Hasher checksums artifact bytes.
type Hasher interface {
	Hash(data []byte) string
}

// Config controls where artifacts land and which topic is notified.
type Config struct {
	// Prefix is prepended to every object path.
	Prefix string
	// Topic receives one notification per handed-off job. Empty disables
	// publishing.
	Topic string
}

// Notification is the payload published for each handed-off job.
type Notification struct {
	JobID          string             `json:"job_id"`
	Domain         crawler.Domain     `json:"domain"`
	Status         crawler.JobStatus  `json:"status"`
	ArtifactURI    string             `json:"artifact_uri"`
	ArtifactSHA256 string             `json:"artifact_sha256"`
	SummaryURI     string             `json:"summary_uri"`
	Summary        crawler.JobSummary `json:"summary"`
	CompletedAt    string             `json:"completed_at"`
}

// MessageKey keys notifications by job.
func (n Notification) MessageKey() string {
	return n.JobID
}

// MessageAttributes lets subscribers filter by domain and status.
func (n Notification) MessageAttributes() map[string]string {
	return map[string]string{"domain": n.Domain.String(), "status": string(n.Status)}
}

// Handoff delivers finished jobs to storage and subscribers.
type Handoff struct {
	blobs     crawler.BlobStore
	jobs      crawler.JobStore
	publisher crawler.Publisher
	hasher    Hasher
	board     *StatusBoard
	cfg       Config
	logger    *zap.Logger
}

// NewHandoff wires a Handoff. publisher may be nil.
func NewHandoff(
	blobs crawler.BlobStore,
	jobs crawler.JobStore,
	publisher crawler.Publisher,
	hasher Hasher,
	board *StatusBoard,
	cfg Config,
	logger *zap.Logger,
) *Handoff {
	if logger == nil {
		logger = zap.NewNop()
	}
	if board == nil {
		board = NewStatusBoard()
	}
	return &Handoff{
		blobs:     blobs,
		jobs:      jobs,
		publisher: publisher,
		hasher:    hasher,
		board:     board,
		cfg:       cfg,
		logger:    logger.Named("emitter"),
	}
}

// Board exposes the status board updated by Deliver.
func (h *Handoff) Board() *StatusBoard {
	return h.board
}

// Deliver emits the job, stores the batch and its summary, persists the job
// record, updates the status board, and publishes a notification. The
// returned record reflects every stage that succeeded; a publish failure
// still leaves the stored artifact and job record in place. The board
// learns about the job even when a stage fails.
func (h *Handoff) Deliver(ctx context.Context, job *crawler.CrawlJob) (crawler.JobRecord, error) {
	logger := h.logger.With(zap.String("job_id", job.ID), zap.String("domain", job.Domain.String()))
	record := crawler.JobRecord{
		ID:          job.ID,
		Domain:      job.Domain,
		Status:      job.Status,
		RequestedAt: job.RequestedAt,
		CompletedAt: job.CompletedAt,
		Summary:     Summarize(job),
		Errors:      job.Errors,
	}
	fail := func(stage string, err error) (crawler.JobRecord, error) {
		metrics.ObserveHandoffFailure(stage)
		h.board.Fail(record, err)
		logger.Error("handoff failed", zap.String("stage", stage), zap.Error(err))
		return record, err
	}

	artifact, err := Emit(job)
	if err != nil {
		return fail("emit", err)
	}
	record.Summary = artifact.Summary

	base := h.objectBase(job)
	csvPath := base + ".csv"
	uri, err := h.blobs.PutObject(ctx, csvPath, ContentTypeCSV, artifact.CSV)
	if err != nil {
		return fail("blob", fmt.Errorf("put artifact: %w", err))
	}

	summary, err := json.MarshalIndent(artifact.Summary, "", "  ")
	if err != nil {
		return fail("emit", fmt.Errorf("marshal summary: %w", err))
	}
	summaryURI, err := h.blobs.PutObject(ctx, base+".summary.json", "application/json", summary)
	if err != nil {
		return fail("blob", fmt.Errorf("put summary: %w", err))
	}

	record.ArtifactPath = csvPath
	record.ArtifactURI = uri
	if h.hasher != nil {
		record.ArtifactSHA256 = h.hasher.Hash(artifact.CSV)
	}
	if err := h.jobs.SaveJob(ctx, record); err != nil {
		return fail("jobstore", fmt.Errorf("save job: %w", err))
	}
	h.board.Update(record)
	metrics.ObserveArtifact(job.Domain.String())

	if h.publisher == nil || h.cfg.Topic == "" {
		logger.Info("artifact stored", zap.String("uri", uri))
		return record, nil
	}
	msg := Notification{
		JobID:          record.ID,
		Domain:         record.Domain,
		Status:         record.Status,
		ArtifactURI:    uri,
		ArtifactSHA256: record.ArtifactSHA256,
		SummaryURI:     summaryURI,
		Summary:        record.Summary,
		CompletedAt:    record.CompletedAt.UTC().Format(time.RFC3339),
	}
	msgID, err := h.publisher.Publish(ctx, h.cfg.Topic, msg)
	if err != nil {
		return fail("publish", fmt.Errorf("publish notification: %w", err))
	}
	logger.Info("artifact handed off",
		zap.String("uri", uri),
		zap.String("message_id", msgID),
		zap.String("status", string(record.Status)),
	)
	return record, nil
}

// Artifact reads a job's stored CSV batch back.
func (h *Handoff) Artifact(ctx context.Context, jobID string) ([]byte, error) {
	record, err := h.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	data, err := h.blobs.GetObject(ctx, record.ArtifactPath)
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", record.ArtifactPath, err)
	}
	return data, nil
}

// Job returns a persisted job record.
func (h *Handoff) Job(ctx context.Context, jobID string) (crawler.JobRecord, error) {
	return h.jobs.GetJob(ctx, jobID)
}

// objectBase lays batches out by domain and completion day:
// <prefix>/<domain>/2025/05/01/<job_id>.
func (h *Handoff) objectBase(job *crawler.CrawlJob) string {
	day := job.CompletedAt.UTC().Format("2006/01/02")
	return path.Join(strings.Trim(h.cfg.Prefix, "/"), job.Domain.String(), day, job.ID)
}
