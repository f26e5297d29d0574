package emitter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vnenv/envcrawler/internal/crawler"
	"github.com/vnenv/envcrawler/internal/hash/sha256"
	pubmemory "github.com/vnenv/envcrawler/internal/publisher/memory"
	"github.com/vnenv/envcrawler/internal/storage/memory"
)

type failingBlobs struct{ *memory.BlobStore }

func (failingBlobs) PutObject(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("bucket gone")
}

type fixture struct {
	blobs   *memory.BlobStore
	jobs    *memory.JobStore
	pub     *pubmemory.Publisher
	handoff *Handoff
}

func newFixture() fixture {
	f := fixture{
		blobs: memory.NewBlobStore(),
		jobs:  memory.NewJobStore(),
		pub:   pubmemory.New(),
	}
	f.handoff = NewHandoff(f.blobs, f.jobs, f.pub, sha256.New(), NewStatusBoard(),
		Config{Prefix: "/batches/", Topic: "envcrawler.batches"}, zap.NewNop())
	return f
}

func TestDeliverStoresPersistsAndPublishes(t *testing.T) {
	t.Parallel()

	f := newFixture()
	ctx := context.Background()
	job := airJob()

	record, err := f.handoff.Deliver(ctx, job)
	require.NoError(t, err)
	require.Equal(t, "batches/air/2025/05/01/job-1.csv", record.ArtifactPath)
	require.Equal(t, "memory://batches/air/2025/05/01/job-1.csv", record.ArtifactURI)
	require.Len(t, record.ArtifactSHA256, 64)
	require.Equal(t, []string{
		"batches/air/2025/05/01/job-1.csv",
		"batches/air/2025/05/01/job-1.summary.json",
	}, f.blobs.Paths())

	art, err := Emit(job)
	require.NoError(t, err)
	stored, err := f.handoff.Artifact(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, art.CSV, stored)
	require.Equal(t, sha256.New().Hash(art.CSV), record.ArtifactSHA256)

	saved, err := f.handoff.Job(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, record, saved)

	msgs := f.pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "envcrawler.batches", msgs[0].Topic)
	require.Equal(t, "job-1", msgs[0].Key)
	require.Equal(t, "air", msgs[0].Attributes["domain"])
	var note Notification
	require.NoError(t, msgs[0].Decode(&note))
	require.Equal(t, record.ArtifactURI, note.ArtifactURI)
	require.Equal(t, "memory://batches/air/2025/05/01/job-1.summary.json", note.SummaryURI)
	require.Equal(t, "2025-05-01T08:05:00Z", note.CompletedAt)
	require.Equal(t, 3, note.Summary.TotalSucceeded)

	latest := f.handoff.Board().Latest()
	require.Equal(t, StatusEntry{
		JobID:       "job-1",
		Status:      crawler.JobStatusCompletedWithErrors,
		Summary:     record.Summary,
		FinishedAt:  completed,
		ArtifactURI: record.ArtifactURI,
	}, latest[crawler.DomainAir])
}

func TestDeliverPublishFailureKeepsRecord(t *testing.T) {
	t.Parallel()

	f := newFixture()
	f.pub.FailWith(errors.New("topic not found"))

	record, err := f.handoff.Deliver(context.Background(), airJob())
	require.ErrorContains(t, err, "topic not found")
	require.Equal(t, "job-1", record.ID)

	_, err = f.jobs.GetJob(context.Background(), "job-1")
	require.NoError(t, err)
	entry := f.handoff.Board().Latest()[crawler.DomainAir]
	require.Equal(t, record.ArtifactURI, entry.ArtifactURI)
	require.Contains(t, entry.HandoffError, "topic not found")
}

func TestDeliverBlobFailureStopsHandoff(t *testing.T) {
	t.Parallel()

	jobs := memory.NewJobStore()
	pub := pubmemory.New()
	h := NewHandoff(failingBlobs{memory.NewBlobStore()}, jobs, pub, nil, nil, Config{Topic: "t"}, nil)

	record, err := h.Deliver(context.Background(), airJob())
	require.ErrorContains(t, err, "bucket gone")
	require.Equal(t, "job-1", record.ID)
	require.Empty(t, record.ArtifactURI)
	_, err = jobs.GetJob(context.Background(), "job-1")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	require.Empty(t, pub.Messages())

	entry, ok := h.Board().Latest()[crawler.DomainAir]
	require.True(t, ok, "a failed handoff still reaches the status board")
	require.Equal(t, "job-1", entry.JobID)
	require.Equal(t, crawler.JobStatusCompletedWithErrors, entry.Status)
	require.Equal(t, 3, entry.Summary.TotalSucceeded)
	require.Empty(t, entry.ArtifactURI)
	require.Contains(t, entry.HandoffError, "bucket gone")
}

type failingJobs struct{ *memory.JobStore }

func (failingJobs) SaveJob(context.Context, crawler.JobRecord) error {
	return errors.New("connection refused")
}

func TestDeliverJobStoreFailureReachesBoard(t *testing.T) {
	t.Parallel()

	h := NewHandoff(memory.NewBlobStore(), failingJobs{memory.NewJobStore()}, nil, nil, nil, Config{}, nil)

	record, err := h.Deliver(context.Background(), airJob())
	require.ErrorContains(t, err, "connection refused")
	require.NotEmpty(t, record.ArtifactURI)

	entry := h.Board().Latest()[crawler.DomainAir]
	require.Equal(t, record.ArtifactURI, entry.ArtifactURI)
	require.Contains(t, entry.HandoffError, "save job")
}

func TestDeliverWithoutTopicSkipsPublish(t *testing.T) {
	t.Parallel()

	pub := pubmemory.New()
	h := NewHandoff(memory.NewBlobStore(), memory.NewJobStore(), pub, nil, nil, Config{}, zap.NewNop())
	record, err := h.Deliver(context.Background(), airJob())
	require.NoError(t, err)
	require.Empty(t, record.ArtifactSHA256)
	require.Empty(t, pub.Messages())
}

func TestArtifactUnknownJob(t *testing.T) {
	t.Parallel()

	f := newFixture()
	_, err := f.handoff.Artifact(context.Background(), "nope")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
}

func TestStatusBoardKeepsNewest(t *testing.T) {
	t.Parallel()

	board := NewStatusBoard()
	newer := crawler.JobRecord{ID: "b", Domain: crawler.DomainSoil, Status: crawler.JobStatusFailed, CompletedAt: completed}
	older := crawler.JobRecord{ID: "a", Domain: crawler.DomainSoil, Status: crawler.JobStatusCompleted, CompletedAt: completed.Add(-time.Hour)}

	board.Update(newer)
	board.Update(older)
	require.Equal(t, "b", board.Latest()[crawler.DomainSoil].JobID)

	snapshot := board.Latest()
	delete(snapshot, crawler.DomainSoil)
	require.Len(t, board.Latest(), 1)
}
