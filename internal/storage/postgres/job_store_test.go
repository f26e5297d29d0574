package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/vnenv/envcrawler/internal/crawler"
)

func sampleRecord() crawler.JobRecord {
	requested := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	return crawler.JobRecord{
		ID:          "0196890a-7c1e-7d2b-9c4f-3b1f2a9e8d10",
		Domain:      crawler.DomainAir,
		Status:      crawler.JobStatusCompletedWithErrors,
		RequestedAt: requested,
		CompletedAt: requested.Add(42 * time.Second),
		Summary: crawler.JobSummary{
			TotalRequested: 4,
			TotalSucceeded: 3,
			TotalFailed:    1,
			FieldsObserved: []string{"aqi", "pm25"},
			Status:         crawler.JobStatusCompletedWithErrors,
		},
		ArtifactPath:   "batches/air/2025/05/01/job.csv",
		ArtifactURI:    "gs://env-batches/batches/air/2025/05/01/job.csv",
		ArtifactSHA256: "abc123",
		Errors: []crawler.ItemError{{
			ProviderID: "iqair", LocationID: "hanoi", Kind: crawler.KindUnauthorized, Message: "bad key", Attempts: 1,
		}},
	}
}

func TestSaveJobUpsertsRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock, "crawl_jobs")
	require.NoError(t, err)

	rec := sampleRecord()
	summary, err := json.Marshal(rec.Summary)
	require.NoError(t, err)
	itemErrors, err := json.Marshal(rec.Errors)
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs(
			rec.ID,
			"air",
			"completed_with_errors",
			rec.RequestedAt,
			rec.CompletedAt,
			summary,
			rec.ArtifactPath,
			rec.ArtifactURI,
			rec.ArtifactSHA256,
			itemErrors,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.SaveJob(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveJobPropagatesErrors(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock, "")
	require.NoError(t, err)

	mock.ExpectExec("INSERT INTO crawl_jobs").WillReturnError(errors.New("connection reset"))
	err = store.SaveJob(context.Background(), sampleRecord())
	require.ErrorContains(t, err, "connection reset")

	require.Error(t, store.SaveJob(context.Background(), crawler.JobRecord{}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobScansRow(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock, "crawl_jobs")
	require.NoError(t, err)

	want := sampleRecord()
	summary, err := json.Marshal(want.Summary)
	require.NoError(t, err)
	itemErrors, err := json.Marshal(want.Errors)
	require.NoError(t, err)

	rows := mock.NewRows([]string{
		"id", "domain", "status", "requested_at", "completed_at", "summary",
		"artifact_path", "artifact_uri", "artifact_sha256", "errors",
	}).AddRow(
		want.ID, "air", "completed_with_errors", want.RequestedAt, want.CompletedAt, summary,
		want.ArtifactPath, want.ArtifactURI, want.ArtifactSHA256, itemErrors,
	)
	mock.ExpectQuery("SELECT (.+) FROM crawl_jobs WHERE id").WithArgs(want.ID).WillReturnRows(rows)

	got, err := store.GetJob(context.Background(), want.ID)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock, "crawl_jobs")
	require.NoError(t, err)

	mock.ExpectQuery("SELECT (.+) FROM crawl_jobs").WithArgs("missing").WillReturnError(pgx.ErrNoRows)
	_, err = store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrJobNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	store, err := NewJobStoreWithPool(mock, "env_jobs")
	require.NoError(t, err)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS env_jobs").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewJobStoreValidation(t *testing.T) {
	t.Parallel()

	_, err := NewJobStoreWithPool(nil, "crawl_jobs")
	require.Error(t, err)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	_, err = NewJobStoreWithPool(mock, "jobs; DROP TABLE x")
	require.Error(t, err)

	_, err = NewJobStore(context.Background(), JobStoreConfig{})
	require.Error(t, err)
}
