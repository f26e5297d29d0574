// Package postgres persists finished crawl jobs in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vnenv/envcrawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "crawl_jobs"

// JobStoreConfig controls the Postgres connection pool.
type JobStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// JobStore writes job records into a single table keyed by job id.
type JobStore struct {
	pool  pool
	table string
}

// NewJobStore connects to Postgres and ensures the table exists.
func NewJobStore(ctx context.Context, cfg JobStoreConfig) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("jobstore.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := NewJobStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return store, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool, table string) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &JobStore{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the job table if it is missing.
func (s *JobStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id              TEXT PRIMARY KEY,
	domain          TEXT NOT NULL,
	status          TEXT NOT NULL,
	requested_at    TIMESTAMPTZ NOT NULL,
	completed_at    TIMESTAMPTZ NOT NULL,
	summary         JSONB NOT NULL,
	artifact_path   TEXT NOT NULL DEFAULT '',
	artifact_uri    TEXT NOT NULL DEFAULT '',
	artifact_sha256 TEXT NOT NULL DEFAULT '',
	errors          JSONB NOT NULL DEFAULT '[]'
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// SaveJob upserts a job record.
func (s *JobStore) SaveJob(ctx context.Context, record crawler.JobRecord) error {
	if record.ID == "" {
		return fmt.Errorf("job id is required")
	}
	summary, err := json.Marshal(record.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	itemErrors := record.Errors
	if itemErrors == nil {
		itemErrors = []crawler.ItemError{}
	}
	errorsJSON, err := json.Marshal(itemErrors)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	domain,
	status,
	requested_at,
	completed_at,
	summary,
	artifact_path,
	artifact_uri,
	artifact_sha256,
	errors
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10
)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	completed_at = EXCLUDED.completed_at,
	summary = EXCLUDED.summary,
	artifact_path = EXCLUDED.artifact_path,
	artifact_uri = EXCLUDED.artifact_uri,
	artifact_sha256 = EXCLUDED.artifact_sha256,
	errors = EXCLUDED.errors`, s.table)

	_, err = s.pool.Exec(ctx, query,
		record.ID,
		string(record.Domain),
		string(record.Status),
		record.RequestedAt,
		record.CompletedAt,
		summary,
		record.ArtifactPath,
		record.ArtifactURI,
		record.ArtifactSHA256,
		errorsJSON,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", record.ID, err)
	}
	return nil
}

// GetJob loads a job record by id.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (crawler.JobRecord, error) {
	query := fmt.Sprintf(`
SELECT id, domain, status, requested_at, completed_at, summary,
	artifact_path, artifact_uri, artifact_sha256, errors
FROM %s WHERE id = $1`, s.table)

	var (
		record             crawler.JobRecord
		domain, status     string
		summary, errorsRaw []byte
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&record.ID,
		&domain,
		&status,
		&record.RequestedAt,
		&record.CompletedAt,
		&summary,
		&record.ArtifactPath,
		&record.ArtifactURI,
		&record.ArtifactSHA256,
		&errorsRaw,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.JobRecord{}, fmt.Errorf("%s: %w", jobID, crawler.ErrJobNotFound)
	}
	if err != nil {
		return crawler.JobRecord{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	record.Domain = crawler.Domain(domain)
	record.Status = crawler.JobStatus(status)
	if err := json.Unmarshal(summary, &record.Summary); err != nil {
		return crawler.JobRecord{}, fmt.Errorf("decode summary: %w", err)
	}
	if len(errorsRaw) > 0 {
		if err := json.Unmarshal(errorsRaw, &record.Errors); err != nil {
			return crawler.JobRecord{}, fmt.Errorf("decode errors: %w", err)
		}
	}
	return record, nil
}
