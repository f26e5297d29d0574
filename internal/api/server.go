package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/vnenv/envcrawler/internal/config"
	"github.com/vnenv/envcrawler/internal/crawler"
	"github.com/vnenv/envcrawler/internal/dispatcher"
	"github.com/vnenv/envcrawler/internal/emitter"
	"github.com/vnenv/envcrawler/internal/id/uuid"
	"github.com/vnenv/envcrawler/internal/metrics"
	"github.com/vnenv/envcrawler/internal/registry"
)

// Crawler runs one crawl job to completion.
type Crawler interface {
	Run(ctx context.Context, req dispatcher.Request) (*crawler.CrawlJob, error)
}

// Deliverer hands finished jobs off and serves them back.
type Deliverer interface {
	Deliver(ctx context.Context, job *crawler.CrawlJob) (crawler.JobRecord, error)
	Job(ctx context.Context, jobID string) (crawler.JobRecord, error)
	Artifact(ctx context.Context, jobID string) ([]byte, error)
	Board() *emitter.StatusBoard
}

// Catalog lists known locations.
type Catalog interface {
	All() []crawler.Location
	Resolve(domain crawler.Domain, filter registry.Filter) ([]crawler.Location, error)
}

// Server wires HTTP handlers to the dispatcher, the handoff, and the catalog.
type Server struct {
	router  chi.Router
	crawler Crawler
	handoff Deliverer
	catalog Catalog
	cfg     config.Config
	logger  *zap.Logger
	timeout time.Duration
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	c Crawler,
	handoff Deliverer,
	catalog Catalog,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		crawler: c,
		handoff: handoff,
		catalog: catalog,
		cfg:     cfg,
		logger:  logger,
	}
	s.timeout = cfg.Server.RequestTimeout
	if s.timeout <= 0 {
		s.timeout = 60 * time.Second
	}

	metrics.Init()

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(s.timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/crawl", s.crawl)
		r.Get("/status", s.status)
		r.Get("/locations", s.locations)
		r.Route("/jobs/{job_id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Get("/artifact", s.getArtifact)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.crawler == nil || s.handoff == nil || s.catalog == nil {
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type crawlRequest struct {
	Domain          string   `json:"domain"`
	Locations       []string `json:"locations"`
	Provinces       []string `json:"provinces"`
	Limit           int      `json:"limit"`
	DeadlineSeconds int      `json:"deadline_seconds"`
}

type crawlResponse struct {
	JobID            string              `json:"job_id"`
	Domain           crawler.Domain      `json:"domain"`
	Status           crawler.JobStatus   `json:"status"`
	Summary          crawler.JobSummary  `json:"summary"`
	ArtifactURI      string              `json:"artifact_uri,omitempty"`
	ArtifactSHA256   string              `json:"artifact_sha256,omitempty"`
	DeadlineExceeded bool                `json:"deadline_exceeded"`
	Errors           []crawler.ItemError `json:"errors,omitempty"`
	Warning          string              `json:"warning,omitempty"`
}

// crawl runs a job synchronously and hands its batch off before replying.
func (s *Server) crawl(w http.ResponseWriter, r *http.Request) {
	var req crawlRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	domain, err := crawler.ParseDomain(req.Domain)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Limit < 0 || req.DeadlineSeconds < 0 {
		writeError(w, http.StatusBadRequest, "limit and deadline_seconds must be >= 0")
		return
	}
	deadline := time.Duration(req.DeadlineSeconds) * time.Second
	if deadline >= s.timeout {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("deadline_seconds must be below the request timeout of %ds", int(s.timeout/time.Second)))
		return
	}

	job, err := s.crawler.Run(r.Context(), dispatcher.Request{
		Domain: domain,
		Filter: registry.Filter{
			IDs:       req.Locations,
			Provinces: req.Provinces,
			Limit:     req.Limit,
		},
		Deadline: deadline,
	})
	if job == nil {
		var unknown *crawler.UnknownLocationError
		if errors.As(err, &unknown) || errors.Is(err, crawler.ErrUnknownDomain) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("crawl failed", zap.String("domain", domain.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "crawl failed")
		return
	}

	// Handoff is not tied to the caller: a disconnected client still gets
	// its batch stored.
	record, deliverErr := s.handoff.Deliver(context.WithoutCancel(r.Context()), job)
	if deliverErr != nil && record.ArtifactURI == "" {
		s.logger.Error("handoff failed", zap.String("job_id", job.ID), zap.Error(deliverErr))
		writeError(w, http.StatusInternalServerError, "store artifact failed")
		return
	}
	resp := crawlResponse{
		JobID:            job.ID,
		Domain:           job.Domain,
		Status:           job.Status,
		Summary:          record.Summary,
		ArtifactURI:      record.ArtifactURI,
		ArtifactSHA256:   record.ArtifactSHA256,
		DeadlineExceeded: job.DeadlineExceeded,
		Errors:           job.Errors,
	}
	if deliverErr != nil {
		resp.Warning = deliverErr.Error()
	}
	code := http.StatusOK
	if job.Status == crawler.JobStatusFailed {
		code = http.StatusBadGateway
	}
	writeJSON(w, code, resp)
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"domains": s.handoff.Board().Latest()})
}

func (s *Server) locations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var locs []crawler.Location
	if raw := q.Get("domain"); raw != "" {
		domain, err := crawler.ParseDomain(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter := registry.Filter{Provinces: splitList(q.Get("province"))}
		if limit := q.Get("limit"); limit != "" {
			n, err := strconv.Atoi(limit)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			filter.Limit = n
		}
		locs, err = s.catalog.Resolve(domain, filter)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	} else {
		locs = s.catalog.All()
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(locs), "locations": locs})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	record, err := s.handoff.Job(r.Context(), jobID)
	if err != nil {
		s.writeLookupError(w, jobID, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	jobID, ok := jobIDParam(w, r)
	if !ok {
		return
	}
	data, err := s.handoff.Artifact(r.Context(), jobID)
	if err != nil {
		s.writeLookupError(w, jobID, err)
		return
	}
	w.Header().Set("Content-Type", emitter.ContentTypeCSV)
	w.Header().Set("Content-Disposition", `attachment; filename="`+jobID+`.csv"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Warn("write artifact failed", zap.String("job_id", jobID), zap.Error(err))
	}
}

func (s *Server) writeLookupError(w http.ResponseWriter, jobID string, err error) {
	switch {
	case errors.Is(err, crawler.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, crawler.ErrObjectNotFound):
		writeError(w, http.StatusNotFound, "artifact not found")
	default:
		s.logger.Error("job lookup failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "job lookup failed")
	}
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID, err := uuid.Parse(chi.URLParam(r, "job_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return "", false
	}
	return jobID, true
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
