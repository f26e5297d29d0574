// Package api hosts the HTTP server, middleware, and REST handlers for the
// ingestion service. Notable routes:
//   - GET /healthz and /readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/crawl runs one crawl job and hands its batch off.
//   - GET /v1/status reports the latest job per domain.
//   - GET /v1/jobs/{id} and /v1/jobs/{id}/artifact serve stored jobs.
//   - GET /v1/locations lists the location catalog.
package api
