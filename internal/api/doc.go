// Package api hosts the operator HTTP server that runs alongside a download run.
// Routes:
//   - GET /healthz and /readyz for liveness and store readiness.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/records for the dedup store audit, optionally ?status=failed.
//   - GET /v1/records/lookup?url=... for a single record.
package api
