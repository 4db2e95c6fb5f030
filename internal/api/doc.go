// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST/GET /v1/crawls and /v1/fetches for run submission and lookup.
//   - GET /v1/progress/runs... for progress reporting via the
//     ProgressRepository interface.
package api
