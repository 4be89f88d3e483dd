// Package api hosts the HTTP server, middleware, and REST handlers for link
// administration. Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/links and /v1/links/{id} to browse links and their instances.
//   - POST /v1/links/{id}/... for rechecks, status overrides and content edits.
//   - GET /v1/status for link counts and the last worker run.
//   - POST /v1/resync and /v1/containers/... for content-change hooks.
package api
