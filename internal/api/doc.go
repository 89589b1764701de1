// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /health, unauthenticated.
//   - GET /metrics for Prometheus scraping, behind auth when enabled.
//   - /api/v1/clusters for the submission-enabled cluster set.
//   - /api/v1/jobs for listing, submitting and cancelling scheduler jobs.
//   - /api/v1/files for sandboxed listing, reading, writing and deletion.
//
// Successful JSON responses are wrapped as {"data": ...}; failures are
// {"error": <slug>, "message": <text>}.
package api
