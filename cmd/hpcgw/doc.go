// Package main hosts the hpcgw entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes /health, /metrics and the /api/v1 clusters, jobs and files routes.
//     Every /api/v1 request passes the auth chain first; handlers render {"data": ...} or {"error", "message"}.
//   - Auth: internal/auth builds an ordered chain from auth.strategies. "delegated" trusts a user header set by a
//     fronting proxy; "bearer" checks Authorization: Bearer <secret> against the token store (JSON file or Postgres).
//   - Jobs: internal/jobs resolves the cluster from the YAML definitions in clusters.dir, opens the scheduler adapter
//     for its kind, and normalizes the adapter's job records. SIGHUP reloads the cluster definitions.
//   - Files: internal/files runs every path through internal/sandbox, which confines access to files.home and the
//     system temp directories after symlink resolution. Uploads land in a temp sibling and are renamed into place.
//   - Plumbing: Viper reads config from a YAML file and HPCGW_* env vars; zap provides structured logging;
//     Prometheus counters and histograms track requests, backend calls, auth attempts and file bytes.
//
// Quick checklist:
//   - Create a credential: hpcgw token create laptop (the secret is printed once).
//   - Run locally: go run ./cmd/hpcgw serve --config config.yaml
//   - Verify: curl -H "Authorization: Bearer $SECRET" localhost:8080/api/v1/clusters
package main
