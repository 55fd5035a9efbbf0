// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for probes, GET /metrics for Prometheus.
//   - GET /v1/rarity/{item_id} and GET /v1/rarity?ids= for cache-first
//     rarity lookups that never wait on a scrape.
//   - POST /v1/sync, GET /v1/sync/status and GET /v1/sync/progress for the
//     daily synchronization.
//   - GET /v1/sync/runs for the persisted run history.
//   - GET /v1/snapshot for the public artifact.
//   - POST /v1/admin/reset to clear stored rarity records.
package api
