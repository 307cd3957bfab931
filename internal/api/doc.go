// Package api hosts the HTTP server, middleware, and handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for probes; readyz lists sites to check the store.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/startIndexing and /api/stopIndexing to control runs.
//   - POST /api/indexPage to restrict the next run to one seed page.
//   - GET /api/statistics for per-site status and page counts.
package api
