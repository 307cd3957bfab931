// Package main hosts the sitesearch indexing service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes /api/startIndexing, /api/stopIndexing, /api/indexPage and
//     /api/statistics plus health and Prometheus endpoints.
//   - Dispatcher: internal/dispatcher launches one run per configured site, or a single restricted run for a
//     target recorded by indexPage.
//   - Runs: internal/indexing.Controller pairs a fork/join crawl (internal/crawler.Engine) with the analysis
//     forwarder through a bounded handoff queue, then records INDEXED or FAILED on the site.
//   - Fetching: the Colly-based fetcher sends a browser-like user agent and referrer; fetches are throttled per
//     host by internal/policy/ratelimit.
//   - Persistence & fanout: sites and pages live in Postgres (or memory when no DSN is set). Sanitized pages are
//     archived to the configured BlobStore (memory/local/GCS) and announced on Pub/Sub.
//
// Quick checklist:
//   - Configure env vars with the SITESEARCH_ prefix, e.g. SITESEARCH_SERVER_PORT, SITESEARCH_DATABASE_DSN,
//     SITESEARCH_STORAGE_BACKEND. Sites are listed in the config file under `sites`.
//   - Serve the API: go run ./cmd/sitesearch serve --config config.yaml
//   - One-shot crawl of every site: go run ./cmd/sitesearch index --config config.yaml
package main
