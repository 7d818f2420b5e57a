// Package api hosts the read-only HTTP interface over the published index.
// Notable routes:
//   - GET /subjects/{id} with X-Lang and X-Revision headers.
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs, /v1/runs/{generation} and /v1/generations for operators,
//     and POST /v1/runs to start a crawl when a starter is wired.
package api
