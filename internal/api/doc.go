// Package api hosts the operator HTTP surface of the ingest service. Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
package api
