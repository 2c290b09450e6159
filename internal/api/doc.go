// Package api hosts the ops HTTP listener started by `serve`:
//   - GET /healthz for liveness checks.
//   - GET /readyz, which checks the store and the embedder.
//   - GET /metrics for Prometheus scraping.
//
// Source, job and search operations are not exposed over HTTP.
package api
