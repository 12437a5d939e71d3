// Package api hosts the local status server for inspecting bars and starting
// requests. Notable routes:
//   - GET /healthz and /readyz for probes (ready once a transport is OPEN).
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/bars and /v1/connections for the current client state.
//   - POST /v1/requests to start a request with K sub-tasks.
//   - GET and DELETE /v1/requests/{request_id} to inspect or dispose a group.
package api
