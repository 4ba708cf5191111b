// Package gateway runs a tracking session behind the consumer HTTP API.
//
// # Overview
//
// The Gateway owns one session.Session and an HTTP server. Run starts both
// under an errgroup and shuts them down together when the context is
// canceled: the session is stopped first, which closes every event stream,
// then the HTTP server drains with a 5 second timeout.
//
// # HTTP API
//
// Health endpoints never require auth:
//
//	GET  /health              liveness
//	GET  /health/ready        200 while the upstream feed is connected, 503 otherwise
//	GET  /metrics             Prometheus metrics (path from metrics.path, when enabled)
//
// API endpoints require a bearer token when auth.jwt_secret is set:
//
//	GET  /api/agents          latest view of every agent (?alerting=true filters)
//	GET  /api/agents/{id}     one agent's path, stop points, distance and alert state
//	GET  /api/status          session id, connectivity status, agent counts
//	GET  /api/stream          server-sent events: snapshot, status, alert
//	POST /api/session/reset   forget all accumulated history
//
// Browsers cannot set headers on EventSource, so /api/stream also accepts
// the token as ?token=.
//
// # Event Stream
//
// A new stream starts with the current snapshot and the last status. Slow
// readers skip intermediate snapshots; they always see the newest one.
// Idle streams get a comment line every 15 seconds.
package gateway
