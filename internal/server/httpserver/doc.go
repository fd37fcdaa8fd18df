// Package httpserver provides the operations HTTP listener of chatmesh.
//
// Routes:
//
//   - /healthz, /readyz: liveness and readiness probes
//   - /metrics: Prometheus exposition
//   - /v1/stats: runtime counters (behind the network ACL)
//   - /v1/events: WebSocket stream of the event feed for the bearer
//     session's user
//
// Chat clients never talk to this listener; they use the line protocol
// served by chatserver.
package httpserver
