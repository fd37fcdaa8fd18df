// Package handler provides the HTTP handlers of the operations listener.
//
//   - health.go: liveness and readiness checks
//   - stats.go: runtime counters
//   - events.go: WebSocket event feed
//
// JSON responses share the Response envelope; failures carry the domain
// error code.
package handler
