// Package metric provides Prometheus metrics for ChatMesh.
//
// Registry owns a private prometheus.Registry holding the chat server
// collectors plus the Go runtime and process collectors. Components that
// own their own gauges (the badger engine, the event bus) register them
// through Registerer. Metrics are exposed at /metrics on the ops listener.
package metric
