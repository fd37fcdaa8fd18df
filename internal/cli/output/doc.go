// Package output renders chatmesh-cli results.
//
// Rooms, bans, connections and audit events have dedicated table views.
// Everything else (status, stats, file records, config) is flattened into a
// FIELD/VALUE table keyed by json tags. JSON and YAML output use the same
// json tags.
package output
