// Package tlsroots manages TLS material for chatmesh listeners and clients.
//
//   - roots.go: trusted CA pools for clients dialing a TLS chat listener
//   - watcher.go: server key pair with hot reload via fsnotify
package tlsroots
