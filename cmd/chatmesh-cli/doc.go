// Package main provides the entry point for chatmesh-cli.
//
// chatmesh-cli is the terminal client for chatmesh-server:
//
//   - chat: interactive rooms, direct messages and file sharing
//   - upload: one-shot file upload
//   - admin: local administration over the admin socket
//   - ops: health, stats and the event stream over HTTP
//
// Usage:
//
//	chatmesh-cli --server 127.0.0.1:7420 chat
//	chatmesh-cli upload --room 3 report.pdf
//	chatmesh-cli admin bans -o json
package main
