// Package main provides the entry point for chatmesh-server.
//
// chatmesh-server is the chat service process. It serves the newline
// delimited JSON chat protocol over TCP (and TLS), the operations HTTP
// endpoints, and a local admin socket, persisting to an embedded KV store.
package main
