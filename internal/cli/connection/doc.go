// Package connection holds the clients chatmesh-cli uses to reach a server:
//
//   - chat.go: the line-delimited JSON chat protocol over TCP or TLS
//   - upload.go: chunked file upload over a chat connection
//   - http.go: the operations HTTP endpoints
//   - events.go: the WebSocket event feed
//
// The admin socket client lives with the socket server in localserver.
package connection
