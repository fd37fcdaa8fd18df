// Package service implements the chat core: throttling, credentials and
// sessions, the connection registry, message routing, file transfers and
// the event feed.
//
// Services own their mutable state and expose an explicit lifecycle:
// construct with New*, start background sweeps with Run(ctx), and stop by
// cancelling the context. Storage is reached only through the repository
// interfaces declared in repository.go.
//
//   - Limiter: sliding-window throttles, login failure tracking and IP bans
//   - SessionStore: signed session tokens with a revocation set
//   - AuthService: registration, login and token resumption
//   - Registry: live connections and per-room online membership
//   - RoomService: room creation and listing
//   - Router: admission, routing, delivery and persistence of messages
//   - TransferService: chunked uploads with integrity verification
//   - EventBus: non-blocking fan-out of feed events
package service
