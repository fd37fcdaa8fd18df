// Package command defines the chatmesh-cli commands using urfave/cli/v2.
//
// Global flags are merged over the saved CLI configuration before any
// command runs:
//
//   - chat: interactive chat session over the chat listener
//   - upload: one-shot file upload
//   - admin: admin socket commands (status, bans, kick, ...)
//   - ops: operations HTTP endpoints and the event stream
//   - config: show and edit the saved CLI configuration
//   - version: build information
package command
