// Package repl is the interactive chat mode of chatmesh-cli.
//
// Lines starting with "/" are commands; anything else is sent to the
// current room or direct-message peer. Server pushes are printed as they
// arrive, between prompts.
//
//   - repl.go: read loop and command dispatch
//   - render.go: push and result formatting
//   - completer.go: command name completion
//   - history.go: input history persisted under ~/.chatmesh
package repl
