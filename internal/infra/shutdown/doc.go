// Package shutdown coordinates graceful process termination.
//
// Hooks run in reverse registration order under one shared deadline once
// SIGINT, SIGTERM or Trigger arrives:
//
//	h := shutdown.NewHandler(15*time.Second, logger)
//	h.OnShutdown("chat listener", srv.Shutdown)
//	err := h.Wait(ctx)
package shutdown
