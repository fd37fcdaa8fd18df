// Package logger configures structured logging for chatmesh.
//
// It builds *slog.Logger values on top of log/slog:
//
//   - logger.go: handler construction and the process-wide level
//   - context.go: context propagation of loggers and request IDs
//   - redact.go: sensitive data masking applied to every record
//
// The level is held in a shared slog.LevelVar, so SetLevel takes effect on
// every logger created by New, including loggers derived with With.
package logger
