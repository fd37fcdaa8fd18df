package handler

import (
	"time"

	"github.com/yndnr/chatmesh-go/internal/storage"
)

// Response is the standard API response envelope. /metrics and the
// WebSocket stream do not use it.
type Response struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id"`
	Timestamp int64  `json:"timestamp"`
	Data      any    `json:"data,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// NewResponse creates a success response.
func NewResponse(requestID string, data any) *Response {
	return &Response{
		Code:      "OK",
		Message:   "Success",
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// NewErrorResponse creates an error response.
func NewErrorResponse(requestID, code, message string, details any) *Response {
	if s, ok := details.(string); ok && s == "" {
		details = nil
	}
	return &Response{
		Code:      code,
		Message:   message,
		RequestID: requestID,
		Timestamp: time.Now().UnixMilli(),
		Details:   details,
	}
}

// HealthResponse is the body of /healthz and /readyz.
type HealthResponse struct {
	Status string    `json:"status"`
	Time   time.Time `json:"time"`
	Reason string    `json:"reason,omitempty"`
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Version         string           `json:"version"`
	UptimeSeconds   int64            `json:"uptime_seconds"`
	Connections     int              `json:"connections"`
	OnlineUsers     int              `json:"online_users"`
	PushesDropped   uint64           `json:"pushes_dropped"`
	ActiveTransfers int              `json:"active_transfers"`
	ActiveBans      int              `json:"active_bans"`
	RevokedSessions int              `json:"revoked_sessions"`
	EventFeed       *EventFeedStats  `json:"event_feed,omitempty"`
	Storage         *storage.KVStats `json:"storage,omitempty"`
}

// EventFeedStats describes the in-process event bus.
type EventFeedStats struct {
	Subscribers int    `json:"subscribers"`
	Dropped     uint64 `json:"dropped"`
}
