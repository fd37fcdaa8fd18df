package handler

import (
	"net/http"
	"time"

	"github.com/yndnr/chatmesh-go/internal/core/domain"
)

// Stats handles GET /v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		Version:       h.deps.Version,
		UptimeSeconds: int64(time.Since(h.deps.StartedAt).Seconds()),
	}

	if reg := h.deps.Registry; reg != nil {
		resp.Connections = reg.Count()
		resp.OnlineUsers = len(reg.OnlineUsers())
		resp.PushesDropped = reg.Dropped()
	}
	if h.deps.Transfers != nil {
		resp.ActiveTransfers = h.deps.Transfers.Active()
	}
	if h.deps.Limiter != nil {
		resp.ActiveBans = len(h.deps.Limiter.Bans())
	}
	if h.deps.Sessions != nil {
		resp.RevokedSessions = h.deps.Sessions.RevokedCount()
	}
	if bus := h.deps.Bus; bus != nil {
		resp.EventFeed = &EventFeedStats{
			Subscribers: bus.Subscribers(),
			Dropped:     bus.Dropped(),
		}
	}
	if h.deps.Storage != nil {
		st, err := h.deps.Storage.Stats(r.Context())
		if err != nil {
			h.writeError(w, r, domain.ErrStorage.WithCause(err))
			return
		}
		resp.Storage = st
	}

	h.writeJSON(w, r, http.StatusOK, resp)
}
