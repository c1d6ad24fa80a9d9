package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// LoopState reports on the chat link poll loop.
type LoopState interface {
	IsRunning() bool
	Pending() int
}

// HealthHandler handles health-check endpoints.
type HealthHandler struct {
	loop LoopState
}

func NewHealthHandler(loop LoopState) *HealthHandler { return &HealthHandler{loop: loop} }

type linkHealth struct {
	PollLoopRunning bool `json:"poll_loop_running"`
	PendingSessions int  `json:"pending_sessions"`
}

func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	switch chi.URLParam(r, "action") {
	case "ping":
		writeJSON(w, http.StatusOK, MessageEnvelope{Message: "pong"})
	case "chat-link":
		if h.loop == nil {
			writeError(w, http.StatusServiceUnavailable, "chat link disabled")
			return
		}
		writeJSON(w, http.StatusOK, linkHealth{
			PollLoopRunning: h.loop.IsRunning(),
			PendingSessions: h.loop.Pending(),
		})
	default:
		writeError(w, http.StatusBadRequest, "unknown action")
	}
}
