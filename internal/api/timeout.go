package api

import (
	"net/http"
	"strconv"

	"github.com/rpcyber/botnet-commander/internal/dispatch"
)

// TimeoutHandler serves the default execution timeout endpoints.
type TimeoutHandler struct {
	sched *dispatch.Scheduler
}

// NewTimeoutHandler creates a TimeoutHandler.
func NewTimeoutHandler(sched *dispatch.Scheduler) *TimeoutHandler {
	return &TimeoutHandler{sched: sched}
}

// Get handles GET /timeout.
func (h *TimeoutHandler) Get(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.sched.Timeout())
}

// Set handles PUT /timeout?timeout=N.
func (h *TimeoutHandler) Set(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("timeout")
	seconds, err := strconv.Atoi(raw)
	if err != nil || !validTimeout(seconds) {
		ErrBadRequest(w, "timeout must be an integer between 1 and 86400")
		return
	}
	h.sched.SetTimeout(seconds)
	Ok(w, h.sched.Timeout())
}
