// Package registry is the in-memory Agent Registry: the set of
// agent ids that currently have a live, writable session.
//
// The registry holds no persistence state of its own — the durable agent
// inventory lives in store.Gateway. This is purely the live dispatch table:
// "which ids can I write to right now, and through which session."
package registry

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/protocol"
)

// Writer is the minimal surface a live session exposes to the registry so
// a message can be handed to that session's writer serialization point.
// session.Session implements this.
type Writer interface {
	Send(msg protocol.Message) error
	RemoteAddr() string
}

// entry is one live registry slot.
type entry struct {
	id          string
	hostname    string
	os          string
	connectedAt time.Time
	writer      Writer
}

// Manager is the in-memory registry of currently connected agents. Safe for
// concurrent use — the session acceptor goroutine registers/deregisters
// while the dispatch scheduler and HTTP API read concurrently.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*entry
	logger *zap.Logger
}

// New creates an empty Manager.
func New(logger *zap.Logger) *Manager {
	return &Manager{
		agents: make(map[string]*entry),
		logger: logger.Named("registry"),
	}
}

// Register binds an id to its live session writer. If the id is already
// registered (a stale connection the acceptor hasn't noticed died yet),
// the previous entry is replaced and a warning is logged. Which of two
// simultaneous connections for the same id wins is unspecified — only that
// exactly one survives in the registry afterward.
func (m *Manager) Register(id, hostname, os string, writer Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[id]; exists {
		m.logger.Warn("replacing existing live session",
			zap.String("agent_id", id),
			zap.String("hostname", hostname),
		)
	}

	m.agents[id] = &entry{
		id:          id,
		hostname:    hostname,
		os:          os,
		connectedAt: time.Now().UTC(),
		writer:      writer,
	}

	m.logger.Info("agent session registered",
		zap.String("agent_id", id),
		zap.String("hostname", hostname),
		zap.String("os", os),
		zap.Int("live_sessions", len(m.agents)),
	)
}

// Deregister removes an id from the live table. Called when a session's
// reader loop exits for any reason (EOF, timeout, protocol error).
func (m *Manager) Deregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, exists := m.agents[id]
	if !exists {
		return
	}
	delete(m.agents, id)

	m.logger.Info("agent session deregistered",
		zap.String("agent_id", id),
		zap.String("hostname", a.hostname),
		zap.Duration("session_duration", time.Since(a.connectedAt)),
		zap.Int("live_sessions", len(m.agents)),
	)
}

// IsLive reports whether id currently has a live session.
func (m *Manager) IsLive(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, exists := m.agents[id]
	return exists
}

// Send hands msg to the live session for id. Returns an error if the id has
// no live session or the write fails. Callers (the dispatch scheduler) do
// not retry — a failed send is recorded as a per-target failure and the
// batch continues with the remaining targets.
func (m *Manager) Send(id string, msg protocol.Message) error {
	m.mu.RLock()
	a, exists := m.agents[id]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("registry: agent %s has no live session", id)
	}
	if err := a.writer.Send(msg); err != nil {
		return fmt.Errorf("registry: send to agent %s: %w", id, err)
	}
	return nil
}

// LiveTargets returns the ids of every live session whose os tag matches
// filter ("" matches every os). Used by the dispatch scheduler to
// materialize the target list for a batch — dispatch must
// only ever target agents that are live right now, not merely known to the
// inventory.
func (m *Manager) LiveTargets(os string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.agents))
	for id, a := range m.agents {
		if os == "" || a.os == os {
			ids = append(ids, id)
		}
	}
	return ids
}

// Count returns the number of currently live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}
