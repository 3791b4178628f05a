package session

import (
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/protocol"
)

type recordingHandler struct {
	mu        sync.Mutex
	identify  protocol.BotHostInfo
	frames    []protocol.Message
	err       error
	rejectAll bool
}

func (h *recordingHandler) Identify(s *Session, info protocol.BotHostInfo) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.identify = info
	if h.err != nil {
		return h.err
	}
	return s.Send(protocol.NewBotHostInfoReply())
}

func (h *recordingHandler) OnFrame(s *Session, msg protocol.Message) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, msg)
	return !h.rejectAll
}

func (h *recordingHandler) frameCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func TestSessionHandshakeAndFrameDelivery(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	handler := &recordingHandler{}
	s := New(protocol.New(serverConn), "pipe", handler, zap.NewNop())

	runDone := make(chan struct{})
	go func() {
		s.Run()
		close(runDone)
	}()

	cf := protocol.New(clientConn)

	if err := cf.WriteFrame(protocol.NewBotHostInfo("agent-1", "host-1", protocol.OSLinux), 2*time.Second); err != nil {
		t.Fatalf("write botHostInfo: %v", err)
	}

	frames, err := cf.ReadFrames(2 * time.Second)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if len(frames) != 1 || frames[0].Kind != protocol.KindBotHostInfoReply {
		t.Fatalf("got %+v, want one botHostInfoReply", frames)
	}

	if err := cf.WriteFrame(protocol.NewExeCommandReply("whoami", 1, "root", 0), 2*time.Second); err != nil {
		t.Fatalf("write exeCommandReply: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for handler.frameCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if handler.frameCount() != 1 {
		t.Fatalf("expected handler to observe 1 frame, got %d", handler.frameCount())
	}

	if s.AgentID() != "agent-1" {
		t.Fatalf("got AgentID() = %q, want agent-1", s.AgentID())
	}

	clientConn.Close()
	<-runDone
}

func TestSessionRejectsNonHelloFirstFrame(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	handler := &recordingHandler{}
	s := New(protocol.New(serverConn), "pipe", handler, zap.NewNop())

	runDone := make(chan struct{})
	go func() {
		s.Run()
		close(runDone)
	}()

	cf := protocol.New(clientConn)
	if err := cf.WriteFrame(protocol.NewBotHello(nil), 2*time.Second); err != nil {
		t.Fatalf("write botHello: %v", err)
	}

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("expected session to close after non-hello first frame")
	}

	if s.AgentID() != "" {
		t.Fatalf("expected empty AgentID on rejected handshake, got %q", s.AgentID())
	}
}

func TestSessionClosesWhenHandlerRejectsFrame(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	handler := &recordingHandler{rejectAll: true}
	s := New(protocol.New(serverConn), "pipe", handler, zap.NewNop())

	runDone := make(chan struct{})
	go func() {
		s.Run()
		close(runDone)
	}()

	cf := protocol.New(clientConn)
	if err := cf.WriteFrame(protocol.NewBotHostInfo("agent-1", "host-1", protocol.OSLinux), 2*time.Second); err != nil {
		t.Fatalf("write botHostInfo: %v", err)
	}
	if _, err := cf.ReadFrames(2 * time.Second); err != nil {
		t.Fatalf("read reply: %v", err)
	}

	if err := cf.WriteFrame(protocol.NewBotHello(nil), 2*time.Second); err != nil {
		t.Fatalf("write botHello: %v", err)
	}

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("expected session to close after handler rejected a frame")
	}
}
