package commander

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/correlator"
	"github.com/rpcyber/botnet-commander/internal/protocol"
	"github.com/rpcyber/botnet-commander/internal/registry"
	"github.com/rpcyber/botnet-commander/internal/session"
	"github.com/rpcyber/botnet-commander/internal/store"
)

func testHandler(t *testing.T) (*Handler, *store.Gateway, *registry.Manager) {
	t.Helper()
	gw, err := store.New(store.Config{Driver: "sqlite", DSN: "file::memory:?cache=shared", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { gw.Close() })

	reg := registry.New(zap.NewNop())
	corr, err := correlator.New(gw, zap.NewNop(), 0)
	if err != nil {
		t.Fatalf("correlator.New: %v", err)
	}
	return NewHandler(gw, reg, corr, zap.NewNop()), gw, reg
}

func TestIdentifyCreatesNewAgent(t *testing.T) {
	h, gw, reg := testHandler(t)

	s := session.New(protocol.New(nil), "10.0.0.5:1234", h, zap.NewNop())

	if err := h.Identify(s, protocol.BotHostInfo{UUID: "agent-1", Hostname: "box", OS: "Linux"}); err != nil {
		t.Fatalf("Identify: %v", err)
	}

	agent, err := gw.GetAgent(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("GetAgent: %v", err)
	}
	if agent.Hostname != "box" || agent.OS != "Linux" {
		t.Fatalf("unexpected agent row: %+v", agent)
	}
	if !reg.IsLive("agent-1") {
		t.Fatal("expected agent to be registered live after Identify")
	}
}

func TestOnFrameRecordsReplyInCorrelator(t *testing.T) {
	h, gw, _ := testHandler(t)
	ctx := context.Background()

	if err := gw.AddAgent(ctx, "agent-1", "box", "10.0.0.5:1", "Linux"); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}
	ids, err := gw.AddAgentEvents(ctx, []string{"agent-1"}, "exeCommand", "whoami")
	if err != nil {
		t.Fatalf("AddAgentEvents: %v", err)
	}

	s := session.New(protocol.New(nil), "10.0.0.5:1234", h, zap.NewNop())
	reply := protocol.NewExeCommandReply("whoami", ids[0], "root", 0)
	if ok := h.OnFrame(s, reply); !ok {
		t.Fatal("expected OnFrame to keep the session open for a recognized reply")
	}

	if h.correlator.Pending() != 1 {
		t.Fatalf("expected one reply buffered in correlator, got %d", h.correlator.Pending())
	}
}

func TestOnFrameRejectsUnrecognizedKind(t *testing.T) {
	h, gw, reg := testHandler(t)
	ctx := context.Background()

	if err := gw.AddAgent(ctx, "agent-1", "box", "10.0.0.5:1", "Linux"); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}

	s := session.New(protocol.New(nil), "10.0.0.5:1234", h, zap.NewNop())
	if err := h.Identify(s, protocol.BotHostInfo{UUID: "agent-1", Hostname: "box", OS: "Linux"}); err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if !reg.IsLive("agent-1") {
		t.Fatal("expected agent-1 to be live after Identify")
	}

	resent := protocol.NewBotHostInfo("agent-1", "box", protocol.OSLinux)
	if ok := h.OnFrame(s, resent); ok {
		t.Fatal("expected OnFrame to reject a re-sent botHostInfo and request close")
	}
}
