package registry

import (
	"testing"

	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/protocol"
)

type fakeWriter struct {
	addr string
	sent []protocol.Message
	err  error
}

func (f *fakeWriter) Send(msg protocol.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeWriter) RemoteAddr() string { return f.addr }

func TestRegisterAndIsLive(t *testing.T) {
	m := New(zap.NewNop())

	if m.IsLive("a1") {
		t.Fatal("expected a1 not live before registration")
	}

	m.Register("a1", "host1", "windows", &fakeWriter{addr: "1.2.3.4:1"})

	if !m.IsLive("a1") {
		t.Fatal("expected a1 live after registration")
	}
	if m.Count() != 1 {
		t.Errorf("expected Count() = 1, got %d", m.Count())
	}
}

func TestDeregister(t *testing.T) {
	m := New(zap.NewNop())
	m.Register("a1", "host1", "linux", &fakeWriter{})

	m.Deregister("a1")

	if m.IsLive("a1") {
		t.Fatal("expected a1 not live after deregistration")
	}

	// Deregistering an already-absent id must not panic.
	m.Deregister("a1")
}

func TestSendUnknownAgent(t *testing.T) {
	m := New(zap.NewNop())
	if err := m.Send("ghost", protocol.Message{}); err == nil {
		t.Fatal("expected error sending to unregistered agent")
	}
}

func TestSendDelegatesToWriter(t *testing.T) {
	m := New(zap.NewNop())
	w := &fakeWriter{}
	m.Register("a1", "host1", "linux", w)

	msg := protocol.NewExeCommand("whoami", 30, 1)
	if err := m.Send("a1", msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if len(w.sent) != 1 {
		t.Fatalf("expected 1 message delivered, got %d", len(w.sent))
	}
}

func TestLiveTargetsFiltersByOS(t *testing.T) {
	m := New(zap.NewNop())
	m.Register("win1", "w1", "windows", &fakeWriter{})
	m.Register("lin1", "l1", "linux", &fakeWriter{})
	m.Register("win2", "w2", "windows", &fakeWriter{})

	win := m.LiveTargets("windows")
	if len(win) != 2 {
		t.Errorf("expected 2 windows targets, got %d", len(win))
	}

	all := m.LiveTargets("")
	if len(all) != 3 {
		t.Errorf("expected 3 targets with empty os filter, got %d", len(all))
	}
}

func TestRegisterReplacesExisting(t *testing.T) {
	m := New(zap.NewNop())
	m.Register("a1", "host1", "linux", &fakeWriter{addr: "first"})
	m.Register("a1", "host1", "linux", &fakeWriter{addr: "second"})

	if m.Count() != 1 {
		t.Fatalf("expected single live entry after re-registration, got %d", m.Count())
	}
}
