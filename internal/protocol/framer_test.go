package protocol

import (
	"net"
	"testing"
	"time"
)

func TestFramerRoundTrip(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	sf := New(server)
	cf := New(client)

	want := NewExeCommand("uptime", 30, 101)

	done := make(chan error, 1)
	go func() {
		done <- sf.WriteFrame(want, 2*time.Second)
	}()

	frames, err := cf.ReadFrames(2 * time.Second)
	if err != nil {
		t.Fatalf("ReadFrames: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	got := frames[0]
	if got.Kind != KindExeCommand {
		t.Fatalf("got kind %q, want %q", got.Kind, KindExeCommand)
	}
	if got.ExeCommand == nil || got.ExeCommand.Command != "uptime" || got.ExeCommand.CmdID != 101 {
		t.Fatalf("got %+v, want Command=uptime CmdID=101", got.ExeCommand)
	}
}

func TestFramerReadTimeout(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	cf := New(client)
	_, err := cf.ReadFrames(50 * time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("got err %v, want ErrTimeout", err)
	}
}

func TestFramerEOF(t *testing.T) {
	server, client := net.Pipe()
	cf := New(client)

	go server.Close()

	_, err := cf.ReadFrames(2 * time.Second)
	if err != ErrEOF {
		t.Fatalf("got err %v, want ErrEOF", err)
	}
}

func TestMessageUnknownKindIsProtocolError(t *testing.T) {
	var m Message
	err := m.UnmarshalJSON([]byte(`{"message":"bogus"}`))
	if err == nil {
		t.Fatal("expected error for unknown message kind")
	}
}
