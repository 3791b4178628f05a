package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/correlator"
	"github.com/rpcyber/botnet-commander/internal/dispatch"
	"github.com/rpcyber/botnet-commander/internal/protocol"
	"github.com/rpcyber/botnet-commander/internal/registry"
	"github.com/rpcyber/botnet-commander/internal/store"
)

type fakeWriter struct {
	sent []protocol.Message
}

func (w *fakeWriter) Send(msg protocol.Message) error {
	w.sent = append(w.sent, msg)
	return nil
}

func (w *fakeWriter) RemoteAddr() string { return "127.0.0.1:9999" }

func newTestServer(t *testing.T) (*httptest.Server, *store.Gateway, *registry.Manager) {
	t.Helper()
	gw, err := store.New(store.Config{Driver: "sqlite", DSN: "file::memory:?cache=shared", Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { gw.Close() })

	reg := registry.New(zap.NewNop())
	sched := dispatch.New(reg, gw, 30, zap.NewNop())
	corr, err := correlator.New(gw, zap.NewNop(), 0)
	if err != nil {
		t.Fatalf("correlator.New: %v", err)
	}

	router := NewRouter(RouterConfig{Store: gw, Registry: reg, Scheduler: sched, Correlator: corr, Logger: zap.NewNop()})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, gw, reg
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestCountAndListReflectInventory(t *testing.T) {
	srv, gw, reg := newTestServer(t)
	ctx := context.Background()

	if err := gw.AddAgent(ctx, "agent-1", "host-1", "10.0.0.1:1", "Linux"); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}
	if err := gw.AddAgent(ctx, "agent-2", "host-2", "10.0.0.2:1", "Windows"); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}
	reg.Register("agent-1", "host-1", "Linux", &fakeWriter{})

	resp, err := http.Get(srv.URL + "/agents/count")
	if err != nil {
		t.Fatalf("GET /agents/count: %v", err)
	}
	var countBody struct {
		Data int `json:"data"`
	}
	decodeBody(t, resp, &countBody)
	if countBody.Data != 2 {
		t.Fatalf("expected count 2, got %d", countBody.Data)
	}

	resp, err = http.Get(srv.URL + "/agents/count?status=online")
	if err != nil {
		t.Fatalf("GET /agents/count?status=online: %v", err)
	}
	decodeBody(t, resp, &countBody)
	if countBody.Data != 1 {
		t.Fatalf("expected online count 1, got %d", countBody.Data)
	}

	resp, err = http.Get(srv.URL + "/agents/*/list")
	if err != nil {
		t.Fatalf("GET /agents/*/list: %v", err)
	}
	var listBody struct {
		Data []agentResponse `json:"data"`
	}
	decodeBody(t, resp, &listBody)
	if len(listBody.Data) != 2 {
		t.Fatalf("expected 2 agents listed, got %d", len(listBody.Data))
	}
}

func TestCountRejectsInvalidStatus(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/agents/count?status=bogus")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestCmdDispatchesToLiveTargets(t *testing.T) {
	srv, gw, reg := newTestServer(t)
	ctx := context.Background()

	if err := gw.AddAgent(ctx, "agent-1", "host-1", "10.0.0.1:1", "Linux"); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}
	w := &fakeWriter{}
	reg.Register("agent-1", "host-1", "Linux", w)

	body, _ := json.Marshal(map[string]string{"cmd": "whoami"})
	resp, err := http.Post(srv.URL+"/agents/*/cmd", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /agents/*/cmd: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var cmdBody struct {
		Data []targetResultResponse `json:"data"`
	}
	decodeBody(t, resp, &cmdBody)
	if len(cmdBody.Data) != 1 || cmdBody.Data[0].Result != "success" {
		t.Fatalf("unexpected dispatch result: %+v", cmdBody.Data)
	}
	if len(w.sent) != 1 {
		t.Fatalf("expected exactly one frame sent to the live agent, got %d", len(w.sent))
	}
}

func TestScriptReadsSourceFromDisk(t *testing.T) {
	srv, gw, reg := newTestServer(t)
	ctx := context.Background()

	if err := gw.AddAgent(ctx, "agent-1", "host-1", "10.0.0.1:1", "Linux"); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}
	w := &fakeWriter{}
	reg.Register("agent-1", "host-1", "Linux", w)

	f, err := os.CreateTemp(t.TempDir(), "script-*.sh")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	if _, err := f.WriteString("#!/bin/sh\necho hi\n"); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
	f.Close()

	body, _ := json.Marshal(map[string]string{"script_path": f.Name(), "script_type": "sh"})
	resp, err := http.Post(srv.URL+"/agents/*/script", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /agents/*/script: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	if len(w.sent) != 1 {
		t.Fatalf("expected one frame sent, got %d", len(w.sent))
	}
	script := w.sent[0].ExeScript
	if script == nil {
		t.Fatalf("expected ExeScript payload, got %+v", w.sent[0])
	}
	if script.Command == "" {
		t.Fatal("expected script source to be read from disk and embedded as command")
	}
}

func TestScriptRejectsMissingPath(t *testing.T) {
	srv, gw, reg := newTestServer(t)
	ctx := context.Background()

	if err := gw.AddAgent(ctx, "agent-1", "host-1", "10.0.0.1:1", "Linux"); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}
	reg.Register("agent-1", "host-1", "Linux", &fakeWriter{})

	body, _ := json.Marshal(map[string]string{"script_path": "/no/such/file.sh", "script_type": "sh"})
	resp, err := http.Post(srv.URL+"/agents/*/script", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /agents/*/script: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestTimeoutGetAndSet(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/timeout")
	if err != nil {
		t.Fatalf("GET /timeout: %v", err)
	}
	var body struct {
		Data int `json:"data"`
	}
	decodeBody(t, resp, &body)
	if body.Data != 30 {
		t.Fatalf("expected default timeout 30, got %d", body.Data)
	}

	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/timeout?timeout=60", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /timeout: %v", err)
	}
	decodeBody(t, resp, &body)
	if body.Data != 60 {
		t.Fatalf("expected updated timeout 60, got %d", body.Data)
	}

	req, _ = http.NewRequest(http.MethodPut, srv.URL+"/timeout?timeout=0", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT /timeout?timeout=0: %v", err)
	}
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for out-of-range timeout, got %d", resp.StatusCode)
	}
}

func TestDeleteRemovesAgent(t *testing.T) {
	srv, gw, _ := newTestServer(t)
	ctx := context.Background()

	if err := gw.AddAgent(ctx, "agent-1", "host-1", "10.0.0.1:1", "Linux"); err != nil {
		t.Fatalf("AddAgent: %v", err)
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/agents/agent-1/delete", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE: %v", err)
	}
	var body struct {
		Data []string `json:"data"`
	}
	decodeBody(t, resp, &body)
	if len(body.Data) != 1 || body.Data[0] != "agent-1" {
		t.Fatalf("expected agent-1 deleted, got %+v", body.Data)
	}

	if _, err := gw.GetAgent(ctx, "agent-1"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
