package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tandemhq/tandem/internal/channel"
	"github.com/tandemhq/tandem/internal/engine"
	"github.com/tandemhq/tandem/internal/observability"
	"github.com/tandemhq/tandem/internal/op"
	"github.com/tandemhq/tandem/internal/oplog"
)

var logLevel string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "tandem",
	Short: "Tandem — edit coordination for concurrent coding agents",
	Long:  "Coordinates concurrent editing instances over a shared project tree: durable operation log, undo/redo, peer distribution.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupLogging()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a coordination instance",
	RunE:  runServe,
}

var (
	instanceID   string
	projectRoot  string
	dataDir      string
	port         int
	syncInterval time.Duration
	maxHistory   int
	encrypted    bool
	tlsCert      string
	tlsKey       string
	peerAddrs    []string
	otelEnabled  bool
	otelEndpoint string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	serveCmd.Flags().StringVar(&instanceID, "instance-id", os.Getenv("TANDEM_INSTANCE_ID"), "Stable instance identifier (defaults to $TANDEM_INSTANCE_ID, then a generated UUID)")
	serveCmd.Flags().StringVar(&projectRoot, "project-root", ".", "Project root that file paths are relative to")
	serveCmd.Flags().StringVar(&dataDir, "data-dir", envOr("TANDEM_DATA_DIR", "data"), "Directory for the operation log (defaults to $TANDEM_DATA_DIR)")
	serveCmd.Flags().IntVar(&port, "port", 7650, "Coordination listen port (0 = ephemeral)")
	serveCmd.Flags().DurationVar(&syncInterval, "sync-interval", 500*time.Millisecond, "Background synchronization interval")
	serveCmd.Flags().IntVar(&maxHistory, "max-history", 1000, "Maximum retained operation records")
	serveCmd.Flags().BoolVar(&encrypted, "encrypted", false, "Require confidentiality+integrity on peer traffic (needs --tls-cert/--tls-key)")
	serveCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "TLS certificate file for encrypted peer traffic")
	serveCmd.Flags().StringVar(&tlsKey, "tls-key", "", "TLS key file for encrypted peer traffic")
	serveCmd.Flags().StringSliceVar(&peerAddrs, "peer", nil, "Static peer address host:port (repeatable; supplements mDNS discovery)")
	serveCmd.Flags().BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	serveCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")

	rootCmd.AddCommand(serveCmd)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func setupLogging() {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
}

func runServe(cmd *cobra.Command, args []string) error {
	id := instanceID
	if id == "" {
		id = uuid.NewString()
	}

	var tlsConfig *tls.Config
	if encrypted {
		if tlsCert == "" || tlsKey == "" {
			return fmt.Errorf("--encrypted requires --tls-cert and --tls-key")
		}
		cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
		if err != nil {
			return fmt.Errorf("load TLS key pair: %w", err)
		}
		tlsConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	slog.Info("starting tandem instance",
		"instance", id,
		"project_root", projectRoot,
		"data_dir", dataDir,
		"port", port,
		"sync_interval", syncInterval,
		"max_history", maxHistory,
		"encrypted", encrypted,
		"static_peers", peerAddrs,
	)

	otelShutdown, err := observability.InitTracer(otelEnabled, "tandem", id, otelEndpoint)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}()

	log, err := oplog.Open(filepath.Join(dataDir, "oplog"), maxHistory)
	if err != nil {
		return fmt.Errorf("open operation log: %w", err)
	}

	chCfg := channel.DefaultConfig()
	chCfg.InstanceID = id
	chCfg.Port = port
	chCfg.Encryption = encrypted
	chCfg.TLS = tlsConfig
	ch, err := channel.New(chCfg)
	if err != nil {
		log.Close()
		return fmt.Errorf("start channel: %w", err)
	}
	for _, addr := range peerAddrs {
		if err := ch.Connect(addr); err != nil {
			slog.Warn("static peer connect failed", "addr", addr, "error", err)
		}
	}

	eng, err := engine.NewWith(engine.Config{
		InstanceID:        id,
		ProjectRoot:       projectRoot,
		DataDir:           dataDir,
		CoordinationPort:  port,
		SyncInterval:      syncInterval,
		MaxHistoryEntries: maxHistory,
		EncryptionEnabled: encrypted,
		TLS:               tlsConfig,
	}, log, ch)
	if err != nil {
		ch.Close()
		log.Close()
		return fmt.Errorf("start engine: %w", err)
	}

	if err := eng.RegisterCallback(func(batch []op.Operation) {
		for i := range batch {
			slog.Info("operation received",
				"op", batch[i].ID(),
				"kind", batch[i].Kind,
				"file", batch[i].FilePath,
				"line", batch[i].Line,
				"col", batch[i].Col,
			)
		}
	}); err != nil {
		slog.Warn("register callback", "error", err)
	}

	slog.Info("tandem instance ready", "instance", id, "addr", ch.Addr())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	slog.Info("received shutdown signal", "signal", sig)

	if err := eng.Shutdown(); err != nil {
		slog.Error("shutdown error", "error", err)
		return err
	}

	stats := ch.Stats()
	slog.Info("tandem instance stopped",
		"sent", stats.Sent,
		"received", stats.Received,
		"dropped", stats.Dropped,
	)
	return nil
}
