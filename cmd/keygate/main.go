package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"keygate/internal/config"
	"keygate/internal/docstore"
	"keygate/internal/entitlement"
	"keygate/internal/identity"
	"keygate/internal/observability/logging"
	"keygate/internal/observability/metrics"
	"keygate/internal/storage"
	"keygate/internal/ui"
	"keygate/pkg/db"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	_ = godotenv.Load()

	keyFlag := flag.String("key", "", "activation key to apply after restore")
	pathFlag := flag.String("path", "", "activation path to extract a key from, e.g. /k/ABC123")
	flag.Parse()

	cfg := config.LoadClient()

	logger := logging.NewLogger(logging.Config{
		ServiceName: "keygate",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)

	metrics.MustRegister("keygate")
	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr, logger)
	}

	adapter, err := buildStorage(cfg, logger)
	if err != nil {
		logger.Error("storage init", "error", err)
		os.Exit(1)
	}

	auth := identity.NewHTTPAuthenticator(cfg.ServerBaseURL)
	defer auth.Close()

	ids := identity.NewManager(adapter, auth, nil, logger)
	docs := docstore.NewClient(cfg.ServerBaseURL)
	refl := ui.Log{Logger: logger}

	gate := entitlement.NewGate(ids, adapter, docs, refl, entitlement.Options{
		Origin: cfg.Origin,
		Links:  entitlement.LogLinks{Logger: logger},
		Log:    logger,
	})
	defer gate.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	restored := gate.Restore(ctx)
	if !restored && gate.State() == entitlement.StateUnactivated {
		restored = gate.RecoverStoredKey(ctx)
	}
	logger.Info("restore finished", "activated", restored, "state", gate.State())

	key := *keyFlag
	if key == "" && *pathFlag != "" {
		if k := entitlement.KeyFromPath(*pathFlag); k != "" {
			key = k
		} else {
			logger.Warn("no activation key in path", "path", *pathFlag)
		}
	}
	if key != "" {
		if err := gate.Activate(ctx, key); err != nil {
			logger.Error("activation failed", "error", err)
		}
	}

	<-ctx.Done()
	logger.Info("shutting down", "state", gate.State())
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil {
		logger.Warn("metrics listener stopped", "error", err)
	}
}

func buildStorage(cfg config.Client, logger *slog.Logger) (*storage.Adapter, error) {
	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return nil, err
	}

	dsn := cfg.StateDB
	if dsn == "" {
		dsn = filepath.Join(cfg.StateDir, "state.db")
	}
	gdb, err := db.OpenGorm(db.Config{DSN: dsn})
	if err != nil {
		return nil, err
	}
	structured, err := storage.NewGormBackend(gdb)
	if err != nil {
		return nil, err
	}

	primary, err := storage.NewFileBackend("primary", filepath.Join(cfg.StateDir, "primary"))
	if err != nil {
		return nil, err
	}
	backup, err := storage.NewFileBackend("backup", filepath.Join(cfg.StateDir, "backup"))
	if err != nil {
		return nil, err
	}
	session, err := storage.NewSessionBackend(filepath.Join(cfg.StateDir, "session"))
	if err != nil {
		return nil, err
	}

	return storage.NewAdapter(logger,
		storage.StructuredLayer(structured),
		storage.SessionLayer(session),
		storage.DurableLayer(primary),
		storage.DurableLayer(backup),
	), nil
}
