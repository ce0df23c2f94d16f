package main

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"keygate/internal/config"
	"keygate/internal/jwtsigner"
	"keygate/internal/observability/logging"
	"keygate/internal/observability/metrics"
	"keygate/internal/service"
	"keygate/internal/store"
	httptransport "keygate/internal/transport/http"
	"keygate/pkg/db"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	cfg := config.LoadServer()

	logger := logging.NewLogger(logging.Config{
		ServiceName: "keygated",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)

	metrics.MustRegister("keygated")

	gdb, err := db.OpenGorm(db.Config{DSN: cfg.DatabaseURL})
	if err != nil {
		logger.Error("gorm open", "error", err)
		os.Exit(1)
	}

	st := store.New(gdb)
	if err := st.AutoMigrate(); err != nil {
		logger.Error("migrate", "error", err)
		os.Exit(1)
	}

	signer, err := jwtsigner.NewFromBase64(cfg.SigningKey, cfg.KeyID, cfg.Issuer)
	if err != nil {
		logger.Error("token signer", "error", err)
		os.Exit(1)
	}
	if cfg.SigningKey == "" {
		logger.Warn("TOKEN_SIGNING_KEY not set, using an ephemeral key; device tokens will not survive a restart")
	}
	if cfg.AdminToken == "" {
		logger.Warn("ADMIN_TOKEN not set, admin api disabled")
	}

	svc := service.New(st, service.NewHub(), signer)
	handler := httptransport.NewRouter(svc, signer, httptransport.Options{
		AdminToken:  cfg.AdminToken,
		CORSOrigins: strings.Split(os.Getenv("CORS_ORIGINS"), ","),
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("keygated listening", "addr", cfg.Addr, "issuer", cfg.Issuer)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
