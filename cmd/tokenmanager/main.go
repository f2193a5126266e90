// Command tokenmanager runs the token pool allocator as a standalone
// HTTP service. Configuration is environment-only; there are no
// command-line flags.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tokenmanager "github.com/gabrielangelo/token-manager"
	"github.com/gabrielangelo/token-manager/internal/logging"
)

const (
	envDatabasePath = "TOKEN_MANAGER_DATABASE_PATH"
	envHTTPHost     = "TOKEN_MANAGER_HTTP_HOST"
	envHTTPPort     = "TOKEN_MANAGER_HTTP_PORT"
	envSecretKey    = "TOKEN_MANAGER_SECRET_KEY" //nolint:gosec // env var name, not a credential

	defaultDatabasePath = "token-manager.db"
	defaultHTTPHost     = "0.0.0.0"
	defaultHTTPPort     = "8080"

	shutdownTimeout = 30 * time.Second
)

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	log := logging.Logger()

	dbPath := getenv(envDatabasePath, defaultDatabasePath)
	host := getenv(envHTTPHost, defaultHTTPHost)
	port := getenv(envHTTPPort, defaultHTTPPort)
	// secretKey is read for forward compatibility but has no effect yet:
	// there is no auth collaborator to hand it to.
	secretKey := os.Getenv(envSecretKey)
	_ = secretKey

	if _, err := strconv.Atoi(port); err != nil {
		log.Error("invalid http port", "value", port, "error", err)
		os.Exit(1)
	}

	svc := tokenmanager.New(tokenmanager.WithDatabasePath(dbPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Initialize(ctx); err != nil {
		log.Error("initialize failed", "error", err)
		os.Exit(1)
	}

	addr := host + ":" + port
	srv := &http.Server{
		Addr:    addr,
		Handler: newServer(svc),
	}

	go func() {
		log.Info("token-manager listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http server shutdown error", "error", err)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Warn("service shutdown error", "error", err)
	}

	log.Info("shutdown complete")
}
