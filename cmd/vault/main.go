// Package main runs a single vault. Configuration is taken from flags, falling back to
// the VAULT_* environment variables.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	vault "github.com/pmidvault/vault-go"
	"github.com/pmidvault/vault-go/internal/storage/sqlite"
	"github.com/pmidvault/vault-go/transport/peer"
)

func main() {
	addr := flag.String("addr", getEnv("VAULT_ADDR", "localhost:8080"), "address to listen on")
	peers := flag.String("peers", getEnv("VAULT_PEERS", ""), "comma-separated list of peer addresses")
	dataPath := flag.String("data-path", getEnv("VAULT_DATA_PATH", "./data"), "directory holding the account database")
	logLevel := flag.String("log-level", getEnv("VAULT_LOG_LEVEL", "info"), "debug, info, warn or error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	store, err := sqlite.OpenAccountStore(*dataPath)
	if err != nil {
		logger.Error("failed to open account store", "error", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := vault.ListenAndServe(ctx, *addr, vault.Options{
		Logger:  logger,
		Backend: store,
	})
	if err != nil {
		logger.Error("failed to start vault", "error", err)
		os.Exit(1)
	}

	// We are always a member of our own cluster
	info := []peer.Info{{Address: d.ListenAddress()}}
	for _, p := range strings.Split(*peers, ",") {
		p = strings.TrimSpace(p)
		if p == "" || p == d.ListenAddress() {
			continue
		}
		info = append(info, peer.Info{Address: p})
	}
	if err := d.SetPeers(ctx, info); err != nil {
		logger.Error("failed to set peers", "error", err)
		os.Exit(1)
	}

	logger.Info("vault running",
		"address", d.ListenAddress(),
		"peers", len(info),
		"db", store.DBPath())

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Shutdown(shutdownCtx); err != nil {
		logger.Error("during shutdown", "error", err)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
