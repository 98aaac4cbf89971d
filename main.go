package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"parley/internal/api"
	"parley/internal/auth"
	"parley/internal/chat"
	"parley/internal/commands"
	"parley/internal/config"
	"parley/internal/delivery"
	"parley/internal/filestore"
	"parley/internal/http"
	"parley/internal/presence"
	"parley/internal/registry"
	"parley/internal/storage"
	"parley/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string, stdout io.Writer) error {
	flags := flag.NewFlagSet("parley", flag.ContinueOnError)
	addUser := flags.String("add-user", "", "Username to create (creates user with random password and prints details)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*addUser != "")
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg, os.Stderr))

	store, err := storage.Open(cfg.StoreDriver, cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	secret := cfg.AuthSecret
	if secret == "" {
		// Creating users only hashes passwords; no tokens are issued.
		secret = "cli"
	}
	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(secret)),
		TokenExpiry: cfg.TokenExpiry,
	}, store)
	if err != nil {
		return err
	}

	if *addUser != "" {
		return commands.AddUser(authService, *addUser, stdout)
	}

	// Nobody is connected yet, whatever the last run left behind.
	reset, err := store.ResetPresence()
	if err != nil {
		return fmt.Errorf("failed to reset presence: %w", err)
	}
	if reset > 0 {
		slog.Info("reset stale presence", "users", reset)
	}

	reg := registry.New()
	router := delivery.NewRouter(reg, slog.Default())
	index := chat.NewIndex(store)
	presenceManager := presence.NewManager(store, index, router, slog.Default())
	hub := ws.NewHub(store, reg, router, index, presenceManager, slog.Default())

	g, gCtx := errgroup.WithContext(ctx)

	wsServer := ws.NewServer(gCtx, authService, hub, ws.ServerConfig{
		ConnectionConfig: ws.ConnectionConfig{
			SendBuffer:   cfg.SendBuffer,
			PingInterval: cfg.PingInterval,
			WriteTimeout: cfg.WriteTimeout,
		},
		PongWait:       cfg.PongWait,
		MaxMessageSize: cfg.MaxMessageSize,
	})
	files, err := filestore.NewLocalFileStore(cfg.UploadsPath)
	if err != nil {
		return err
	}
	apiHandlers := api.New(authService, hub, index, presenceManager, store, files, cfg.MaxUploadSize)
	apiServer := http.NewAPIServer(apiHandlers, wsServer, cfg.APIAddr)

	// Start API Server
	g.Go(func() error {
		return apiServer.Start()
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("API server shutdown error", "error", err)
		}
		return nil
	})

	err = g.Wait()
	// Sockets tear down asynchronously once gCtx is done; give them a moment
	// to record their users as offline before the store closes.
	waitForDrain(reg, 2*time.Second)
	return err
}

func waitForDrain(reg *registry.Registry, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for reg.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
}

func newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, flag.ErrHelp) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
