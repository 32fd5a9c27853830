package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mama165/sdk-go/logs"

	"github.com/tutorly/peerchat/internal/chat"
	"github.com/tutorly/peerchat/internal/config"
	"github.com/tutorly/peerchat/internal/crypto"
	"github.com/tutorly/peerchat/internal/httpapi"
	"github.com/tutorly/peerchat/internal/securelog"
	"github.com/tutorly/peerchat/internal/storage"
	"github.com/tutorly/peerchat/internal/user"
	"github.com/tutorly/peerchat/internal/ws"
)

func main() {
	if err := run(); err != nil {
		securelog.Error(slog.Default(), "server.run", err)
		log.Printf("fatal: %v", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("config load failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}

	logger := logs.GetLoggerFromString(cfg.LogLevel)

	storeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store, err := storage.Open(storeCtx, storage.Options{
		Backend:    cfg.Backend,
		BadgerPath: cfg.BadgerPath,
		DBURL:      cfg.DBURL,
		Log:        logger,
	})
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, store, logger)
}

// serve owns store from here on and closes it before returning.
func serve(ctx context.Context, cfg config.Config, store storage.Store, logger *slog.Logger) error {
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
	}()
	if logger == nil {
		logger = securelog.Discard()
	}

	migrateCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := store.Migrate(migrateCtx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	cipher, err := crypto.NewCipher(cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	directory, err := loadDirectory(cfg.DirectoryFile)
	if err != nil {
		return fmt.Errorf("load directory: %w", err)
	}
	logger.Info("user directory loaded", "users", directory.Len())

	hub := ws.NewHub(nil, cfg.UserHeader, logger)
	svc := chat.NewService(store, cipher, directory,
		chat.WithTimeout(cfg.StoreTimeout),
		chat.WithLogger(logger),
		chat.WithNotifier(hub),
	)
	hub.SetChat(svc)
	go hub.Run(ctx)

	api := httpapi.NewHandler(svc, logger, cfg.UserHeader, cfg.AdminTokenHash)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", healthHandler)
	mux.HandleFunc("/ws", hub.HandleWS)
	api.Register(mux)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
			logger.Info("listening with TLS", "addr", cfg.ListenAddr, "backend", cfg.Backend)
			errCh <- srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
			return
		}

		logger.Info("listening", "addr", cfg.ListenAddr, "backend", cfg.Backend)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err = <-errCh
	case err = <-errCh:
	}

	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// loadDirectory reads the YAML roster when one is configured. Without it
// every sender falls back to the placeholder display name.
func loadDirectory(path string) (*user.MemoryDirectory, error) {
	if path == "" {
		return user.NewMemoryDirectory(), nil
	}
	return user.LoadDirectoryFile(path)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
