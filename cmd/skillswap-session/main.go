package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/skillswap/session-core/internal/api"
	"github.com/skillswap/session-core/internal/auth"
	"github.com/skillswap/session-core/internal/config"
	"github.com/skillswap/session-core/internal/geofence"
	"github.com/skillswap/session-core/internal/httpserver"
	"github.com/skillswap/session-core/internal/ledger"
	"github.com/skillswap/session-core/internal/lifecycle"
	"github.com/skillswap/session-core/internal/mailbox"
	"github.com/skillswap/session-core/internal/metrics"
	"github.com/skillswap/session-core/internal/store"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting skillswap-session",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"db_path", cfg.DBPath,
		"mailbox_backend", cfg.MailboxBackend,
		"geofence_radius_km", cfg.GeofenceRadiusKm,
		"session_credits", cfg.SessionCredits,
	)
	logStartupSecurityWarnings(logger, cfg)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Error("failed to open database", "err", err, "db_path", cfg.DBPath)
		os.Exit(1)
	}
	defer st.Close()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	transport, err := openMailbox(startCtx, cfg, logger)
	cancelStart()
	if err != nil {
		logger.Error("failed to open mailbox backend", "err", err, "backend", cfg.MailboxBackend)
		os.Exit(1)
	}
	defer transport.Close()

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		logger.Error("failed to configure auth", "err", err)
		os.Exit(2)
	}

	m := metrics.New()
	svc := lifecycle.New(lifecycle.Config{
		Store:          st,
		Ledger:         ledger.New(st, m),
		Geofence:       geofence.NewVerifier(cfg.GeofenceRadiusKm),
		Mailbox:        transport,
		Metrics:        m,
		Logger:         logger,
		DefaultCredits: cfg.SessionCredits,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	srv.SetMetrics(m)
	srv.AddReadinessCheck("database", st.Ping)

	authz := mailbox.SessionAuthorizer{Participants: svc.Participants, Docs: transport}
	hub := mailbox.NewHub(transport, verifier, authz, mailbox.NewHubConfig(cfg), logger, m)
	srv.Mux().Handle("GET /mailbox", hub)

	api.New(api.Config{
		Service:  svc,
		Verifier: verifier,
		AuthMode: cfg.AuthMode,
		Logger:   logger,
	}).RegisterRoutes(srv.Mux(), srv.WithOriginPolicy)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		hub.Close()
		if err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked /mailbox connections are not tracked by http.Server.
	hub.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
		_ = srv.Close()
	}

	if err := <-errCh; err != nil && !errors.Is(err, httpserver.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

type mailboxBackend interface {
	mailbox.Transport
	io.Closer
}

func openMailbox(ctx context.Context, cfg config.Config, logger *slog.Logger) (mailboxBackend, error) {
	switch cfg.MailboxBackend {
	case config.MailboxBackendRedis:
		r, err := mailbox.NewRedis(ctx, mailbox.RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	case config.MailboxBackendMemory, "":
		return mailbox.NewMemory(), nil
	default:
		// Should be validated by config.Load.
		return nil, fmt.Errorf("unknown mailbox backend %q", cfg.MailboxBackend)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values but fall back to the Go build info for
	// `go run` and dev builds.
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
