package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/perchcam/signaling-broker/internal/auth"
	"github.com/perchcam/signaling-broker/internal/broker"
	"github.com/perchcam/signaling-broker/internal/config"
	"github.com/perchcam/signaling-broker/internal/httpserver"
	"github.com/perchcam/signaling-broker/internal/logging"
	"github.com/perchcam/signaling-broker/internal/metrics"
	"github.com/perchcam/signaling-broker/internal/store"
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

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := newStore(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to configure session store")
		os.Exit(2)
	}

	log.Info().
		Str("listen_addr", cfg.ListenAddr).
		Str("mode", string(cfg.Mode)).
		Str("store_backend", string(cfg.StoreBackend)).
		Str("auth_mode", string(cfg.AuthMode)).
		Dur("session_ttl", cfg.SessionTTL).
		Dur("reap_interval", cfg.ReapInterval).
		Dur("heartbeat_interval", cfg.HeartbeatInterval).
		Msg("starting perchcam-signaling-broker")

	m := metrics.New()
	presence := broker.NewPresence(st, nil, m, log, cfg.HeartbeatInterval)
	b := httpserver.Broker{
		Presence: presence,
		Registry: broker.NewRegistry(st, presence, broker.AllowAll, nil, m, log, cfg.SessionTTL),
		Relay:    broker.NewRelay(st, nil, m, log),
		Exchange: broker.NewExchange(st, nil, m, log),
	}

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		log.Error().Err(err).Msg("failed to configure auth")
		os.Exit(2)
	}

	reaper := broker.NewReaper(st, nil, m, log, cfg.ReapInterval)
	go reaper.Run(ctx)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		log.Error().Err(err).Msg("failed to listen")
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv := httpserver.New(cfg, b, verifier, m, nil, log, httpserver.BuildInfo{Commit: commit, BuildTime: built})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server exited")
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown failed")
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error().Err(err).Msg("http server exited after shutdown")
		os.Exit(1)
	}
}

func newStore(ctx context.Context, cfg config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		return store.NewMemory(), nil
	case config.StoreBackendDynamoDB:
		client, err := store.NewDynamoClient(ctx, cfg.DynamoRegion, cfg.DynamoEndpoint)
		if err != nil {
			return nil, err
		}
		return store.NewDynamo(client, cfg.DynamoTable)
	default:
		// Should be validated by config.Load.
		return nil, fmt.Errorf("unsupported store backend %q", cfg.StoreBackend)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
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
