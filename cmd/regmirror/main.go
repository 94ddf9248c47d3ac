// Command regmirror runs the Registry V2 mirror proxy: it fronts a
// pool of upstream registry mirrors, tracks their health, and
// transparently negotiates auth on the client's behalf.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/brisling/regmirror/internal/config"
	"github.com/brisling/regmirror/pkg/auth"
	"github.com/brisling/regmirror/pkg/health"
	"github.com/brisling/regmirror/pkg/mirror"
	"github.com/brisling/regmirror/pkg/mux"
	"github.com/brisling/regmirror/pkg/proxy"
	"github.com/brisling/regmirror/pkg/traffic"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := newStore(ctx, cfg)
	if err != nil {
		logger.Error("failed to initialize mirror store", "error", err)
		os.Exit(1)
	}

	if cfg.MirrorsFile != "" {
		if err := seedMirrors(ctx, store, cfg.MirrorsFile); err != nil {
			logger.Error("failed to seed mirrors", "error", err)
			os.Exit(1)
		}
	}

	client := newSharedClient()
	tracker := health.NewTracker(store, client, logger)
	go tracker.Run(ctx)

	negotiator := auth.NewNegotiator(client)
	sink := traffic.NewInMemorySink(1000)
	engine := proxy.NewEngine(tracker, negotiator, sink, client, logger)
	tokenHandler := &proxy.TokenHandler{Client: client, Logger: logger}

	router := mux.NewRouter(engine, tokenHandler, logger)

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: router,
	}

	go func() {
		logger.Info("starting server", "addr", cfg.ListenAddr, "store", cfg.StoreBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func newStore(ctx context.Context, cfg config.Config) (mirror.Store, error) {
	switch cfg.StoreBackend {
	case "s3":
		return mirror.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Prefix)
	default:
		return mirror.NewInMemoryStore(), nil
	}
}

func seedMirrors(ctx context.Context, store mirror.Store, path string) error {
	seeds, err := config.LoadMirrorSeeds(path)
	if err != nil {
		return err
	}
	for _, m := range seeds {
		if _, err := store.Upsert(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// newSharedClient builds the long-lived HTTP client used for probes,
// token fetches, and upstream proxying alike (§9 "Session handle
// re-use"): one connection pool, constructed once at startup.
func newSharedClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			IdleConnTimeout:       60 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
		},
	}
}
