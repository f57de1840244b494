package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pribylovaa/sweet-shop-client/internal/config"
	"github.com/pribylovaa/sweet-shop-client/internal/credentials"
	"github.com/pribylovaa/sweet-shop-client/internal/metrics"
	"github.com/pribylovaa/sweet-shop-client/internal/session"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

const usage = `usage: sweetshop [--config path] <command> [flags]

commands:
  serve       run the in-process fake API
  login       sign in and persist the token pair
  register    create an account and sign in
  logout      revoke the refresh token and forget the session
  whoami      restore the saved session and print the profile
  sweets      list the catalogue
  search      advanced catalogue search
  buy         purchase a sweet
  restock     restock a sweet (admin)
  categories  list categories
  stats       inventory statistics
  featured    featured sweets in stock
  low-stock   sweets with 10 or fewer left
  out-of-stock  sold-out sweets
  dashboard   admin dashboard summary
  bulk        bulk restock, clear_stock or delete (admin)
`

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file (overrides CONFIG_PATH env)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.MustLoad(configPath)

	log := setupLogger(cfg.Env)
	slog.SetDefault(log)

	rootCtx, rootCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCancel()

	cmd, args := flag.Arg(0), flag.Args()[1:]

	if cmd == "serve" {
		if err := runServe(rootCtx, log, args); err != nil {
			log.Error("serve_failed", slog.String("err", err.Error()))
			os.Exit(1)
		}
		return
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		m = metrics.New(reg)

		stop := serveMetrics(log, cfg.Metrics.Addr(), reg)
		defer stop()
	}

	backend, closeBackend, err := newBackend(rootCtx, cfg)
	if err != nil {
		log.Error("storage_init_failed", slog.String("kind", cfg.Storage.Kind), slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer closeBackend()

	client, err := session.Build(session.Config{
		BaseURL:        cfg.API.BaseURL,
		UserAgent:      cfg.API.UserAgent,
		RequestTimeout: cfg.Timeouts.Request,
		RefreshTimeout: cfg.Timeouts.Refresh,
		StaleAfter:     cfg.Cache.StaleAfter,
		Backend:        backend,
		Metrics:        m,
		Logger:         log,
	})
	if err != nil {
		log.Error("client_init_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}

	if err := run(rootCtx, client, cmd, args); err != nil {
		var usageErr usageError
		if errors.As(err, &usageErr) {
			fmt.Fprintln(os.Stderr, err)
			flag.Usage()
			os.Exit(2)
		}

		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// newBackend выбирает долговременное хранилище пары по storage.kind.
func newBackend(ctx context.Context, cfg *config.Config) (credentials.Backend, func(), error) {
	switch cfg.Storage.Kind {
	case config.StorageMemory:
		return credentials.NewMemoryBackend(), func() {}, nil
	case config.StorageFile:
		return credentials.NewFileBackend(cfg.Storage.FilePath), func() {}, nil
	case config.StorageRedis:
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		b, err := credentials.NewRedisBackend(rctx, cfg.Storage.RedisURL, cfg.Storage.KeyPrefix)
		if err != nil {
			return nil, nil, err
		}

		return b, func() {
			if err := b.Close(); err != nil {
				slog.Warn("redis_close_failed", slog.String("err", err.Error()))
			}
		}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage kind %q", cfg.Storage.Kind)
	}
}

// serveMetrics поднимает отдельный HTTP с /metrics и возвращает функцию остановки.
func serveMetrics(log *slog.Logger, addr string, reg *prometheus.Registry) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics_serve_failed", slog.String("addr", addr), slog.String("err", err.Error()))
		}
	}()

	log.Debug("metrics_listen_start", slog.String("addr", addr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Warn("metrics_shutdown_incomplete", slog.String("err", err.Error()))
		}
	}
}

// setupLogger — логи идут в stderr, stdout занят результатами команд.
func setupLogger(env string) *slog.Logger {
	switch env {
	case envLocal:
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envDev:
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	case envProd:
		return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	default:
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
}
