package session

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pribylovaa/sweet-shop-client/internal/cache"
	"github.com/pribylovaa/sweet-shop-client/internal/credentials"
	"github.com/pribylovaa/sweet-shop-client/internal/metrics"
	"github.com/pribylovaa/sweet-shop-client/internal/refresh"
	"github.com/pribylovaa/sweet-shop-client/internal/transport"
)

// Config — параметры сборки клиента целиком.
type Config struct {
	BaseURL        string
	UserAgent      string
	RequestTimeout time.Duration
	RefreshTimeout time.Duration
	StaleAfter     time.Duration
	// Backend — долговременное хранилище пары; nil — только память.
	Backend    credentials.Backend
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
}

// Client — собранный клиент: фасад поверх хранилища, конвейера, координатора
// и кэша. Компоненты наружу не отдаются; кэш доступен только на чтение.
type Client struct {
	*Session

	resources *cache.Cache
}

// Peek — снимок записи кэша по ключу без обращения к сети.
func (c *Client) Peek(key string) (cache.Entry, bool) {
	return c.resources.Peek(key)
}

// Build собирает хранилище, конвейер, координатор и кэш и связывает их фасадом.
func Build(cfg Config) (*Client, error) {
	const op = "session.Build"

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	store := credentials.New(cfg.Backend, logger)

	tc, err := transport.New(transport.Options{
		BaseURL:    cfg.BaseURL,
		UserAgent:  cfg.UserAgent,
		Timeout:    cfg.RequestTimeout,
		HTTPClient: cfg.HTTPClient,
		Metrics:    cfg.Metrics,
		Logger:     logger,
	}, store)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	copts := []refresh.Option{refresh.WithMetrics(cfg.Metrics)}
	if cfg.RefreshTimeout > 0 {
		copts = append(copts, refresh.WithTimeout(cfg.RefreshTimeout))
	}
	coord := refresh.New(store, tc, copts...)
	tc.SetRefresher(coord)

	c := cache.New(
		cache.WithStaleAfter(cfg.StaleAfter),
		cache.WithMetrics(cfg.Metrics),
		cache.WithLogger(logger),
	)

	return &Client{
		Session:   New(store, tc, coord, c, WithLogger(logger)),
		resources: c,
	}, nil
}
