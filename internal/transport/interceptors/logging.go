package interceptors

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/pribylovaa/sweet-shop-client/internal/pkg/log"
)

// WithLogging — логирование исходящих запросов.
// Поведение:
//   - обогащает логгер полями request_id/method/path/attempt и кладёт его
//     в контекст (pkg/log) для нижележащих слоёв;
//   - пишет одну финальную запись уровня Info: msg="http", status, dur
//     (для транспортной ошибки — уровня Warn с полем err).
//
// Безопасность: не логирует тела запросов/ответов и заголовок Authorization.
func WithLogging(base *slog.Logger) Interceptor {
	if base == nil {
		base = slog.Default()
	}

	return func(ctx context.Context, req *http.Request, next Invoker) (*http.Response, error) {
		start := time.Now()

		rid := req.Header.Get(HeaderRequestID)
		if rid == "" {
			rid = "-"
		}

		l := base.With(
			slog.String("request_id", rid),
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int("attempt", AttemptFrom(ctx)),
		)
		ctx = log.Into(ctx, l)

		resp, err := next(ctx, req)
		if err != nil {
			l.Warn("http",
				slog.Int("status", 0),
				slog.Duration("dur", time.Since(start)),
				slog.String("err", err.Error()),
			)
			return resp, err
		}

		l.Info("http",
			slog.Int("status", resp.StatusCode),
			slog.Duration("dur", time.Since(start)),
		)

		return resp, nil
	}
}
