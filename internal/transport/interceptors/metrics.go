package interceptors

import (
	"context"
	"net/http"
	"time"

	"github.com/pribylovaa/sweet-shop-client/internal/metrics"
)

// WithMetrics учитывает каждую попытку в счётчике запросов и гистограмме
// латентности. Транспортная ошибка учитывается как status=0.
func WithMetrics(m *metrics.Metrics) Interceptor {
	return func(ctx context.Context, req *http.Request, next Invoker) (*http.Response, error) {
		start := time.Now()

		resp, err := next(ctx, req)

		status := 0
		if err == nil && resp != nil {
			status = resp.StatusCode
		}
		m.ObserveRequest(req.Method, status, time.Since(start))

		return resp, err
	}
}
