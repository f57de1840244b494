package interceptors

import (
	"context"
	"net/http"
	"time"
)

// WithTimeout навешивает таймаут d на попытку, если у контекста ещё нет дедлайна.
//
// Контракт:
//  1. d <= 0 — контекст не модифицируется;
//  2. у ctx уже есть deadline — он не переопределяется;
//  3. иначе — context.WithTimeout(ctx, d), cancel() вызывается при выходе.
//
// По истечении дедлайна invoker вернёт ошибку с context.DeadlineExceeded,
// которую пайплайн классифицирует как сетевую (без refresh).
func WithTimeout(d time.Duration) Interceptor {
	return func(ctx context.Context, req *http.Request, next Invoker) (*http.Response, error) {
		if d <= 0 {
			return next(ctx, req)
		}
		if _, ok := ctx.Deadline(); ok {
			return next(ctx, req)
		}

		cctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()

		return next(cctx, req)
	}
}
