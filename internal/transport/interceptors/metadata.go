package interceptors

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const HeaderRequestID = "X-Request-Id"

// WithMetadata добавляет в исходящий запрос заголовки:
//   - X-Request-Id (из контекста, из уже выставленного заголовка или новый UUID),
//   - User-Agent (если передан параметром),
//   - Accept: application/json.
//
// Authorization здесь не выставляется: токен берётся из хранилища на каждую
// попытку самим пайплайном.
func WithMetadata(userAgent string) Interceptor {
	return func(ctx context.Context, req *http.Request, next Invoker) (*http.Response, error) {
		if req.Header.Get(HeaderRequestID) == "" {
			rid, _ := ctx.Value(CtxRequestID).(string)
			if rid == "" {
				rid = uuid.NewString()
			}
			req.Header.Set(HeaderRequestID, rid)
		}

		if userAgent != "" {
			req.Header.Set("User-Agent", userAgent)
		}

		if req.Header.Get("Accept") == "" {
			req.Header.Set("Accept", "application/json")
		}

		return next(ctx, req)
	}
}
