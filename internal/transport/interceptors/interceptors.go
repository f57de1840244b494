// interceptors — цепочка интерсепторов исходящих HTTP-запросов к API магазина.
//
// Модель повторяет gRPC unary-интерсепторы: каждый интерсептор получает
// запрос и следующий Invoker и может изменить контекст, заголовки или
// обработать результат. Порядок в Chain — от внешнего к внутреннему.
package interceptors

import (
	"context"
	"net/http"
)

// Invoker выполняет одну попытку запроса. Тело ответа к моменту возврата
// уже прочитано в память, поэтому отмена контекста после возврата безопасна.
type Invoker func(ctx context.Context, req *http.Request) (*http.Response, error)

// Interceptor оборачивает Invoker.
type Interceptor func(ctx context.Context, req *http.Request, next Invoker) (*http.Response, error)

// Chain собирает invoker: Chain(base, a, b) вызывает a -> b -> base.
func Chain(base Invoker, ics ...Interceptor) Invoker {
	next := base
	for i := len(ics) - 1; i >= 0; i-- {
		ic, inner := ics[i], next
		next = func(ctx context.Context, req *http.Request) (*http.Response, error) {
			return ic(ctx, req, inner)
		}
	}

	return next
}

type CtxKey string

const (
	// CtxRequestID — внешний request_id (например, из входящего запроса
	// сервиса, встроившего клиента). Если его нет, генерируется новый.
	CtxRequestID CtxKey = "request_id"
	// CtxAttempt — номер попытки: 1 — первичная, 2 — повтор после refresh.
	CtxAttempt CtxKey = "attempt"
)

// WithAttempt кладёт номер попытки в контекст.
func WithAttempt(ctx context.Context, n int) context.Context {
	return context.WithValue(ctx, CtxAttempt, n)
}

// AttemptFrom возвращает номер попытки (1, если не задан).
func AttemptFrom(ctx context.Context) int {
	if n, ok := ctx.Value(CtxAttempt).(int); ok && n > 0 {
		return n
	}

	return 1
}
