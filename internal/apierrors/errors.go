// apierrors стандартизирует ошибки клиента sweet-shop.
// На вход он принимает ответ удалённого API (HTTP-статус + JSON-тело)
// или транспортную ошибку, а на выход даёт *Error:
//   - стабильный Kind для машинной обработки вызывающей стороной;
//   - краткое человекочитаемое Message, пригодное для показа без знания
//     транспортных деталей (коды статусов, заголовки);
//   - Fields — ошибки валидации по полям (400), как их прислал сервер.
package apierrors

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind — стабильный код ошибки.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindUnauthorized   Kind = "unauthorized"
	KindForbidden      Kind = "forbidden"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindRateLimited    Kind = "rate_limited"
	KindServerError    Kind = "server_error"
	KindNetwork        Kind = "network"
	KindSessionExpired Kind = "session_expired"
	KindInternal       Kind = "internal"
)

// Error — единый формат ошибки для потребителей фасада.
// Status — HTTP-статус ответа (0 для сетевых/внутренних ошибок), нужен для
// логов и метрик; показывать его пользователю не требуется.
type Error struct {
	Kind       Kind                `json:"kind"`
	Message    string              `json:"message"`
	Fields     map[string][]string `json:"fields,omitempty"`
	Status     int                 `json:"-"`
	RequestID  string              `json:"request_id,omitempty"`
	RetryAfter time.Duration       `json:"-"`
	cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New создаёт ошибку заданного вида со стандартным сообщением.
func New(kind Kind) *Error {
	return &Error{Kind: kind, Message: defaultMessage(kind)}
}

// Wrap создаёт ошибку заданного вида, сохраняя исходную причину для errors.Is/As.
func Wrap(kind Kind, cause error) *Error {
	e := New(kind)
	e.cause = cause
	return e
}

// SessionExpired — ошибка истёкшей сессии (refresh-токен недействителен).
func SessionExpired(cause error) *Error {
	return Wrap(KindSessionExpired, cause)
}

// As достаёт *Error из цепочки. Ошибки вне таксономии становятся KindInternal.
func As(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}

	if isTransport(err) {
		return FromTransport(err)
	}

	return Wrap(KindInternal, err)
}

// IsKind сообщает, что в цепочке err есть *Error вида kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}

	return false
}

// FromResponse конвертирует не-2xx ответ удалённого API в *Error.
//
// Поведение:
//   - status < 400 — программная ошибка вызова: KindInternal, чтобы не
//     маскировать баг под «успех»;
//   - 400 — KindValidation; поля тела вида {"price": ["must be positive"]}
//     переносятся в Fields без изменений;
//   - 401/403/404/409/429/5xx — по таблице baseFromStatus;
//   - detail/error/message из тела предпочитаются стандартному сообщению
//     для 400/401/409 (это тексты, адресованные пользователю).
func FromResponse(status int, header http.Header, body []byte) *Error {
	kind := baseFromStatus(status)

	e := &Error{
		Kind:    kind,
		Message: defaultMessage(kind),
		Status:  status,
	}

	if header != nil {
		e.RequestID = header.Get("X-Request-Id")
		if kind == KindRateLimited {
			e.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
		}
	}

	detail, fields := parseBody(body)
	if kind == KindValidation && len(fields) > 0 {
		e.Fields = fields
	}

	switch kind {
	case KindValidation, KindUnauthorized, KindConflict:
		if detail != "" {
			e.Message = detail
		} else if nfe := fields["non_field_errors"]; len(nfe) > 0 {
			e.Message = nfe[0]
		}
	}

	return e
}

// FromTransport конвертирует ошибку транспорта (таймаут, обрыв соединения,
// отмена) в KindNetwork. Таймаут никогда не приводит к обновлению токена.
func FromTransport(err error) *Error {
	e := Wrap(KindNetwork, err)
	if errors.Is(err, context.DeadlineExceeded) {
		e.Message = "Request timed out. Please try again."
	}

	return e
}

// baseFromStatus — базовый маппинг HTTP-статус -> Kind:
//   - 400 -> validation
//   - 401 -> unauthorized (после исчерпания ретрая эскалируется в session_expired)
//   - 403 -> forbidden (терминально, без refresh)
//   - 404 -> not_found
//   - 409 -> conflict
//   - 429 -> rate_limited
//   - 5xx -> server_error
//   - прочие 4xx -> validation (запрос некорректен с точки зрения сервера)
//   - прочее -> internal
func baseFromStatus(status int) Kind {
	switch {
	case status == http.StatusBadRequest:
		return KindValidation
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500 && status <= 599:
		return KindServerError
	case status >= 400 && status <= 499:
		return KindValidation
	default:
		return KindInternal
	}
}

func defaultMessage(kind Kind) string {
	switch kind {
	case KindValidation:
		return "Bad request. Please check your input."
	case KindUnauthorized:
		return "Authentication required."
	case KindForbidden:
		return "You do not have permission to perform this action."
	case KindNotFound:
		return "The requested resource was not found."
	case KindConflict:
		return "The resource was changed by another request."
	case KindRateLimited:
		return "Too many requests. Please try again later."
	case KindServerError:
		return "Server error. Please try again later."
	case KindNetwork:
		return "Network error. Please check your connection."
	case KindSessionExpired:
		return "Session expired. Please login again."
	default:
		return "An unexpected error occurred."
	}
}

// parseBody разбирает тело ошибки DRF-стиля.
// Строковые detail/error/message идут в detail, остальные ключи — в поля:
// массив строк как есть, одиночная строка — массивом из одного элемента.
func parseBody(body []byte) (string, map[string][]string) {
	if len(body) == 0 {
		return "", nil
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return "", nil
	}

	var detail string
	fields := make(map[string][]string)

	for k, v := range raw {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			switch k {
			case "detail", "error", "message":
				if detail == "" || k == "detail" {
					detail = s
				}
			default:
				fields[k] = []string{s}
			}
			continue
		}

		var list []string
		if err := json.Unmarshal(v, &list); err == nil && len(list) > 0 {
			fields[k] = list
		}
	}

	if len(fields) == 0 {
		fields = nil
	}

	return detail, fields
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}

	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}

	return 0
}

func isTransport(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var nerr net.Error
	return errors.As(err, &nerr)
}
