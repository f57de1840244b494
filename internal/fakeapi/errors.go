package fakeapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/pribylovaa/sweet-shop-client/internal/pkg/log"
)

var (
	ErrNotAuthenticated   = errors.New("authentication credentials were not provided")
	ErrInvalidCredentials = errors.New("no active account found with the given credentials")
	ErrInvalidToken       = errors.New("given token not valid for any token type")
	ErrInvalidRefresh     = errors.New("token is invalid or expired")
	ErrForbidden          = errors.New("permission denied")
	ErrNotFound           = errors.New("not found")
)

// fieldErrors — ошибки валидации по полям (400 {"field": ["msg"]}).
type fieldErrors map[string][]string

func (f fieldErrors) Error() string { return "validation failed" }

func (f fieldErrors) add(field, msg string) {
	f[field] = append(f[field], msg)
}

// badRequest — 400 с сообщением в поле error.
type badRequest string

func (b badRequest) Error() string { return string(b) }

// toHTTP переводит ошибку обработчика в статус и тело в стиле DRF.
//
// Поведение:
//   - fieldErrors -> 400 с телом-словарём полей;
//   - badRequest -> 400 {"error": ...};
//   - ErrNotAuthenticated/ErrInvalidCredentials -> 401 {"detail": ...};
//   - ErrInvalidToken/ErrInvalidRefresh -> 401 {"detail": ..., "code": "token_not_valid"};
//   - ErrForbidden -> 403, ErrNotFound -> 404;
//   - прочее -> 500 без деталей.
func toHTTP(err error) (int, any) {
	var fe fieldErrors
	if errors.As(err, &fe) {
		return http.StatusBadRequest, fe
	}

	var br badRequest
	if errors.As(err, &br) {
		return http.StatusBadRequest, map[string]string{"error": string(br)}
	}

	switch {
	case errors.Is(err, ErrNotAuthenticated):
		return http.StatusUnauthorized, map[string]string{"detail": "Authentication credentials were not provided."}
	case errors.Is(err, ErrInvalidCredentials):
		return http.StatusUnauthorized, map[string]string{"detail": "No active account found with the given credentials"}
	case errors.Is(err, ErrInvalidToken):
		return http.StatusUnauthorized, map[string]string{
			"detail": "Given token not valid for any token type",
			"code":   "token_not_valid",
		}
	case errors.Is(err, ErrInvalidRefresh):
		return http.StatusUnauthorized, map[string]string{
			"detail": "Token is invalid or expired",
			"code":   "token_not_valid",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, map[string]string{"detail": "You do not have permission to perform this action."}
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound, map[string]string{"detail": "Not found."}
	default:
		return http.StatusInternalServerError, map[string]string{"detail": "A server error occurred."}
	}
}

// writeError пишет ответ об ошибке; 5xx дополнительно логируются.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := toHTTP(err)
	if status >= http.StatusInternalServerError {
		log.From(r.Context()).Error("handler_failed",
			slog.String("path", r.URL.Path),
			slog.String("err", err.Error()),
		)
	}

	writeJSON(w, status, body)
}

// writeJSON — единый ответ JSON с нужным Content-Type.
func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if value != nil {
		_ = json.NewEncoder(w).Encode(value)
	}
}

// decodeStrict — строгий JSON-декодер: неизвестные поля запрещены.
func decodeStrict(r *http.Request, value any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(value); err != nil {
		return badRequest("malformed request body")
	}

	return nil
}
