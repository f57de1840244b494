package session

import (
	"encoding/json"
	"fmt"

	"github.com/pribylovaa/sweet-shop-client/internal/apierrors"
)

// Result — результат операции фасада: либо данные, либо типизированная ошибка.
// Исключения и «голые» error наружу не выходят.
type Result[T any] struct {
	OK   bool
	Data T
	Err  *apierrors.Error
}

func success[T any](v T) Result[T] {
	return Result[T]{OK: true, Data: v}
}

func failure[T any](err error) Result[T] {
	return Result[T]{Err: apierrors.As(err)}
}

// Unwrap возвращает данные и ошибку в привычной для Go форме.
func (r Result[T]) Unwrap() (T, error) {
	if !r.OK {
		return r.Data, r.Err
	}

	return r.Data, nil
}

// Decode превращает сырой результат в типизированный.
func Decode[T any](r Result[json.RawMessage]) Result[T] {
	const op = "session.Decode"

	if !r.OK {
		return Result[T]{Err: r.Err}
	}

	var out T
	if err := json.Unmarshal(r.Data, &out); err != nil {
		return failure[T](apierrors.Wrap(apierrors.KindInternal, fmt.Errorf("%s: %w", op, err)))
	}

	return success(out)
}
