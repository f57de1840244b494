package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pribylovaa/sweet-shop-client/internal/apierrors"
	"github.com/pribylovaa/sweet-shop-client/internal/cache"
	"github.com/pribylovaa/sweet-shop-client/internal/pkg/log"
	"github.com/pribylovaa/sweet-shop-client/internal/transport"
)

// GetOption — опция чтения ресурса.
type GetOption func(*cache.ReadOptions)

// WithStaleAfter переопределяет окно свежести для одного чтения.
func WithStaleAfter(d time.Duration) GetOption {
	return func(o *cache.ReadOptions) { o.StaleAfter = d }
}

// ActionOption — опция действия над сущностью.
type ActionOption func(*actionOptions)

type actionOptions struct {
	entityField string
}

// WithEntityField указывает поле ответа действия, содержащее обновлённую
// сущность; ею заменяется запись сущности в кэше.
func WithEntityField(name string) ActionOption {
	return func(o *actionOptions) { o.entityField = name }
}

// Get читает ресурс через кэш: свежая запись отдаётся без сети, конкурентные
// чтения одного ключа разделяют один запрос.
func (s *Session) Get(ctx context.Context, resource string, params url.Values, opts ...GetOption) Result[json.RawMessage] {
	var ro cache.ReadOptions
	for _, opt := range opts {
		opt(&ro)
	}

	epoch := s.currentEpoch()
	ctx = s.scoped(ctx, resource)

	data, err := s.cache.Read(ctx, cache.Key(resource, params), s.fetcher(resource, params), ro)
	if err != nil {
		return finish[json.RawMessage](ctx, s, epoch, err)
	}

	return success(json.RawMessage(data))
}

// Create создаёт сущность в коллекции (POST). Без оптимистичной вставки:
// после успеха списки коллекции помечаются устаревшими.
func (s *Session) Create(ctx context.Context, resource string, payload any) Result[json.RawMessage] {
	epoch := s.currentEpoch()
	ctx = s.scoped(ctx, resource)

	resp, err := s.sender.Send(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   resource,
		Body:   payload,
	})
	if err != nil {
		return finish[json.RawMessage](ctx, s, epoch, err)
	}

	s.cache.Invalidate(cache.ListsOf(resource))

	return success(json.RawMessage(resp.Body))
}

// Update — полное обновление сущности (PUT) с оптимистичным применением к
// записи в кэше, если она есть.
func (s *Session) Update(ctx context.Context, resource string, payload any) Result[json.RawMessage] {
	return s.write(ctx, http.MethodPut, resource, payload)
}

// Patch — частичное обновление сущности (PATCH).
func (s *Session) Patch(ctx context.Context, resource string, payload any) Result[json.RawMessage] {
	return s.write(ctx, http.MethodPatch, resource, payload)
}

func (s *Session) write(ctx context.Context, method, resource string, payload any) Result[json.RawMessage] {
	const op = "session.Session.write"

	epoch := s.currentEpoch()
	ctx = s.scoped(ctx, resource)

	patch, err := json.Marshal(payload)
	if err != nil {
		return failure[json.RawMessage](apierrors.Wrap(apierrors.KindInternal, fmt.Errorf("%s: %w", op, err)))
	}

	data, err := s.cache.Mutate(ctx, cache.Key(resource, nil), mergeUpdater(patch), func(ctx context.Context) ([]byte, error) {
		resp, err := s.sender.Send(ctx, transport.Request{
			Method: method,
			Path:   resource,
			Body:   json.RawMessage(patch),
		})
		if err != nil {
			return nil, err
		}

		return nonEmpty(resp.Body), nil
	})
	if err != nil {
		return finish[json.RawMessage](ctx, s, epoch, err)
	}

	s.cache.Invalidate(cache.ListsOf(collection(resource)))

	return success(json.RawMessage(data))
}

// Delete удаляет сущность. Запись сущности и списки коллекции помечаются
// устаревшими только после подтверждения сервером.
func (s *Session) Delete(ctx context.Context, resource string) Result[struct{}] {
	epoch := s.currentEpoch()
	ctx = s.scoped(ctx, resource)

	key := cache.Key(resource, nil)

	_, err := s.cache.Mutate(ctx, key, keep, func(ctx context.Context) ([]byte, error) {
		_, err := s.sender.Send(ctx, transport.Request{
			Method: http.MethodDelete,
			Path:   resource,
		})
		return nil, err
	})
	if err != nil {
		return finish[struct{}](ctx, s, epoch, err)
	}

	s.cache.Invalidate(key)
	s.cache.Invalidate(cache.ListsOf(collection(resource)))

	return success(struct{}{})
}

// Action выполняет действие над сущностью (POST resource/action), например
// purchase или restock. Возвращает тело ответа целиком.
//
// Если задан WithEntityField и поле есть в ответе, запись сущности в кэше
// заменяется им; иначе помечается устаревшей.
func (s *Session) Action(ctx context.Context, resource, action string, payload any, opts ...ActionOption) Result[json.RawMessage] {
	var ao actionOptions
	for _, opt := range opts {
		opt(&ao)
	}

	epoch := s.currentEpoch()
	ctx = s.scoped(ctx, resource)

	var body []byte
	_, err := s.cache.Mutate(ctx, cache.Key(resource, nil), keep, func(ctx context.Context) ([]byte, error) {
		resp, err := s.sender.Send(ctx, transport.Request{
			Method: http.MethodPost,
			Path:   strings.TrimSuffix(resource, "/") + "/" + strings.Trim(action, "/"),
			Body:   payload,
		})
		if err != nil {
			return nil, err
		}

		body = resp.Body
		return entityField(resp.Body, ao.entityField), nil
	})
	if err != nil {
		return finish[json.RawMessage](ctx, s, epoch, err)
	}

	s.cache.Invalidate(cache.ListsOf(collection(resource)))

	return success(json.RawMessage(body))
}

// Invalidate помечает устаревшими записи под prefix. Возвращает их число.
func (s *Session) Invalidate(prefix string) int {
	return s.cache.Invalidate(prefix)
}

// scoped кладёт в ctx логгер фасада с именем ресурса: по нему кэш
// и координатор пишут свои события.
func (s *Session) scoped(ctx context.Context, resource string) context.Context {
	return log.With(log.Into(ctx, s.log), slog.String("resource", strings.Trim(resource, "/")))
}

// fetcher — загрузчик ресурса для кэша.
func (s *Session) fetcher(resource string, params url.Values) cache.Fetcher {
	return func(ctx context.Context) ([]byte, error) {
		resp, err := s.sender.Send(ctx, transport.Request{
			Method: http.MethodGet,
			Path:   resource,
			Query:  params,
		})
		if err != nil {
			return nil, err
		}

		return resp.Body, nil
	}
}

// mergeUpdater накладывает поля patch на закэшированный JSON-объект.
// Если записи нет или она не объект, оптимистичного изменения нет.
func mergeUpdater(patch []byte) cache.Updater {
	return func(cur []byte, ok bool) ([]byte, bool) {
		if !ok {
			return nil, false
		}

		var base map[string]json.RawMessage
		if err := json.Unmarshal(cur, &base); err != nil || base == nil {
			return nil, false
		}

		var fields map[string]json.RawMessage
		if err := json.Unmarshal(patch, &fields); err != nil {
			return nil, false
		}

		for k, v := range fields {
			base[k] = v
		}

		next, err := json.Marshal(base)
		if err != nil {
			return nil, false
		}

		return next, true
	}
}

// keep — Updater без оптимистичного изменения.
func keep([]byte, bool) ([]byte, bool) { return nil, false }

// entityField достаёт поле name из JSON-объекта body; nil, если поля нет.
func entityField(body []byte, name string) []byte {
	if name == "" {
		return nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil
	}

	v, ok := obj[name]
	if !ok || string(v) == "null" {
		return nil
	}

	return v
}

func nonEmpty(b []byte) []byte {
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}

	return b
}

// collection — путь коллекции сущности: "sweets/5" -> "sweets".
func collection(resource string) string {
	resource = strings.Trim(resource, "/")
	if i := strings.LastIndexByte(resource, '/'); i >= 0 {
		return resource[:i]
	}

	return resource
}

// GetAs — типизированный Get.
func GetAs[T any](ctx context.Context, s *Session, resource string, params url.Values, opts ...GetOption) Result[T] {
	return Decode[T](s.Get(ctx, resource, params, opts...))
}

// CreateAs — типизированный Create.
func CreateAs[T any](ctx context.Context, s *Session, resource string, payload any) Result[T] {
	return Decode[T](s.Create(ctx, resource, payload))
}

// UpdateAs — типизированный Update.
func UpdateAs[T any](ctx context.Context, s *Session, resource string, payload any) Result[T] {
	return Decode[T](s.Update(ctx, resource, payload))
}

// PatchAs — типизированный Patch.
func PatchAs[T any](ctx context.Context, s *Session, resource string, payload any) Result[T] {
	return Decode[T](s.Patch(ctx, resource, payload))
}

// ActionAs — типизированный Action.
func ActionAs[T any](ctx context.Context, s *Session, resource, action string, payload any, opts ...ActionOption) Result[T] {
	return Decode[T](s.Action(ctx, resource, action, payload, opts...))
}
