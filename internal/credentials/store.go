// credentials — хранилище текущей пары токенов (Credential Store).
//
// Store — единственный владелец models.CredentialPair: остальные компоненты
// получают только копии через Get. Мутаторы — Set и Clear; они атомарны
// относительно конкурентных чтений (читатель никогда не видит «половину» пары)
// и сериализованы между собой, так что порядок записей в Backend и порядок
// уведомлений OnChange совпадает с порядком мутаций в памяти.
//
// Никакой сетевой логики и логики кэша здесь нет.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	evbus "github.com/asaskevich/EventBus"

	"github.com/pribylovaa/sweet-shop-client/internal/models"
	"github.com/pribylovaa/sweet-shop-client/internal/pkg/redact"
)

// TopicChanged — топик шины, в который публикуется новая пара (пустая при Clear).
const TopicChanged = "credentials:changed"

// ErrEmptyAccessToken — попытка сохранить пару без access-токена.
var ErrEmptyAccessToken = errors.New("empty access token")

type Store struct {
	// wmu сериализует мутаторы (память + Backend + уведомление).
	wmu sync.Mutex
	// mu защищает pair для читателей.
	mu   sync.RWMutex
	pair models.CredentialPair

	backend Backend
	bus     evbus.Bus
	log     *slog.Logger
}

// New создаёт Store поверх backend. Сохранённая пара не читается
// автоматически — вызовите Load на старте.
func New(backend Backend, log *slog.Logger) *Store {
	if backend == nil {
		backend = NewMemoryBackend()
	}

	if log == nil {
		log = slog.Default()
	}

	return &Store{
		backend: backend,
		bus:     evbus.New(),
		log:     log.With(slog.String("component", "credentials")),
	}
}

// Load восстанавливает пару из Backend («перезагрузка страницы»).
// Отсутствие сохранённой пары ошибкой не считается: возвращается false.
func (s *Store) Load(ctx context.Context) (bool, error) {
	const op = "credentials.Store.Load"

	s.wmu.Lock()
	defer s.wmu.Unlock()

	access, refresh, err := s.backend.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}

		s.log.Error("credentials_load_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		return false, fmt.Errorf("%s: %w", op, err)
	}

	pair := models.CredentialPair{AccessToken: access, RefreshToken: refresh}

	s.mu.Lock()
	s.pair = pair
	s.mu.Unlock()

	s.log.Debug("credentials_restored", slog.String("access", redact.Fingerprint(access)))
	s.bus.Publish(TopicChanged, pair)

	return true, nil
}

// Get возвращает копию текущей пары и признак её наличия.
func (s *Store) Get() (models.CredentialPair, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.pair, !s.pair.IsZero()
}

// Set заменяет пару и сохраняет её в Backend.
//
// Память — источник истины для работающего процесса: при ошибке Backend пара
// в памяти всё равно заменяется, ошибка логируется и возвращается.
func (s *Store) Set(ctx context.Context, pair models.CredentialPair) error {
	const op = "credentials.Store.Set"

	if pair.AccessToken == "" {
		return fmt.Errorf("%s: %w", op, ErrEmptyAccessToken)
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	s.pair = pair
	s.mu.Unlock()

	var perr error
	if err := s.backend.Save(ctx, pair.AccessToken, pair.RefreshToken); err != nil {
		s.log.Error("credentials_persist_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		perr = fmt.Errorf("%s: %w", op, err)
	}

	attrs := []any{slog.String("access", redact.Fingerprint(pair.AccessToken))}
	if exp, ok := pair.AccessExpiresAt(); ok {
		attrs = append(attrs, slog.Time("access_expires_at", exp))
	}
	s.log.Debug("credentials_set", attrs...)

	s.bus.Publish(TopicChanged, pair)

	return perr
}

// Clear удаляет пару из памяти и из Backend. Память очищается в любом случае.
func (s *Store) Clear(ctx context.Context) error {
	const op = "credentials.Store.Clear"

	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	s.pair = models.CredentialPair{}
	s.mu.Unlock()

	var perr error
	if err := s.backend.Delete(ctx); err != nil {
		s.log.Error("credentials_delete_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
		)
		perr = fmt.Errorf("%s: %w", op, err)
	}

	s.log.Debug("credentials_cleared")
	s.bus.Publish(TopicChanged, models.CredentialPair{})

	return perr
}

// OnChange подписывает fn на изменения пары и возвращает функцию отписки.
//
// fn вызывается синхронно внутри мутатора, поэтому не должна вызывать
// Set/Clear этого же Store.
func (s *Store) OnChange(fn func(models.CredentialPair)) (unsubscribe func()) {
	var active atomic.Bool
	active.Store(true)

	// Шина сравнивает обработчики по указателю на код, а все обёртки здесь
	// из одного литерала, поэтому вместо Unsubscribe обёртка просто гасится.
	handler := func(p models.CredentialPair) {
		if active.Load() {
			fn(p)
		}
	}

	if err := s.bus.Subscribe(TopicChanged, handler); err != nil {
		s.log.Warn("credentials_subscribe_failed", slog.String("err", err.Error()))
	}

	return func() { active.Store(false) }
}
