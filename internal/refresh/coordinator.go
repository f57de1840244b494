// refresh — координатор обмена refresh-токена (Refresh Coordinator).
//
// Ключевое свойство — single-flight: сколько бы запросов одновременно ни
// получили 401, обмен refresh-токена на новый access выполняется ровно один раз
// за эпизод, а все ожидающие получают один и тот же результат. Без этого N
// параллельных 401 устроили бы N обменов, перезаписывающих друг друга, а при
// ротации refresh-токена ещё и инвалидировали бы токен соседних запросов.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pribylovaa/sweet-shop-client/internal/apierrors"
	"github.com/pribylovaa/sweet-shop-client/internal/metrics"
	"github.com/pribylovaa/sweet-shop-client/internal/models"
	"github.com/pribylovaa/sweet-shop-client/internal/pkg/log"
	"github.com/pribylovaa/sweet-shop-client/internal/pkg/redact"
)

// episodeKey — ключ singleflight эпохи: в каждой эпохе эпизод обновления один.
func episodeKey(epoch uint64) string {
	return "refresh:" + strconv.FormatUint(epoch, 10)
}

var (
	// ErrNoRefreshToken — в хранилище нет refresh-токена, обновлять нечем.
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrEmptyAccess — эндпойнт обмена ответил без access-токена.
	ErrEmptyAccess = errors.New("refresh response without access token")

	// ErrLoggedOut — эпизод завершился после logout; результат отброшен.
	ErrLoggedOut = errors.New("session reset during refresh")
)

// CredentialStore — то, что координатору нужно от хранилища пары.
type CredentialStore interface {
	Get() (models.CredentialPair, bool)
	Set(ctx context.Context, pair models.CredentialPair) error
	Clear(ctx context.Context) error
}

// Exchanger вызывает эндпойнт обмена refresh-токена.
// refresh в ответе пуст, если сервер не ротирует refresh-токен.
type Exchanger interface {
	ExchangeRefresh(ctx context.Context, refreshToken string) (access, refresh string, err error)
}

type Coordinator struct {
	store     CredentialStore
	exchanger Exchanger
	timeout   time.Duration
	metrics   *metrics.Metrics

	group singleflight.Group
	// epoch растёт при каждом Reset; эпизод, начатый в другой эпохе,
	// не пишет результат в хранилище.
	epoch atomic.Uint64
	// fence сериализует Reset с записью результата эпизода.
	fence sync.Mutex

	mu        sync.Mutex
	onExpired []func()
}

// Option — функциональная опция координатора.
type Option func(*Coordinator)

// WithTimeout ограничивает длительность одного обмена (по умолчанию 10s).
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// WithMetrics подключает счётчики исходов обмена.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func New(store CredentialStore, exchanger Exchanger, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		exchanger: exchanger,
		timeout:   10 * time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// OnExpired регистрирует обработчик «сессия истекла». Вызывается один раз на
// эпизод, завершившийся отказом, уже после очистки хранилища.
func (c *Coordinator) OnExpired(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onExpired = append(c.onExpired, fn)
}

// Reset забывает текущий эпизод (logout). Уже летящий обмен дорабатывает,
// но его результат не попадёт в хранилище, а ожидающие получат SessionExpired.
func (c *Coordinator) Reset() {
	c.fence.Lock()
	prev := c.epoch.Add(1) - 1
	c.fence.Unlock()

	c.group.Forget(episodeKey(prev))
}

// Epoch возвращает текущую эпоху. Запрос запоминает её до первой попытки
// и передаёт в Refresh и Expire.
func (c *Coordinator) Epoch() uint64 {
	return c.epoch.Load()
}

// Refresh возвращает актуальную пару после отказа access-токена stale.
//
// Алгоритм:
//  1. пары нет — SessionExpired (сессия уже закрыта);
//  2. эпоха сменилась после первой попытки (logout или повторный вход) —
//     SessionExpired без обмена: пара в хранилище принадлежит другой сессии;
//  3. текущий access отличается от stale — кто-то уже обновил токен,
//     возвращаем текущую пару без обмена;
//  4. иначе присоединяемся к эпизоду этой эпохи или начинаем новый.
//
// Отмена ctx освобождает только вызывающего: обмен доводится до конца
// для остальных ожидающих.
func (c *Coordinator) Refresh(ctx context.Context, stale string, epoch uint64) (models.CredentialPair, error) {
	const op = "refresh.Coordinator.Refresh"

	cur, ok := c.store.Get()
	if !ok {
		return models.CredentialPair{}, apierrors.SessionExpired(fmt.Errorf("%s: %w", op, ErrNoRefreshToken))
	}

	// Эпоха читается после пары: Reset увеличивает её раньше, чем в хранилище
	// появится пара новой сессии.
	if c.epoch.Load() != epoch {
		log.From(ctx).Debug("refresh_stale_epoch", slog.String("op", op))
		return models.CredentialPair{}, apierrors.SessionExpired(fmt.Errorf("%s: %w", op, ErrLoggedOut))
	}

	if cur.AccessToken != stale {
		c.metrics.IncRefresh(metrics.RefreshSkipped)
		log.From(ctx).Debug("refresh_skipped",
			slog.String("op", op),
			slog.String("stale", redact.Fingerprint(stale)),
			slog.String("current", redact.Fingerprint(cur.AccessToken)),
		)
		return cur, nil
	}

	detached := context.WithoutCancel(ctx)

	ch := c.group.DoChan(episodeKey(epoch), func() (any, error) {
		return c.exchange(detached, epoch)
	})

	select {
	case <-ctx.Done():
		return models.CredentialPair{}, apierrors.FromTransport(ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return models.CredentialPair{}, res.Err
		}

		return res.Val.(models.CredentialPair), nil
	}
}

// exchange — тело эпизода; выполняется ровно один раз на эпизод.
func (c *Coordinator) exchange(ctx context.Context, epoch uint64) (models.CredentialPair, error) {
	const op = "refresh.Coordinator.exchange"

	lg := log.From(ctx)

	cur, ok := c.store.Get()
	if !ok || cur.RefreshToken == "" {
		c.metrics.IncRefresh(metrics.RefreshFailure)
		lg.Warn("refresh_no_token", slog.String("op", op))
		return models.CredentialPair{}, c.expire(ctx, epoch, fmt.Errorf("%s: %w", op, ErrNoRefreshToken))
	}

	lg.Info("refresh_started",
		slog.String("op", op),
		slog.String("refresh", redact.Fingerprint(cur.RefreshToken)),
	)

	ectx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ectx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	access, rotated, err := c.exchanger.ExchangeRefresh(ectx, cur.RefreshToken)
	if err == nil && access == "" {
		err = ErrEmptyAccess
	}

	if err != nil {
		if c.epoch.Load() != epoch {
			return c.discard(ctx, op)
		}

		c.metrics.IncRefresh(metrics.RefreshFailure)
		lg.Warn("refresh_failed",
			slog.String("op", op),
			slog.String("err", err.Error()),
			slog.Duration("dur", time.Since(start)),
		)
		// При ротации refresh-токен мог быть израсходован даже при обрыве
		// связи, поэтому любой отказ обмена закрывает сессию.
		return models.CredentialPair{}, c.expire(ctx, epoch, fmt.Errorf("%s: %w", op, err))
	}

	next := models.CredentialPair{AccessToken: access, RefreshToken: rotated}
	if next.RefreshToken == "" {
		next.RefreshToken = cur.RefreshToken
	}

	// Проверка эпохи и запись атомарны относительно Reset: после возврата
	// из Reset эпизод больше не пишет в хранилище.
	c.fence.Lock()
	if c.epoch.Load() != epoch {
		c.fence.Unlock()
		return c.discard(ctx, op)
	}
	// Ошибка персистентности не отменяет обновление: пара в памяти уже новая.
	_ = c.store.Set(ctx, next)
	c.fence.Unlock()

	c.metrics.IncRefresh(metrics.RefreshSuccess)
	lg.Info("refresh_succeeded",
		slog.String("op", op),
		slog.String("access", redact.Fingerprint(next.AccessToken)),
		slog.Bool("rotated", rotated != ""),
		slog.Duration("dur", time.Since(start)),
	)

	return next, nil
}

// discard — эпизод пережил Reset: результат выбрасывается.
func (c *Coordinator) discard(ctx context.Context, op string) (models.CredentialPair, error) {
	c.metrics.IncRefresh(metrics.RefreshFailure)
	log.From(ctx).Info("refresh_discarded_after_reset", slog.String("op", op))

	return models.CredentialPair{}, apierrors.SessionExpired(fmt.Errorf("%s: %w", op, ErrLoggedOut))
}

// Expire закрывает сессию эпохи epoch без обмена: сервер отверг access-токен,
// только что выданный обменом. Хранилище очищается, подписчики OnExpired
// оповещаются. Сессию другой эпохи Expire не трогает.
func (c *Coordinator) Expire(ctx context.Context, epoch uint64, cause error) error {
	log.From(ctx).Warn("session_expired",
		slog.String("op", "refresh.Coordinator.Expire"),
		slog.String("err", cause.Error()),
	)

	return c.expire(ctx, epoch, cause)
}

// expire очищает хранилище, оповещает подписчиков и возвращает SessionExpired.
func (c *Coordinator) expire(ctx context.Context, epoch uint64, cause error) error {
	if c.epoch.Load() == epoch {
		_ = c.store.Clear(ctx)

		c.mu.Lock()
		listeners := append([]func(){}, c.onExpired...)
		c.mu.Unlock()

		for _, fn := range listeners {
			fn()
		}
	}

	return apierrors.SessionExpired(cause)
}
