// session — фасад клиента sweet-shop (Session Facade).
//
// Единственная точка входа для потребителя: вход, выход, текущая сессия и
// операции над ресурсами API. Внутри фасад связывает хранилище пары токенов,
// координатор обновления, конвейер запросов и кэш ресурсов.
//
// Автомат состояний:
//
//	Anonymous -> Authenticating -> Authenticated
//	Authenticating -> Anonymous   (отказ входа или загрузки профиля)
//	Authenticated  -> Anonymous   (logout или SessionExpired)
//
// Любая операция, получившая SessionExpired, выполняет полный logout
// локально: хранилище очищено, кэш сброшен, состояние Anonymous.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"

	evbus "github.com/asaskevich/EventBus"

	"github.com/pribylovaa/sweet-shop-client/internal/apierrors"
	"github.com/pribylovaa/sweet-shop-client/internal/cache"
	"github.com/pribylovaa/sweet-shop-client/internal/models"
	"github.com/pribylovaa/sweet-shop-client/internal/pkg/redact"
	"github.com/pribylovaa/sweet-shop-client/internal/transport"
)

// TopicState — топик шины, в который публикуется снимок сессии при смене состояния.
const TopicState = "session:state"

// profileKey — ключ кэша профиля текущего пользователя.
const profileKey = "auth/profile"

var (
	// ErrSuperseded — вход прерван: пока он шёл, сессию закрыли.
	ErrSuperseded = errors.New("login superseded by logout")
	// ErrNoSavedSession — Restore не нашёл сохранённой пары.
	ErrNoSavedSession = errors.New("no saved session")
	// ErrEmptyTokens — сервер не вернул access-токен.
	ErrEmptyTokens = errors.New("empty tokens in response")
)

// CredentialStore — хранилище пары токенов.
type CredentialStore interface {
	Load(ctx context.Context) (bool, error)
	Get() (models.CredentialPair, bool)
	Set(ctx context.Context, pair models.CredentialPair) error
	Clear(ctx context.Context) error
}

// Sender — конвейер запросов.
type Sender interface {
	Send(ctx context.Context, req transport.Request) (*transport.Response, error)
}

// Refresher — координатор обновления токена.
type Refresher interface {
	Reset()
	OnExpired(fn func())
}

// ResourceCache — кэш ресурсов.
type ResourceCache interface {
	Read(ctx context.Context, key string, fetch cache.Fetcher, opts cache.ReadOptions) ([]byte, error)
	Invalidate(prefix string) int
	Mutate(ctx context.Context, key string, update cache.Updater, commit cache.Committer) ([]byte, error)
	Clear()
}

type Session struct {
	store  CredentialStore
	sender Sender
	coord  Refresher
	cache  ResourceCache
	log    *slog.Logger
	bus    evbus.Bus

	// lmu сериализует установку пары при входе с закрытием сессии,
	// чтобы вход, завершившийся после logout, не вернул пару в хранилище.
	lmu sync.Mutex
	// pmu упорядочивает публикацию событий смены состояния.
	pmu sync.Mutex

	mu      sync.RWMutex
	state   models.State
	profile *models.UserProfile
	// epoch растёт при каждом закрытии сессии.
	epoch uint64
}

// Option — функциональная опция фасада.
type Option func(*Session)

// WithLogger задаёт логгер фасада.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

// New собирает фасад из готовых компонентов и подписывается на истечение
// сессии в координаторе.
func New(store CredentialStore, sender Sender, coord Refresher, c ResourceCache, opts ...Option) *Session {
	s := &Session{
		store:  store,
		sender: sender,
		coord:  coord,
		cache:  c,
		log:    slog.Default(),
		bus:    evbus.New(),
		state:  models.StateAnonymous,
	}

	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(slog.String("component", "session"))

	coord.OnExpired(func() {
		s.closeSession(context.Background(), "expired")
	})

	return s
}

// CurrentSession возвращает производный снимок сессии. Не блокируется на I/O.
func (s *Session) CurrentSession() models.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() models.Session {
	if s.state == models.StateAuthenticating {
		return models.Session{State: models.StateAuthenticating}
	}

	if _, ok := s.store.Get(); !ok || s.profile == nil || s.state != models.StateAuthenticated {
		return models.Session{State: models.StateAnonymous}
	}

	user := *s.profile
	return models.Session{
		User:            &user,
		IsAuthenticated: true,
		IsAdmin:         user.IsAdmin,
		State:           models.StateAuthenticated,
	}
}

// OnStateChange подписывает fn на смену состояния и возвращает функцию отписки.
// fn вызывается синхронно и не должна вызывать Login/Logout/Restore.
func (s *Session) OnStateChange(fn func(models.Session)) (unsubscribe func()) {
	var active atomic.Bool
	active.Store(true)

	handler := func(snap models.Session) {
		if active.Load() {
			fn(snap)
		}
	}

	if err := s.bus.Subscribe(TopicState, handler); err != nil {
		s.log.Warn("session_subscribe_failed", slog.String("err", err.Error()))
	}

	return func() { active.Store(false) }
}

// Login — вход по email и паролю.
func (s *Session) Login(ctx context.Context, creds models.Credentials) Result[models.UserProfile] {
	const op = "session.Session.Login"

	epoch := s.beginAuth(ctx)

	resp, err := s.sender.Send(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "auth/login",
		Body:   creds,
		NoAuth: true,
	})
	if err != nil {
		s.abortAuth(epoch)
		s.log.Info("login_failed",
			slog.String("op", op),
			slog.String("email", redact.Email(creds.Email)),
			slog.String("err", err.Error()),
		)
		return failure[models.UserProfile](err)
	}

	var out models.LoginResponse
	if err := resp.Decode(&out); err != nil {
		s.abortAuth(epoch)
		return failure[models.UserProfile](err)
	}

	return s.establish(ctx, op, epoch, models.CredentialPair{AccessToken: out.Access, RefreshToken: out.Refresh})
}

// Register — регистрация с немедленным входом.
func (s *Session) Register(ctx context.Context, reg models.Registration) Result[models.UserProfile] {
	const op = "session.Session.Register"

	epoch := s.beginAuth(ctx)

	resp, err := s.sender.Send(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "auth/register",
		Body:   reg,
		NoAuth: true,
	})
	if err != nil {
		s.abortAuth(epoch)
		s.log.Info("register_failed",
			slog.String("op", op),
			slog.String("email", redact.Email(reg.Email)),
			slog.String("err", err.Error()),
		)
		return failure[models.UserProfile](err)
	}

	var out models.RegisterResponse
	if err := resp.Decode(&out); err != nil {
		s.abortAuth(epoch)
		return failure[models.UserProfile](err)
	}

	return s.establish(ctx, op, epoch, models.CredentialPair{AccessToken: out.Tokens.Access, RefreshToken: out.Tokens.Refresh})
}

// Restore восстанавливает сохранённую пару и загружает профиль (старт процесса).
//
// Временные ошибки (сеть, 5xx, 429) оставляют пару в хранилище: Restore можно
// повторить. Отказ сервера закрывает сессию.
func (s *Session) Restore(ctx context.Context) Result[models.UserProfile] {
	const op = "session.Session.Restore"

	found, err := s.store.Load(ctx)
	if err != nil {
		return failure[models.UserProfile](apierrors.Wrap(apierrors.KindInternal, fmt.Errorf("%s: %w", op, err)))
	}
	if !found {
		e := apierrors.Wrap(apierrors.KindUnauthorized, fmt.Errorf("%s: %w", op, ErrNoSavedSession))
		return failure[models.UserProfile](e)
	}

	epoch := s.beginAuth(ctx)

	profile, err := s.loadProfile(ctx)
	if err != nil {
		if transient(err) {
			s.abortAuth(epoch)
		} else {
			s.closeIf(ctx, epoch, "restore_rejected")
		}
		return failure[models.UserProfile](err)
	}

	if !s.complete(epoch, profile) {
		return failure[models.UserProfile](apierrors.SessionExpired(fmt.Errorf("%s: %w", op, ErrSuperseded)))
	}

	s.log.Info("session_restored", slog.Int64("user_id", profile.ID))

	return success(*profile)
}

// Logout закрывает сессию. Отзыв refresh-токена на сервере — best effort:
// его ошибка только логируется, локальная очистка выполняется всегда.
func (s *Session) Logout(ctx context.Context) Result[struct{}] {
	const op = "session.Session.Logout"

	if pair, ok := s.store.Get(); ok && pair.RefreshToken != "" {
		_, err := s.sender.Send(ctx, transport.Request{
			Method: http.MethodPost,
			Path:   "auth/logout",
			Body:   models.RefreshRequest{Refresh: pair.RefreshToken},
		})
		if err != nil {
			s.log.Warn("logout_remote_failed",
				slog.String("op", op),
				slog.String("err", err.Error()),
			)
		}
	}

	s.closeSession(ctx, "logout")

	return success(struct{}{})
}

// RefreshProfile перечитывает профиль с сервера.
func (s *Session) RefreshProfile(ctx context.Context) Result[models.UserProfile] {
	epoch := s.currentEpoch()

	s.cache.Invalidate(profileKey)

	profile, err := s.loadProfile(ctx)
	if err != nil {
		return finish[models.UserProfile](ctx, s, epoch, err)
	}

	s.setProfile(epoch, profile)

	return success(*profile)
}

// UpdateProfile — оптимистичное обновление профиля (PUT /auth/profile/update/).
func (s *Session) UpdateProfile(ctx context.Context, upd models.ProfileUpdate) Result[models.UserProfile] {
	const op = "session.Session.UpdateProfile"

	epoch := s.currentEpoch()

	patch, err := json.Marshal(upd)
	if err != nil {
		return failure[models.UserProfile](apierrors.Wrap(apierrors.KindInternal, fmt.Errorf("%s: %w", op, err)))
	}

	data, err := s.cache.Mutate(ctx, profileKey, mergeUpdater(patch), func(ctx context.Context) ([]byte, error) {
		resp, err := s.sender.Send(ctx, transport.Request{
			Method: http.MethodPut,
			Path:   "auth/profile/update",
			Body:   json.RawMessage(patch),
		})
		if err != nil {
			return nil, err
		}

		return profileFromUpdate(resp)
	})
	if err != nil {
		return finish[models.UserProfile](ctx, s, epoch, err)
	}

	var profile models.UserProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return failure[models.UserProfile](apierrors.Wrap(apierrors.KindInternal, fmt.Errorf("%s: %w", op, err)))
	}

	s.setProfile(epoch, &profile)

	return success(profile)
}

// ChangePassword — смена пароля. Пара токенов при этом не меняется.
func (s *Session) ChangePassword(ctx context.Context, pc models.PasswordChange) Result[string] {
	const op = "session.Session.ChangePassword"

	epoch := s.currentEpoch()

	resp, err := s.sender.Send(ctx, transport.Request{
		Method: http.MethodPost,
		Path:   "auth/profile/change-password",
		Body:   pc,
	})
	if err != nil {
		return finish[string](ctx, s, epoch, err)
	}

	var out struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return failure[string](apierrors.Wrap(apierrors.KindInternal, fmt.Errorf("%s: %w", op, err)))
	}

	return success(out.Message)
}

// beginAuth переводит автомат в Authenticating. Существующая сессия сначала
// закрывается локально.
func (s *Session) beginAuth(ctx context.Context) uint64 {
	s.mu.RLock()
	_, hasPair := s.store.Get()
	active := s.state != models.StateAnonymous || s.profile != nil
	s.mu.RUnlock()

	if hasPair && active {
		s.closeSession(ctx, "relogin")
	}

	return s.transition(func() (uint64, bool) {
		changed := s.state != models.StateAuthenticating
		s.state = models.StateAuthenticating
		s.profile = nil
		return s.epoch, changed
	})
}

// abortAuth возвращает автомат в Anonymous, если эпоха не сменилась.
func (s *Session) abortAuth(epoch uint64) {
	s.transition(func() (uint64, bool) {
		if s.epoch != epoch || s.state != models.StateAuthenticating {
			return s.epoch, false
		}
		s.state = models.StateAnonymous
		return s.epoch, true
	})
}

// establish сохраняет пару, загружает профиль и завершает вход.
func (s *Session) establish(ctx context.Context, op string, epoch uint64, pair models.CredentialPair) Result[models.UserProfile] {
	if pair.AccessToken == "" {
		s.abortAuth(epoch)
		return failure[models.UserProfile](apierrors.Wrap(apierrors.KindInternal, fmt.Errorf("%s: %w", op, ErrEmptyTokens)))
	}

	s.lmu.Lock()
	if s.currentEpoch() != epoch {
		s.lmu.Unlock()
		return failure[models.UserProfile](apierrors.SessionExpired(fmt.Errorf("%s: %w", op, ErrSuperseded)))
	}
	// Ошибка записи в Backend не мешает входу: пара в памяти уже установлена.
	_ = s.store.Set(ctx, pair)
	s.lmu.Unlock()

	profile, err := s.loadProfile(ctx)
	if err != nil {
		s.closeIf(ctx, epoch, "profile_failed")
		return failure[models.UserProfile](err)
	}

	if !s.complete(epoch, profile) {
		return failure[models.UserProfile](apierrors.SessionExpired(fmt.Errorf("%s: %w", op, ErrSuperseded)))
	}

	s.log.Info("login_succeeded",
		slog.String("op", op),
		slog.Int64("user_id", profile.ID),
		slog.String("email", redact.Email(profile.Email)),
	)

	return success(*profile)
}

// complete переводит Authenticating -> Authenticated.
func (s *Session) complete(epoch uint64, profile *models.UserProfile) bool {
	done := false
	s.transition(func() (uint64, bool) {
		if s.epoch != epoch || s.state != models.StateAuthenticating {
			return s.epoch, false
		}
		s.state = models.StateAuthenticated
		s.profile = profile
		done = true
		return s.epoch, true
	})

	return done
}

func (s *Session) setProfile(epoch uint64, profile *models.UserProfile) {
	s.transition(func() (uint64, bool) {
		if s.epoch != epoch || s.state != models.StateAuthenticated {
			return s.epoch, false
		}
		s.profile = profile
		return s.epoch, true
	})
}

// loadProfile читает профиль через кэш.
func (s *Session) loadProfile(ctx context.Context) (*models.UserProfile, error) {
	const op = "session.Session.loadProfile"

	data, err := s.cache.Read(ctx, profileKey, s.fetcher(profileKey, nil), cache.ReadOptions{})
	if err != nil {
		return nil, err
	}

	var profile models.UserProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, fmt.Errorf("%s: %w", op, err))
	}

	return &profile, nil
}

// closeSession — локальный logout: эпоха, координатор, хранилище, кэш,
// состояние. Идемпотентен.
func (s *Session) closeSession(ctx context.Context, reason string) {
	s.lmu.Lock()

	var prev models.State
	s.transition(func() (uint64, bool) {
		prev = s.state
		s.epoch++
		s.state = models.StateAnonymous
		s.profile = nil
		return s.epoch, prev != models.StateAnonymous
	})

	// Порядок важен: сначала координатор перестаёт писать в хранилище,
	// затем хранилище и кэш очищаются.
	s.coord.Reset()
	_ = s.store.Clear(ctx)
	s.cache.Clear()

	s.lmu.Unlock()

	s.log.Info("session_closed",
		slog.String("reason", reason),
		slog.String("prev_state", string(prev)),
	)
}

// closeIf закрывает сессию, только если её эпоха всё ещё epoch.
func (s *Session) closeIf(ctx context.Context, epoch uint64, reason string) {
	if s.currentEpoch() == epoch {
		s.closeSession(ctx, reason)
	}
}

// transition меняет состояние под mu и публикует снимок, если fn сообщила
// об изменении.
func (s *Session) transition(fn func() (uint64, bool)) uint64 {
	s.pmu.Lock()
	defer s.pmu.Unlock()

	s.mu.Lock()
	epoch, changed := fn()
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if changed {
		s.bus.Publish(TopicState, snap)
	}

	return epoch
}

func (s *Session) currentEpoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.epoch
}

// finish превращает ошибку операции в результат; SessionExpired текущей
// сессии закрывает её.
func finish[T any](ctx context.Context, s *Session, epoch uint64, err error) Result[T] {
	if errors.Is(err, cache.ErrCleared) {
		return failure[T](apierrors.SessionExpired(err))
	}

	if apierrors.IsKind(err, apierrors.KindSessionExpired) {
		s.closeIf(ctx, epoch, "session_expired")
	}

	return failure[T](err)
}

// transient — ошибка, после которой сохранённую пару стоит оставить.
func transient(err error) bool {
	e := apierrors.As(err)
	switch e.Kind {
	case apierrors.KindNetwork, apierrors.KindServerError, apierrors.KindRateLimited:
		return true
	default:
		return false
	}
}

// profileFromUpdate достаёт профиль из ответа обновления: {user: {...}}
// или профиль целиком.
func profileFromUpdate(resp *transport.Response) ([]byte, error) {
	var wrapped struct {
		User json.RawMessage `json:"user"`
	}
	if err := json.Unmarshal(resp.Body, &wrapped); err == nil && len(wrapped.User) > 0 && string(wrapped.User) != "null" {
		return wrapped.User, nil
	}

	if len(resp.Body) == 0 {
		return nil, nil
	}

	return resp.Body, nil
}
