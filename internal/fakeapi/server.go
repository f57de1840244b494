// fakeapi — in-process имитация удалённого API магазина сладостей.
//
// Сервер повторяет контракт настоящего бэкенда: пути с завершающим слэшем,
// JWT access-токены (HS256) и непрозрачные refresh-токены, ответы об ошибках
// в формате DRF ({"detail": ...}, {"error": ...}, {"field": ["msg"]}).
// Используется тестами клиента и командой `sweetshop serve`.
//
// Помимо обработчиков есть управляющие методы для тестов: ExpireAccessTokens,
// RevokeRefreshTokens, FailNext, Calls.
package fakeapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/pribylovaa/sweet-shop-client/internal/models"
)

// Options — параметры сервера.
type Options struct {
	// BasePath — префикс маршрутов, по умолчанию "/api".
	BasePath string
	Secret   string
	// AccessTTL/RefreshTTL — сроки жизни токенов (5m / 24h по умолчанию).
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// RotateRefresh — при обмене выдавать новый refresh-токен и отзывать старый.
	RotateRefresh bool
	// BcryptCost — стоимость хэширования паролей (bcrypt.MinCost по умолчанию).
	BcryptCost int
	Logger     *slog.Logger
	Now        func() time.Time
}

type user struct {
	profile      models.UserProfile
	passwordHash string
}

// failure — заготовленный ответ для FailNext.
type failure struct {
	status int
	body   string
}

type Server struct {
	opts   Options
	secret []byte

	mu        sync.Mutex
	users     map[int64]*user
	byEmail   map[string]int64
	sweets    map[int64]*models.Sweet
	refresh   map[string]*refreshToken
	accessGen uint64
	nextUser  int64
	nextSweet int64
	calls     map[string]int
	fail      map[string][]failure

	handler http.Handler
}

// New создаёт пустой сервер.
func New(opts Options) *Server {
	if opts.BasePath == "" {
		opts.BasePath = "/api"
	}
	opts.BasePath = "/" + strings.Trim(opts.BasePath, "/")
	if opts.Secret == "" {
		opts.Secret = "fakeapi-secret"
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 5 * time.Minute
	}
	if opts.RefreshTTL <= 0 {
		opts.RefreshTTL = 24 * time.Hour
	}
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.MinCost
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Server{
		opts:    opts,
		secret:  []byte(opts.Secret),
		users:   make(map[int64]*user),
		byEmail: make(map[string]int64),
		sweets:  make(map[int64]*models.Sweet),
		refresh: make(map[string]*refreshToken),
		calls:   make(map[string]int),
		fail:    make(map[string][]failure),
	}
	s.handler = s.routes()

	return s
}

// ServeHTTP реализует http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe обслуживает addr до отмены ctx.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	const op = "fakeapi.Server.ListenAndServe"

	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.opts.Logger.Info("fakeapi_listening", slog.String("addr", addr), slog.String("base_path", s.opts.BasePath))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("%s: %w", op, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("%s: shutdown: %w", op, err)
		}

		return nil
	}
}

func (s *Server) routes() http.Handler {
	root := chi.NewRouter()

	// Middleware (внешний -> внутренний).
	root.Use(
		Recover(),
		RequestID(),
		Logging(s.opts.Logger),
		AuthBearer(),
		s.record(),
	)

	api := chi.NewRouter()

	// auth
	api.Post("/auth/register/", s.register)
	api.Post("/auth/login/", s.login)
	api.Post("/auth/refresh/", s.refreshToken)

	api.Group(func(r chi.Router) {
		r.Use(s.requireAuth())

		r.Post("/auth/logout/", s.logout)
		r.Get("/auth/profile/", s.profile)
		r.Put("/auth/profile/update/", s.updateProfile)
		r.Patch("/auth/profile/update/", s.updateProfile)
		r.Post("/auth/profile/change-password/", s.changePassword)

		// sweets
		r.Get("/sweets/", s.listSweets)
		r.Post("/sweets/", s.createSweet)
		r.Get("/sweets/search/advanced/", s.searchSweets)
		r.Get("/sweets/featured/", s.featuredSweets)
		r.Get("/sweets/low_stock/", s.lowStock)
		r.Get("/sweets/out_of_stock/", s.outOfStock)
		r.Get("/sweets/{id}/", s.getSweet)
		r.Put("/sweets/{id}/", s.updateSweet)
		r.Patch("/sweets/{id}/", s.patchSweet)
		r.Delete("/sweets/{id}/", s.deleteSweet)
		r.Post("/sweets/{id}/purchase/", s.purchase)
		r.Post("/sweets/{id}/restock/", s.restock)

		r.Get("/categories/", s.categories)
		r.Get("/stats/", s.stats)
		r.Get("/dashboard/", s.dashboard)
		r.Post("/bulk-operations/", s.bulkOperations)
	})

	root.Mount(s.opts.BasePath, api)

	return root
}

// record считает вызовы по ключу "METHOD /path/" (путь без BasePath) и отдаёт
// заготовленные FailNext-ответы вместо обработчика.
func (s *Server) record() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := r.Method + " " + s.relPath(r.URL.Path)

			s.mu.Lock()
			s.calls[route]++
			var f *failure
			if q := s.fail[route]; len(q) > 0 {
				f = &q[0]
				s.fail[route] = q[1:]
			}
			s.mu.Unlock()

			if f != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(f.status)
				_, _ = w.Write([]byte(f.body))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// requireAuth проверяет access-токен и кладёт id пользователя в контекст.
func (s *Server) requireAuth() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFrom(r.Context())
			if token == "" {
				writeError(w, r, ErrNotAuthenticated)
				return
			}

			s.mu.Lock()
			uid, err := s.validateAccess(token)
			s.mu.Unlock()
			if err != nil {
				writeError(w, r, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxUserID, uid)))
		})
	}
}

func (s *Server) relPath(p string) string {
	rel := strings.TrimPrefix(p, s.opts.BasePath)
	if !strings.HasPrefix(rel, "/") {
		rel = "/" + rel
	}

	return rel
}

// AddUser регистрирует пользователя напрямую (минуя /auth/register/).
func (s *Server) AddUser(email, username, password string, isAdmin bool) (models.UserProfile, error) {
	const op = "fakeapi.Server.AddUser"

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.opts.BcryptCost)
	if err != nil {
		return models.UserProfile{}, fmt.Errorf("%s: %w", op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	email = normalizeEmail(email)
	if _, ok := s.byEmail[email]; ok {
		return models.UserProfile{}, fmt.Errorf("%s: email %q already registered", op, email)
	}

	return s.insertUser(email, username, string(hash), isAdmin).profile, nil
}

// AddSweet добавляет позицию каталога напрямую.
func (s *Server) AddSweet(in models.SweetInput) models.Sweet {
	s.mu.Lock()
	defer s.mu.Unlock()

	return *s.insertSweet(in)
}

// ExpireAccessTokens делает недействительными все выданные access-токены.
// Refresh-токены продолжают работать.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	s.accessGen++
	s.mu.Unlock()
}

// RevokeRefreshTokens отзывает все refresh-токены.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rt := range s.refresh {
		rt.revoked = true
	}
}

// FailNext подменяет ответ на следующий вызов route ("POST /sweets/")
// статусом status с телом body. Вызовы накапливаются в очередь.
func (s *Server) FailNext(route string, status int, body string) {
	s.mu.Lock()
	s.fail[route] = append(s.fail[route], failure{status: status, body: body})
	s.mu.Unlock()
}

// Calls возвращает число вызовов route ("GET /sweets/5/").
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.calls[route]
}

// Sweet возвращает текущее состояние позиции.
func (s *Server) Sweet(id int64) (models.Sweet, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sw, ok := s.sweets[id]
	if !ok {
		return models.Sweet{}, false
	}

	return *sw, true
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
