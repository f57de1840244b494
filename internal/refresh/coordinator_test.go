package refresh

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/pribylovaa/sweet-shop-client/internal/apierrors"
	"github.com/pribylovaa/sweet-shop-client/internal/credentials"
	"github.com/pribylovaa/sweet-shop-client/internal/metrics"
	"github.com/pribylovaa/sweet-shop-client/internal/models"
)

// fakeExchanger — управляемый эндпойнт обмена: считает вызовы и при наличии
// gate ждёт его закрытия.
type fakeExchanger struct {
	calls   atomic.Int32
	started chan struct{}
	gate    chan struct{}

	access  string
	refresh string
	err     error

	gotDeadline atomic.Bool
}

func (f *fakeExchanger) ExchangeRefresh(ctx context.Context, refreshToken string) (string, string, error) {
	f.calls.Add(1)
	if _, ok := ctx.Deadline(); ok {
		f.gotDeadline.Store(true)
	}

	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}

	if f.gate != nil {
		<-f.gate
	}

	return f.access, f.refresh, f.err
}

func newStore(t *testing.T, pair models.CredentialPair) *credentials.Store {
	t.Helper()

	s := credentials.New(nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if !pair.IsZero() {
		require.NoError(t, s.Set(context.Background(), pair))
	}

	return s
}

// TestRefresh_SingleFlight — N одновременных отказов одного access-токена
// приводят ровно к одному обмену, и все получают одну и ту же пару.
func TestRefresh_SingleFlight(t *testing.T) {
	t.Parallel()

	store := newStore(t, models.CredentialPair{AccessToken: "a1", RefreshToken: "r1"})
	ex := &fakeExchanger{access: "a2", gate: make(chan struct{}), started: make(chan struct{}, 1)}
	m := metrics.New(prometheus.NewRegistry())
	c := New(store, ex, WithMetrics(m))

	const n = 20
	results := make([]models.CredentialPair, n)
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Refresh(context.Background(), "a1", c.Epoch())
		}(i)
	}

	<-ex.started
	close(ex.gate)
	wg.Wait()

	require.Equal(t, int32(1), ex.calls.Load())
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, models.CredentialPair{AccessToken: "a2", RefreshToken: "r1"}, results[i])
	}

	require.Equal(t, 1.0, testutil.ToFloat64(m.Refreshes(metrics.RefreshSuccess)))
	require.Zero(t, testutil.ToFloat64(m.Refreshes(metrics.RefreshFailure)))

	got, ok := store.Get()
	require.True(t, ok)
	require.Equal(t, "a2", got.AccessToken)
	require.True(t, ex.gotDeadline.Load(), "обмен должен идти с таймаутом")
}

// TestRefresh_AlreadyRefreshed — отказ устаревшего токена после завершения
// эпизода не запускает новый обмен.
func TestRefresh_AlreadyRefreshed(t *testing.T) {
	t.Parallel()

	store := newStore(t, models.CredentialPair{AccessToken: "a2", RefreshToken: "r1"})
	ex := &fakeExchanger{access: "a3"}
	m := metrics.New(prometheus.NewRegistry())
	c := New(store, ex, WithMetrics(m))

	got, err := c.Refresh(context.Background(), "a1", c.Epoch())
	require.NoError(t, err)
	require.Equal(t, "a2", got.AccessToken)
	require.Zero(t, ex.calls.Load())
	require.Equal(t, 1.0, testutil.ToFloat64(m.Refreshes(metrics.RefreshSkipped)))
}

func TestRefresh_Rotation(t *testing.T) {
	tcs := []struct {
		name        string
		rotated     string
		wantRefresh string
	}{
		{"rotated", "r2", "r2"},
		{"not_rotated", "", "r1"},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			store := newStore(t, models.CredentialPair{AccessToken: "a1", RefreshToken: "r1"})
			c := New(store, &fakeExchanger{access: "a2", refresh: tc.rotated})

			got, err := c.Refresh(context.Background(), "a1", c.Epoch())
			require.NoError(t, err)
			require.Equal(t, tc.wantRefresh, got.RefreshToken)

			stored, _ := store.Get()
			require.Equal(t, got, stored)
		})
	}
}

// TestRefresh_RejectedExpiresSession — отказ обмена: все ожидающие получают
// SessionExpired, хранилище очищено, OnExpired вызван один раз.
func TestRefresh_RejectedExpiresSession(t *testing.T) {
	t.Parallel()

	store := newStore(t, models.CredentialPair{AccessToken: "a1", RefreshToken: "r1"})
	ex := &fakeExchanger{
		err:     apierrors.FromResponse(http.StatusUnauthorized, nil, []byte(`{"detail":"Token is invalid or expired"}`)),
		gate:    make(chan struct{}),
		started: make(chan struct{}, 1),
	}
	m := metrics.New(prometheus.NewRegistry())
	c := New(store, ex, WithMetrics(m))

	var expired atomic.Int32
	c.OnExpired(func() { expired.Add(1) })

	const n = 5
	errs := make([]error, n)

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Refresh(context.Background(), "a1", c.Epoch())
		}(i)
	}

	<-ex.started
	close(ex.gate)
	wg.Wait()

	for _, err := range errs {
		require.True(t, apierrors.IsKind(err, apierrors.KindSessionExpired), "got %v", err)
	}

	_, ok := store.Get()
	require.False(t, ok)
	require.Equal(t, int32(1), expired.Load())
	require.Equal(t, int32(1), ex.calls.Load())
	require.Equal(t, 1.0, testutil.ToFloat64(m.Refreshes(metrics.RefreshFailure)))
}

func TestRefresh_NetworkFailureExpiresSession(t *testing.T) {
	t.Parallel()

	store := newStore(t, models.CredentialPair{AccessToken: "a1", RefreshToken: "r1"})
	c := New(store, &fakeExchanger{err: apierrors.FromTransport(errors.New("connection reset"))})

	_, err := c.Refresh(context.Background(), "a1", c.Epoch())
	require.True(t, apierrors.IsKind(err, apierrors.KindSessionExpired))

	_, ok := store.Get()
	require.False(t, ok)
}

func TestRefresh_EmptyAccessInResponse(t *testing.T) {
	t.Parallel()

	store := newStore(t, models.CredentialPair{AccessToken: "a1", RefreshToken: "r1"})
	c := New(store, &fakeExchanger{})

	_, err := c.Refresh(context.Background(), "a1", c.Epoch())
	require.True(t, apierrors.IsKind(err, apierrors.KindSessionExpired))
	require.ErrorIs(t, err, ErrEmptyAccess)
}

func TestRefresh_NoCredentials(t *testing.T) {
	t.Parallel()

	ex := &fakeExchanger{access: "a2"}
	c := New(newStore(t, models.CredentialPair{}), ex)

	_, err := c.Refresh(context.Background(), "a1", c.Epoch())
	require.True(t, apierrors.IsKind(err, apierrors.KindSessionExpired))
	require.ErrorIs(t, err, ErrNoRefreshToken)
	require.Zero(t, ex.calls.Load())
}

func TestRefresh_NoRefreshToken(t *testing.T) {
	t.Parallel()

	store := newStore(t, models.CredentialPair{AccessToken: "a1"})
	ex := &fakeExchanger{access: "a2"}
	c := New(store, ex)

	var expired atomic.Bool
	c.OnExpired(func() { expired.Store(true) })

	_, err := c.Refresh(context.Background(), "a1", c.Epoch())
	require.ErrorIs(t, err, ErrNoRefreshToken)
	require.Zero(t, ex.calls.Load())
	require.True(t, expired.Load())

	_, ok := store.Get()
	require.False(t, ok)
}

// TestRefresh_CallerCancelDoesNotAbortExchange — вызывающий уходит по отмене,
// обмен доводится до конца и обновляет хранилище.
func TestRefresh_CallerCancelDoesNotAbortExchange(t *testing.T) {
	t.Parallel()

	store := newStore(t, models.CredentialPair{AccessToken: "a1", RefreshToken: "r1"})
	ex := &fakeExchanger{access: "a2", gate: make(chan struct{}), started: make(chan struct{}, 1)}
	c := New(store, ex)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Refresh(ctx, "a1", c.Epoch())
		done <- err
	}()

	<-ex.started
	cancel()

	err := <-done
	require.True(t, apierrors.IsKind(err, apierrors.KindNetwork))

	close(ex.gate)

	require.Eventually(t, func() bool {
		p, _ := store.Get()
		return p.AccessToken == "a2"
	}, time.Second, 5*time.Millisecond)
}

// TestRefresh_ResetFencesLateExchange — обмен, завершившийся после logout,
// не пишет пару в хранилище.
func TestRefresh_ResetFencesLateExchange(t *testing.T) {
	t.Parallel()

	store := newStore(t, models.CredentialPair{AccessToken: "a1", RefreshToken: "r1"})
	ex := &fakeExchanger{access: "a2", gate: make(chan struct{}), started: make(chan struct{}, 1)}
	c := New(store, ex)

	var expired atomic.Bool
	c.OnExpired(func() { expired.Store(true) })

	done := make(chan error, 1)
	go func() {
		_, err := c.Refresh(context.Background(), "a1", c.Epoch())
		done <- err
	}()

	<-ex.started
	require.NoError(t, store.Clear(context.Background()))
	c.Reset()
	close(ex.gate)

	err := <-done
	require.True(t, apierrors.IsKind(err, apierrors.KindSessionExpired))
	require.ErrorIs(t, err, ErrLoggedOut)

	_, ok := store.Get()
	require.False(t, ok, "пара после logout не должна воскреснуть")
	require.False(t, expired.Load(), "logout уже выполнен, повторное оповещение не нужно")
}

func TestExpire_ClearsAndNotifies(t *testing.T) {
	t.Parallel()

	store := newStore(t, models.CredentialPair{AccessToken: "a1", RefreshToken: "r1"})
	c := New(store, &fakeExchanger{})

	var expired atomic.Int32
	c.OnExpired(func() { expired.Add(1) })

	cause := errors.New("retry rejected")
	err := c.Expire(context.Background(), c.Epoch(), cause)
	require.True(t, apierrors.IsKind(err, apierrors.KindSessionExpired))
	require.ErrorIs(t, err, cause)

	_, ok := store.Get()
	require.False(t, ok)
	require.Equal(t, int32(1), expired.Load())
}

// TestRefresh_StaleEpochAfterRelogin — запрос прежней сессии после повторного
// входа не получает пару нового пользователя и не закрывает новую сессию.
func TestRefresh_StaleEpochAfterRelogin(t *testing.T) {
	t.Parallel()

	store := newStore(t, models.CredentialPair{AccessToken: "a1", RefreshToken: "r1"})
	ex := &fakeExchanger{access: "a2"}
	c := New(store, ex)

	var expired atomic.Bool
	c.OnExpired(func() { expired.Store(true) })

	epoch := c.Epoch()

	c.Reset()
	next := models.CredentialPair{AccessToken: "b1", RefreshToken: "rb"}
	require.NoError(t, store.Set(context.Background(), next))

	got, err := c.Refresh(context.Background(), "a1", epoch)
	require.True(t, apierrors.IsKind(err, apierrors.KindSessionExpired), "got %v", err)
	require.ErrorIs(t, err, ErrLoggedOut)
	require.Empty(t, got.AccessToken)
	require.Zero(t, ex.calls.Load())

	stored, ok := store.Get()
	require.True(t, ok)
	require.Equal(t, next, stored)
	require.False(t, expired.Load())
}

func TestExpire_StaleEpochKeepsSession(t *testing.T) {
	t.Parallel()

	store := newStore(t, models.CredentialPair{AccessToken: "a1", RefreshToken: "r1"})
	c := New(store, &fakeExchanger{})

	var expired atomic.Int32
	c.OnExpired(func() { expired.Add(1) })

	epoch := c.Epoch()
	c.Reset()

	err := c.Expire(context.Background(), epoch, errors.New("retry rejected"))
	require.True(t, apierrors.IsKind(err, apierrors.KindSessionExpired))

	_, ok := store.Get()
	require.True(t, ok)
	require.Zero(t, expired.Load())
}
