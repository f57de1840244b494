package cache

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/pribylovaa/sweet-shop-client/internal/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// counting — fetcher, который считает вызовы и отдаёт body.
func counting(n *atomic.Int32, body string) Fetcher {
	return func(context.Context) ([]byte, error) {
		n.Add(1)
		return []byte(body), nil
	}
}

// size — число записей кэша.
func size(c *Cache) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

func TestKey_OrderIndependent(t *testing.T) {
	t.Parallel()

	a := Key("sweets", url.Values{"category": {"candy"}, "ordering": {"price"}})
	b := Key("/sweets/", url.Values{"ordering": {"price"}, "category": {"candy"}})
	require.Equal(t, a, b)
	require.Equal(t, "sweets?category=candy&ordering=price", a)

	require.Equal(t,
		Key("sweets", url.Values{"id": {"2", "1"}}),
		Key("sweets", url.Values{"id": {"1", "2"}}),
	)
	require.Equal(t, "sweets", Key("sweets", nil))
	require.Equal(t, "sweets", Key("sweets", url.Values{"empty": nil}))
}

func TestMatches(t *testing.T) {
	t.Parallel()

	tcs := []struct {
		key, prefix string
		want        bool
	}{
		{"sweets", "sweets", true},
		{"sweets?category=candy", "sweets", true},
		{"sweets/5", "sweets", true},
		{"sweets/5?x=1", "sweets/", true},
		{"sweetshop", "sweets", false},
		{"sweetsX?a=1", "sweets", false},
		{"categories", "sweets", false},
		{"sweets/5", "sweets/5", true},
		{"sweets/50", "sweets/5", false},
		{"sweets?category=candy", "sweets?category=candy", true},
		{"sweets?category=cake", "sweets?category=candy", false},
		{"auth/profile", "", true},
		{"sweets", "sweets?", true},
		{"sweets?category=candy", "sweets?", true},
		{"sweets/5", "sweets?", false},
		{"sweets/search/advanced?name=x", "sweets?", false},
		{"sweets?page=2", ListsOf("/sweets/"), true},
	}

	for _, tc := range tcs {
		t.Run(tc.key+"|"+tc.prefix, func(t *testing.T) {
			require.Equal(t, tc.want, Matches(tc.key, tc.prefix))
		})
	}
}

// TestRead_StalenessWindow — повторное чтение в окне свежести не ходит в
// сеть, после окна — ходит.
func TestRead_StalenessWindow(t *testing.T) {
	t.Parallel()

	clock := newClock()
	m := metrics.New(prometheus.NewRegistry())
	c := New(WithClock(clock.Now), WithMetrics(m))
	ctx := context.Background()
	key := Key("sweets", url.Values{"category": {"candy"}})

	var n atomic.Int32
	opts := ReadOptions{StaleAfter: time.Minute}

	first, err := c.Read(ctx, key, counting(&n, `[{"id":1}]`), opts)
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	second, err := c.Read(ctx, key, counting(&n, `[{"id":2}]`), opts)
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Equal(t, int32(1), n.Load())

	clock.Advance(31 * time.Second)
	third, err := c.Read(ctx, key, counting(&n, `[{"id":2}]`), opts)
	require.NoError(t, err)
	require.JSONEq(t, `[{"id":2}]`, string(third))
	require.Equal(t, int32(2), n.Load())

	require.Equal(t, 1.0, testutil.ToFloat64(m.CacheReads(metrics.CacheHit)))
	require.Equal(t, 2.0, testutil.ToFloat64(m.CacheReads(metrics.CacheMiss)))
}

// TestRead_WindowIsPerCall — свежесть решает окно текущего читателя, а не
// окно того, кто загрузил запись.
func TestRead_WindowIsPerCall(t *testing.T) {
	t.Parallel()

	clock := newClock()
	c := New(WithClock(clock.Now))
	ctx := context.Background()

	var n atomic.Int32
	_, err := c.Read(ctx, "sweets", counting(&n, `[1]`), ReadOptions{StaleAfter: time.Hour})
	require.NoError(t, err)

	clock.Advance(10 * time.Second)

	got, err := c.Read(ctx, "sweets", counting(&n, `[2]`), ReadOptions{StaleAfter: time.Second})
	require.NoError(t, err)
	require.JSONEq(t, `[2]`, string(got))
	require.Equal(t, int32(2), n.Load())

	got, err = c.Read(ctx, "sweets", counting(&n, `[3]`), ReadOptions{StaleAfter: time.Hour})
	require.NoError(t, err)
	require.JSONEq(t, `[2]`, string(got))
	require.Equal(t, int32(2), n.Load())
}

func TestRead_DefaultStaleAfter(t *testing.T) {
	t.Parallel()

	clock := newClock()
	c := New(WithClock(clock.Now), WithStaleAfter(10*time.Second))

	var n atomic.Int32
	_, err := c.Read(context.Background(), "stats", counting(&n, `{}`), ReadOptions{})
	require.NoError(t, err)

	e, ok := c.Peek("stats")
	require.True(t, ok)
	require.Equal(t, 10*time.Second, e.StaleAfter)

	clock.Advance(10 * time.Second)
	_, err = c.Read(context.Background(), "stats", counting(&n, `{}`), ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, int32(2), n.Load())
}

// TestRead_ConcurrentReadersShareFetch — один запрос в полёте на ключ.
func TestRead_ConcurrentReadersShareFetch(t *testing.T) {
	t.Parallel()

	c := New()
	gate := make(chan struct{})
	started := make(chan struct{}, 1)

	var n atomic.Int32
	fetch := func(context.Context) ([]byte, error) {
		n.Add(1)
		started <- struct{}{}
		<-gate
		return []byte(`["ladoo"]`), nil
	}

	const readers = 16
	results := make([][]byte, readers)
	errs := make([]error, readers)

	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Read(context.Background(), "sweets", fetch, ReadOptions{})
		}(i)
	}

	<-started
	close(gate)
	wg.Wait()

	require.Equal(t, int32(1), n.Load())
	for i := range results {
		require.NoError(t, errs[i])
		require.JSONEq(t, `["ladoo"]`, string(results[i]))
	}
}

// TestRead_CallerCancelDoesNotAbortFetch — отмена читателя не отменяет
// запрос: его результат попадает в кэш.
func TestRead_CallerCancelDoesNotAbortFetch(t *testing.T) {
	t.Parallel()

	c := New()
	gate := make(chan struct{})
	started := make(chan struct{})

	var fetchCtxErr atomic.Value
	fetch := func(ctx context.Context) ([]byte, error) {
		close(started)
		<-gate
		if err := ctx.Err(); err != nil {
			fetchCtxErr.Store(err)
		}
		return []byte(`{"total":3}`), nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Read(ctx, "stats", fetch, ReadOptions{})
		done <- err
	}()

	<-started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	close(gate)
	require.Eventually(t, func() bool {
		_, ok := c.Peek("stats")
		return ok
	}, time.Second, 5*time.Millisecond)
	require.Nil(t, fetchCtxErr.Load(), "fetch не должен видеть отмену вызывающего")
}

func TestRead_ErrorIsNotCached(t *testing.T) {
	t.Parallel()

	c := New()
	boom := errors.New("server error")

	_, err := c.Read(context.Background(), "sweets", func(context.Context) ([]byte, error) {
		return nil, boom
	}, ReadOptions{})
	require.ErrorIs(t, err, boom)

	_, ok := c.Peek("sweets")
	require.False(t, ok)

	var n atomic.Int32
	data, err := c.Read(context.Background(), "sweets", counting(&n, `[]`), ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, `[]`, string(data))
	require.Equal(t, int32(1), n.Load())
}

func TestInvalidate_MarksStaleKeepsData(t *testing.T) {
	t.Parallel()

	c := New()
	ctx := context.Background()
	var n atomic.Int32

	for _, key := range []string{"sweets", "sweets?category=candy", "sweets/5", "sweetshop", "categories"} {
		_, err := c.Read(ctx, key, counting(&n, `"`+key+`"`), ReadOptions{})
		require.NoError(t, err)
	}
	require.Equal(t, int32(5), n.Load())

	require.Equal(t, 3, c.Invalidate("sweets"))

	for _, key := range []string{"sweets", "sweets?category=candy", "sweets/5"} {
		e, ok := c.Peek(key)
		require.True(t, ok, key)
		require.True(t, e.Invalidated, key)
		require.Equal(t, `"`+key+`"`, string(e.Data), "данные сохраняются")
	}
	for _, key := range []string{"sweetshop", "categories"} {
		e, _ := c.Peek(key)
		require.False(t, e.Invalidated, key)
	}

	// Следующее чтение инвалидированного ключа идёт в сеть.
	_, err := c.Read(ctx, "sweets/5", counting(&n, `"fresh"`), ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, int32(6), n.Load())

	e, _ := c.Peek("sweets/5")
	require.False(t, e.Invalidated)
	require.Equal(t, `"fresh"`, string(e.Data))
}

// TestInvalidate_DuringFetch — результат запроса, начатого до инвалидации,
// сохраняется устаревшим; новый читатель не присоединяется к старому запросу.
func TestInvalidate_DuringFetch(t *testing.T) {
	t.Parallel()

	c := New()
	gate := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_, _ = c.Read(context.Background(), "sweets", func(context.Context) ([]byte, error) {
			close(started)
			<-gate
			return []byte(`"old"`), nil
		}, ReadOptions{})
	}()

	<-started
	c.Invalidate("sweets")

	var n atomic.Int32
	data, err := c.Read(context.Background(), "sweets", counting(&n, `"new"`), ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, `"new"`, string(data))
	require.Equal(t, int32(1), n.Load())

	close(gate)

	// Поздний результат старого запроса не перезаписывает более новый.
	time.Sleep(20 * time.Millisecond)
	e, ok := c.Peek("sweets")
	require.True(t, ok)
	require.Equal(t, `"new"`, string(e.Data))
	require.False(t, e.Invalidated)
}

// TestMutate_RollbackIsExact — неудачный commit оставляет запись байт в байт
// такой же, как до вызова; во время commit читатели видят оптимистичное значение.
func TestMutate_RollbackIsExact(t *testing.T) {
	t.Parallel()

	clock := newClock()
	m := metrics.New(prometheus.NewRegistry())
	c := New(WithClock(clock.Now), WithMetrics(m))
	ctx := context.Background()

	var n atomic.Int32
	_, err := c.Read(ctx, "sweets/5", counting(&n, `{"id":5,"name":"Ladoo","price":10}`), ReadOptions{StaleAfter: time.Minute})
	require.NoError(t, err)
	c.Invalidate("sweets/5")
	clock.Advance(5 * time.Second)

	before, ok := c.Peek("sweets/5")
	require.True(t, ok)

	inCommit := make(chan struct{})
	release := make(chan struct{})
	boom := errors.New("validation failed")

	done := make(chan error, 1)
	go func() {
		_, err := c.Mutate(ctx, "sweets/5",
			func([]byte, bool) ([]byte, bool) {
				return []byte(`{"id":5,"name":"Ladoo","price":-1}`), true
			},
			func(context.Context) ([]byte, error) {
				close(inCommit)
				<-release
				return nil, boom
			},
		)
		done <- err
	}()

	<-inCommit

	// Чтение не ждёт решения по мутации и видит оптимистичное значение.
	data, err := c.Read(ctx, "sweets/5", counting(&n, `"must not fetch"`), ReadOptions{})
	require.NoError(t, err)
	require.JSONEq(t, `{"id":5,"name":"Ladoo","price":-1}`, string(data))

	pending, _ := c.Peek("sweets/5")
	require.NotEmpty(t, pending.PendingMutationID)

	close(release)
	require.ErrorIs(t, <-done, boom)

	after, ok := c.Peek("sweets/5")
	require.True(t, ok)
	require.Equal(t, before, after)
	require.Equal(t, int32(1), n.Load())
	require.Equal(t, 1.0, testutil.ToFloat64(m.Rollbacks()))
}

func TestMutate_RollbackOfUncachedKey(t *testing.T) {
	t.Parallel()

	c := New()

	var sawOK atomic.Bool
	_, err := c.Mutate(context.Background(), "sweets/7",
		func(cur []byte, ok bool) ([]byte, bool) {
			sawOK.Store(ok || cur != nil)
			return []byte(`{"id":7}`), true
		},
		func(context.Context) ([]byte, error) { return nil, errors.New("boom") },
	)
	require.Error(t, err)
	require.False(t, sawOK.Load())

	_, ok := c.Peek("sweets/7")
	require.False(t, ok)
	require.Zero(t, size(c))
}

func TestMutate_SuccessStoresAuthoritative(t *testing.T) {
	t.Parallel()

	clock := newClock()
	c := New(WithClock(clock.Now))
	ctx := context.Background()

	var n atomic.Int32
	_, err := c.Read(ctx, "auth/profile", counting(&n, `{"first_name":"A"}`), ReadOptions{StaleAfter: time.Minute})
	require.NoError(t, err)
	c.Invalidate("auth/profile")
	clock.Advance(time.Second)

	data, err := c.Mutate(ctx, "auth/profile",
		func(cur []byte, ok bool) ([]byte, bool) { return []byte(`{"first_name":"B"}`), true },
		func(context.Context) ([]byte, error) { return []byte(`{"first_name":"B","id":1}`), nil },
	)
	require.NoError(t, err)
	require.JSONEq(t, `{"first_name":"B","id":1}`, string(data))

	e, ok := c.Peek("auth/profile")
	require.True(t, ok)
	require.JSONEq(t, `{"first_name":"B","id":1}`, string(e.Data))
	require.False(t, e.Invalidated)
	require.Equal(t, clock.Now(), e.FetchedAt)
	require.Equal(t, time.Minute, e.StaleAfter)
	require.Empty(t, e.PendingMutationID)

	// Запись свежая: чтение без сети.
	_, err = c.Read(ctx, "auth/profile", counting(&n, `{}`), ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, int32(1), n.Load())
}

func TestMutate_NilAuthoritativeMarksStale(t *testing.T) {
	t.Parallel()

	c := New()
	ctx := context.Background()

	var n atomic.Int32
	_, err := c.Read(ctx, "sweets/5", counting(&n, `{"id":5}`), ReadOptions{})
	require.NoError(t, err)

	_, err = c.Mutate(ctx, "sweets/5",
		func([]byte, bool) ([]byte, bool) { return nil, false },
		func(context.Context) ([]byte, error) { return nil, nil },
	)
	require.NoError(t, err)

	e, ok := c.Peek("sweets/5")
	require.True(t, ok)
	require.True(t, e.Invalidated)
}

func TestMutate_DeclinedUpdaterLeavesEntry(t *testing.T) {
	t.Parallel()

	c := New()
	inCommit := make(chan struct{})
	release := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := c.Mutate(context.Background(), "sweets",
			func([]byte, bool) ([]byte, bool) { return []byte(`"ignored"`), false },
			func(context.Context) ([]byte, error) {
				close(inCommit)
				<-release
				return nil, errors.New("boom")
			},
		)
		done <- err
	}()

	<-inCommit
	_, ok := c.Peek("sweets")
	require.False(t, ok, "отклонённое изменение не создаёт запись")

	close(release)
	require.Error(t, <-done)
	require.Zero(t, size(c))
}

// TestMutate_FIFOPerKey — вторая мутация ключа ждёт завершения первой и
// видит её авторитетный результат.
func TestMutate_FIFOPerKey(t *testing.T) {
	t.Parallel()

	c := New()
	ctx := context.Background()

	var n atomic.Int32
	_, err := c.Read(ctx, "sweets/5", counting(&n, `"v0"`), ReadOptions{})
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	firstInCommit := make(chan struct{})
	releaseFirst := make(chan struct{})

	firstDone := make(chan error, 1)
	go func() {
		_, err := c.Mutate(ctx, "sweets/5",
			func(cur []byte, ok bool) ([]byte, bool) {
				record("apply1:" + string(cur))
				return []byte(`"v1-optimistic"`), true
			},
			func(context.Context) ([]byte, error) {
				close(firstInCommit)
				<-releaseFirst
				record("commit1")
				return []byte(`"v1"`), nil
			},
		)
		firstDone <- err
	}()

	<-firstInCommit

	secondDone := make(chan error, 1)
	go func() {
		_, err := c.Mutate(ctx, "sweets/5",
			func(cur []byte, ok bool) ([]byte, bool) {
				record("apply2:" + string(cur))
				return []byte(`"v2-optimistic"`), true
			},
			func(context.Context) ([]byte, error) {
				record("commit2")
				return []byte(`"v2"`), nil
			},
		)
		secondDone <- err
	}()

	// Вторая мутация стоит в очереди: её updater ещё не вызван.
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	require.Equal(t, []string{`apply1:"v0"`}, order)
	mu.Unlock()

	close(releaseFirst)
	require.NoError(t, <-firstDone)
	require.NoError(t, <-secondDone)

	mu.Lock()
	require.Equal(t, []string{`apply1:"v0"`, "commit1", `apply2:"v1"`, "commit2"}, order)
	mu.Unlock()

	e, _ := c.Peek("sweets/5")
	require.Equal(t, `"v2"`, string(e.Data))
}

// TestMutate_CallerCancelKeepsQueueOrder — вызывающий может уйти, но
// мутация всё равно выполняется и очередь не нарушается.
func TestMutate_CallerCancelKeepsQueueOrder(t *testing.T) {
	t.Parallel()

	c := New()
	release := make(chan struct{})
	inCommit := make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Mutate(ctx, "k",
			func([]byte, bool) ([]byte, bool) { return []byte(`1`), true },
			func(context.Context) ([]byte, error) {
				close(inCommit)
				<-release
				return []byte(`1`), nil
			},
		)
		done <- err
	}()

	<-inCommit
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	secondDone := make(chan []byte, 1)
	go func() {
		data, _ := c.Mutate(context.Background(), "k",
			func(cur []byte, _ bool) ([]byte, bool) { return cur, false },
			func(context.Context) ([]byte, error) { return []byte(`2`), nil },
		)
		secondDone <- data
	}()

	close(release)
	require.Equal(t, `2`, string(<-secondDone))

	e, _ := c.Peek("k")
	require.Equal(t, `2`, string(e.Data))
}

// TestClear_FencesInFlightWork — после Clear ни запрос в полёте, ни
// завершившаяся мутация не возвращают данные в кэш, следующее чтение идёт в сеть.
func TestClear_FencesInFlightWork(t *testing.T) {
	t.Parallel()

	c := New()
	ctx := context.Background()

	var n atomic.Int32
	_, err := c.Read(ctx, "auth/profile", counting(&n, `{"email":"a@b.c"}`), ReadOptions{})
	require.NoError(t, err)

	fetchGate := make(chan struct{})
	fetchStarted := make(chan struct{})
	go func() {
		_, _ = c.Read(ctx, "sweets", func(context.Context) ([]byte, error) {
			close(fetchStarted)
			<-fetchGate
			return []byte(`"old sweets"`), nil
		}, ReadOptions{})
	}()

	commitGate := make(chan struct{})
	inCommit := make(chan struct{})
	mutateDone := make(chan error, 1)
	go func() {
		_, err := c.Mutate(ctx, "auth/profile",
			func([]byte, bool) ([]byte, bool) { return []byte(`{"email":"x"}`), true },
			func(context.Context) ([]byte, error) {
				close(inCommit)
				<-commitGate
				return []byte(`{"email":"x"}`), nil
			},
		)
		mutateDone <- err
	}()

	<-fetchStarted
	<-inCommit

	c.Clear()
	require.Zero(t, size(c))

	close(fetchGate)
	close(commitGate)
	require.NoError(t, <-mutateDone)
	time.Sleep(20 * time.Millisecond)

	require.Zero(t, size(c), "результаты операций до Clear не воскрешают данные")

	_, err = c.Read(ctx, "auth/profile", counting(&n, `{"email":"new"}`), ReadOptions{})
	require.NoError(t, err)
	require.Equal(t, int32(2), n.Load())
}

func TestMutate_QueuedBehindClearFails(t *testing.T) {
	t.Parallel()

	c := New()
	ctx := context.Background()
	release := make(chan struct{})
	inCommit := make(chan struct{})

	go func() {
		_, _ = c.Mutate(ctx, "k",
			func([]byte, bool) ([]byte, bool) { return nil, false },
			func(context.Context) ([]byte, error) {
				close(inCommit)
				<-release
				return nil, nil
			},
		)
	}()
	<-inCommit

	c.mu.Lock()
	firstTail := c.tails["k"]
	c.mu.Unlock()

	var committed atomic.Bool
	secondDone := make(chan error, 1)
	go func() {
		_, err := c.Mutate(ctx, "k",
			func([]byte, bool) ([]byte, bool) { return []byte(`1`), true },
			func(context.Context) ([]byte, error) {
				committed.Store(true)
				return []byte(`1`), nil
			},
		)
		secondDone <- err
	}()

	// Вторая мутация встала в очередь (хвост сменился) до Clear.
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.tails["k"] != firstTail
	}, time.Second, time.Millisecond)

	c.Clear()
	close(release)

	require.ErrorIs(t, <-secondDone, ErrCleared)
	require.False(t, committed.Load())
	require.Zero(t, size(c))
}
