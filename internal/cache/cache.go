// cache — кэш ресурсов API в памяти процесса (Resource Cache).
//
// Данные хранятся как сырые JSON-байты: так откат оптимистичного изменения
// восстанавливает запись байт в байт, а кэшу не нужно знать типы ресурсов.
//
// Гарантии:
//   - не более одного запроса в полёте на ключ, конкурентные читатели
//     получают один и тот же результат;
//   - не более одного незавершённого оптимистичного изменения на ключ,
//     следующие Mutate встают в очередь FIFO;
//   - неудачный Mutate оставляет запись в точности такой, какой она была;
//   - после Clear никакая завершившаяся позже операция не возвращает данные.
package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/pribylovaa/sweet-shop-client/internal/metrics"
	"github.com/pribylovaa/sweet-shop-client/internal/pkg/log"
)

// DefaultStaleAfter — окно свежести по умолчанию.
const DefaultStaleAfter = 5 * time.Minute

// ErrCleared — кэш очищен (logout), пока операция ждала своей очереди.
var ErrCleared = errors.New("cache cleared")

// Fetcher загружает ресурс с сервера.
type Fetcher func(ctx context.Context) ([]byte, error)

// Updater строит оптимистичное значение из текущего (ok=false, если записи
// нет). Второй результат false означает «не применять изменение». current —
// копия, её можно менять. Updater выполняется под блокировкой кэша и не должен
// обращаться к нему.
type Updater func(current []byte, ok bool) ([]byte, bool)

// Committer выполняет запись на сервере и возвращает авторитетное значение
// (nil, если сервер его не вернул).
type Committer func(ctx context.Context) ([]byte, error)

// ReadOptions — параметры чтения.
type ReadOptions struct {
	// StaleAfter — окно свежести; 0 — значение кэша по умолчанию.
	StaleAfter time.Duration
}

// Entry — снимок записи кэша.
type Entry struct {
	Key               string
	Data              []byte
	FetchedAt         time.Time
	StaleAfter        time.Duration
	Invalidated       bool
	PendingMutationID string
}

type entry struct {
	data        []byte
	fetchedAt   time.Time
	staleAfter  time.Duration
	invalidated bool
	// seq — порядковый номер операции, записавшей значение; запрос, начатый
	// раньше, не перезаписывает более позднее значение.
	seq uint64
}

// fresh — запись не помечена устаревшей и моложе окна window.
func (e *entry) fresh(now time.Time, window time.Duration) bool {
	return !e.invalidated && now.Sub(e.fetchedAt) < window
}

// flight — запрос в полёте. Дедупликацию выполняет singleflight, flight
// хранит только то, что решает судьбу результата.
type flight struct {
	gen         uint64
	seq         uint64
	invalidated bool
}

// patch — незавершённое оптимистичное изменение.
type patch struct {
	id      string
	existed bool
	prev    entry
	applied bool
	// invalidated — Invalidate задел ключ, пока изменение было в полёте;
	// откат сохраняет эту отметку.
	invalidated bool
}

type Cache struct {
	group singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	flights map[string]*flight
	pending map[string]*patch
	// tails — хвост очереди Mutate по ключу: закрывается, когда последняя
	// поставленная мутация завершилась.
	tails map[string]chan struct{}
	gen   uint64
	seq   uint64

	staleAfter time.Duration
	now        func() time.Time
	metrics    *metrics.Metrics
	log        *slog.Logger
}

// Option — функциональная опция кэша.
type Option func(*Cache)

// WithClock подменяет часы (для тестов окна свежести).
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithStaleAfter задаёт окно свежести по умолчанию.
func WithStaleAfter(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.staleAfter = d
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Cache) { c.metrics = m }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

func New(opts ...Option) *Cache {
	c := &Cache{
		entries:    make(map[string]*entry),
		flights:    make(map[string]*flight),
		pending:    make(map[string]*patch),
		tails:      make(map[string]chan struct{}),
		staleAfter: DefaultStaleAfter,
		now:        time.Now,
		log:        slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.log = c.log.With(slog.String("component", "cache"))

	return c
}

// Read возвращает данные по ключу.
//
// Запись отдаётся сразу, если она моложе окна opts.StaleAfter этого вызова
// (у каждого читателя своё окно). Пока по ключу идёт оптимистичное изменение,
// отдаётся текущее (оптимистичное) значение без запроса к серверу. Иначе
// запускается fetch или читатель присоединяется к уже летящему. Отмена ctx
// освобождает только вызывающего: запрос доводится до конца и обновляет кэш.
func (c *Cache) Read(ctx context.Context, key string, fetch Fetcher, opts ReadOptions) ([]byte, error) {
	const op = "cache.Cache.Read"

	staleAfter := opts.StaleAfter
	if staleAfter <= 0 {
		staleAfter = c.staleAfter
	}

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && (c.pending[key] != nil || e.fresh(c.now(), staleAfter)) {
		data := clone(e.data)
		c.mu.Unlock()

		c.metrics.IncCacheRead(metrics.CacheHit)
		return data, nil
	}
	gen := c.gen
	c.mu.Unlock()

	var outcome atomic.Value
	outcome.Store(metrics.CacheShared)

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		data, hit, err := c.fetch(detached, key, gen, fetch, staleAfter)
		if hit {
			outcome.Store(metrics.CacheHit)
		} else {
			outcome.Store(metrics.CacheMiss)
		}
		return data, err
	})

	select {
	case <-ctx.Done():
		c.metrics.IncCacheRead(outcome.Load().(string))
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	case res := <-ch:
		c.metrics.IncCacheRead(outcome.Load().(string))
		if res.Err != nil {
			return nil, res.Err
		}

		return clone(res.Val.([]byte)), nil
	}
}

// fetch выполняется ведущим читателем ключа. Запись, появившаяся между
// проверкой в Read и стартом ведущего, отдаётся без запроса (hit). Результат
// запроса попадает в кэш, только если с момента чтения не было Clear, по ключу
// нет изменения в полёте и запись не новее этого запроса.
func (c *Cache) fetch(ctx context.Context, key string, gen uint64, fetch Fetcher, staleAfter time.Duration) ([]byte, bool, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok && gen == c.gen && (c.pending[key] != nil || e.fresh(c.now(), staleAfter)) {
		data := clone(e.data)
		c.mu.Unlock()

		return data, true, nil
	}

	c.seq++
	f := &flight{gen: gen, seq: c.seq}
	c.flights[key] = f
	c.mu.Unlock()

	data, err := fetch(ctx)

	c.mu.Lock()
	if c.flights[key] == f {
		delete(c.flights, key)
	}

	if err == nil && f.gen == c.gen && c.pending[key] == nil {
		if e, ok := c.entries[key]; !ok || e.seq < f.seq {
			c.entries[key] = &entry{
				data:        clone(data),
				fetchedAt:   c.now(),
				staleAfter:  staleAfter,
				invalidated: f.invalidated,
				seq:         f.seq,
			}
		}
	}
	c.mu.Unlock()

	if err != nil {
		log.From(ctx).Debug("cache_fetch_failed",
			slog.String("key", key),
			slog.String("err", err.Error()),
		)
		return nil, false, err
	}

	return data, false, nil
}

// Invalidate помечает устаревшими все записи, ключ которых попадает под
// prefix с учётом границы сегмента: "sweets" захватывает "sweets",
// "sweets?category=candy" и "sweets/5", но не "sweetshop". Данные не
// удаляются, сеть не трогается. Запросы в полёте по этим ключам отвязываются:
// следующий Read начнёт новый запрос, а результат старого сохранится уже
// устаревшим. Пустой prefix захватывает всё.
func (c *Cache) Invalidate(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for key, e := range c.entries {
		if Matches(key, prefix) && !e.invalidated {
			e.invalidated = true
			n++
		}
	}

	for key, f := range c.flights {
		if Matches(key, prefix) {
			f.invalidated = true
			delete(c.flights, key)
			c.group.Forget(key)
		}
	}

	for key, p := range c.pending {
		if Matches(key, prefix) {
			p.invalidated = true
		}
	}

	c.log.Debug("cache_invalidated", slog.String("prefix", prefix), slog.Int("entries", n))

	return n
}

// Mutate применяет оптимистичное изменение и фиксирует его на сервере.
//
// Мутации одного ключа выполняются строго в порядке вызова. При успехе
// committer запись заменяется авторитетным значением и становится свежей
// (если сервер тела не вернул — помечается устаревшей). При ошибке запись
// восстанавливается из снимка, ошибка возвращается как есть.
func (c *Cache) Mutate(ctx context.Context, key string, update Updater, commit Committer) ([]byte, error) {
	const op = "cache.Cache.Mutate"

	done := make(chan struct{})

	c.mu.Lock()
	prev := c.tails[key]
	c.tails[key] = done
	gen := c.gen
	c.mu.Unlock()

	type result struct {
		data []byte
		err  error
	}
	res := make(chan result, 1)
	detached := context.WithoutCancel(ctx)

	go func() {
		defer func() {
			c.mu.Lock()
			if c.tails[key] == done {
				delete(c.tails, key)
			}
			c.mu.Unlock()
			close(done)
		}()

		if prev != nil {
			<-prev
		}

		data, err := c.mutate(detached, key, gen, update, commit)
		res <- result{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	case r := <-res:
		return r.data, r.err
	}
}

func (c *Cache) mutate(ctx context.Context, key string, gen uint64, update Updater, commit Committer) ([]byte, error) {
	const op = "cache.Cache.mutate"

	lg := log.From(ctx)

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", op, ErrCleared)
	}

	p := &patch{id: uuid.NewString()}
	e, ok := c.entries[key]
	if ok {
		p.existed = true
		p.prev = *e
		p.prev.data = clone(e.data)
	}

	var current []byte
	if ok {
		current = clone(e.data)
	}

	if next, apply := update(current, ok); apply {
		p.applied = true
		if !ok {
			e = &entry{staleAfter: c.staleAfter}
			c.entries[key] = e
		}
		e.data = clone(next)
	}
	c.pending[key] = p
	c.mu.Unlock()

	data, err := commit(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending[key] == p {
		delete(c.pending, key)
	}

	if c.gen != gen {
		// logout во время записи: ничего не возвращаем в кэш.
		return data, err
	}

	if err != nil {
		if p.applied {
			c.restore(key, p)
			c.metrics.IncRollback()
		}

		lg.Warn("cache_rollback",
			slog.String("op", op),
			slog.String("key", key),
			slog.String("mutation_id", p.id),
			slog.Bool("applied", p.applied),
			slog.String("err", err.Error()),
		)
		return nil, err
	}

	c.seq++
	if data != nil {
		staleAfter := c.staleAfter
		if p.existed {
			staleAfter = p.prev.staleAfter
		}

		c.entries[key] = &entry{
			data:       clone(data),
			fetchedAt:  c.now(),
			staleAfter: staleAfter,
			seq:        c.seq,
		}
	} else if e, ok := c.entries[key]; ok {
		e.invalidated = true
		e.seq = c.seq
	}

	return clone(data), nil
}

// restore возвращает запись к снимку (вызывается под c.mu).
func (c *Cache) restore(key string, p *patch) {
	if !p.existed {
		delete(c.entries, key)
		return
	}

	prev := p.prev
	prev.data = clone(p.prev.data)
	if p.invalidated {
		prev.invalidated = true
	}
	c.entries[key] = &prev
}

// Peek возвращает снимок записи без обращения к серверу.
func (c *Cache) Peek(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return Entry{}, false
	}

	out := Entry{
		Key:         key,
		Data:        clone(e.data),
		FetchedAt:   e.fetchedAt,
		StaleAfter:  e.staleAfter,
		Invalidated: e.invalidated,
	}
	if p := c.pending[key]; p != nil {
		out.PendingMutationID = p.id
	}

	return out, true
}

// Clear удаляет все записи и отвязывает все операции в полёте: их результаты
// больше не попадут в кэш.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gen++
	n := len(c.entries)
	c.entries = make(map[string]*entry)
	for key := range c.flights {
		c.group.Forget(key)
	}
	c.flights = make(map[string]*flight)
	c.pending = make(map[string]*patch)

	c.log.Debug("cache_cleared", slog.Int("entries", n))
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}

	return bytes.Clone(b)
}
