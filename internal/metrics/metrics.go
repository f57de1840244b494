// metrics — Prometheus-коллекторы клиентского ядра: пайплайн запросов,
// координатор refresh и кэш ресурсов.
//
// Все методы безопасны для nil-получателя: компоненты, собранные без метрик
// (тесты, встраивание в чужой процесс), просто ничего не пишут.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sweetshop_client"

// Исходы обмена refresh-токена.
const (
	RefreshSuccess = "success"
	RefreshFailure = "failure"
	RefreshSkipped = "skipped" // другой вызов уже обновил токен
)

// Исходы чтения кэша.
const (
	CacheHit    = "hit"
	CacheMiss   = "miss"
	CacheShared = "shared" // присоединились к уже летящему запросу
)

type Metrics struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	retries         prometheus.Counter
	refreshes       *prometheus.CounterVec
	cacheReads      *prometheus.CounterVec
	cacheRollbacks  prometheus.Counter
}

// New регистрирует коллекторы в reg. Для изоляции тестов передавайте
// собственный prometheus.NewRegistry().
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Outgoing API attempts by method and status class.",
		}, []string{"method", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Latency of a single outgoing API attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		retries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_retries_total",
			Help:      "Requests re-dispatched after a credential refresh.",
		}),
		refreshes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Refresh credential exchanges by outcome.",
		}, []string{"outcome"}),
		cacheReads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_reads_total",
			Help:      "Resource cache reads by outcome.",
		}, []string{"result"}),
		cacheRollbacks: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_rollbacks_total",
			Help:      "Optimistic mutations rolled back after a failed commit.",
		}),
	}
}

// ObserveRequest учитывает одну попытку запроса. status == 0 — транспортная ошибка.
func (m *Metrics) ObserveRequest(method string, status int, dur time.Duration) {
	if m == nil {
		return
	}

	m.requests.WithLabelValues(method, statusClass(status)).Inc()
	m.requestDuration.WithLabelValues(method).Observe(dur.Seconds())
}

func (m *Metrics) IncRetry() {
	if m == nil {
		return
	}

	m.retries.Inc()
}

func (m *Metrics) IncRefresh(outcome string) {
	if m == nil {
		return
	}

	m.refreshes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncCacheRead(result string) {
	if m == nil {
		return
	}

	m.cacheReads.WithLabelValues(result).Inc()
}

func (m *Metrics) IncRollback() {
	if m == nil {
		return
	}

	m.cacheRollbacks.Inc()
}

// Requests — счётчик попыток по методу и классу статуса ("2xx", "4xx", "error").
func (m *Metrics) Requests(method, class string) prometheus.Counter {
	return m.requests.WithLabelValues(method, class)
}

// Retries — счётчик повторов после refresh.
func (m *Metrics) Retries() prometheus.Counter {
	return m.retries
}

// Refreshes — счётчик обменов с заданным исходом (для тестов и диагностики).
func (m *Metrics) Refreshes(outcome string) prometheus.Counter {
	return m.refreshes.WithLabelValues(outcome)
}

// CacheReads — счётчик чтений кэша с заданным исходом.
func (m *Metrics) CacheReads(result string) prometheus.Counter {
	return m.cacheReads.WithLabelValues(result)
}

// Rollbacks — счётчик откатов оптимистичных изменений.
func (m *Metrics) Rollbacks() prometheus.Counter {
	return m.cacheRollbacks
}

func statusClass(status int) string {
	if status <= 0 {
		return "error"
	}

	return strconv.Itoa(status/100) + "xx"
}
