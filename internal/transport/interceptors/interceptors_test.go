package interceptors

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/pribylovaa/sweet-shop-client/internal/metrics"
	"github.com/pribylovaa/sweet-shop-client/internal/pkg/log"
)

type capHandler struct {
	mu      sync.Mutex
	base    []slog.Attr
	lastMsg string
	lastLvl slog.Level
	attrs   map[string]any
	count   map[string]int
}

func (h *capHandler) Enabled(context.Context, slog.Level) bool { return true }
func (h *capHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make(map[string]any, len(h.base)+8)
	for _, a := range h.base {
		out[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		out[a.Key] = a.Value.Any()
		return true
	})
	if h.count == nil {
		h.count = make(map[string]int)
	}
	h.count[r.Message]++
	h.lastMsg = r.Message
	h.lastLvl = r.Level
	h.attrs = out
	return nil
}

func (h *capHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.base = append(h.base, attrs...)
	return h
}

func (h *capHandler) WithGroup(string) slog.Handler { return h }

func newReq(t *testing.T, method, path string) *http.Request {
	t.Helper()

	req, err := http.NewRequest(method, "http://api.test"+path, nil)
	require.NoError(t, err)
	return req
}

func respond(status int) Invoker {
	return func(ctx context.Context, req *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: status, Header: http.Header{}, Request: req}, nil
	}
}

func TestChain_Order(t *testing.T) {
	t.Parallel()

	var trace []string
	mark := func(name string) Interceptor {
		return func(ctx context.Context, req *http.Request, next Invoker) (*http.Response, error) {
			trace = append(trace, name+">")
			resp, err := next(ctx, req)
			trace = append(trace, "<"+name)
			return resp, err
		}
	}

	base := func(ctx context.Context, req *http.Request) (*http.Response, error) {
		trace = append(trace, "base")
		return &http.Response{StatusCode: http.StatusOK}, nil
	}

	inv := Chain(base, mark("a"), mark("b"))
	_, err := inv(context.Background(), newReq(t, http.MethodGet, "/sweets/"))
	require.NoError(t, err)
	require.Equal(t, []string{"a>", "b>", "base", "<b", "<a"}, trace)

	// Пустая цепочка — сам base.
	trace = nil
	_, err = Chain(base)(context.Background(), newReq(t, http.MethodGet, "/"))
	require.NoError(t, err)
	require.Equal(t, []string{"base"}, trace)
}

func TestMetadata_SetsHeaders(t *testing.T) {
	t.Parallel()

	const rid = "rid-123"
	const ua = "sweetshop-client"

	ctx := context.WithValue(context.Background(), CtxRequestID, rid)

	var got http.Header
	inv := Chain(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		got = req.Header.Clone()
		return &http.Response{StatusCode: http.StatusOK}, nil
	}, WithMetadata(ua))

	_, err := inv(ctx, newReq(t, http.MethodGet, "/sweets/"))
	require.NoError(t, err)

	require.Equal(t, rid, got.Get("X-Request-Id"))
	require.Equal(t, ua, got.Get("User-Agent"))
	require.Equal(t, "application/json", got.Get("Accept"))
	require.Empty(t, got.Get("Authorization"))
}

func TestMetadata_GeneratesRequestID_AndKeepsExisting(t *testing.T) {
	t.Parallel()

	var got string
	inv := Chain(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		got = req.Header.Get(HeaderRequestID)
		return &http.Response{StatusCode: http.StatusOK}, nil
	}, WithMetadata(""))

	_, err := inv(context.Background(), newReq(t, http.MethodGet, "/"))
	require.NoError(t, err)
	_, err = uuid.Parse(got)
	require.NoError(t, err)

	// Повтор той же попытки сохраняет request_id.
	req := newReq(t, http.MethodGet, "/")
	req.Header.Set(HeaderRequestID, "fixed")
	_, err = inv(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "fixed", got)
}

func TestWithTimeout_SetsDeadline_AndInvokerSeesDeadlineExceeded(t *testing.T) {
	t.Parallel()

	const d = 40 * time.Millisecond

	start := time.Now()
	_, err := WithTimeout(d)(context.Background(), newReq(t, http.MethodGet, "/"),
		func(ctx context.Context, req *http.Request) (*http.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.GreaterOrEqual(t, time.Since(start), d)
}

func TestWithTimeout_DoesNotOverrideExistingDeadline(t *testing.T) {
	t.Parallel()

	parent, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	parentDL, ok := parent.Deadline()
	require.True(t, ok)

	var childDL time.Time
	_, err := WithTimeout(time.Second)(parent, newReq(t, http.MethodGet, "/"),
		func(ctx context.Context, req *http.Request) (*http.Response, error) {
			var ok bool
			childDL, ok = ctx.Deadline()
			require.True(t, ok)
			return &http.Response{StatusCode: http.StatusOK}, nil
		},
	)
	require.NoError(t, err)
	require.WithinDuration(t, parentDL, childDL, time.Millisecond)
}

func TestWithTimeout_ZeroDuration_PassThrough(t *testing.T) {
	t.Parallel()

	var hasDL bool
	_, err := WithTimeout(0)(context.Background(), newReq(t, http.MethodGet, "/"),
		func(ctx context.Context, req *http.Request) (*http.Response, error) {
			_, hasDL = ctx.Deadline()
			return &http.Response{StatusCode: http.StatusOK}, nil
		},
	)
	require.NoError(t, err)
	require.False(t, hasDL, "no deadline expected when d <= 0")
}

func TestLogging_LogsAndPutsLoggerIntoContext(t *testing.T) {
	t.Parallel()

	h := &capHandler{}

	req := newReq(t, http.MethodGet, "/sweets/")
	req.Header.Set(HeaderRequestID, "rid-1")
	req.Header.Set("Authorization", "Bearer secret-token")

	ctx := WithAttempt(context.Background(), 2)
	_, err := WithLogging(slog.New(h))(ctx, req, func(ctx context.Context, req *http.Request) (*http.Response, error) {
		log.From(ctx).Info("probe", slog.String("ok", "1"))
		return &http.Response{StatusCode: http.StatusOK}, nil
	})
	require.NoError(t, err)

	require.Equal(t, 1, h.count["probe"])
	require.Equal(t, "http", h.lastMsg)
	require.Equal(t, slog.LevelInfo, h.lastLvl)
	require.Equal(t, "rid-1", h.attrs["request_id"])
	require.Equal(t, "/sweets/", h.attrs["path"])
	require.EqualValues(t, 200, h.attrs["status"])
	require.EqualValues(t, 2, h.attrs["attempt"])

	if d, ok := h.attrs["dur"].(time.Duration); !ok || d < 0 {
		t.Fatalf("dur attr not found or wrong type: %#v", h.attrs["dur"])
	}

	for k, v := range h.attrs {
		if s, ok := v.(string); ok {
			require.NotContains(t, s, "secret-token", "attr %s leaks token", k)
		}
	}
}

func TestLogging_TransportErrorIsWarn(t *testing.T) {
	t.Parallel()

	h := &capHandler{}
	_, err := WithLogging(slog.New(h))(context.Background(), newReq(t, http.MethodPost, "/auth/login/"),
		func(ctx context.Context, req *http.Request) (*http.Response, error) {
			return nil, errors.New("connection refused")
		},
	)
	require.Error(t, err)

	require.Equal(t, "http", h.lastMsg)
	require.Equal(t, slog.LevelWarn, h.lastLvl)
	require.Equal(t, "connection refused", h.attrs["err"])
	require.EqualValues(t, 1, h.attrs["attempt"])
}

func TestMetrics_CountsAttempts(t *testing.T) {
	t.Parallel()

	m := metrics.New(prometheus.NewRegistry())

	inv := Chain(respond(http.StatusOK), WithMetrics(m))
	_, _ = inv(context.Background(), newReq(t, http.MethodGet, "/"))
	_, _ = inv(context.Background(), newReq(t, http.MethodGet, "/"))

	inv = Chain(respond(http.StatusUnauthorized), WithMetrics(m))
	_, _ = inv(context.Background(), newReq(t, http.MethodGet, "/"))

	inv = Chain(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		return nil, context.DeadlineExceeded
	}, WithMetrics(m))
	_, _ = inv(context.Background(), newReq(t, http.MethodPost, "/"))

	require.Equal(t, 2.0, testutil.ToFloat64(m.Requests(http.MethodGet, "2xx")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Requests(http.MethodGet, "4xx")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.Requests(http.MethodPost, "error")))
}
