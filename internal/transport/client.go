// transport — конвейер запросов к API магазина (Request Pipeline).
//
// Каждый исходящий запрос проходит цепочку интерсепторов (metadata ->
// timeout -> logging -> metrics), получает заголовок Authorization из
// актуального снимка хранилища и классифицируется по статусу:
//   - 2xx — успех;
//   - 401 на первичной попытке — обновление токена через координатор
//     и ровно один повтор;
//   - 401 на повторе — SessionExpired, сессия закрывается;
//   - прочие статусы — apierrors.FromResponse;
//   - транспортная ошибка или таймаут — Network, без обновления токена.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pribylovaa/sweet-shop-client/internal/apierrors"
	"github.com/pribylovaa/sweet-shop-client/internal/metrics"
	"github.com/pribylovaa/sweet-shop-client/internal/models"
	"github.com/pribylovaa/sweet-shop-client/internal/transport/interceptors"
)

// maxBodySize — предел тела ответа по умолчанию.
const maxBodySize = 8 << 20

var (
	// ErrUnauthorizedAfterRefresh — сервер отверг только что обновлённый токен.
	ErrUnauthorizedAfterRefresh = errors.New("unauthorized after credential refresh")

	// ErrResponseTooLarge — тело ответа больше MaxBodySize.
	ErrResponseTooLarge = errors.New("response too large")
)

// CredentialSource — снимок текущей пары токенов.
type CredentialSource interface {
	Get() (models.CredentialPair, bool)
}

// Refresher — координатор обновления токена. Эпоха запоминается до первой
// попытки: после logout или повторного входа повтор не выполняется.
type Refresher interface {
	Epoch() uint64
	Refresh(ctx context.Context, stale string, epoch uint64) (models.CredentialPair, error)
	Expire(ctx context.Context, epoch uint64, cause error) error
}

// Options — параметры клиента.
type Options struct {
	BaseURL   string
	UserAgent string
	// Timeout — таймаут одной попытки (если у контекста нет своего дедлайна).
	Timeout    time.Duration
	HTTPClient *http.Client
	// MaxBodySize — предел тела ответа в байтах (0 — 8 MiB).
	MaxBodySize int64
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

type Client struct {
	baseURL *url.URL
	creds   CredentialSource
	invoke  interceptors.Invoker
	metrics *metrics.Metrics
	log     *slog.Logger

	refresher Refresher
}

// New собирает клиент и цепочку интерсепторов.
func New(opts Options, creds CredentialSource) (*Client, error) {
	const op = "transport.New"

	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s: parse base url: %w", op, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("%s: base url %q must be absolute", op, opts.BaseURL)
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		baseURL: base,
		creds:   creds,
		metrics: opts.Metrics,
		log:     logger.With(slog.String("component", "transport")),
	}

	limit := opts.MaxBodySize
	if limit <= 0 {
		limit = maxBodySize
	}

	c.invoke = interceptors.Chain(
		roundTrip(hc, limit),
		interceptors.WithMetadata(opts.UserAgent),
		interceptors.WithTimeout(opts.Timeout),
		interceptors.WithLogging(logger),
		interceptors.WithMetrics(opts.Metrics),
	)

	return c, nil
}

// SetRefresher подключает координатор обновления. Без него 401 сразу
// возвращается как Unauthorized.
func (c *Client) SetRefresher(r Refresher) {
	c.refresher = r
}

// Send выполняет запрос с обработкой 401 (не более одного повтора).
// Ошибка всегда содержит *apierrors.Error.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	const op = "transport.Client.Send"

	body, err := req.encodeBody()
	if err != nil {
		return nil, apierrors.Wrap(apierrors.KindInternal, fmt.Errorf("%s: %w", op, err))
	}

	// Один request_id на первичную попытку и повтор.
	if rid, _ := ctx.Value(interceptors.CtxRequestID).(string); rid == "" {
		ctx = context.WithValue(ctx, interceptors.CtxRequestID, uuid.NewString())
	}

	// Эпоха читается раньше токена: смена сессии между ними видна координатору.
	var epoch uint64
	if c.refresher != nil {
		epoch = c.refresher.Epoch()
	}

	var token string
	if !req.NoAuth {
		if pair, ok := c.creds.Get(); ok {
			token = pair.AccessToken
		}
	}

	retried := false
	for attempt := 1; ; attempt++ {
		resp, err := c.attempt(interceptors.WithAttempt(ctx, attempt), req, body, token)
		if errors.Is(err, ErrResponseTooLarge) {
			return nil, apierrors.Wrap(apierrors.KindInternal, fmt.Errorf("%s: %s %s: %w", op, req.Method, req.Path, err))
		}
		if err != nil {
			return nil, apierrors.FromTransport(fmt.Errorf("%s: %w", op, err))
		}

		if resp.Status >= 200 && resp.Status < 300 {
			return resp, nil
		}

		// Без токена обновлять нечего: анонимный 401 — просто Unauthorized.
		if resp.Status != http.StatusUnauthorized || req.NoAuth || token == "" || c.refresher == nil {
			return nil, apierrors.FromResponse(resp.Status, resp.Header, resp.Body)
		}

		if retried {
			return nil, c.refresher.Expire(ctx, epoch, fmt.Errorf("%s: %s %s: %w", op, req.Method, req.Path, ErrUnauthorizedAfterRefresh))
		}

		pair, err := c.refresher.Refresh(ctx, token, epoch)
		if err != nil {
			return nil, err
		}

		token = pair.AccessToken
		retried = true
		c.metrics.IncRetry()
		c.log.Debug("auth_retry",
			slog.String("op", op),
			slog.String("method", req.Method),
			slog.String("path", req.Path),
		)
	}
}

// ExchangeRefresh обменивает refresh-токен на новый access
// (POST /auth/refresh/). Реализует refresh.Exchanger.
func (c *Client) ExchangeRefresh(ctx context.Context, refreshToken string) (string, string, error) {
	const op = "transport.Client.ExchangeRefresh"

	resp, err := c.Send(ctx, Request{
		Method: http.MethodPost,
		Path:   "auth/refresh",
		Body:   models.RefreshRequest{Refresh: refreshToken},
		NoAuth: true,
	})
	if err != nil {
		return "", "", err
	}

	var out models.RefreshResponse
	if err := resp.Decode(&out); err != nil {
		return "", "", fmt.Errorf("%s: %w", op, err)
	}

	return out.Access, out.Refresh, nil
}

// attempt выполняет одну попытку через цепочку интерсепторов.
func (c *Client) attempt(ctx context.Context, req Request, body []byte, token string) (*Response, error) {
	hreq, err := http.NewRequestWithContext(ctx, req.Method, c.resolve(req.Path, req.Query), bytesReader(body))
	if err != nil {
		return nil, err
	}

	if body != nil {
		hreq.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		hreq.Header.Set("Authorization", "Bearer "+token)
	}

	hresp, err := c.invoke(ctx, hreq)
	if err != nil {
		return nil, err
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(hresp.Body)
	if err != nil {
		return nil, err
	}

	return &Response{Status: hresp.StatusCode, Header: hresp.Header, Body: data}, nil
}

// resolve строит абсолютный URL: base + path + "/" (API требует завершающий слэш).
func (c *Client) resolve(path string, query url.Values) string {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Trim(path, "/") + "/"
	u.RawPath = ""
	u.RawQuery = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	return u.String()
}

// roundTrip — базовый Invoker: выполняет запрос и целиком читает тело,
// чтобы отмена контекста интерсептором таймаута после возврата была безопасна.
// Тело длиннее limit — ErrResponseTooLarge, а не усечённые данные.
func roundTrip(hc *http.Client, limit int64) interceptors.Invoker {
	return func(ctx context.Context, req *http.Request) (*http.Response, error) {
		resp, err := hc.Do(req.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if err != nil {
			return nil, err
		}
		if int64(len(data)) > limit {
			return nil, fmt.Errorf("%d bytes limit: %w", limit, ErrResponseTooLarge)
		}

		resp.Body = io.NopCloser(bytes.NewReader(data))
		return resp, nil
	}
}

func bytesReader(b []byte) io.Reader {
	if b == nil {
		return http.NoBody
	}

	return bytes.NewReader(b)
}

// Request — описание вызова API.
type Request struct {
	Method string
	// Path — путь относительно base URL, например "sweets/5" или "/auth/login/".
	Path  string
	Query url.Values
	// Body сериализуется в JSON; json.RawMessage и []byte передаются как есть.
	Body any
	// NoAuth — запрос без Authorization и без обработки 401
	// (вход, регистрация, обмен refresh-токена).
	NoAuth bool
}

func (r Request) encodeBody() ([]byte, error) {
	switch b := r.Body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	default:
		return json.Marshal(b)
	}
}

// Response — ответ API с прочитанным телом.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Decode разбирает JSON-тело ответа в v.
func (r *Response) Decode(v any) error {
	const op = "transport.Response.Decode"

	if len(bytes.TrimSpace(r.Body)) == 0 {
		return apierrors.Wrap(apierrors.KindInternal, fmt.Errorf("%s: empty body", op))
	}

	if err := json.Unmarshal(r.Body, v); err != nil {
		return apierrors.Wrap(apierrors.KindInternal, fmt.Errorf("%s: %w", op, err))
	}

	return nil
}
