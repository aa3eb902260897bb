// Package api はChatShareバックエンドREST APIのクライアントを提供する。
// すべてのレスポンスは明示的なエンベロープ型に変換してから検証し、
// 想定外の形式はMalformedResponseとして扱う。
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
	"golang.org/x/time/rate"

	"github.com/hitoshi/chatshare/internal/model"
)

const (
	defaultTimeout = 10 * time.Second
	// maxResponseSize はレスポンスボディの最大読み込みサイズ。
	maxResponseSize = 4 << 20
	userAgent       = "ChatShare-CLI/1.0"
)

// TokenSource は認証トークンの取得元。tokenstore.Storeが実装する。
type TokenSource interface {
	Token(ctx context.Context) string
}

// RequestObserver はバックエンド呼び出しの結果を受け取る。metrics.Collectorが実装する。
type RequestObserver interface {
	ObserveRequest(endpoint string, statusCode int, duration time.Duration)
}

// Config はClientの設定。
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	RateLimit float64 // req/sec。0以下の場合は制限しない
	// MaxRetries はGETが一時的な障害で失敗したときの再試行回数。
	MaxRetries int
	Tokens    TokenSource
	Observer  RequestObserver
	Logger    *slog.Logger

	// HTTPClient はテスト用に差し替え可能なHTTPクライアント。
	HTTPClient *http.Client
}

// Client はバックエンドAPIのクライアント。
type Client struct {
	baseURL    string
	httpClient *http.Client
	noRedirect *http.Client
	limiter    *rate.Limiter
	maxRetries int
	tokens     TokenSource
	observer   RequestObserver
	logger     *slog.Logger
}

// NewClient はClientを生成する。
// バックエンドは認証Cookieも発行するため、publicsuffixベースのCookieJarを持たせる。
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, model.NewConfigurationError("API base URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("failed to create cookie jar: %w", err)
		}
		httpClient = &http.Client{Timeout: cfg.Timeout, Jar: jar}
	}

	// リダイレクトを追わないクライアント（/auth/google/redirect用）
	noRedirect := *httpClient
	noRedirect.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	limit := rate.Inf
	burst := 1
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
		burst = int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: httpClient,
		noRedirect: &noRedirect,
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: max(cfg.MaxRetries, 0),
		tokens:     cfg.Tokens,
		observer:   cfg.Observer,
		logger:     cfg.Logger,
	}, nil
}

// BaseURL はバックエンドのベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// authMode はリクエストへのトークン付与方針。
type authMode int

const (
	authNone     authMode = iota
	authOptional          // トークンがあれば付与する（お気に入り状態の取得など）
	authRequired          // トークンがなければLoginRequiredを返す
)

// request は1回のAPI呼び出しの内容。
type request struct {
	method string
	path   string
	body   any
	auth   authMode
	token  string // 明示的に指定するトークン。空の場合はTokenSourceを使う
	action string // LoginRequired時の文言
}

// response はデコード前のレスポンス。
type response struct {
	statusCode int
	header     http.Header
	body       []byte
}

// send はリクエストを送信し、ステータスとボディを返す。
// ネットワークエラー・タイムアウトはTransientNetworkFailureに分類する。
func (c *Client) send(ctx context.Context, hc *http.Client, r request) (*response, error) {
	token := r.token
	if token == "" && r.auth != authNone && c.tokens != nil {
		token = c.tokens.Token(ctx)
	}
	if token == "" && r.auth == authRequired {
		action := r.action
		if action == "" {
			action = "continue"
		}
		return nil, model.NewLoginRequiredError(action)
	}

	var body io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, classifyTransportError(r.path, err)
	}

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		c.observe(r.path, 0, time.Since(start))
		c.logger.Warn("backend request failed",
			slog.String("method", r.method),
			slog.String("path", r.path),
			slog.String("error", err.Error()),
		)
		return nil, classifyTransportError(r.path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	c.observe(r.path, resp.StatusCode, time.Since(start))
	if err != nil {
		return nil, classifyTransportError(r.path, err)
	}

	c.logger.Debug("backend request completed",
		slog.String("method", r.method),
		slog.String("path", r.path),
		slog.Int("http_status", resp.StatusCode),
	)

	return &response{statusCode: resp.StatusCode, header: resp.Header, body: data}, nil
}

// do はリクエストを送信し、エンベロープのdataをoutにデコードする。
// outがnilの場合はsuccessのみ検証する。
func (c *Client) do(ctx context.Context, r request, out any) error {
	return c.doWithRetry(ctx, r, out)
}

func (c *Client) doOnce(ctx context.Context, r request, out any) error {
	resp, err := c.send(ctx, c.httpClient, r)
	if err != nil {
		return err
	}
	data, err := decodeEnvelope(r.path, resp.statusCode, resp.body, out != nil)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return model.NewMalformedResponseError(r.path, err)
	}
	return nil
}

func (c *Client) observe(path string, status int, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveRequest(endpointLabel(path), status, d)
	}
}

// endpointLabel はメトリクスのラベル爆発を防ぐため、IDやクエリを除いたパスを返す。
func endpointLabel(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	parts := strings.Split(path, "/")
	for i, p := range parts {
		if i >= 2 && parts[i-1] == "chats" && p != "" && p != "my" && p != "search" {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

// classifyTransportError はHTTPレスポンスを得られなかったエラーを分類する。
func classifyTransportError(path string, err error) error {
	if errors.Is(err, context.Canceled) {
		return model.NewError(model.KindUserCancelled, "request cancelled", err)
	}
	return model.NewError(model.KindTransientNetwork, fmt.Sprintf("request to %s failed", path), err)
}
