package api

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/chatshare/internal/model"
)

// diagnosticsTimeout は接続診断1回あたりの上限時間。
const diagnosticsTimeout = 10 * time.Second

// DiagnosticResult は接続診断の結果。
type DiagnosticResult struct {
	Endpoint   string        `json:"endpoint"`
	OK         bool          `json:"ok"`
	HasToken   bool          `json:"has_token"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency"`
	Error      string        `json:"error,omitempty"`
}

// TestConnectivity は認証不要のエンドポイントに到達できるかを確認する。
func (c *Client) TestConnectivity(ctx context.Context) DiagnosticResult {
	return c.probe(ctx, request{method: http.MethodGet, path: "/categories"})
}

// TestAuthenticatedEndpoint は保存済みトークンで認証必須エンドポイントを呼べるかを確認する。
func (c *Client) TestAuthenticatedEndpoint(ctx context.Context) DiagnosticResult {
	r := request{method: http.MethodGet, path: "/chats/my?page=1&limit=1", auth: authRequired, action: "run diagnostics"}
	res := c.probe(ctx, r)
	res.HasToken = c.tokens != nil && c.tokens.Token(ctx) != ""
	return res
}

func (c *Client) probe(ctx context.Context, r request) DiagnosticResult {
	ctx, cancel := context.WithTimeout(ctx, diagnosticsTimeout)
	defer cancel()

	res := DiagnosticResult{Endpoint: c.baseURL + r.path}
	start := time.Now()
	resp, err := c.send(ctx, c.httpClient, r)
	res.Latency = time.Since(start)
	if err != nil {
		res.Error = model.UserMessage(err)
		return res
	}

	res.StatusCode = resp.statusCode
	if _, err := decodeEnvelope(r.path, resp.statusCode, resp.body, false); err != nil {
		res.Error = model.UserMessage(err)
		return res
	}
	res.OK = true
	return res
}
