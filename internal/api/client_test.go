package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/chatshare/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// staticTokens は固定トークンを返すTokenSource。
type staticTokens string

func (s staticTokens) Token(context.Context) string { return string(s) }

// recordingObserver はObserveRequestの呼び出しを記録する。
type recordingObserver struct {
	mu        sync.Mutex
	endpoints []string
	statuses  []int
}

func (o *recordingObserver) ObserveRequest(endpoint string, status int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.endpoints = append(o.endpoints, endpoint)
	o.statuses = append(o.statuses, status)
}

var (
	_ TokenSource     = staticTokens("")
	_ RequestObserver = (*recordingObserver)(nil)
)

func newTestClient(t *testing.T, handler http.HandlerFunc, tokens TokenSource) (*Client, *recordingObserver) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	obs := &recordingObserver{}
	var buf bytes.Buffer
	c, err := NewClient(Config{
		BaseURL:  server.URL + "/api/v1",
		Tokens:   tokens,
		Observer: obs,
		Logger:   newTestLogger(&buf),
	})
	if err != nil {
		t.Fatalf("NewClient がエラーを返した: %v", err)
	}
	return c, obs
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

const validUserJSON = `{"id":"u1","email":"u1@example.com","name":"User One","provider":"line","role":"user","status":"active","email_verified":true,"created_at":"2025-01-01T00:00:00Z","updated_at":"2025-01-01T00:00:00Z"}`

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	if !errors.Is(err, model.ErrConfiguration) {
		t.Errorf("エラー = %v, want ConfigurationError", err)
	}
}

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		status int
		want   StatusClass
	}{
		{200, StatusOK},
		{201, StatusOK},
		{401, StatusUnauthorized},
		{403, StatusUnauthorized},
		{400, StatusRejected},
		{404, StatusRejected},
		{409, StatusRejected},
		{429, StatusTransient},
		{500, StatusTransient},
		{503, StatusTransient},
		{302, StatusUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyHTTPStatus(tt.status); got != tt.want {
			t.Errorf("ClassifyHTTPStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestClient_LineCallback_Success(t *testing.T) {
	c, obs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/auth/line/callback" {
			t.Errorf("リクエスト = %s %s", r.Method, r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"code":"ABC","state":"S1"}` {
			t.Errorf("ボディ = %s", body)
		}
		writeJSON(w, http.StatusOK, `{"success":true,"data":{"token":"tok","user":`+validUserJSON+`}}`)
	}, nil)

	resp, err := c.LineCallback(context.Background(), "ABC", "S1")
	if err != nil {
		t.Fatalf("LineCallback がエラーを返した: %v", err)
	}
	if resp.Token != "tok" || resp.User.ID != "u1" {
		t.Errorf("レスポンス = %+v", resp)
	}
	if len(obs.endpoints) != 1 || obs.endpoints[0] != "/auth/line/callback" || obs.statuses[0] != 200 {
		t.Errorf("観測結果 = %v %v", obs.endpoints, obs.statuses)
	}
}

func TestClient_Exchange_MalformedResponses(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `<html>oops</html>`},
		{"success missing", `{"data":{"token":"tok","user":` + validUserJSON + `}}`},
		{"data missing", `{"success":true}`},
		{"token empty", `{"success":true,"data":{"token":"","user":` + validUserJSON + `}}`},
		{"user missing", `{"success":true,"data":{"token":"tok"}}`},
		{"user without id", `{"success":true,"data":{"token":"tok","user":{"email":"x@example.com"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, http.StatusOK, tt.body)
			}, nil)

			_, err := c.GoogleCallback(context.Background(), "code", "state")
			if !errors.Is(err, model.ErrMalformedResponse) {
				t.Errorf("エラー = %v, want MalformedResponse", err)
			}
		})
	}
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    error
		message string
	}{
		{"unauthorized", 401, `{"success":false,"error":"invalid token"}`, model.ErrUnauthorized, "invalid token"},
		{"bad request with message", 400, `{"success":false,"message":"invalid code"}`, model.ErrBackendRejection, "invalid code"},
		{"bad request html", 400, `bad`, model.ErrBackendRejection, "request was rejected by the server"},
		{"success false", 200, `{"success":false,"message":"state mismatch"}`, model.ErrBackendRejection, "state mismatch"},
		{"server error", 502, `gateway`, model.ErrTransientNetwork, ""},
		{"rate limited", 429, `{}`, model.ErrTransientNetwork, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			}, nil)

			_, err := c.LineCallback(context.Background(), "code", "state")
			if !errors.Is(err, tt.want) {
				t.Fatalf("エラー = %v, want %v", err, tt.want)
			}
			if tt.message != "" {
				var ae *model.AuthError
				if !errors.As(err, &ae) || ae.Message != tt.message {
					t.Errorf("メッセージ = %v, want %q", err, tt.message)
				}
			}
		})
	}
}

func TestClient_NetworkFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	baseURL := server.URL
	server.Close()

	c, err := NewClient(Config{BaseURL: baseURL, Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewClient がエラーを返した: %v", err)
	}
	_, err = c.LineAuthURL(context.Background())
	if model.KindOf(err) != model.KindTransientNetwork {
		t.Errorf("分類 = %s, want %s", model.KindOf(err), model.KindTransientNetwork)
	}
}

func TestClient_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, nil)
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.LineAuthURL(ctx)
	if model.KindOf(err) != model.KindTransientNetwork {
		t.Errorf("分類 = %s (%v), want %s", model.KindOf(err), err, model.KindTransientNetwork)
	}
}

func TestClient_GoogleRedirect_JSONAndRedirectShapes(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"success":true,"data":{"state":"S1"}}`)
		}, nil)
		got, err := c.GoogleRedirect(context.Background())
		if err != nil {
			t.Fatalf("GoogleRedirect がエラーを返した: %v", err)
		}
		if got.State != "S1" {
			t.Errorf("state = %q, want S1", got.State)
		}
	})

	t.Run("redirect", func(t *testing.T) {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "https://accounts.google.com/o/oauth2/auth?client_id=x&state=S2", http.StatusFound)
		}, nil)
		got, err := c.GoogleRedirect(context.Background())
		if err != nil {
			t.Fatalf("GoogleRedirect がエラーを返した: %v", err)
		}
		if got.State != "S2" {
			t.Errorf("state = %q, want S2", got.State)
		}
	})

	t.Run("missing state", func(t *testing.T) {
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"success":true,"data":{"url":"https://example.com"}}`)
		}, nil)
		_, err := c.GoogleRedirect(context.Background())
		if !errors.Is(err, model.ErrMalformedResponse) {
			t.Errorf("エラー = %v, want MalformedResponse", err)
		}
	})
}

func TestClient_Me_SendsBearerAndAcceptsBothShapes(t *testing.T) {
	for name, data := range map[string]string{
		"plain":   validUserJSON,
		"wrapped": `{"user":` + validUserJSON + `}`,
	} {
		t.Run(name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if got := r.Header.Get("Authorization"); got != "Bearer tok" {
					t.Errorf("Authorization = %q, want Bearer tok", got)
				}
				writeJSON(w, http.StatusOK, `{"success":true,"data":`+data+`}`)
			}, nil)

			user, err := c.Me(context.Background(), "tok")
			if err != nil {
				t.Fatalf("Me がエラーを返した: %v", err)
			}
			if user.ID != "u1" {
				t.Errorf("user.ID = %q, want u1", user.ID)
			}
		})
	}
}

func TestClient_AuthRequiredWithoutToken(t *testing.T) {
	called := false
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		called = true
	}, staticTokens(""))

	_, err := c.MyChats(context.Background(), 1, 10)
	if !errors.Is(err, model.ErrLoginRequired) {
		t.Errorf("エラー = %v, want LoginRequired", err)
	}
	if called {
		t.Error("トークンがない場合はリクエストを送信してはならない")
	}
}

func TestClient_PublicChats_OptionalTokenAndArrayShape(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page_size") != "5" || r.URL.Query().Get("page") != "2" {
			t.Errorf("クエリ = %s", r.URL.RawQuery)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer stored" {
			t.Errorf("Authorization = %q", got)
		}
		writeJSON(w, http.StatusOK, `{"success":true,"data":[{"id":"c1","title":"one","public_link":"https://chatgpt.com/share/1"}]}`)
	}, staticTokens("stored"))

	page, err := c.PublicChats(context.Background(), 2, 5)
	if err != nil {
		t.Fatalf("PublicChats がエラーを返した: %v", err)
	}
	if len(page.Chats) != 1 || page.Chats[0].ID != "c1" {
		t.Errorf("チャット = %+v", page.Chats)
	}
}

func TestClient_MyChats_ObjectShapeWithPagination(t *testing.T) {
	c, obs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/chats/my" || r.URL.Query().Get("limit") != "10" {
			t.Errorf("リクエスト = %s?%s", r.URL.Path, r.URL.RawQuery)
		}
		writeJSON(w, http.StatusOK, `{"success":true,"data":{"chats":[{"id":"c1"},{"id":"c2"}],"pagination":{"page":1,"page_size":10,"total":2,"total_pages":1}}}`)
	}, staticTokens("tok"))

	page, err := c.MyChats(context.Background(), 1, 10)
	if err != nil {
		t.Fatalf("MyChats がエラーを返した: %v", err)
	}
	if len(page.Chats) != 2 || page.Pagination == nil || page.Pagination.Total != 2 {
		t.Errorf("ページ = %+v", page)
	}
	if obs.endpoints[0] != "/chats/my" {
		t.Errorf("エンドポイントラベル = %q, want /chats/my", obs.endpoints[0])
	}
}

func TestClient_ChatByID_WrappedShape(t *testing.T) {
	c, obs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, `{"success":true,"data":{"chat":{"id":"c9","title":"nine"}}}`)
	}, nil)

	chat, err := c.ChatByID(context.Background(), "c9")
	if err != nil {
		t.Fatalf("ChatByID がエラーを返した: %v", err)
	}
	if chat.ID != "c9" || chat.Title != "nine" {
		t.Errorf("チャット = %+v", chat)
	}
	if obs.endpoints[0] != "/chats/{id}" {
		t.Errorf("エンドポイントラベル = %q, want /chats/{id}", obs.endpoints[0])
	}
}

func TestClient_Favorite_UsesMethodAndPath(t *testing.T) {
	var gotMethod, gotPath string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		writeJSON(w, http.StatusOK, `{"success":true}`)
	}, staticTokens("tok"))

	if err := c.RemoveFavorite(context.Background(), "c1"); err != nil {
		t.Fatalf("RemoveFavorite がエラーを返した: %v", err)
	}
	if gotMethod != http.MethodDelete || gotPath != "/api/v1/chats/c1/favorite" {
		t.Errorf("リクエスト = %s %s", gotMethod, gotPath)
	}
}

func TestClient_Diagnostics(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/categories":
			writeJSON(w, http.StatusOK, `{"success":true,"data":[]}`)
		default:
			writeJSON(w, http.StatusUnauthorized, `{"success":false,"error":"expired"}`)
		}
	}, staticTokens("tok"))

	conn := c.TestConnectivity(context.Background())
	if !conn.OK || conn.StatusCode != 200 {
		t.Errorf("接続診断 = %+v", conn)
	}

	authRes := c.TestAuthenticatedEndpoint(context.Background())
	if authRes.OK || !authRes.HasToken || authRes.StatusCode != 401 || authRes.Error != "expired" {
		t.Errorf("認証診断 = %+v", authRes)
	}
}

func TestEndpointLabel(t *testing.T) {
	tests := map[string]string{
		"/chats?page=1&page_size=20": "/chats",
		"/chats/abc/favorite":        "/chats/{id}/favorite",
		"/chats/search?q=x":          "/chats/search",
		"/auth/me":                   "/auth/me",
	}
	for in, want := range tests {
		if got := endpointLabel(in); got != want {
			t.Errorf("endpointLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
