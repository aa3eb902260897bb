package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/hitoshi/chatshare/internal/model"
)

const (
	pathGoogleRedirect = "/auth/google/redirect"
	pathGoogleCallback = "/auth/google/callback"
	pathLineURL        = "/auth/line/url"
	pathLineCallback   = "/auth/line/callback"
	pathMe             = "/auth/me"
	pathLogout         = "/auth/logout"
)

// AuthURL はプロバイダーの認可URLとCSRF stateの組。
type AuthURL struct {
	URL   string `json:"url"`
	State string `json:"state"`
}

// codeExchange はコード交換リクエストのボディ。
type codeExchange struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// GoogleRedirect はGoogleログイン用のstateをバックエンドから取得する。
// バックエンドがGoogleへの302を返す場合は、Locationのクエリからstateを取り出す。
func (c *Client) GoogleRedirect(ctx context.Context) (*AuthURL, error) {
	resp, err := c.send(ctx, c.noRedirect, request{method: http.MethodGet, path: pathGoogleRedirect})
	if err != nil {
		return nil, err
	}

	if resp.statusCode >= 300 && resp.statusCode < 400 {
		loc, err := url.Parse(resp.header.Get("Location"))
		if err != nil || loc.String() == "" {
			return nil, model.NewMalformedResponseError(pathGoogleRedirect, fmt.Errorf("redirect without location"))
		}
		state := loc.Query().Get("state")
		if state == "" {
			return nil, model.NewMalformedResponseError(pathGoogleRedirect, fmt.Errorf("redirect location has no state"))
		}
		return &AuthURL{URL: loc.String(), State: state}, nil
	}

	data, err := decodeEnvelope(pathGoogleRedirect, resp.statusCode, resp.body, true)
	if err != nil {
		return nil, err
	}
	var out AuthURL
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, model.NewMalformedResponseError(pathGoogleRedirect, err)
	}
	if out.State == "" {
		return nil, model.NewMalformedResponseError(pathGoogleRedirect, fmt.Errorf("state is empty"))
	}
	return &out, nil
}

// GoogleCallback はGoogleのサーバー認可コードとstateをトークンに交換する。
func (c *Client) GoogleCallback(ctx context.Context, code, state string) (*model.AuthResponse, error) {
	return c.exchange(ctx, pathGoogleCallback, code, state)
}

// LineAuthURL はLINEの認可URLとstateを取得する。
func (c *Client) LineAuthURL(ctx context.Context) (*AuthURL, error) {
	var out AuthURL
	if err := c.do(ctx, request{method: http.MethodGet, path: pathLineURL}, &out); err != nil {
		return nil, err
	}
	if out.URL == "" || out.State == "" {
		return nil, model.NewMalformedResponseError(pathLineURL, fmt.Errorf("url or state is empty"))
	}
	return &out, nil
}

// LineCallback はLINEの認可コードとstateをトークンに交換する。
func (c *Client) LineCallback(ctx context.Context, code, state string) (*model.AuthResponse, error) {
	return c.exchange(ctx, pathLineCallback, code, state)
}

func (c *Client) exchange(ctx context.Context, path, code, state string) (*model.AuthResponse, error) {
	var out model.AuthResponse
	r := request{
		method: http.MethodPost,
		path:   path,
		body:   codeExchange{Code: code, State: state},
	}
	if err := c.do(ctx, r, &out); err != nil {
		return nil, err
	}
	if err := out.Validate(); err != nil {
		return nil, model.NewMalformedResponseError(path, err)
	}
	return &out, nil
}

// Me はトークンに紐づくユーザーを取得する。
// dataがユーザーそのもの、または{user: ...}のどちらでも受け付ける。
func (c *Client) Me(ctx context.Context, token string) (*model.User, error) {
	var raw json.RawMessage
	r := request{method: http.MethodGet, path: pathMe, auth: authRequired, token: token, action: "load your profile"}
	if err := c.do(ctx, r, &raw); err != nil {
		return nil, err
	}

	var wrapped struct {
		User *model.User `json:"user"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.User != nil {
		if err := wrapped.User.Validate(); err != nil {
			return nil, model.NewMalformedResponseError(pathMe, err)
		}
		return wrapped.User, nil
	}

	var user model.User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, model.NewMalformedResponseError(pathMe, err)
	}
	if err := user.Validate(); err != nil {
		return nil, model.NewMalformedResponseError(pathMe, err)
	}
	return &user, nil
}

// Logout はバックエンドにログアウトを通知する。
func (c *Client) Logout(ctx context.Context, token string) error {
	r := request{method: http.MethodPost, path: pathLogout, auth: authRequired, token: token, action: "log out"}
	return c.do(ctx, r, nil)
}
