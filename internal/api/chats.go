package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/hitoshi/chatshare/internal/model"
)

const defaultPageSize = 20

// Categories はカテゴリ一覧を取得する。
func (c *Client) Categories(ctx context.Context) ([]model.Category, error) {
	var out []model.Category
	if err := c.do(ctx, request{method: http.MethodGet, path: "/categories"}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PublicChats は公開チャットのタイムラインを取得する。
// ログイン中はお気に入り状態を得るためトークンを付与する。
func (c *Client) PublicChats(ctx context.Context, page, pageSize int) (*ChatPage, error) {
	q := pageQuery(page, pageSize, "page_size")
	return c.chatPage(ctx, request{method: http.MethodGet, path: "/chats?" + q.Encode(), auth: authOptional})
}

// MyChats はログインユーザーが登録したチャット（履歴）を取得する。
func (c *Client) MyChats(ctx context.Context, page, pageSize int) (*ChatPage, error) {
	q := pageQuery(page, pageSize, "limit")
	return c.chatPage(ctx, request{
		method: http.MethodGet,
		path:   "/chats/my?" + q.Encode(),
		auth:   authRequired,
		action: "view your chats",
	})
}

// FavoriteChats はお気に入り登録したチャットを取得する。
func (c *Client) FavoriteChats(ctx context.Context, page, pageSize int) (*ChatPage, error) {
	q := pageQuery(page, pageSize, "page_size")
	q.Set("favorite", "true")
	return c.chatPage(ctx, request{
		method: http.MethodGet,
		path:   "/chats?" + q.Encode(),
		auth:   authRequired,
		action: "view favorites",
	})
}

// SearchChats はキーワードでチャットを検索する。
func (c *Client) SearchChats(ctx context.Context, query string, page, pageSize int) (*ChatPage, error) {
	if query == "" {
		return nil, fmt.Errorf("search query is required")
	}
	q := pageQuery(page, pageSize, "limit")
	q.Set("q", query)
	return c.chatPage(ctx, request{method: http.MethodGet, path: "/chats/search?" + q.Encode(), auth: authOptional})
}

// ChatByID はチャットを1件取得する。
func (c *Client) ChatByID(ctx context.Context, id string) (*model.Chat, error) {
	path := chatPath(id, "")
	var raw json.RawMessage
	if err := c.do(ctx, request{method: http.MethodGet, path: path, auth: authOptional}, &raw); err != nil {
		return nil, err
	}
	return decodeChat(path, raw)
}

// RegisterChat はチャットを登録する。
func (c *Client) RegisterChat(ctx context.Context, req model.RegisterChatRequest) (*model.Chat, error) {
	var raw json.RawMessage
	r := request{method: http.MethodPost, path: "/chats", body: req, auth: authRequired, action: "share a chat"}
	if err := c.do(ctx, r, &raw); err != nil {
		return nil, err
	}
	return decodeChat("/chats", raw)
}

// UpdateChat はチャットを編集する。
func (c *Client) UpdateChat(ctx context.Context, id string, req model.UpdateChatRequest) (*model.Chat, error) {
	path := chatPath(id, "")
	var raw json.RawMessage
	r := request{method: http.MethodPut, path: path, body: req, auth: authRequired, action: "edit a chat"}
	if err := c.do(ctx, r, &raw); err != nil {
		return nil, err
	}
	return decodeChat(path, raw)
}

// DeleteChat はチャットを削除する。
func (c *Client) DeleteChat(ctx context.Context, id string) error {
	return c.do(ctx, request{method: http.MethodDelete, path: chatPath(id, ""), auth: authRequired, action: "delete a chat"}, nil)
}

// AddFavorite はチャットをお気に入りに追加する。
func (c *Client) AddFavorite(ctx context.Context, id string) error {
	return c.do(ctx, request{method: http.MethodPost, path: chatPath(id, "favorite"), auth: authRequired, action: "add favorites"}, nil)
}

// RemoveFavorite はチャットをお気に入りから削除する。
func (c *Client) RemoveFavorite(ctx context.Context, id string) error {
	return c.do(ctx, request{method: http.MethodDelete, path: chatPath(id, "favorite"), auth: authRequired, action: "remove favorites"}, nil)
}

// LikeChat はチャットにいいねする。
func (c *Client) LikeChat(ctx context.Context, id string) error {
	return c.do(ctx, request{method: http.MethodPost, path: chatPath(id, "like"), auth: authRequired, action: "like a chat"}, nil)
}

// UnlikeChat はいいねを取り消す。
func (c *Client) UnlikeChat(ctx context.Context, id string) error {
	return c.do(ctx, request{method: http.MethodDelete, path: chatPath(id, "unlike"), auth: authRequired, action: "unlike a chat"}, nil)
}

func (c *Client) chatPage(ctx context.Context, r request) (*ChatPage, error) {
	var raw json.RawMessage
	if err := c.do(ctx, r, &raw); err != nil {
		return nil, err
	}
	return decodeChatPage(r.path, raw)
}

// decodeChat はdataがチャットそのもの、または{chat: ...}のどちらでも受け付ける。
func decodeChat(path string, raw json.RawMessage) (*model.Chat, error) {
	var wrapped struct {
		Chat *model.Chat `json:"chat"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Chat != nil {
		return validateChat(path, wrapped.Chat)
	}
	var chat model.Chat
	if err := json.Unmarshal(raw, &chat); err != nil {
		return nil, model.NewMalformedResponseError(path, err)
	}
	return validateChat(path, &chat)
}

func validateChat(path string, chat *model.Chat) (*model.Chat, error) {
	if chat.ID == "" {
		return nil, model.NewMalformedResponseError(path, fmt.Errorf("chat id is empty"))
	}
	return chat, nil
}

func chatPath(id, action string) string {
	p := "/chats/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

// pageQuery はページング用のクエリを組み立てる。
// バックエンドはエンドポイントによってpage_sizeとlimitを使い分けている。
func pageQuery(page, pageSize int, sizeKey string) url.Values {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set(sizeKey, strconv.Itoa(pageSize))
	return q
}
