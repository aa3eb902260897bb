package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/hitoshi/chatshare/internal/model"
)

// StatusClass はHTTPステータスコードの分類。
type StatusClass int

const (
	// StatusOK は成功（2xx）。
	StatusOK StatusClass = iota
	// StatusUnauthorized はトークンが無効・期限切れ（401/403）。
	StatusUnauthorized
	// StatusRejected はバックエンドがリクエストを拒否した（その他の4xx）。
	StatusRejected
	// StatusTransient は一時的な障害（429/5xx）。
	StatusTransient
	// StatusUnknown は未知のステータスコード。
	StatusUnknown
)

// ClassifyHTTPStatus はHTTPステータスコードを分類する。
func ClassifyHTTPStatus(statusCode int) StatusClass {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusOK
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return StatusUnauthorized
	case statusCode == http.StatusTooManyRequests:
		return StatusTransient
	case statusCode >= 500:
		return StatusTransient
	case statusCode >= 400:
		return StatusRejected
	default:
		return StatusUnknown
	}
}

// envelope はバックエンドの共通レスポンス形式。
// successはポインタで受け、欠落をMalformedResponseとして検出する。
type envelope struct {
	Success *bool           `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

// reason はユーザーに表示するバックエンドの文言を返す。
func (e *envelope) reason() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Error
}

func (e *envelope) hasData() bool {
	d := bytes.TrimSpace(e.Data)
	return len(d) > 0 && !bytes.Equal(d, []byte("null"))
}

// decodeEnvelope はステータスとボディを検証し、dataを返す。
// needDataがtrueの場合、dataの欠落はMalformedResponseになる。
func decodeEnvelope(path string, statusCode int, body []byte, needData bool) (json.RawMessage, error) {
	var env envelope
	parseErr := json.Unmarshal(body, &env)

	switch ClassifyHTTPStatus(statusCode) {
	case StatusOK:
	case StatusUnauthorized:
		msg := "session expired, please log in again"
		if parseErr == nil && env.reason() != "" {
			msg = env.reason()
		}
		return nil, model.NewError(model.KindUnauthorized, msg,
			fmt.Errorf("%s returned status %d", path, statusCode))
	case StatusTransient:
		return nil, model.NewError(model.KindTransientNetwork, "server is temporarily unavailable",
			fmt.Errorf("%s returned status %d", path, statusCode))
	case StatusRejected:
		if parseErr == nil {
			return nil, model.NewBackendRejectionError(env.reason())
		}
		return nil, model.NewBackendRejectionError("")
	default:
		return nil, model.NewMalformedResponseError(path,
			fmt.Errorf("unexpected status %d", statusCode))
	}

	if parseErr != nil {
		return nil, model.NewMalformedResponseError(path, parseErr)
	}
	if env.Success == nil {
		return nil, model.NewMalformedResponseError(path, fmt.Errorf("success field is missing"))
	}
	if !*env.Success {
		return nil, model.NewBackendRejectionError(env.reason())
	}
	if needData && !env.hasData() {
		return nil, model.NewMalformedResponseError(path, fmt.Errorf("data field is missing"))
	}
	return env.Data, nil
}

// Pagination はページング情報。
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// ChatPage はチャット一覧の1ページ分。
type ChatPage struct {
	Chats      []model.Chat `json:"chats"`
	Pagination *Pagination  `json:"pagination,omitempty"`
}

// decodeChatPage はチャット一覧のdataを解釈する。
// バックエンドはエンドポイントによって配列そのもの、または{chats, pagination}を返す。
func decodeChatPage(path string, data json.RawMessage) (*ChatPage, error) {
	d := bytes.TrimSpace(data)
	if len(d) > 0 && d[0] == '[' {
		var chats []model.Chat
		if err := json.Unmarshal(d, &chats); err != nil {
			return nil, model.NewMalformedResponseError(path, err)
		}
		return &ChatPage{Chats: chats}, nil
	}

	var page struct {
		Chats      *[]model.Chat `json:"chats"`
		Pagination *Pagination   `json:"pagination"`
	}
	if err := json.Unmarshal(d, &page); err != nil {
		return nil, model.NewMalformedResponseError(path, err)
	}
	if page.Chats == nil {
		return nil, model.NewMalformedResponseError(path, fmt.Errorf("chats field is missing"))
	}
	return &ChatPage{Chats: *page.Chats, Pagination: page.Pagination}, nil
}
