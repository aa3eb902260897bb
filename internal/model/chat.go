package model

import "time"

// Category はチャットのカテゴリを表す。
type Category struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description,omitempty"`
	Icon        string    `json:"icon,omitempty"`
	SortOrder   int       `json:"sort_order"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ChatType は共有されたAIチャットの種類。
type ChatType string

const (
	ChatTypeChatGPT ChatType = "chatgpt"
	ChatTypeClaude  ChatType = "claude"
	ChatTypeCopilot ChatType = "copilot"
)

// ChatAuthor はチャットに埋め込まれた投稿者情報。
type ChatAuthor struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Avatar   string `json:"avatar,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// ChatCategory はチャットに埋め込まれたカテゴリ情報。
type ChatCategory struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// Chat は共有されたAIチャットへのリンクを表す。
type Chat struct {
	ID            string        `json:"id"`
	UserID        string        `json:"user_id"`
	CategoryID    string        `json:"category_id,omitempty"`
	Title         string        `json:"title"`
	Description   string        `json:"description,omitempty"`
	PublicLink    string        `json:"public_link"`
	ChatType      ChatType      `json:"chat_type,omitempty"`
	IsPublic      bool          `json:"is_public"`
	IsLinkValid   bool          `json:"is_link_valid"`
	IsFavorited   bool          `json:"is_favorited,omitempty"`
	Status        string        `json:"status"`
	GoodCount     int           `json:"good_count,omitempty"`
	ViewCount     int           `json:"view_count,omitempty"`
	ShareCount    int           `json:"share_count,omitempty"`
	FavoriteCount int           `json:"favorite_count,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	User          *ChatAuthor   `json:"user,omitempty"`
	Category      *ChatCategory `json:"category,omitempty"`
}

// RegisterChatRequest はチャット登録リクエスト。
type RegisterChatRequest struct {
	PublicLink  string   `json:"public_link"`
	CategoryID  string   `json:"category_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	ChatType    ChatType `json:"chat_type,omitempty"`
}

// UpdateChatRequest はチャット編集リクエスト。空でない項目のみ送信する。
type UpdateChatRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	CategoryID  *string `json:"category_id,omitempty"`
	IsPublic    *bool   `json:"is_public,omitempty"`
}
