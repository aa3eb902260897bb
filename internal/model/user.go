// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"time"
)

// Provider はユーザーの認証プロバイダーを表す。
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderLine   Provider = "line"
	ProviderDummy  Provider = "dummy"
)

// User はサービス利用ユーザーを表す。
// バックエンドから取得した値をそのまま保持し、明示的なリフレッシュ以外では変更しない。
type User struct {
	ID            string     `json:"id"`
	Email         string     `json:"email"`
	Name          string     `json:"name"`
	Avatar        string     `json:"avatar"`
	Provider      Provider   `json:"provider"`
	Role          string     `json:"role"`
	Status        string     `json:"status"`
	EmailVerified bool       `json:"email_verified"`
	LastLoginAt   *time.Time `json:"last_login_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Validate はバックエンド境界でユーザーレコードの必須項目を検証する。
func (u *User) Validate() error {
	if u == nil {
		return fmt.Errorf("user is missing")
	}
	if u.ID == "" {
		return fmt.Errorf("user id is empty")
	}
	switch u.Provider {
	case ProviderGoogle, ProviderLine, ProviderDummy, "":
	default:
		return fmt.Errorf("unknown provider %q", u.Provider)
	}
	return nil
}

// Clone はUIに渡すための読み取り専用コピーを返す。
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		c.LastLoginAt = &t
	}
	return &c
}

// AuthResponse はトークン交換エンドポイントのレスポンスを表す。
type AuthResponse struct {
	Token string `json:"token"`
	User  *User  `json:"user"`
}

// Validate はトークンとユーザーの両方が揃っていることを検証する。
func (r *AuthResponse) Validate() error {
	if r == nil {
		return fmt.Errorf("auth response is missing")
	}
	if r.Token == "" {
		return fmt.Errorf("token is empty")
	}
	if err := r.User.Validate(); err != nil {
		return fmt.Errorf("invalid user: %w", err)
	}
	return nil
}

// CallbackParams はOAuthリダイレクトURLのクエリパラメータを表す。
type CallbackParams struct {
	Code             string `json:"code,omitempty"`
	State            string `json:"state,omitempty"`
	Error            string `json:"error,omitempty"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// IsEmpty はコードもエラーも含まない場合にtrueを返す。
func (p CallbackParams) IsEmpty() bool {
	return p.Code == "" && p.Error == ""
}
