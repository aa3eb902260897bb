// Package gate はセッション状態から表示する画面を決める。
package gate

import (
	"github.com/hitoshi/chatshare/internal/model"
	"github.com/hitoshi/chatshare/internal/session"
)

// Screen は最上位の画面スタック。
type Screen string

const (
	Splash     Screen = "splash"
	LoginStack Screen = "login"
	MainStack  Screen = "main"
)

// ErrLoginRequired は認証必須の操作を未ログインで実行した場合のエラー。
var ErrLoginRequired = model.ErrLoginRequired

// Route はセッション状態に対応する画面を返す。状態は変更しない。
func Route(s session.State) Screen {
	switch {
	case s.IsLoading:
		return Splash
	case s.IsAuthenticated:
		return MainStack
	default:
		return LoginStack
	}
}

// RequireAuth は認証済みでなければactionを含むLoginRequiredエラーを返す。
// ゲートを経由せずに到達できる操作からも呼ぶ。
func RequireAuth(s session.State, action string) error {
	if s.IsLoading || !s.IsAuthenticated || s.User == nil {
		return model.NewLoginRequiredError(action)
	}
	return nil
}
