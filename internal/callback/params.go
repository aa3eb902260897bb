// Package callback はOAuthリダイレクトの受け渡しを提供する。
//
// コールバックURLの解析と、ログインフローの待ち受け（Waiter）への配送を行う。
// 待ち受けがいない場合は永続ストアの一時スロットに保存し、
// 次に起動したログインフローが読み出せるようにする。
package callback

import (
	"fmt"
	"net/url"

	"github.com/hitoshi/chatshare/internal/model"
)

// プロバイダーやWebViewがキャンセル時に返すエラー値
const (
	ErrorAccessDenied  = "access_denied"
	ErrorUserCancelled = "User cancelled"
)

// ParseURL はコールバックURLからcode, state, error, error_descriptionを取り出す。
// クエリに加えてフラグメント（#code=...）も参照する。
func ParseURL(raw string) (model.CallbackParams, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return model.CallbackParams{}, fmt.Errorf("failed to parse callback url: %w", err)
	}

	p := ParseQuery(u.Query())
	if p.IsEmpty() && u.Fragment != "" {
		if frag, err := url.ParseQuery(u.Fragment); err == nil {
			p = ParseQuery(frag)
		}
	}
	return p, nil
}

// ParseQuery はクエリパラメータからCallbackParamsを組み立てる。
func ParseQuery(q url.Values) model.CallbackParams {
	return model.CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

// IsCancellation はユーザーによるキャンセルを表すコールバックかを判定する。
func IsCancellation(p model.CallbackParams) bool {
	return p.Error == ErrorAccessDenied || p.Error == ErrorUserCancelled
}

// FailureReason はエラーコールバックの表示用理由を返す。
// error_descriptionがあればそれを、なければerrorコードを返す。
func FailureReason(p model.CallbackParams) string {
	if p.ErrorDescription != "" {
		return p.ErrorDescription
	}
	return p.Error
}
