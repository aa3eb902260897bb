package model

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind は認証・通信エラーの分類を表す。
type ErrorKind string

// 定義済みエラー分類
const (
	KindUserCancelled       ErrorKind = "USER_CANCELLED"
	KindOperationInProgress ErrorKind = "OPERATION_IN_PROGRESS"
	KindServiceUnavailable  ErrorKind = "SERVICE_UNAVAILABLE"
	KindTransientNetwork    ErrorKind = "TRANSIENT_NETWORK_FAILURE"
	KindBackendRejection    ErrorKind = "BACKEND_REJECTION"
	KindConfiguration       ErrorKind = "CONFIGURATION_ERROR"
	KindStorageRead         ErrorKind = "STORAGE_READ_FAILURE"
	KindMalformedResponse   ErrorKind = "MALFORMED_RESPONSE"
	KindUnauthorized        ErrorKind = "UNAUTHORIZED"
	KindLoginRequired       ErrorKind = "LOGIN_REQUIRED"
	KindValidation          ErrorKind = "VALIDATION_ERROR"
	KindOther               ErrorKind = "OTHER"
)

// AuthError は分類付きのエラーを表す。
// Messageはユーザーに表示可能な文言、Errは元のエラー。
type AuthError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap は元のエラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// Is は同じKindのAuthErrorと一致させる。
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// センチネル。errors.Is(err, model.ErrUserCancelled) のように使う。
var (
	ErrUserCancelled       = &AuthError{Kind: KindUserCancelled}
	ErrOperationInProgress = &AuthError{Kind: KindOperationInProgress}
	ErrServiceUnavailable  = &AuthError{Kind: KindServiceUnavailable}
	ErrTransientNetwork    = &AuthError{Kind: KindTransientNetwork}
	ErrBackendRejection    = &AuthError{Kind: KindBackendRejection}
	ErrConfiguration       = &AuthError{Kind: KindConfiguration}
	ErrStorageRead         = &AuthError{Kind: KindStorageRead}
	ErrMalformedResponse   = &AuthError{Kind: KindMalformedResponse}
	ErrUnauthorized        = &AuthError{Kind: KindUnauthorized}
	ErrLoginRequired       = &AuthError{Kind: KindLoginRequired}
	ErrValidation          = &AuthError{Kind: KindValidation}
)

// NewError は分類付きエラーを生成する。
func NewError(kind ErrorKind, message string, err error) *AuthError {
	return &AuthError{Kind: kind, Message: message, Err: err}
}

// NewUserCancelledError はユーザーによるキャンセルを表すエラーを生成する。
func NewUserCancelledError() *AuthError {
	return NewError(KindUserCancelled, "Sign in cancelled", nil)
}

// NewOperationInProgressError は処理の重複実行エラーを生成する。
func NewOperationInProgressError(op string) *AuthError {
	return NewError(KindOperationInProgress, fmt.Sprintf("%s already in progress", op), nil)
}

// NewConfigurationError は設定不備エラーを生成する。
func NewConfigurationError(missing string) *AuthError {
	return NewError(KindConfiguration, fmt.Sprintf("%s is not configured", missing), nil)
}

// NewMalformedResponseError はバックエンドレスポンスのスキーマ不一致エラーを生成する。
func NewMalformedResponseError(endpoint string, err error) *AuthError {
	return NewError(KindMalformedResponse, fmt.Sprintf("unexpected response from %s", endpoint), err)
}

// NewBackendRejectionError はバックエンドが拒否したことを表すエラーを生成する。
// messageにはバックエンドから返された文言を渡す。
func NewBackendRejectionError(message string) *AuthError {
	if message == "" {
		message = "request was rejected by the server"
	}
	return NewError(KindBackendRejection, message, nil)
}

// NewLoginRequiredError は未ログイン時に認証必須操作を行った場合のエラーを生成する。
func NewLoginRequiredError(action string) *AuthError {
	return NewError(KindLoginRequired, fmt.Sprintf("please log in to %s", action), nil)
}

// NewValidationError は入力値の検証エラーを生成する。messageはそのまま表示する。
func NewValidationError(message string) *AuthError {
	return NewError(KindValidation, message, nil)
}

// KindOf はエラーの分類を返す。AuthErrorでない場合は内容から推定する。
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindUserCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransientNetwork
	}
	return KindOther
}

// IsSilent はユーザーに表示すべきでないエラーかを判定する。
func IsSilent(err error) bool {
	return KindOf(err) == KindUserCancelled
}

// UserMessage はダイアログに表示する人間向けの文言を返す。
// スタックトレースや内部エラーは含めない。
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var ae *AuthError
	if errors.As(err, &ae) && ae.Message != "" {
		switch ae.Kind {
		case KindTransientNetwork:
			return "Could not reach the server. Please check your connection and try again."
		case KindMalformedResponse:
			return "The server returned an unexpected response. Please try again later."
		case KindStorageRead:
			return "Could not read saved login. Please sign in again."
		}
		return ae.Message
	}
	switch KindOf(err) {
	case KindTransientNetwork:
		return "Could not reach the server. Please check your connection and try again."
	case KindUserCancelled:
		return "Sign in cancelled"
	}
	return "An error occurred during sign in. Please try again."
}
