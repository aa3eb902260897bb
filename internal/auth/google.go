// Package auth はGoogleとLINEのOAuthアダプタを提供する。
//
// アダプタはプロバイダーから認可コードを得てバックエンドでトークンに交換するまでを担い、
// 結果の永続化とセッション更新はsessionパッケージが行う。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/hitoshi/chatshare/internal/api"
	"github.com/hitoshi/chatshare/internal/callback"
	"github.com/hitoshi/chatshare/internal/model"
)

const (
	defaultGoogleAuthURL = "https://accounts.google.com/o/oauth2/auth"
	defaultSignInTimeout = 5 * time.Minute
)

// サインインSDKが返すエラー。GoogleProviderが分類付きエラーに変換する。
var (
	ErrSignInCancelled     = errors.New("sign in cancelled")
	ErrSignInInProgress    = errors.New("sign in already in progress")
	ErrServicesUnavailable = errors.New("sign in services not available")
)

// SignInResult はサインインSDKの結果。
// Stateはプロバイダーがコールバックで返したstateで、発行したstateと一致しなければならない。
type SignInResult struct {
	ServerAuthCode string
	State          string
}

// SignIner はプラットフォームのGoogleサインインSDKを抽象化する。
// stateはバックエンドが発行したCSRF state。
type SignIner interface {
	SignIn(ctx context.Context, state string) (*SignInResult, error)
}

// Waiters はコールバックの待ち受けを登録する。callback.Registryが実装する。
type Waiters interface {
	Register(state string) *callback.Waiter
}

// LoopbackConfig はLoopbackSignInerの設定。
type LoopbackConfig struct {
	ClientID    string
	RedirectURL string
	Timeout     time.Duration

	// テスト用にオーバーライド可能なURL
	AuthURL string
}

// LoopbackSignIner はブラウザでGoogleの同意画面を開き、
// ループバックのコールバックで認可コードを受け取るSignIner。
type LoopbackSignIner struct {
	config   LoopbackConfig
	waiters  Waiters
	browser  Browser
	inFlight atomic.Bool
}

// NewLoopbackSignIner はLoopbackSignInerを生成する。
func NewLoopbackSignIner(config LoopbackConfig, waiters Waiters, browser Browser) *LoopbackSignIner {
	if config.AuthURL == "" {
		config.AuthURL = defaultGoogleAuthURL
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultSignInTimeout
	}
	return &LoopbackSignIner{config: config, waiters: waiters, browser: browser}
}

// GetLoginURL はGoogle OAuthの認証URLを生成する。
// オフラインアクセスを要求し、サーバー側でリフレッシュトークンを得られるようにする。
func (s *LoopbackSignIner) GetLoginURL(state string) string {
	params := url.Values{
		"client_id":     {s.config.ClientID},
		"redirect_uri":  {s.config.RedirectURL},
		"response_type": {"code"},
		"scope":         {"openid email profile"},
		"state":         {state},
		"access_type":   {"offline"},
		"prompt":        {"consent"},
	}
	return s.config.AuthURL + "?" + params.Encode()
}

// SignIn はブラウザを開いてコールバックを待ち、サーバー認可コードを返す。
func (s *LoopbackSignIner) SignIn(ctx context.Context, state string) (*SignInResult, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return nil, ErrSignInInProgress
	}
	defer s.inFlight.Store(false)

	waiter := s.waiters.Register(state)
	defer waiter.Cancel()

	if err := s.browser.Open(ctx, s.GetLoginURL(state)); err != nil {
		return nil, fmt.Errorf("failed to open browser: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()

	p, err := waiter.Wait(waitCtx)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, ErrSignInCancelled
		}
		return nil, fmt.Errorf("timed out waiting for Google sign in: %w", err)
	}

	if callback.IsCancellation(p) {
		return nil, ErrSignInCancelled
	}
	if p.Error != "" {
		return nil, fmt.Errorf("google sign in failed: %s", callback.FailureReason(p))
	}
	return &SignInResult{ServerAuthCode: p.Code, State: p.State}, nil
}

// GoogleBackend はGoogleログインに使うバックエンドAPI。api.Clientが実装する。
type GoogleBackend interface {
	GoogleRedirect(ctx context.Context) (*api.AuthURL, error)
	GoogleCallback(ctx context.Context, code, state string) (*model.AuthResponse, error)
}

// StateStore はCSRF stateの一時保存先。tokenstore.Storeが実装する。
type StateStore interface {
	PutOAuthState(ctx context.Context, state string) error
	TakeOAuthState(ctx context.Context) (string, error)
	ClearOAuthState(ctx context.Context) error
}

// GoogleProvider はGoogleログインのアダプタ。
type GoogleProvider struct {
	clientID string
	backend  GoogleBackend
	states   StateStore
	signIner SignIner
	logger   *slog.Logger
}

// NewGoogleProvider はGoogleProviderを生成する。
// clientIDが空の場合、SignInはネットワークに触れずにConfigurationErrorを返す。
func NewGoogleProvider(clientID string, backend GoogleBackend, states StateStore, signIner SignIner, logger *slog.Logger) *GoogleProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &GoogleProvider{
		clientID: clientID,
		backend:  backend,
		states:   states,
		signIner: signIner,
		logger:   logger,
	}
}

// Configured はクライアントIDが設定されているかを返す。
func (p *GoogleProvider) Configured() bool {
	return p.clientID != ""
}

// SignIn はGoogleログインを行い、バックエンドが発行したトークンとユーザーを返す。
//
// 手順:
//  1. バックエンドからstateを取得して保存
//  2. SDKでサインインしてサーバー認可コードを取得
//  3. 保存したstateを取り出し、コールバックのstateと一致すればコードと一緒にバックエンドへ送信
//
// stateは成功・失敗にかかわらず最後に削除する。
// stateが一致しないコールバックは別ページから送り込まれたものとみなし、交換しない。
func (p *GoogleProvider) SignIn(ctx context.Context) (*model.AuthResponse, error) {
	if !p.Configured() {
		return nil, model.NewConfigurationError("GOOGLE_CLIENT_ID")
	}

	defer func() {
		if err := p.states.ClearOAuthState(context.WithoutCancel(ctx)); err != nil {
			p.logger.Warn("failed to clear oauth state", slog.String("error", err.Error()))
		}
	}()

	redirect, err := p.backend.GoogleRedirect(ctx)
	if err != nil {
		return nil, classifyGoogleError(err)
	}
	if err := p.states.PutOAuthState(ctx, redirect.State); err != nil {
		return nil, fmt.Errorf("failed to store oauth state: %w", err)
	}

	result, err := p.signIner.SignIn(ctx, redirect.State)
	if err != nil {
		return nil, classifyGoogleError(err)
	}
	if result == nil || result.ServerAuthCode == "" {
		return nil, model.NewError(model.KindOther, "Failed to get authorization code from Google", nil)
	}

	storedState, err := p.states.TakeOAuthState(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read oauth state: %w", err)
	}
	if storedState == "" {
		return nil, model.NewError(model.KindOther, "State token not found", nil)
	}
	if result.State != storedState {
		p.logger.Warn("google callback state mismatch",
			slog.Bool("callback_has_state", result.State != ""),
		)
		return nil, model.NewError(model.KindOther, "Login state did not match. Please try again.", nil)
	}

	resp, err := p.backend.GoogleCallback(ctx, result.ServerAuthCode, storedState)
	if err != nil {
		return nil, classifyGoogleError(err)
	}

	p.logger.Info("google sign in completed", slog.String("user_id", resp.User.ID))
	return resp, nil
}

// classifyGoogleError はSDKとバックエンドのエラーを分類付きエラーに変換する。
func classifyGoogleError(err error) error {
	var ae *model.AuthError
	switch {
	case errors.As(err, &ae):
		return err
	case errors.Is(err, ErrSignInCancelled), errors.Is(err, context.Canceled):
		return model.NewUserCancelledError()
	case errors.Is(err, ErrSignInInProgress):
		return model.NewOperationInProgressError("Sign in")
	case errors.Is(err, ErrServicesUnavailable):
		return model.NewError(model.KindServiceUnavailable, "Google sign in is not available", err)
	case errors.Is(err, context.DeadlineExceeded):
		return model.NewError(model.KindTransientNetwork, "Google sign in timed out", err)
	default:
		return model.NewError(model.KindOther, "Google sign in failed", err)
	}
}

// compile-time interface check
var _ SignIner = (*LoopbackSignIner)(nil)
