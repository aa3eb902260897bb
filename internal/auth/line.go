package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/chatshare/internal/api"
	"github.com/hitoshi/chatshare/internal/callback"
	"github.com/hitoshi/chatshare/internal/model"
)

const (
	defaultCallbackTimeout = 5 * time.Minute
	defaultPollInterval    = 500 * time.Millisecond
)

// LineState はLINEログインフローの状態。
type LineState int

const (
	// LineIdle はフローが進行していない状態。
	LineIdle LineState = iota
	// LineAwaitingRedirect は認可URLとstateをバックエンドに要求している状態。
	LineAwaitingRedirect
	// LineAwaitingCallback はブラウザを開き、コールバックを待っている状態。
	LineAwaitingCallback
	// LineExchanging は認可コードをトークンに交換している状態。
	LineExchanging
)

func (s LineState) String() string {
	switch s {
	case LineIdle:
		return "idle"
	case LineAwaitingRedirect:
		return "awaiting_redirect"
	case LineAwaitingCallback:
		return "awaiting_callback"
	case LineExchanging:
		return "exchanging"
	default:
		return "unknown"
	}
}

// Outcome はログインフローの終了結果。
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeCancelled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// LineResult はLINEログインフローの結果。
// Successの場合はResponse、Failureの場合はErrが設定される。
type LineResult struct {
	Outcome  Outcome
	Response *model.AuthResponse
	Err      error
}

// Reason は失敗理由の表示用文言を返す。
func (r LineResult) Reason() string {
	if r.Err == nil {
		return ""
	}
	return model.UserMessage(r.Err)
}

func success(resp *model.AuthResponse) LineResult {
	return LineResult{Outcome: OutcomeSuccess, Response: resp}
}

func failure(err error) LineResult {
	return LineResult{Outcome: OutcomeFailure, Err: err}
}

func cancelled() LineResult {
	return LineResult{Outcome: OutcomeCancelled, Err: model.NewUserCancelledError()}
}

// LineBackend はLINEログインに使うバックエンドAPI。api.Clientが実装する。
type LineBackend interface {
	LineAuthURL(ctx context.Context) (*api.AuthURL, error)
	LineCallback(ctx context.Context, code, state string) (*model.AuthResponse, error)
}

// LineStore はLINEログインの一時値の保存先。tokenstore.Storeが実装する。
type LineStore interface {
	StateStore
	TakePendingCallback(ctx context.Context) (model.CallbackParams, bool, error)
}

// LineConfig はLineProviderの設定。
type LineConfig struct {
	// StrictState はコールバックのstateが保存済みのstateと一致することを検証する。
	StrictState bool
	// CallbackTimeout はコールバック待ちの上限時間。
	CallbackTimeout time.Duration
	// PollInterval は別プロセスが保存したコールバックを確認する間隔。
	PollInterval time.Duration
}

// LineProvider はLINEログインの状態機械。
type LineProvider struct {
	backend LineBackend
	store   LineStore
	waiters Waiters
	browser Browser
	config  LineConfig
	logger  *slog.Logger

	mu           sync.Mutex
	state        LineState
	onTransition func(from, to LineState)
}

// NewLineProvider はLineProviderを生成する。
func NewLineProvider(backend LineBackend, store LineStore, waiters Waiters, browser Browser, config LineConfig, logger *slog.Logger) *LineProvider {
	if config.CallbackTimeout <= 0 {
		config.CallbackTimeout = defaultCallbackTimeout
	}
	if config.PollInterval <= 0 {
		config.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LineProvider{
		backend: backend,
		store:   store,
		waiters: waiters,
		browser: browser,
		config:  config,
		logger:  logger,
	}
}

// OnTransition は状態遷移ごとに呼ばれる関数を設定する。
func (p *LineProvider) OnTransition(fn func(from, to LineState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTransition = fn
}

// State は現在の状態を返す。
func (p *LineProvider) State() LineState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *LineProvider) transition(to LineState) {
	p.mu.Lock()
	from := p.state
	p.state = to
	fn := p.onTransition
	p.mu.Unlock()

	p.logger.Debug("line login state changed",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	if fn != nil && from != to {
		fn(from, to)
	}
}

// begin はIdleからtoへ遷移する。進行中のフローがあればfalseを返す。
func (p *LineProvider) begin(to LineState) bool {
	p.mu.Lock()
	if p.state != LineIdle {
		p.mu.Unlock()
		return false
	}
	p.state = to
	fn := p.onTransition
	p.mu.Unlock()

	if fn != nil {
		fn(LineIdle, to)
	}
	return true
}

// Run はLINEログインフロー全体を実行する。
// ctxのキャンセルはCancelled、コールバック待ちのタイムアウトはFailureになる。
func (p *LineProvider) Run(ctx context.Context) LineResult {
	if !p.begin(LineAwaitingRedirect) {
		return failure(model.NewOperationInProgressError("LINE login"))
	}
	defer p.finish(ctx)

	authURL, err := p.backend.LineAuthURL(ctx)
	if err != nil {
		return p.fromError(err)
	}
	if err := p.store.PutOAuthState(ctx, authURL.State); err != nil {
		return failure(model.NewError(model.KindOther, "Failed to start LINE login", err))
	}

	// 前回の試行で残ったコールバックは使わない
	if _, ok, _ := p.store.TakePendingCallback(ctx); ok {
		p.logger.Info("discarded stale pending callback")
	}

	waiter := p.waiters.Register(authURL.State)
	defer waiter.Cancel()

	p.transition(LineAwaitingCallback)
	if err := p.browser.Open(ctx, authURL.URL); err != nil {
		return failure(model.NewError(model.KindOther, "Failed to open LINE login", err))
	}

	params, result, ok := p.awaitCallback(ctx, waiter)
	if !ok {
		return result
	}
	return p.handleCallback(ctx, params)
}

// Resume は別プロセス（コールバックURLでのコールド起動）が保存したコールバックで
// 中断されたフローを完了させる。保存されたコールバックがなければok=falseを返す。
func (p *LineProvider) Resume(ctx context.Context) (LineResult, bool) {
	if p.State() != LineIdle {
		return failure(model.NewOperationInProgressError("LINE login")), true
	}

	params, ok, err := p.store.TakePendingCallback(ctx)
	if err != nil {
		return failure(model.NewError(model.KindStorageRead, "Could not read saved login", err)), true
	}
	if !ok {
		return LineResult{}, false
	}

	if !p.begin(LineAwaitingCallback) {
		return failure(model.NewOperationInProgressError("LINE login")), true
	}
	defer p.finish(ctx)
	return p.handleCallback(ctx, params), true
}

// awaitCallback はWaiterへの配送、保存済みコールバック、キャンセル、タイムアウトのいずれかを待つ。
func (p *LineProvider) awaitCallback(ctx context.Context, waiter *callback.Waiter) (model.CallbackParams, LineResult, bool) {
	timer := time.NewTimer(p.config.CallbackTimeout)
	defer timer.Stop()
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case params := <-waiter.C():
			return params, LineResult{}, true
		case <-ticker.C:
			params, ok, err := p.store.TakePendingCallback(ctx)
			if err != nil {
				p.logger.Warn("failed to read pending callback", slog.String("error", err.Error()))
				continue
			}
			if ok {
				return params, LineResult{}, true
			}
		case <-ctx.Done():
			return model.CallbackParams{}, cancelled(), false
		case <-timer.C:
			return model.CallbackParams{}, failure(model.NewError(model.KindOther,
				"Timed out waiting for LINE login. Please try again.", nil)), false
		}
	}
}

// handleCallback はコールバックの内容に応じてExchangingへ進むか終了する。
func (p *LineProvider) handleCallback(ctx context.Context, params model.CallbackParams) LineResult {
	if callback.IsCancellation(params) {
		p.logger.Info("line login cancelled by user")
		return cancelled()
	}
	if params.Error != "" {
		return failure(model.NewError(model.KindOther, callback.FailureReason(params), nil))
	}
	if params.Code == "" {
		return failure(model.NewError(model.KindOther, "No authorization code received from LINE", nil))
	}

	storedState, err := p.store.TakeOAuthState(ctx)
	if err != nil {
		return failure(model.NewError(model.KindStorageRead, "Could not read login state", err))
	}

	state := params.State
	if p.config.StrictState {
		if params.State == "" || storedState == "" || params.State != storedState {
			p.logger.Warn("line callback state mismatch",
				slog.Bool("callback_has_state", params.State != ""),
				slog.Bool("stored_has_state", storedState != ""),
			)
			return failure(model.NewError(model.KindOther, "Login state did not match. Please try again.", nil))
		}
	} else if state == "" {
		// WebView経由のコールバックはstateを持たないため保存済みの値を送る
		state = storedState
	}
	if state == "" {
		return failure(model.NewError(model.KindOther, "State token not found", nil))
	}

	p.transition(LineExchanging)
	resp, err := p.backend.LineCallback(ctx, params.Code, state)
	if err != nil {
		return p.fromError(err)
	}

	p.logger.Info("line login completed", slog.String("user_id", resp.User.ID))
	return success(resp)
}

// fromError はバックエンド呼び出しのエラーを結果に変換する。
func (p *LineProvider) fromError(err error) LineResult {
	if model.KindOf(err) == model.KindUserCancelled || errors.Is(err, context.Canceled) {
		return cancelled()
	}
	return failure(err)
}

// finish はstateを削除してIdleに戻る。
func (p *LineProvider) finish(ctx context.Context) {
	if err := p.store.ClearOAuthState(context.WithoutCancel(ctx)); err != nil {
		p.logger.Warn("failed to clear oauth state", slog.String("error", err.Error()))
	}
	p.transition(LineIdle)
}
