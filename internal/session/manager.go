// Package session はアプリケーションで唯一のセッション状態を管理する。
//
// Managerはトークンストア、OAuthアダプタ、バックエンドの間を仲介し、
// ログイン・ログアウト・リフレッシュなどの状態を変更する操作を直列化する。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/chatshare/internal/auth"
	"github.com/hitoshi/chatshare/internal/metrics"
	"github.com/hitoshi/chatshare/internal/model"
)

// デモログインで使う固定値
const (
	DummyUserID = "dummy-user-123"
	DummyToken  = "dummy-token"
)

// State はセッションのスナップショット。
// IsAuthenticatedは常に User != nil と一致する。
type State struct {
	User            *model.User
	IsAuthenticated bool
	IsLoading       bool
}

// Store はセッションの永続化先。tokenstore.Storeが実装する。
type Store interface {
	Save(ctx context.Context, token string, user *model.User) error
	Load(ctx context.Context) (string, *model.User)
	Token(ctx context.Context) string
	Clear(ctx context.Context) error
}

// Backend はセッション管理に使うバックエンドAPI。api.Clientが実装する。
type Backend interface {
	Me(ctx context.Context, token string) (*model.User, error)
	Logout(ctx context.Context, token string) error
}

// GoogleLogin はGoogleログインのアダプタ。auth.GoogleProviderが実装する。
type GoogleLogin interface {
	SignIn(ctx context.Context) (*model.AuthResponse, error)
}

// LineLogin はLINEログインのアダプタ。auth.LineProviderが実装する。
type LineLogin interface {
	Run(ctx context.Context) auth.LineResult
	Resume(ctx context.Context) (auth.LineResult, bool)
}

// Recorder はセッション関連のメトリクスを記録する。
type Recorder interface {
	RecordLoginAttempt(provider string)
	RecordLoginOutcome(provider, outcome string)
	RecordBootstrap(result string)
}

// Providers はログインに使うアダプタ。未設定のプロバイダーはnilでよい。
type Providers struct {
	Google GoogleLogin
	Line   LineLogin
}

// Manager はセッション状態を所有する。
// 状態を変更する操作はopで直列化され、ログイン同士の重複はOperationInProgressで拒否する。
type Manager struct {
	store     Store
	backend   Backend
	providers Providers
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time

	// op は変更操作の実行権。容量1のチャネルでctx付きの待機を可能にする。
	op      chan struct{}
	loginIn atomic.Bool

	mu     sync.RWMutex
	state  State
	nextID int
	subs   map[int]func(State)
}

// NewManager はManagerを生成する。初期状態はIsLoading=trueの未認証。
func NewManager(store Store, backend Backend, providers Providers, recorder Recorder, logger *slog.Logger) *Manager {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:     store,
		backend:   backend,
		providers: providers,
		recorder:  recorder,
		logger:    logger,
		now:       time.Now,
		op:        make(chan struct{}, 1),
		state:     State{IsLoading: true},
		subs:      make(map[int]func(State)),
	}
}

// State は現在の状態のコピーを返す。
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return snapshot(m.state)
}

// Subscribe は状態が変わるたびに呼ばれる関数を登録し、登録解除関数を返す。
func (m *Manager) Subscribe(fn func(State)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func snapshot(s State) State {
	return State{User: s.User.Clone(), IsAuthenticated: s.IsAuthenticated, IsLoading: s.IsLoading}
}

// setUser はユーザーと認証フラグを同時に更新し、購読者に通知する。
func (m *Manager) setUser(user *model.User) {
	m.mu.Lock()
	m.state = State{User: user.Clone(), IsAuthenticated: user != nil, IsLoading: false}
	s := snapshot(m.state)
	subs := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		fn(s)
	}
}

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.op <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release() {
	<-m.op
}

// beginLogin はログインの重複を防ぐ。既にログイン中ならOperationInProgressを返す。
func (m *Manager) beginLogin(ctx context.Context) (func(), error) {
	if !m.loginIn.CompareAndSwap(false, true) {
		return nil, model.NewOperationInProgressError("Login")
	}
	if err := m.acquire(ctx); err != nil {
		m.loginIn.Store(false)
		return nil, model.NewUserCancelledError()
	}
	return func() {
		m.release()
		m.loginIn.Store(false)
	}, nil
}

// Bootstrap は起動時に1回だけ呼び、保存済みの認証情報からセッションを復元する。
//
//   - トークンがなければ未認証
//   - /auth/me が成功すればそのユーザーで認証済み（保存済みユーザーも更新）
//   - /auth/me が401ならトークンが失効しているため削除して未認証
//   - それ以外の失敗は保存済みユーザーがあれば認証済み、なければ未認証
//
// エラーは返さず、必ずIsLoading=falseで終了する。
func (m *Manager) Bootstrap(ctx context.Context) State {
	if err := m.acquire(ctx); err != nil {
		m.setUser(nil)
		m.recorder.RecordBootstrap(metrics.BootstrapUnauthenticated)
		return m.State()
	}
	defer m.release()

	token, stored := m.store.Load(ctx)
	if token == "" {
		m.setUser(nil)
		m.recorder.RecordBootstrap(metrics.BootstrapUnauthenticated)
		return m.State()
	}

	// デモユーザーはバックエンドに存在しないため問い合わせない
	if stored != nil && stored.Provider == model.ProviderDummy {
		m.setUser(stored)
		m.recorder.RecordBootstrap(metrics.BootstrapAuthenticated)
		return m.State()
	}

	user, err := m.backend.Me(ctx, token)
	switch {
	case err == nil:
		if err := m.store.Save(ctx, token, user); err != nil {
			m.logger.Warn("failed to update stored user", slog.String("error", err.Error()))
		}
		m.setUser(user)
		m.recorder.RecordBootstrap(metrics.BootstrapAuthenticated)
	case errors.Is(err, model.ErrUnauthorized):
		m.logger.Info("stored session expired, clearing credentials")
		if err := m.store.Clear(ctx); err != nil {
			m.logger.Warn("failed to clear expired session", slog.String("error", err.Error()))
		}
		m.setUser(nil)
		m.recorder.RecordBootstrap(metrics.BootstrapExpired)
	case stored != nil:
		m.logger.Warn("failed to fetch current user, using stored user",
			slog.String("kind", string(model.KindOf(err))),
			slog.String("error", err.Error()),
		)
		m.setUser(stored)
		m.recorder.RecordBootstrap(metrics.BootstrapOffline)
	default:
		m.logger.Warn("failed to fetch current user and no stored user",
			slog.String("kind", string(model.KindOf(err))),
			slog.String("error", err.Error()),
		)
		m.setUser(nil)
		m.recorder.RecordBootstrap(metrics.BootstrapUnauthenticated)
	}
	return m.State()
}

// Login はGoogleログインを行う。エラーは呼び出し元（ログインボタン）に返す。
func (m *Manager) Login(ctx context.Context) error {
	if m.providers.Google == nil {
		return model.NewConfigurationError("GOOGLE_CLIENT_ID")
	}
	done, err := m.beginLogin(ctx)
	if err != nil {
		return err
	}
	defer done()

	provider := string(model.ProviderGoogle)
	m.recorder.RecordLoginAttempt(provider)

	resp, err := m.providers.Google.SignIn(ctx)
	if err != nil {
		m.recordFailure(provider, err)
		return err
	}
	if err := m.commit(ctx, resp); err != nil {
		m.recordFailure(provider, err)
		return err
	}
	m.recorder.RecordLoginOutcome(provider, metrics.OutcomeSuccess)
	return nil
}

// LoginWithLine はLINEログインのフロー全体を実行する。
// セッションはSuccessの場合のみ更新する。
func (m *Manager) LoginWithLine(ctx context.Context) auth.LineResult {
	if m.providers.Line == nil {
		return auth.LineResult{Outcome: auth.OutcomeFailure, Err: model.NewConfigurationError("LINE login")}
	}
	done, err := m.beginLogin(ctx)
	if err != nil {
		return lineFailure(err)
	}
	defer done()

	m.recorder.RecordLoginAttempt(string(model.ProviderLine))
	return m.finishLine(ctx, m.providers.Line.Run(ctx))
}

// ResumeLine は別プロセスが保存したLINEコールバックでログインを完了させる。
// 保存されたコールバックがなければok=falseを返す。
func (m *Manager) ResumeLine(ctx context.Context) (auth.LineResult, bool) {
	if m.providers.Line == nil {
		return auth.LineResult{}, false
	}
	done, err := m.beginLogin(ctx)
	if err != nil {
		return lineFailure(err), true
	}
	defer done()

	result, ok := m.providers.Line.Resume(ctx)
	if !ok {
		return result, false
	}
	m.recorder.RecordLoginAttempt(string(model.ProviderLine))
	return m.finishLine(ctx, result), true
}

func (m *Manager) finishLine(ctx context.Context, result auth.LineResult) auth.LineResult {
	provider := string(model.ProviderLine)
	if result.Outcome == auth.OutcomeSuccess {
		if err := m.commit(ctx, result.Response); err != nil {
			m.recordFailure(provider, err)
			return lineFailure(err)
		}
	}
	m.recorder.RecordLoginOutcome(provider, result.Outcome.String())
	return result
}

func lineFailure(err error) auth.LineResult {
	if model.IsSilent(err) {
		return auth.LineResult{Outcome: auth.OutcomeCancelled, Err: err}
	}
	return auth.LineResult{Outcome: auth.OutcomeFailure, Err: err}
}

func (m *Manager) recordFailure(provider string, err error) {
	outcome := metrics.OutcomeFailure
	if model.IsSilent(err) {
		outcome = metrics.OutcomeCancelled
	}
	m.recorder.RecordLoginOutcome(provider, outcome)
}

// commit はトークンとユーザーを保存してからセッションを更新する。
// 保存に失敗した場合はセッションを変更しない。
func (m *Manager) commit(ctx context.Context, resp *model.AuthResponse) error {
	if err := resp.Validate(); err != nil {
		return model.NewMalformedResponseError("login", err)
	}
	if err := m.store.Save(context.WithoutCancel(ctx), resp.Token, resp.User); err != nil {
		return model.NewError(model.KindOther, "Failed to save login", err)
	}
	m.setUser(resp.User)
	m.logger.Info("login succeeded",
		slog.String("user_id", resp.User.ID),
		slog.String("provider", string(resp.User.Provider)),
	)
	return nil
}

// Logout はバックエンドへの通知を試みた後、結果に関わらずローカルの認証情報を削除する。
// 返すエラーはローカル削除の失敗のみで、その場合もセッションは未認証になる。
func (m *Manager) Logout(ctx context.Context) error {
	if err := m.acquire(ctx); err != nil {
		// 実行権を待てなくてもメモリ上のセッションは必ず未認証にする
		m.setUser(nil)
		return fmt.Errorf("failed to wait for pending operation: %w", err)
	}
	defer m.release()

	token, user := m.store.Load(ctx)
	if token != "" && (user == nil || user.Provider != model.ProviderDummy) {
		if err := m.backend.Logout(ctx, token); err != nil {
			m.logger.Warn("backend logout failed, clearing local session anyway",
				slog.String("kind", string(model.KindOf(err))),
				slog.String("error", err.Error()),
			)
		}
	}

	clearErr := m.store.Clear(context.WithoutCancel(ctx))
	m.setUser(nil)
	if clearErr != nil {
		m.logger.Error("failed to clear stored credentials", slog.String("error", clearErr.Error()))
		return fmt.Errorf("failed to clear stored credentials: %w", clearErr)
	}
	m.logger.Info("logged out")
	return nil
}

// Refresh は現在のユーザーを再取得する。
// 失敗してもセッションは変更せず、エラーを返すだけにとどめる。
func (m *Manager) Refresh(ctx context.Context) error {
	if err := m.acquire(ctx); err != nil {
		return err
	}
	defer m.release()

	token := m.store.Token(ctx)
	if token == "" || !m.State().IsAuthenticated {
		return model.NewLoginRequiredError("refresh your profile")
	}
	if token == DummyToken {
		return nil
	}

	user, err := m.backend.Me(ctx, token)
	if err != nil {
		m.logger.Warn("failed to refresh user, keeping current session",
			slog.String("kind", string(model.KindOf(err))),
			slog.String("error", err.Error()),
		)
		return err
	}
	if err := m.store.Save(ctx, token, user); err != nil {
		m.logger.Warn("failed to store refreshed user", slog.String("error", err.Error()))
	}
	m.setUser(user)
	return nil
}

// DummyLogin はネットワークを使わずにデモユーザーでログインする。
// 保存に失敗してもメモリ上のセッションは認証済みになる。
func (m *Manager) DummyLogin(ctx context.Context) State {
	now := m.now().UTC()
	user := &model.User{
		ID:            DummyUserID,
		Email:         "dummy@example.com",
		Name:          "Demo User",
		Provider:      model.ProviderDummy,
		Role:          "user",
		Status:        "active",
		EmailVerified: true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := m.acquire(ctx); err != nil {
		m.setUser(user)
		return m.State()
	}
	defer m.release()

	if err := m.store.Save(ctx, DummyToken, user); err != nil {
		m.logger.Warn("failed to store demo session", slog.String("error", err.Error()))
	}
	m.setUser(user)
	m.recorder.RecordLoginOutcome(string(model.ProviderDummy), metrics.OutcomeSuccess)
	return m.State()
}

// compile-time interface check
var (
	_ GoogleLogin = (*auth.GoogleProvider)(nil)
	_ LineLogin   = (*auth.LineProvider)(nil)
	_ Recorder    = (metrics.MetricsCollector)(nil)
)
