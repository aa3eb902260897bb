package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hitoshi/chatshare/internal/model"
)

// 永続化キー
const (
	KeyAuthToken            = "auth_token"
	KeyUser                 = "user"
	KeyOAuthState           = "oauth_state"
	KeyLineAuthCode         = "line_auth_code"
	KeyLineLoginError       = "line_login_error"
	KeyLineErrorDescription = "line_login_error_description"
	KeyLineCallbackState    = "line_callback_state"
)

var pendingKeys = []string{
	KeyLineAuthCode,
	KeyLineLoginError,
	KeyLineErrorDescription,
	KeyLineCallbackState,
}

// Store は認証情報の保存・読み込み・削除を提供する。
// トークンとユーザーは常に1回のUpdateで同時に書き換える。
type Store struct {
	storage Storage
	logger  *slog.Logger
}

// New はStoreを生成する。
func New(storage Storage, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{storage: storage, logger: logger}
}

// Save はトークンとユーザーを保存する。
func (s *Store) Save(ctx context.Context, token string, user *model.User) error {
	if token == "" {
		return fmt.Errorf("token is required")
	}
	if user == nil {
		return fmt.Errorf("user is required")
	}

	userJSON, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to encode user: %w", err)
	}

	return s.storage.Update(ctx, func(kv map[string]string) error {
		kv[KeyAuthToken] = token
		kv[KeyUser] = string(userJSON)
		return nil
	})
}

// Load は保存済みのトークンとユーザーを返す。
// 両方を同じ読み込みから取り出すため、別プロセスのSave/Clearの途中の組み合わせは返さない。
// 初回起動や読み込み失敗時は空文字とnilを返し、エラーにはしない。
func (s *Store) Load(ctx context.Context) (string, *model.User) {
	kv, err := s.storage.Snapshot(ctx)
	if err != nil {
		s.logger.Warn("failed to read credentials, treating as signed out",
			slog.String("kind", string(model.KindStorageRead)),
			slog.String("error", err.Error()),
		)
		return "", nil
	}
	token := kv[KeyAuthToken]
	if token == "" {
		return "", nil
	}
	return token, s.decodeUser(kv[KeyUser])
}

// Token は保存済みのトークンを返す。存在しない場合は空文字を返す。
func (s *Store) Token(ctx context.Context) string {
	token, _, err := s.storage.Get(ctx, KeyAuthToken)
	if err != nil {
		s.logger.Warn("failed to read auth token, treating as signed out",
			slog.String("kind", string(model.KindStorageRead)),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return token
}

// User は保存済みのユーザーを返す。存在しない・壊れている場合はnilを返す。
func (s *Store) User(ctx context.Context) *model.User {
	raw, _, err := s.storage.Get(ctx, KeyUser)
	if err != nil {
		s.logger.Warn("failed to read stored user",
			slog.String("kind", string(model.KindStorageRead)),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return s.decodeUser(raw)
}

func (s *Store) decodeUser(raw string) *model.User {
	if raw == "" {
		return nil
	}

	var user model.User
	if err := json.Unmarshal([]byte(raw), &user); err != nil {
		s.logger.Warn("stored user is corrupted",
			slog.String("kind", string(model.KindStorageRead)),
			slog.String("error", err.Error()),
		)
		return nil
	}
	if err := user.Validate(); err != nil {
		s.logger.Warn("stored user is invalid", slog.String("error", err.Error()))
		return nil
	}
	return &user
}

// Clear はトークン、ユーザー、oauth_stateを削除する。
func (s *Store) Clear(ctx context.Context) error {
	return s.storage.Update(ctx, func(kv map[string]string) error {
		delete(kv, KeyAuthToken)
		delete(kv, KeyUser)
		delete(kv, KeyOAuthState)
		return nil
	})
}

// PutOAuthState はプロバイダーへリダイレクトする直前にCSRF stateを保存する。
// 前回の試行で残った値は上書きされる。
func (s *Store) PutOAuthState(ctx context.Context, state string) error {
	if state == "" {
		return fmt.Errorf("state is required")
	}
	return s.storage.Update(ctx, func(kv map[string]string) error {
		kv[KeyOAuthState] = state
		return nil
	})
}

// TakeOAuthState は保存済みのstateを読み出して同時に削除する（1回限り）。
// 存在しない場合は空文字を返す。
func (s *Store) TakeOAuthState(ctx context.Context) (string, error) {
	var state string
	err := s.storage.Update(ctx, func(kv map[string]string) error {
		state = kv[KeyOAuthState]
		delete(kv, KeyOAuthState)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to take oauth state: %w", err)
	}
	return state, nil
}

// HasOAuthState はstateが保存されているか（ログインフロー進行中か）を返す。
func (s *Store) HasOAuthState(ctx context.Context) bool {
	state, _, err := s.storage.Get(ctx, KeyOAuthState)
	return err == nil && state != ""
}

// ClearOAuthState はstateを削除する。
func (s *Store) ClearOAuthState(ctx context.Context) error {
	return s.storage.Update(ctx, func(kv map[string]string) error {
		delete(kv, KeyOAuthState)
		return nil
	})
}

// PutPendingCallback は待ち受けがいない時に届いたコールバックを保存する。
// アプリ（CLI）がコールバックURLで起動された場合の受け渡しに使う。
func (s *Store) PutPendingCallback(ctx context.Context, p model.CallbackParams) error {
	return s.storage.Update(ctx, func(kv map[string]string) error {
		for _, k := range pendingKeys {
			delete(kv, k)
		}
		setIfNotEmpty(kv, KeyLineAuthCode, p.Code)
		setIfNotEmpty(kv, KeyLineLoginError, p.Error)
		setIfNotEmpty(kv, KeyLineErrorDescription, p.ErrorDescription)
		setIfNotEmpty(kv, KeyLineCallbackState, p.State)
		return nil
	})
}

// TakePendingCallback は保存済みのコールバックを読み出して削除する。
// 存在しない場合はok=falseを返す。
func (s *Store) TakePendingCallback(ctx context.Context) (model.CallbackParams, bool, error) {
	var p model.CallbackParams
	err := s.storage.Update(ctx, func(kv map[string]string) error {
		p = model.CallbackParams{
			Code:             kv[KeyLineAuthCode],
			Error:            kv[KeyLineLoginError],
			ErrorDescription: kv[KeyLineErrorDescription],
			State:            kv[KeyLineCallbackState],
		}
		for _, k := range pendingKeys {
			delete(kv, k)
		}
		return nil
	})
	if err != nil {
		return model.CallbackParams{}, false, fmt.Errorf("failed to take pending callback: %w", err)
	}
	return p, !p.IsEmpty(), nil
}

func setIfNotEmpty(kv map[string]string, key, value string) {
	if value != "" {
		kv[key] = value
	}
}
