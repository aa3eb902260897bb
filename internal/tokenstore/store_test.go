package tokenstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/chatshare/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func testUser() *model.User {
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	return &model.User{
		ID:            "user-1",
		Email:         "user@example.com",
		Name:          "Test User",
		Avatar:        "https://example.com/a.png",
		Provider:      model.ProviderLine,
		Role:          "user",
		Status:        "active",
		EmailVerified: true,
		LastLoginAt:   &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// failingStorage はすべての操作でエラーを返すStorage。
type failingStorage struct{}

func (failingStorage) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("disk unavailable")
}

func (failingStorage) Snapshot(context.Context) (map[string]string, error) {
	return nil, errors.New("disk unavailable")
}

func (failingStorage) Update(context.Context, func(map[string]string) error) error {
	return errors.New("disk unavailable")
}

var _ Storage = failingStorage{}

func storages(t *testing.T) map[string]Storage {
	t.Helper()
	fs, err := NewFileStorage(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	return map[string]Storage{
		"memory": NewMemoryStorage(),
		"file":   fs,
	}
}

func TestStore_SaveThenLoad_RoundTrip(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(storage, nil)
			user := testUser()

			if err := s.Save(ctx, "token-abc", user); err != nil {
				t.Fatalf("Save: %v", err)
			}

			token, got := s.Load(ctx)
			if token != "token-abc" {
				t.Errorf("token = %q, want %q", token, "token-abc")
			}
			if got == nil {
				t.Fatal("expected stored user, got nil")
			}
			if got.ID != user.ID || got.Email != user.Email || got.Name != user.Name || got.Provider != user.Provider {
				t.Errorf("user = %+v, want %+v", got, user)
			}
			if !got.CreatedAt.Equal(user.CreatedAt) {
				t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, user.CreatedAt)
			}
			if got.LastLoginAt == nil || !got.LastLoginAt.Equal(*user.LastLoginAt) {
				t.Errorf("LastLoginAt = %v, want %v", got.LastLoginAt, user.LastLoginAt)
			}
		})
	}
}

func TestStore_Load_FirstRunReturnsEmpty(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			token, user := New(storage, nil).Load(context.Background())
			if token != "" || user != nil {
				t.Errorf("Load on empty store = (%q, %v), want empty", token, user)
			}
		})
	}
}

func TestStore_Load_ReadFailureTreatedAsSignedOut(t *testing.T) {
	var buf bytes.Buffer
	s := New(failingStorage{}, newTestLogger(&buf))

	token, user := s.Load(context.Background())
	if token != "" || user != nil {
		t.Errorf("Load = (%q, %v), want empty", token, user)
	}
	if !bytes.Contains(buf.Bytes(), []byte(string(model.KindStorageRead))) {
		t.Errorf("expected storage read failure to be logged, got %s", buf.String())
	}
}

func TestStore_Load_CorruptedUserReturnsTokenOnly(t *testing.T) {
	ctx := context.Background()
	storage := NewMemoryStorage()
	_ = storage.Update(ctx, func(kv map[string]string) error {
		kv[KeyAuthToken] = "token-abc"
		kv[KeyUser] = "{not json"
		return nil
	})

	var buf bytes.Buffer
	token, user := New(storage, newTestLogger(&buf)).Load(ctx)
	if token != "token-abc" {
		t.Errorf("token = %q, want %q", token, "token-abc")
	}
	if user != nil {
		t.Errorf("user = %+v, want nil", user)
	}
}

func TestStore_Save_RejectsPartialCredential(t *testing.T) {
	s := New(NewMemoryStorage(), nil)
	ctx := context.Background()

	if err := s.Save(ctx, "", testUser()); err == nil {
		t.Error("expected error for empty token")
	}
	if err := s.Save(ctx, "token", nil); err == nil {
		t.Error("expected error for nil user")
	}

	token, user := s.Load(ctx)
	if token != "" || user != nil {
		t.Errorf("nothing should be stored, got (%q, %v)", token, user)
	}
}

func TestStore_Clear_RemovesCredentialAndState(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(storage, nil)
			_ = s.Save(ctx, "token-abc", testUser())
			_ = s.PutOAuthState(ctx, "state-1")

			if err := s.Clear(ctx); err != nil {
				t.Fatalf("Clear: %v", err)
			}

			token, user := s.Load(ctx)
			if token != "" || user != nil {
				t.Errorf("after Clear = (%q, %v), want empty", token, user)
			}
			if s.HasOAuthState(ctx) {
				t.Error("oauth_state should be cleared")
			}
		})
	}
}

func TestStore_TakeOAuthState_SingleUse(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryStorage(), nil)

	if err := s.PutOAuthState(ctx, "S1"); err != nil {
		t.Fatalf("PutOAuthState: %v", err)
	}
	if !s.HasOAuthState(ctx) {
		t.Fatal("HasOAuthState should be true after Put")
	}

	got, err := s.TakeOAuthState(ctx)
	if err != nil {
		t.Fatalf("TakeOAuthState: %v", err)
	}
	if got != "S1" {
		t.Errorf("state = %q, want %q", got, "S1")
	}

	again, err := s.TakeOAuthState(ctx)
	if err != nil {
		t.Fatalf("TakeOAuthState: %v", err)
	}
	if again != "" {
		t.Errorf("second take = %q, want empty", again)
	}
}

func TestStore_PutOAuthState_OverwritesPreviousAttempt(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryStorage(), nil)

	_ = s.PutOAuthState(ctx, "old")
	_ = s.PutOAuthState(ctx, "new")

	got, _ := s.TakeOAuthState(ctx)
	if got != "new" {
		t.Errorf("state = %q, want %q", got, "new")
	}
}

func TestStore_PendingCallback_RoundTrip(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := New(storage, nil)

			if _, ok, _ := s.TakePendingCallback(ctx); ok {
				t.Fatal("expected no pending callback initially")
			}

			want := model.CallbackParams{Code: "ABC", State: "S1"}
			if err := s.PutPendingCallback(ctx, want); err != nil {
				t.Fatalf("PutPendingCallback: %v", err)
			}

			got, ok, err := s.TakePendingCallback(ctx)
			if err != nil {
				t.Fatalf("TakePendingCallback: %v", err)
			}
			if !ok || got != want {
				t.Errorf("pending = (%+v, %v), want (%+v, true)", got, ok, want)
			}

			if _, ok, _ := s.TakePendingCallback(ctx); ok {
				t.Error("pending callback should be consumed")
			}
		})
	}
}

func TestStore_PutPendingCallback_ReplacesPreviousValues(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryStorage(), nil)

	_ = s.PutPendingCallback(ctx, model.CallbackParams{Code: "ABC", State: "S1"})
	_ = s.PutPendingCallback(ctx, model.CallbackParams{Error: "access_denied"})

	got, ok, _ := s.TakePendingCallback(ctx)
	if !ok {
		t.Fatal("expected pending callback")
	}
	if got.Code != "" || got.State != "" || got.Error != "access_denied" {
		t.Errorf("pending = %+v, want only error", got)
	}
}

func TestFileStorage_PersistsAcrossInstances(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fs1, _ := NewFileStorage(dir)
	if err := New(fs1, nil).Save(ctx, "token-abc", testUser()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	fs2, _ := NewFileStorage(dir)
	token, user := New(fs2, nil).Load(ctx)
	if token != "token-abc" || user == nil || user.ID != "user-1" {
		t.Errorf("Load from new instance = (%q, %v)", token, user)
	}

	info, err := os.Stat(fs2.Path())
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %o, want 600", perm)
	}
}

func TestFileStorage_CorruptedFileRecoversOnWrite(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	fs, _ := NewFileStorage(dir)

	if err := os.WriteFile(fs.Path(), []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	var buf bytes.Buffer
	s := New(fs, newTestLogger(&buf))
	if token, _ := s.Load(ctx); token != "" {
		t.Errorf("token = %q, want empty for corrupted file", token)
	}

	if err := s.Save(ctx, "token-abc", testUser()); err != nil {
		t.Fatalf("Save after corruption: %v", err)
	}
	if token, _ := s.Load(ctx); token != "token-abc" {
		t.Errorf("token = %q, want %q", token, "token-abc")
	}
}

func TestStore_ConcurrentSaveAndLoad_NeverObservesPartialCredential(t *testing.T) {
	ctx := context.Background()
	s := New(NewMemoryStorage(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.Save(ctx, "token-abc", testUser())
			_ = s.Clear(ctx)
		}()
		go func() {
			defer wg.Done()
			raw := make(map[string]string)
			_ = s.storage.Update(ctx, func(kv map[string]string) error {
				for k, v := range kv {
					raw[k] = v
				}
				return nil
			})
			_, hasToken := raw[KeyAuthToken]
			_, hasUser := raw[KeyUser]
			if hasToken != hasUser {
				t.Errorf("observed partial credential: token=%v user=%v", hasToken, hasUser)
			}
		}()
	}
	wg.Wait()
}

// clearingStorage は読み込みのたびに別プロセスがClearしたかのように中身を消すStorage。
type clearingStorage struct {
	*MemoryStorage
}

func (c clearingStorage) clear(ctx context.Context) {
	_ = c.MemoryStorage.Update(ctx, func(kv map[string]string) error {
		clear(kv)
		return nil
	})
}

func (c clearingStorage) Get(ctx context.Context, key string) (string, bool, error) {
	defer c.clear(ctx)
	return c.MemoryStorage.Get(ctx, key)
}

func (c clearingStorage) Snapshot(ctx context.Context) (map[string]string, error) {
	defer c.clear(ctx)
	return c.MemoryStorage.Snapshot(ctx)
}

func TestStore_Load_TokenAndUserFromSameRead(t *testing.T) {
	ctx := context.Background()
	storage := clearingStorage{MemoryStorage: NewMemoryStorage()}
	s := New(storage, nil)
	if err := s.Save(ctx, "token-abc", testUser()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	token, user := s.Load(ctx)
	if token != "token-abc" || user == nil || user.ID != "user-1" {
		t.Errorf("Load = (%q, %v), want token and user from the same save", token, user)
	}
}

func TestFileStorage_UpdateWithoutChangeDoesNotWrite(t *testing.T) {
	ctx := context.Background()
	fs, _ := NewFileStorage(t.TempDir())
	s := New(fs, nil)

	if _, ok, err := s.TakePendingCallback(ctx); err != nil || ok {
		t.Fatalf("TakePendingCallback = (%v, %v), want empty", ok, err)
	}
	if _, err := os.Stat(fs.Path()); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("変更のない更新でファイルを作成してはならない: %v", err)
	}

	if err := s.Save(ctx, "token-abc", testUser()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	before, _ := os.Stat(fs.Path())
	time.Sleep(20 * time.Millisecond)
	if _, err := s.TakeOAuthState(ctx); err != nil {
		t.Fatalf("TakeOAuthState: %v", err)
	}
	after, _ := os.Stat(fs.Path())
	if !after.ModTime().Equal(before.ModTime()) || !os.SameFile(before, after) {
		t.Error("変更のない更新でファイルを書き換えてはならない")
	}
}

func TestFileStorage_PendingCallbackSurvivesConcurrentPolling(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	receiverFS, _ := NewFileStorage(dir)
	senderFS, _ := NewFileStorage(dir)
	receiver := New(receiverFS, nil)
	sender := New(senderFS, nil)

	received := make(chan string, 1)
	go func() {
		for ctx.Err() == nil {
			p, ok, err := receiver.TakePendingCallback(ctx)
			if err == nil && ok {
				received <- p.Code
			}
		}
	}()

	for i := range 50 {
		code := fmt.Sprintf("code-%d", i)
		if err := sender.PutPendingCallback(ctx, model.CallbackParams{Code: code, State: "S1"}); err != nil {
			t.Fatalf("PutPendingCallback: %v", err)
		}
		select {
		case got := <-received:
			if got != code {
				t.Fatalf("受信 = %q, want %q", got, code)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%d 件目の保存済みコールバックが失われた", i+1)
		}
	}
}
