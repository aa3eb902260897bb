// Package tokenstore は認証トークンとユーザー情報の永続化を提供する。
//
// Storageは端末ローカルのキーバリューストア、Storeはその上に
// 認証情報（auth_token, user）とOAuthの一時値（oauth_state, line_*）を載せる。
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// lockRetryDelay はファイルロックの取得を再試行する間隔。
const lockRetryDelay = 10 * time.Millisecond

// Storage は永続キーバリューストアのインターフェース。
type Storage interface {
	// Get はキーの値を返す。存在しない場合はok=falseを返す。
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Snapshot は全エントリのコピーを1回の読み込みで返す。
	Snapshot(ctx context.Context) (map[string]string, error)
	// Update は全エントリのコピーに対してfnを適用し、fnがnilを返した場合のみ一括で確定する。
	// 読み手からは適用前か適用後のどちらかしか観測されない。
	Update(ctx context.Context, fn func(kv map[string]string) error) error
}

// MemoryStorage はプロセス内メモリのStorage実装。テストとデモモードで使用する。
type MemoryStorage struct {
	mu    sync.RWMutex
	items map[string]string
}

// NewMemoryStorage は空のMemoryStorageを生成する。
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{items: make(map[string]string)}
}

// Get はキーの値を返す。
func (m *MemoryStorage) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

// Snapshot は全エントリのコピーを返す。
func (m *MemoryStorage) Snapshot(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.items), nil
}

// Update はfnを適用して一括で確定する。
func (m *MemoryStorage) Update(_ context.Context, fn func(kv map[string]string) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := maps.Clone(m.items)
	if err := fn(next); err != nil {
		return err
	}
	m.items = next
	return nil
}

// FileStorage は全キーを1つのJSONファイルに保存するStorage実装。
// 書き込みは一時ファイル＋renameで行うため、部分的な書き込みは観測されない。
// 別プロセス（コールドスタート時のコールバック受信）からの書き込みも
// 次回のGetで読み取れるよう、読み込みは毎回ファイルから行う。
//
// Updateの読み込みから書き込みまではcredentials.json.lockの排他ロックを保持し、
// 同じディレクトリを使う他のプロセスの更新を上書きしない。
type FileStorage struct {
	mu   sync.Mutex
	path string
	lock *flock.Flock
}

// NewFileStorage はdir配下のcredentials.jsonを使うFileStorageを生成する。
// ディレクトリが存在しない場合は0700で作成する。
func NewFileStorage(dir string) (*FileStorage, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	path := filepath.Join(dir, "credentials.json")
	return &FileStorage{path: path, lock: flock.New(path + ".lock")}, nil
}

// Path は保存先ファイルのパスを返す。
func (f *FileStorage) Path() string {
	return f.path
}

// Get はキーの値を返す。ファイルが存在しない場合は空として扱う。
func (f *FileStorage) Get(_ context.Context, key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	items, err := f.read()
	if err != nil {
		return "", false, err
	}
	v, ok := items[key]
	return v, ok, nil
}

// Snapshot はファイルを1回だけ読み込み、全エントリを返す。
func (f *FileStorage) Snapshot(_ context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

// Update はファイルロックを取得してfnを適用し、変更があればファイル全体をアトミックに書き換える。
func (f *FileStorage) Update(ctx context.Context, fn func(kv map[string]string) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	locked, err := f.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", f.path, err)
	}
	if !locked {
		return fmt.Errorf("failed to lock %s", f.path)
	}
	defer f.lock.Unlock()

	items, err := f.read()
	corrupted := err != nil
	if corrupted {
		// 壊れたファイルは読み取り失敗として扱い、上書きで復旧する
		items = make(map[string]string)
	}
	before := maps.Clone(items)
	if err := fn(items); err != nil {
		return err
	}
	if !corrupted && maps.Equal(before, items) {
		return nil
	}
	return f.write(items)
}

func (f *FileStorage) read() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.path, err)
	}
	if len(data) == 0 {
		return make(map[string]string), nil
	}

	items := make(map[string]string)
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", f.path, err)
	}
	return items, nil
}

func (f *FileStorage) write(items map[string]string) error {
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode credentials: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".credentials-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("failed to replace credentials file: %w", err)
	}
	return nil
}

// compile-time interface check
var (
	_ Storage = (*MemoryStorage)(nil)
	_ Storage = (*FileStorage)(nil)
)
