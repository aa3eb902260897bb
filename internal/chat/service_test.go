package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/hitoshi/chatshare/internal/api"
	"github.com/hitoshi/chatshare/internal/model"
	"github.com/hitoshi/chatshare/internal/security"
	"github.com/hitoshi/chatshare/internal/session"
)

// mockBackend はBackendのモック。呼ばれたメソッドを記録する。
type mockBackend struct {
	categories  []model.Category
	chat        *model.Chat
	page        *api.ChatPage
	err         error
	registered  *model.RegisterChatRequest
	updated     *model.UpdateChatRequest
	calls       []string
	searchQuery string
}

func (m *mockBackend) record(name string) { m.calls = append(m.calls, name) }

func (m *mockBackend) Categories(context.Context) ([]model.Category, error) {
	m.record("Categories")
	return m.categories, m.err
}

func (m *mockBackend) PublicChats(context.Context, int, int) (*api.ChatPage, error) {
	m.record("PublicChats")
	return m.page, m.err
}

func (m *mockBackend) MyChats(context.Context, int, int) (*api.ChatPage, error) {
	m.record("MyChats")
	return m.page, m.err
}

func (m *mockBackend) FavoriteChats(context.Context, int, int) (*api.ChatPage, error) {
	m.record("FavoriteChats")
	return m.page, m.err
}

func (m *mockBackend) SearchChats(_ context.Context, q string, _, _ int) (*api.ChatPage, error) {
	m.record("SearchChats")
	m.searchQuery = q
	return m.page, m.err
}

func (m *mockBackend) ChatByID(context.Context, string) (*model.Chat, error) {
	m.record("ChatByID")
	return m.chat, m.err
}

func (m *mockBackend) RegisterChat(_ context.Context, req model.RegisterChatRequest) (*model.Chat, error) {
	m.record("RegisterChat")
	m.registered = &req
	if m.err != nil {
		return nil, m.err
	}
	return &model.Chat{ID: "c1", Title: req.Title, PublicLink: req.PublicLink, ChatType: req.ChatType}, nil
}

func (m *mockBackend) UpdateChat(_ context.Context, id string, req model.UpdateChatRequest) (*model.Chat, error) {
	m.record("UpdateChat")
	m.updated = &req
	return &model.Chat{ID: id}, m.err
}

func (m *mockBackend) DeleteChat(context.Context, string) error {
	m.record("DeleteChat")
	return m.err
}

func (m *mockBackend) AddFavorite(context.Context, string) error {
	m.record("AddFavorite")
	return m.err
}

func (m *mockBackend) RemoveFavorite(context.Context, string) error {
	m.record("RemoveFavorite")
	return m.err
}

func (m *mockBackend) LikeChat(context.Context, string) error {
	m.record("LikeChat")
	return m.err
}

func (m *mockBackend) UnlikeChat(context.Context, string) error {
	m.record("UnlikeChat")
	return m.err
}

// staticSession は固定の状態を返すSession。
type staticSession struct {
	state session.State
}

func (s staticSession) State() session.State { return s.state }

var (
	_ Backend       = (*mockBackend)(nil)
	_ Backend       = (*api.Client)(nil)
	_ Session       = (*session.Manager)(nil)
	_ LinkValidator = (*security.LinkGuard)(nil)
)

func signedIn() staticSession {
	return staticSession{state: session.State{User: &model.User{ID: "u1"}, IsAuthenticated: true}}
}

func newService(backend *mockBackend, s Session) *Service {
	return NewService(backend, s, security.NewLinkGuard(0), nil)
}

func TestDetectChatType(t *testing.T) {
	tests := []struct {
		url  string
		want model.ChatType
	}{
		{"https://claude.ai/share/a4c020d8-66a5-4f66-a655-b9e25244d78c", model.ChatTypeClaude},
		{"https://CLAUDE.AI/share/x", model.ChatTypeClaude},
		{"https://copilot.microsoft.com/shares/1PavwW8cBhKsH9wEzCb4E", model.ChatTypeCopilot},
		{"https://www.bing.com/chat?share=1", model.ChatTypeCopilot},
		{"https://chatgpt.com/share/69466abd", model.ChatTypeChatGPT},
		{"https://chat.openai.com/share/abc", model.ChatTypeChatGPT},
		{"https://example.com/other", model.ChatTypeChatGPT},
	}
	for _, tt := range tests {
		if got := DetectChatType(tt.url); got != tt.want {
			t.Errorf("DetectChatType(%q) = %s, want %s", tt.url, got, tt.want)
		}
	}
}

func TestService_Register(t *testing.T) {
	backend := &mockBackend{}
	s := newService(backend, signedIn())

	chat, err := s.Register(context.Background(), RegisterInput{
		PublicLink: "  https://claude.ai/share/abc  ",
		CategoryID: "cat-1",
		Title:      "  Go concurrency  ",
	})
	if err != nil {
		t.Fatalf("Register がエラーを返した: %v", err)
	}
	if chat.ID != "c1" {
		t.Errorf("ID = %q", chat.ID)
	}
	req := backend.registered
	if req.Title != "Go concurrency" || req.PublicLink != "https://claude.ai/share/abc" || req.ChatType != model.ChatTypeClaude {
		t.Errorf("送信内容 = %+v", req)
	}
}

func TestService_Register_Validation(t *testing.T) {
	tests := []struct {
		name string
		in   RegisterInput
		want string
	}{
		{"category", RegisterInput{Title: "t", PublicLink: "https://claude.ai/share/x"}, "Please select a category"},
		{"title", RegisterInput{CategoryID: "c", Title: "  ", PublicLink: "https://claude.ai/share/x"}, "Please enter a title"},
		{"url missing", RegisterInput{CategoryID: "c", Title: "t"}, "Please paste a chat URL"},
		{"url invalid", RegisterInput{CategoryID: "c", Title: "t", PublicLink: "claude.ai/share/x"}, "Please enter a valid URL"},
		{"url private", RegisterInput{CategoryID: "c", Title: "t", PublicLink: "http://192.168.0.1/share"}, "Please enter a valid URL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := &mockBackend{}
			_, err := newService(backend, signedIn()).Register(context.Background(), tt.in)
			if !IsValidationError(err) {
				t.Fatalf("エラー = %v, want 検証エラー", err)
			}
			if model.UserMessage(err) != tt.want {
				t.Errorf("文言 = %q, want %q", model.UserMessage(err), tt.want)
			}
			if len(backend.calls) != 0 {
				t.Errorf("検証エラー時にバックエンドを呼んだ: %v", backend.calls)
			}
		})
	}
}

func TestService_AuthRequiredOperations(t *testing.T) {
	ctx := context.Background()
	ops := map[string]func(s *Service) error{
		"register": func(s *Service) error {
			_, err := s.Register(ctx, RegisterInput{CategoryID: "c", Title: "t", PublicLink: "https://claude.ai/share/x"})
			return err
		},
		"edit": func(s *Service) error {
			title := "new"
			_, err := s.Edit(ctx, "c1", model.UpdateChatRequest{Title: &title})
			return err
		},
		"delete":    func(s *Service) error { return s.Delete(ctx, "c1") },
		"favorite":  func(s *Service) error { return s.SetFavorite(ctx, "c1", true) },
		"like":      func(s *Service) error { return s.SetLike(ctx, "c1", true) },
		"favorites": func(s *Service) error { _, err := s.Favorites(ctx, 1, 20); return err },
		"history":   func(s *Service) error { _, err := s.History(ctx, 1, 20); return err },
		"toggle":    func(s *Service) error { _, err := s.ToggleFavorite(ctx, "c1"); return err },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			backend := &mockBackend{}
			err := op(newService(backend, staticSession{}))
			if !errors.Is(err, model.ErrLoginRequired) {
				t.Errorf("エラー = %v, want LoginRequired", err)
			}
			if len(backend.calls) != 0 {
				t.Errorf("未ログイン時にバックエンドを呼んだ: %v", backend.calls)
			}
		})
	}
}

func TestService_TimelineDoesNotRequireLogin(t *testing.T) {
	backend := &mockBackend{page: &api.ChatPage{Chats: []model.Chat{{ID: "c1"}}}}
	page, err := newService(backend, staticSession{}).Timeline(context.Background(), 1, 20)
	if err != nil || len(page.Chats) != 1 {
		t.Errorf("Timeline = (%v, %v)", page, err)
	}
}

func TestService_Edit(t *testing.T) {
	backend := &mockBackend{}
	s := newService(backend, signedIn())

	if _, err := s.Edit(context.Background(), "c1", model.UpdateChatRequest{}); !IsValidationError(err) {
		t.Errorf("変更なし = %v, want 検証エラー", err)
	}
	empty := "   "
	if _, err := s.Edit(context.Background(), "c1", model.UpdateChatRequest{Title: &empty}); !IsValidationError(err) {
		t.Errorf("空タイトル = %v, want 検証エラー", err)
	}

	title := "  Renamed  "
	public := false
	if _, err := s.Edit(context.Background(), "c1", model.UpdateChatRequest{Title: &title, IsPublic: &public}); err != nil {
		t.Fatalf("Edit がエラーを返した: %v", err)
	}
	if *backend.updated.Title != "Renamed" || *backend.updated.IsPublic {
		t.Errorf("送信内容 = %+v", backend.updated)
	}
}

func TestService_InvalidID(t *testing.T) {
	s := newService(&mockBackend{}, signedIn())
	for _, id := range []string{"", "  ", "../admin", "c1?x=1"} {
		if err := s.Delete(context.Background(), id); !IsValidationError(err) {
			t.Errorf("Delete(%q) = %v, want 検証エラー", id, err)
		}
	}
}

func TestService_ToggleFavorite(t *testing.T) {
	backend := &mockBackend{chat: &model.Chat{ID: "c1", IsFavorited: true}}
	s := newService(backend, signedIn())

	got, err := s.ToggleFavorite(context.Background(), "c1")
	if err != nil || got {
		t.Errorf("ToggleFavorite = (%v, %v), want (false, nil)", got, err)
	}
	if backend.calls[len(backend.calls)-1] != "RemoveFavorite" {
		t.Errorf("呼び出し = %v", backend.calls)
	}

	backend.chat.IsFavorited = false
	if got, _ := s.ToggleFavorite(context.Background(), "c1"); !got {
		t.Error("未登録ならお気に入りに追加する")
	}
	if backend.calls[len(backend.calls)-1] != "AddFavorite" {
		t.Errorf("呼び出し = %v", backend.calls)
	}
}

func TestService_Search(t *testing.T) {
	backend := &mockBackend{page: &api.ChatPage{}}
	s := newService(backend, staticSession{})

	if _, err := s.Search(context.Background(), "   ", 1, 20); !IsValidationError(err) {
		t.Errorf("空キーワード = %v, want 検証エラー", err)
	}
	if _, err := s.Search(context.Background(), " golang ", 1, 20); err != nil {
		t.Fatalf("Search がエラーを返した: %v", err)
	}
	if backend.searchQuery != "golang" {
		t.Errorf("query = %q, want golang", backend.searchQuery)
	}
}

func TestService_Categories(t *testing.T) {
	backend := &mockBackend{categories: []model.Category{
		{ID: "3", Name: "Writing", Slug: "writing", SortOrder: 2, IsActive: true},
		{ID: "1", Name: "Programming", Slug: "programming", SortOrder: 1, IsActive: true},
		{ID: "2", Name: "Archived", Slug: "archived", SortOrder: 0, IsActive: false},
		{ID: "4", Name: "Business", Slug: "business", SortOrder: 2, IsActive: true},
	}}
	s := newService(backend, staticSession{})

	got, err := s.Categories(context.Background())
	if err != nil {
		t.Fatalf("Categories がエラーを返した: %v", err)
	}
	want := []string{"1", "4", "3"}
	if len(got) != len(want) {
		t.Fatalf("件数 = %d, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].ID != id {
			t.Errorf("got[%d] = %s, want %s", i, got[i].ID, id)
		}
	}

	c, err := s.ResolveCategory(context.Background(), "PROGRAMMING")
	if err != nil || c.ID != "1" {
		t.Errorf("ResolveCategory = (%v, %v)", c, err)
	}
	if _, err := s.ResolveCategory(context.Background(), "archived"); !IsValidationError(err) {
		t.Errorf("無効なカテゴリ = %v, want 検証エラー", err)
	}
}

func TestService_BackendErrorPropagates(t *testing.T) {
	backend := &mockBackend{err: model.NewError(model.KindUnauthorized, "session expired, please log in again", nil)}
	_, err := newService(backend, signedIn()).History(context.Background(), 1, 20)
	if !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("エラー = %v, want Unauthorized", err)
	}
}
