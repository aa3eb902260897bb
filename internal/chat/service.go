// Package chat は共有チャットの登録・閲覧・お気に入りのユースケースを提供する。
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/hitoshi/chatshare/internal/api"
	"github.com/hitoshi/chatshare/internal/gate"
	"github.com/hitoshi/chatshare/internal/model"
	"github.com/hitoshi/chatshare/internal/session"
)

const (
	maxTitleLength       = 200
	maxDescriptionLength = 1000
)

// Backend はチャット機能に使うバックエンドAPI。api.Clientが実装する。
type Backend interface {
	Categories(ctx context.Context) ([]model.Category, error)
	PublicChats(ctx context.Context, page, pageSize int) (*api.ChatPage, error)
	MyChats(ctx context.Context, page, pageSize int) (*api.ChatPage, error)
	FavoriteChats(ctx context.Context, page, pageSize int) (*api.ChatPage, error)
	SearchChats(ctx context.Context, query string, page, pageSize int) (*api.ChatPage, error)
	ChatByID(ctx context.Context, id string) (*model.Chat, error)
	RegisterChat(ctx context.Context, req model.RegisterChatRequest) (*model.Chat, error)
	UpdateChat(ctx context.Context, id string, req model.UpdateChatRequest) (*model.Chat, error)
	DeleteChat(ctx context.Context, id string) error
	AddFavorite(ctx context.Context, id string) error
	RemoveFavorite(ctx context.Context, id string) error
	LikeChat(ctx context.Context, id string) error
	UnlikeChat(ctx context.Context, id string) error
}

// Session は現在のセッション状態を返す。session.Managerが実装する。
type Session interface {
	State() session.State
}

// LinkValidator は公開リンクを検証する。security.LinkGuardが実装する。
type LinkValidator interface {
	ValidateLink(rawURL string) error
}

// RegisterInput はチャット登録の入力。
type RegisterInput struct {
	PublicLink  string
	CategoryID  string
	Title       string
	Description string
}

// Service はチャットのユースケース層。
// 認証が必要な操作はゲートを通過していても必ずセッションを確認する。
type Service struct {
	backend Backend
	session Session
	links   LinkValidator
	logger  *slog.Logger
}

// NewService はServiceを生成する。
func NewService(backend Backend, session Session, links LinkValidator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{backend: backend, session: session, links: links, logger: logger}
}

// DetectChatType は公開リンクのURLからチャットの種類を判定する。
// どれにも一致しない場合はChatGPTとみなす。
func DetectChatType(rawURL string) model.ChatType {
	lower := strings.ToLower(rawURL)
	switch {
	case strings.Contains(lower, "claude.ai"):
		return model.ChatTypeClaude
	case strings.Contains(lower, "copilot.microsoft.com"), strings.Contains(lower, "bing.com/chat"):
		return model.ChatTypeCopilot
	default:
		return model.ChatTypeChatGPT
	}
}

func (s *Service) requireAuth(action string) error {
	return gate.RequireAuth(s.session.State(), action)
}

// Register はチャットリンクを登録する。
// 検証順: ログイン → カテゴリ → タイトル → URL
func (s *Service) Register(ctx context.Context, in RegisterInput) (*model.Chat, error) {
	if err := s.requireAuth("register a chat"); err != nil {
		return nil, err
	}

	in.CategoryID = strings.TrimSpace(in.CategoryID)
	in.Title = strings.TrimSpace(in.Title)
	in.PublicLink = strings.TrimSpace(in.PublicLink)
	in.Description = strings.TrimSpace(in.Description)

	switch {
	case in.CategoryID == "":
		return nil, model.NewValidationError("Please select a category")
	case in.Title == "":
		return nil, model.NewValidationError("Please enter a title")
	case len([]rune(in.Title)) > maxTitleLength:
		return nil, model.NewValidationError(fmt.Sprintf("Title must be %d characters or less", maxTitleLength))
	case len([]rune(in.Description)) > maxDescriptionLength:
		return nil, model.NewValidationError(fmt.Sprintf("Description must be %d characters or less", maxDescriptionLength))
	case in.PublicLink == "":
		return nil, model.NewValidationError("Please paste a chat URL")
	}
	if err := s.links.ValidateLink(in.PublicLink); err != nil {
		s.logger.Info("rejected chat link", slog.String("error", err.Error()))
		return nil, model.NewValidationError("Please enter a valid URL")
	}

	chat, err := s.backend.RegisterChat(ctx, model.RegisterChatRequest{
		PublicLink:  in.PublicLink,
		CategoryID:  in.CategoryID,
		Title:       in.Title,
		Description: in.Description,
		ChatType:    DetectChatType(in.PublicLink),
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("chat registered",
		slog.String("chat_id", chat.ID),
		slog.String("chat_type", string(chat.ChatType)),
	)
	return chat, nil
}

// Edit は自分のチャットを編集する。nilの項目は変更しない。
func (s *Service) Edit(ctx context.Context, id string, req model.UpdateChatRequest) (*model.Chat, error) {
	if err := s.requireAuth("edit a chat"); err != nil {
		return nil, err
	}
	if err := validateID(id); err != nil {
		return nil, err
	}
	if req.Title == nil && req.Description == nil && req.CategoryID == nil && req.IsPublic == nil {
		return nil, model.NewValidationError("Nothing to update")
	}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return nil, model.NewValidationError("Please enter a title")
		}
		if len([]rune(title)) > maxTitleLength {
			return nil, model.NewValidationError(fmt.Sprintf("Title must be %d characters or less", maxTitleLength))
		}
		req.Title = &title
	}
	return s.backend.UpdateChat(ctx, id, req)
}

// Delete は自分のチャットを削除する。
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.requireAuth("delete a chat"); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}
	if err := s.backend.DeleteChat(ctx, id); err != nil {
		return err
	}
	s.logger.Info("chat deleted", slog.String("chat_id", id))
	return nil
}

// SetFavorite はお気に入りを登録または解除する。
func (s *Service) SetFavorite(ctx context.Context, id string, favorite bool) error {
	if err := s.requireAuth("save favorites"); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}
	if favorite {
		return s.backend.AddFavorite(ctx, id)
	}
	return s.backend.RemoveFavorite(ctx, id)
}

// ToggleFavorite は現在のお気に入り状態を反転し、新しい状態を返す。
func (s *Service) ToggleFavorite(ctx context.Context, id string) (bool, error) {
	if err := s.requireAuth("save favorites"); err != nil {
		return false, err
	}
	chat, err := s.Detail(ctx, id)
	if err != nil {
		return false, err
	}
	next := !chat.IsFavorited
	if err := s.SetFavorite(ctx, id, next); err != nil {
		return chat.IsFavorited, err
	}
	return next, nil
}

// SetLike は「いいね」を付ける、または外す。
func (s *Service) SetLike(ctx context.Context, id string, like bool) error {
	if err := s.requireAuth("like a chat"); err != nil {
		return err
	}
	if err := validateID(id); err != nil {
		return err
	}
	if like {
		return s.backend.LikeChat(ctx, id)
	}
	return s.backend.UnlikeChat(ctx, id)
}

// Timeline は公開チャットを取得する。ログインは不要。
func (s *Service) Timeline(ctx context.Context, page, pageSize int) (*api.ChatPage, error) {
	return s.backend.PublicChats(ctx, page, pageSize)
}

// Favorites はお気に入りのチャットを取得する。
func (s *Service) Favorites(ctx context.Context, page, pageSize int) (*api.ChatPage, error) {
	if err := s.requireAuth("view favorites"); err != nil {
		return nil, err
	}
	return s.backend.FavoriteChats(ctx, page, pageSize)
}

// History は自分が登録したチャットを取得する。
func (s *Service) History(ctx context.Context, page, pageSize int) (*api.ChatPage, error) {
	if err := s.requireAuth("view your history"); err != nil {
		return nil, err
	}
	return s.backend.MyChats(ctx, page, pageSize)
}

// Search はキーワードでチャットを検索する。
func (s *Service) Search(ctx context.Context, query string, page, pageSize int) (*api.ChatPage, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, model.NewValidationError("Please enter a search keyword")
	}
	return s.backend.SearchChats(ctx, query, page, pageSize)
}

// Detail はチャットを1件取得する。
func (s *Service) Detail(ctx context.Context, id string) (*model.Chat, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	return s.backend.ChatByID(ctx, id)
}

// Categories はカテゴリ一覧を表示順に返す。無効なカテゴリは除く。
func (s *Service) Categories(ctx context.Context) ([]model.Category, error) {
	categories, err := s.backend.Categories(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]model.Category, 0, len(categories))
	for _, c := range categories {
		if c.IsActive {
			active = append(active, c)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		if active[i].SortOrder != active[j].SortOrder {
			return active[i].SortOrder < active[j].SortOrder
		}
		return active[i].Name < active[j].Name
	})
	return active, nil
}

// ResolveCategory はIDまたはスラッグ・名前からカテゴリを探す。
func (s *Service) ResolveCategory(ctx context.Context, key string) (*model.Category, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, model.NewValidationError("Please select a category")
	}
	categories, err := s.Categories(ctx)
	if err != nil {
		return nil, err
	}
	for i := range categories {
		c := &categories[i]
		if c.ID == key || strings.EqualFold(c.Slug, key) || strings.EqualFold(c.Name, key) {
			return c, nil
		}
	}
	return nil, model.NewValidationError(fmt.Sprintf("Unknown category %q", key))
}

func validateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return model.NewValidationError("Chat ID is required")
	}
	if strings.ContainsAny(id, "/?#") {
		return model.NewValidationError("Invalid chat ID")
	}
	return nil
}

// IsValidationError は入力値の検証エラーかを判定する。
func IsValidationError(err error) bool {
	return errors.Is(err, model.ErrValidation)
}
