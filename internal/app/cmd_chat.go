package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitoshi/chatshare/internal/api"
	"github.com/hitoshi/chatshare/internal/chat"
	"github.com/hitoshi/chatshare/internal/gate"
	"github.com/hitoshi/chatshare/internal/model"
	"github.com/hitoshi/chatshare/internal/output"
)

const (
	titleColumnWidth       = 48
	descriptionPreviewSize = 400
)

// pageFlags は一覧系コマンド共通のページングフラグ。
type pageFlags struct {
	page  int
	limit int
}

func (f *pageFlags) bind(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.page, "page", 1, "page number")
	cmd.Flags().IntVar(&f.limit, "limit", 20, "number of chats per page")
}

func (f *pageFlags) validate() error {
	if f.page < 1 {
		return model.NewValidationError("--page must be 1 or greater")
	}
	if f.limit < 1 || f.limit > 100 {
		return model.NewValidationError("--limit must be between 1 and 100")
	}
	return nil
}

// listCommand はチャット一覧を表示するコマンドを生成する。
func (c *cli) listCommand(use, short, empty string, fetch func(ctx context.Context, page, limit int) (*api.ChatPage, error)) *cobra.Command {
	var pf pageFlags
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args(0, ""),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := pf.validate(); err != nil {
				return err
			}
			page, err := fetch(cmd.Context(), pf.page, pf.limit)
			if err != nil {
				return err
			}
			return c.renderChats(page, empty)
		},
	}
	pf.bind(cmd)
	return cmd
}

func (c *cli) timelineCommand() *cobra.Command {
	return c.listCommand("timeline", "Show the latest public chats", "No chats yet.", func(ctx context.Context, page, limit int) (*api.ChatPage, error) {
		return c.app.Chats.Timeline(ctx, page, limit)
	})
}

func (c *cli) favoritesCommand() *cobra.Command {
	return c.listCommand("favorites", "Show your favorite chats", "You have no favorites yet.", func(ctx context.Context, page, limit int) (*api.ChatPage, error) {
		return c.app.Chats.Favorites(ctx, page, limit)
	})
}

func (c *cli) historyCommand() *cobra.Command {
	return c.listCommand("history", "Show the chats you have shared", "You have not shared any chats yet.", func(ctx context.Context, page, limit int) (*api.ChatPage, error) {
		return c.app.Chats.History(ctx, page, limit)
	})
}

func (c *cli) searchCommand() *cobra.Command {
	var pf pageFlags
	cmd := &cobra.Command{
		Use:   "search <keyword>",
		Short: "Search chats by keyword",
		Args: func(cmd *cobra.Command, a []string) error {
			if len(a) == 0 {
				return model.NewValidationError("Please enter a search keyword")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, a []string) error {
			if err := pf.validate(); err != nil {
				return err
			}
			page, err := c.app.Chats.Search(cmd.Context(), strings.Join(a, " "), pf.page, pf.limit)
			if err != nil {
				return err
			}
			return c.renderChats(page, "No chats matched your search.")
		},
	}
	pf.bind(cmd)
	return cmd
}

func (c *cli) renderChats(page *api.ChatPage, empty string) error {
	p := c.app.Printer
	if len(page.Chats) == 0 {
		p.Info("%s", empty)
		return nil
	}

	t := output.NewTable(p.Out(), []string{"ID", "Title", "Type", "Category", "Author", "Likes"})
	for _, ch := range page.Chats {
		category := ""
		if ch.Category != nil {
			category = c.app.Text.Clean(ch.Category.Name)
		}
		author := ""
		if ch.User != nil {
			author = c.app.Text.Clean(ch.User.Name)
		}
		title := c.app.Text.Truncate(ch.Title, titleColumnWidth)
		if ch.IsFavorited {
			title = "★ " + title
		}
		t.AddRow(ch.ID, title, string(ch.ChatType), category, author, strconv.Itoa(ch.GoodCount))
	}
	if err := t.Render(); err != nil {
		return err
	}

	if pg := page.Pagination; pg != nil && pg.TotalPages > 1 {
		p.Print("%s", p.Dim(fmt.Sprintf("Page %d of %d (%d chats). Use --page to see more.", pg.Page, pg.TotalPages, pg.Total)))
	}
	return nil
}

func (c *cli) showCommand() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a chat",
		Args:  args(1, "<id>"),
		RunE: func(cmd *cobra.Command, a []string) error {
			ch, err := c.app.Chats.Detail(cmd.Context(), a[0])
			if err != nil {
				return err
			}
			c.printChat(ch)
			if check {
				c.printLinkStatus(cmd.Context(), ch.PublicLink)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "check that the shared link is still reachable")
	return cmd
}

func (c *cli) printChat(ch *model.Chat) {
	p := c.app.Printer
	text := c.app.Text

	p.Header(text.Clean(ch.Title))
	p.Print("  ID:        %s", ch.ID)
	p.Print("  Link:      %s", text.Clean(ch.PublicLink))
	if ch.ChatType != "" {
		p.Print("  Type:      %s", ch.ChatType)
	}
	if ch.Category != nil {
		p.Print("  Category:  %s", text.Clean(ch.Category.Name))
	}
	if ch.User != nil {
		p.Print("  Author:    %s", text.Clean(ch.User.Name))
	}
	p.Print("  Likes:     %d   Views: %d   Favorites: %d", ch.GoodCount, ch.ViewCount, ch.FavoriteCount)
	if !ch.CreatedAt.IsZero() {
		p.Print("  Shared:    %s", ch.CreatedAt.Local().Format(time.DateTime))
	}
	p.Print("  Status:    %s %s", p.Badge(ch.IsPublic, visibility(ch.IsPublic)), p.Badge(ch.IsFavorited, "favorite"))
	if ch.Description != "" {
		p.Print("")
		p.Print("%s", text.Truncate(ch.Description, descriptionPreviewSize))
	}
}

func visibility(public bool) string {
	if public {
		return "public"
	}
	return "private"
}

func (c *cli) printLinkStatus(ctx context.Context, link string) {
	p := c.app.Printer
	st, err := c.app.Links.CheckReachable(ctx, link)
	if err != nil {
		p.Warning("Could not reach the shared link: %s", c.app.Text.Clean(err.Error()))
		return
	}
	p.Print("  Reachable: %s %s", p.Badge(st.Reachable, strconv.Itoa(st.StatusCode)), p.Dim(st.Latency.Round(time.Millisecond).String()))
}

func (c *cli) categoriesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "categories",
		Short: "List chat categories",
		Args:  args(0, ""),
		Annotations: map[string]string{
			annotationNoBootstrap: "true",
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			categories, err := c.app.Chats.Categories(cmd.Context())
			if err != nil {
				return err
			}
			if len(categories) == 0 {
				c.app.Printer.Info("No categories available.")
				return nil
			}
			t := output.NewTable(c.app.Printer.Out(), []string{"ID", "Slug", "Name", "Description"})
			for _, cat := range categories {
				t.AddRow(cat.ID, cat.Slug, c.app.Text.Clean(cat.Name), c.app.Text.Truncate(cat.Description, titleColumnWidth))
			}
			return t.Render()
		},
	}
}

func (c *cli) registerCommand() *cobra.Command {
	var (
		in    chat.RegisterInput
		check bool
	)
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Share a public link to an AI chat",
		Example: `  chatshare register --url https://chatgpt.com/share/abc --category programming --title "Go generics"
  chatshare register --url https://claude.ai/share/xyz --category 3 --title "Trip plan" --description "Kyoto in 3 days"`,
		Args: args(0, ""),
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if err := gate.RequireAuth(c.app.Session.State(), "register a chat"); err != nil {
				return err
			}
			if in.CategoryID != "" {
				cat, err := c.app.Chats.ResolveCategory(ctx, in.CategoryID)
				if err != nil {
					return err
				}
				in.CategoryID = cat.ID
			}
			if check && strings.TrimSpace(in.PublicLink) != "" {
				c.warnUnreachable(ctx, in.PublicLink)
			}

			ch, err := c.app.Chats.Register(ctx, in)
			if err != nil {
				return withTitle("Registration Failed", err)
			}
			c.app.Printer.Success("Shared %q (%s)", c.app.Text.Clean(ch.Title), ch.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&in.PublicLink, "url", "", "public share link of the chat")
	cmd.Flags().StringVar(&in.CategoryID, "category", "", "category ID, slug or name")
	cmd.Flags().StringVar(&in.Title, "title", "", "title (up to 200 characters)")
	cmd.Flags().StringVar(&in.Description, "description", "", "description (up to 1000 characters)")
	cmd.Flags().BoolVar(&check, "check", false, "check that the link is reachable before sharing")
	return cmd
}

// warnUnreachable は到達できないリンクを警告する。登録は止めない。
func (c *cli) warnUnreachable(ctx context.Context, link string) {
	if err := c.app.Links.ValidateLink(link); err != nil {
		return
	}
	st, err := c.app.Links.CheckReachable(ctx, link)
	switch {
	case err != nil:
		c.app.Printer.Warning("Could not reach the link. It will be shared anyway.")
	case !st.Reachable:
		c.app.Printer.Warning("The link returned status %d. It will be shared anyway.", st.StatusCode)
	}
}

func (c *cli) editCommand() *cobra.Command {
	var (
		title, description, category string
		public                       bool
	)
	cmd := &cobra.Command{
		Use:   "edit <id>",
		Short: "Edit a chat you shared",
		Args:  args(1, "<id>"),
		RunE: func(cmd *cobra.Command, a []string) error {
			ctx := cmd.Context()
			var req model.UpdateChatRequest
			flags := cmd.Flags()
			if flags.Changed("title") {
				req.Title = &title
			}
			if flags.Changed("description") {
				req.Description = &description
			}
			if flags.Changed("public") {
				req.IsPublic = &public
			}
			if flags.Changed("category") {
				if err := gate.RequireAuth(c.app.Session.State(), "edit a chat"); err != nil {
					return err
				}
				cat, err := c.app.Chats.ResolveCategory(ctx, category)
				if err != nil {
					return err
				}
				req.CategoryID = &cat.ID
			}

			ch, err := c.app.Chats.Edit(ctx, a[0], req)
			if err != nil {
				return withTitle("Update Failed", err)
			}
			c.app.Printer.Success("Updated %q", c.app.Text.Clean(ch.Title))
			return nil
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "new title")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().StringVar(&category, "category", "", "new category ID, slug or name")
	cmd.Flags().BoolVar(&public, "public", true, "make the chat public (--public=false to hide it)")
	return cmd
}

func (c *cli) deleteCommand() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a chat you shared",
		Args:  args(1, "<id>"),
		RunE: func(cmd *cobra.Command, a []string) error {
			if !yes {
				return model.NewValidationError("Deleting cannot be undone. Pass --yes to confirm.")
			}
			if err := c.app.Chats.Delete(cmd.Context(), a[0]); err != nil {
				return withTitle("Delete Failed", err)
			}
			c.app.Printer.Success("Deleted %s", a[0])
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm deletion")
	return cmd
}

func (c *cli) favoriteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "favorite <id>",
		Short: "Add or remove a chat from your favorites",
		Args:  args(1, "<id>"),
		RunE: func(cmd *cobra.Command, a []string) error {
			favorited, err := c.app.Chats.ToggleFavorite(cmd.Context(), a[0])
			if err != nil {
				return err
			}
			if favorited {
				c.app.Printer.Success("Added to favorites")
			} else {
				c.app.Printer.Success("Removed from favorites")
			}
			return nil
		},
	}
}

func (c *cli) likeCommand() *cobra.Command {
	var undo bool
	cmd := &cobra.Command{
		Use:   "like <id>",
		Short: "Like a chat",
		Args:  args(1, "<id>"),
		RunE: func(cmd *cobra.Command, a []string) error {
			if err := c.app.Chats.SetLike(cmd.Context(), a[0], !undo); err != nil {
				return err
			}
			if undo {
				c.app.Printer.Success("Like removed")
			} else {
				c.app.Printer.Success("Liked")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&undo, "undo", false, "remove your like")
	return cmd
}
