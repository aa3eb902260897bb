package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hitoshi/chatshare/internal/auth"
	"github.com/hitoshi/chatshare/internal/gate"
	"github.com/hitoshi/chatshare/internal/model"
	"github.com/hitoshi/chatshare/internal/session"
)

const shutdownTimeout = 5 * time.Second

// ログイン方法
const (
	loginGoogle = "google"
	loginLine   = "line"
	loginDemo   = "demo"
)

// startCallbackServer はループバックのコールバックサーバーを起動し、停止関数を返す。
func (c *cli) startCallbackServer() (func(), error) {
	addr, err := c.app.Server.Start()
	if err != nil {
		return nil, err
	}
	c.app.Logger.Debug("callback server ready", slog.String("addr", addr.String()))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := c.app.Server.Shutdown(ctx); err != nil {
			c.app.Logger.Warn("failed to stop callback server", slog.String("error", err.Error()))
		}
	}, nil
}

func (c *cli) loginCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "login [google|line|demo]",
		Short:     "Sign in to ChatShare",
		Long:      "Sign in with Google or LINE in your browser. 'demo' starts an offline demo session.",
		ValidArgs: []string{loginGoogle, loginLine, loginDemo},
		Args: func(cmd *cobra.Command, a []string) error {
			if len(a) > 1 {
				return model.NewValidationError("usage: chatshare login [google|line|demo]")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, a []string) error {
			p := c.app.Printer

			method := loginLine
			if c.app.Config.GoogleConfigured() {
				method = loginGoogle
			}
			if len(a) == 1 {
				method = a[0]
			}

			if st := c.app.Session.State(); gate.Route(st) == gate.MainStack {
				p.Info("Already logged in as %s. Run 'chatshare logout' to switch accounts.", c.displayName(st.User))
				return nil
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			switch method {
			case loginDemo:
				st := c.app.Session.DummyLogin(ctx)
				p.Success("Logged in as %s (demo session)", c.displayName(st.User))
				return nil
			case loginGoogle:
				return c.loginGoogle(ctx)
			case loginLine:
				return c.loginLine(ctx)
			default:
				return model.NewValidationError(fmt.Sprintf("unknown login method %q: use google, line or demo", method))
			}
		},
	}
}

func (c *cli) loginGoogle(ctx context.Context) error {
	stopServer, err := c.startCallbackServer()
	if err != nil {
		return withTitle("Google Login Failed", model.NewError(model.KindOther,
			"Could not start the local sign in listener on "+c.app.Config.CallbackAddr, err))
	}
	defer stopServer()

	if err := c.app.Session.Login(ctx); err != nil {
		return withTitle("Google Login Failed", err)
	}
	c.app.Printer.Success("Logged in as %s", c.displayName(c.app.Session.State().User))
	return nil
}

func (c *cli) loginLine(ctx context.Context) error {
	p := c.app.Printer

	// 別プロセスのserve-callbackがポートを使っていても、保存されたコールバックで完了できる
	if stopServer, err := c.startCallbackServer(); err != nil {
		c.app.Logger.Info("callback server not started", slog.String("error", err.Error()))
	} else {
		defer stopServer()
	}

	c.app.Line.OnTransition(func(_, to auth.LineState) {
		switch to {
		case auth.LineAwaitingCallback:
			p.Print("%s", p.Dim("Waiting for LINE login to complete in your browser..."))
		case auth.LineExchanging:
			p.Print("%s", p.Dim("Completing sign in..."))
		}
	})
	defer c.app.Line.OnTransition(nil)

	return c.reportLine(c.app.Session.LoginWithLine(ctx))
}

// reportLine はLINEログインの結果を表示する。キャンセルはエラーにしない。
func (c *cli) reportLine(result auth.LineResult) error {
	p := c.app.Printer
	switch result.Outcome {
	case auth.OutcomeSuccess:
		p.Success("Logged in as %s", c.displayName(c.app.Session.State().User))
		return nil
	case auth.OutcomeCancelled:
		p.Info("Login cancelled.")
		return nil
	default:
		return withTitle("LINE Login Failed", result.Err)
	}
}

func (c *cli) logoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and remove saved credentials",
		Args:  args(0, ""),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !c.app.Session.State().IsAuthenticated {
				c.app.Printer.Info("Not logged in.")
				return nil
			}
			if err := c.app.Session.Logout(cmd.Context()); err != nil {
				return withTitle("Logout Failed", err)
			}
			c.app.Printer.Success("Logged out")
			return nil
		},
	}
}

// whoamiOutput はwhoami --jsonの出力。
type whoamiOutput struct {
	Screen          gate.Screen `json:"screen"`
	IsAuthenticated bool        `json:"is_authenticated"`
	User            *model.User `json:"user,omitempty"`
}

func (c *cli) whoamiCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "whoami",
		Short: "Show the current session",
		Args:  args(0, ""),
		RunE: func(cmd *cobra.Command, _ []string) error {
			st := c.app.Session.State()
			screen := gate.Route(st)

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(whoamiOutput{Screen: screen, IsAuthenticated: st.IsAuthenticated, User: st.User})
			}

			p := c.app.Printer
			if screen != gate.MainStack {
				p.Info("Not logged in. Run 'chatshare login' to sign in.")
				return nil
			}
			c.printUser(st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

func (c *cli) printUser(st session.State) {
	p := c.app.Printer
	u := st.User
	p.Header(c.displayName(u))
	p.Print("  ID:        %s", u.ID)
	if u.Email != "" {
		p.Print("  Email:     %s", c.app.Text.Clean(u.Email))
	}
	provider := string(u.Provider)
	if u.Provider == model.ProviderDummy {
		provider += " " + p.Dim("(demo session)")
	}
	p.Print("  Provider:  %s", provider)
	if u.Role != "" {
		p.Print("  Role:      %s", c.app.Text.Clean(u.Role))
	}
	if u.LastLoginAt != nil {
		p.Print("  Last login: %s", u.LastLoginAt.Local().Format(time.DateTime))
	}
}

func (c *cli) displayName(u *model.User) string {
	if u == nil {
		return ""
	}
	if name := c.app.Text.Clean(u.Name); name != "" {
		return name
	}
	if u.Email != "" {
		return c.app.Text.Clean(u.Email)
	}
	return u.ID
}

func (c *cli) refreshCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Reload your profile from the server",
		Args:  args(0, ""),
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.app.Session.Refresh(cmd.Context()); err != nil {
				return withTitle("Refresh Failed", err)
			}
			c.printUser(c.app.Session.State())
			return nil
		},
	}
}

// callbackCommand はOSがカスタムスキームのURLで起動したときの入口。
// ログイン中の別プロセスが受け取れるよう、コールバックを保存する。
func (c *cli) callbackCommand() *cobra.Command {
	var complete bool
	cmd := &cobra.Command{
		Use:   "callback <url>",
		Short: "Handle a sign in callback URL (chatshare://auth/line/callback?...)",
		Args:  args(1, "<url>"),
		Annotations: map[string]string{
			annotationNoBootstrap: "true",
		},
		RunE: func(cmd *cobra.Command, a []string) error {
			ctx := cmd.Context()
			p := c.app.Printer

			handled, err := c.app.Listener.CheckInitialURL(ctx, a[0])
			if err != nil {
				return withTitle("Login Failed", model.NewError(model.KindOther, "Could not save the sign in callback", err))
			}
			if !handled {
				return model.NewValidationError("Not a ChatShare sign in callback URL")
			}

			if !complete {
				p.Success("Sign in callback received. Return to the terminal where you started the login.")
				return nil
			}

			c.app.Session.Bootstrap(ctx)
			result, ok := c.app.Session.ResumeLine(ctx)
			if !ok {
				p.Info("The callback was already picked up by a running login.")
				return nil
			}
			return c.reportLine(result)
		},
	}
	cmd.Flags().BoolVar(&complete, "complete", false, "finish the LINE login in this process")
	return cmd
}

func (c *cli) serveCallbackCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve-callback",
		Short: "Run the local sign in listener in the foreground",
		Long: `Run the loopback listener that receives sign in redirects.

Callbacks received while no login is waiting in this process are saved,
so a login running in another terminal can pick them up. Metrics are
served on /metrics.`,
		Args: args(0, ""),
		Annotations: map[string]string{
			annotationNoBootstrap: "true",
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			addr, err := c.app.Server.Start()
			if err != nil {
				return withTitle("Listener Failed", model.NewError(model.KindOther,
					"Could not listen on "+c.app.Config.CallbackAddr, err))
			}
			c.app.Printer.Success("Listening on http://%s (press Ctrl+C to stop)", addr.String())

			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := c.app.Server.Shutdown(shutdownCtx); err != nil {
				return err
			}
			c.app.Printer.Info("Stopped")
			return nil
		},
	}
}
