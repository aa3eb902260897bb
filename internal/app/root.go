package app

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/hitoshi/chatshare/internal/auth"
	"github.com/hitoshi/chatshare/internal/config"
	"github.com/hitoshi/chatshare/internal/logger"
	"github.com/hitoshi/chatshare/internal/model"
	"github.com/hitoshi/chatshare/internal/output"
)

// コマンドのアノテーション
const (
	// annotationNoApp はAppの生成（データディレクトリの作成など）を行わないコマンドに付ける。
	annotationNoApp = "chatshare/no-app"
	// annotationNoBootstrap は起動時のセッション復元を行わないコマンドに付ける。
	annotationNoBootstrap = "chatshare/no-bootstrap"
)

// browserOverride はテストでブラウザ起動を差し替えるためのフック。
var browserOverride auth.Browser

// cli はコマンド実行中の状態を保持する。
type cli struct {
	stdout io.Writer
	stderr io.Writer

	verbose   bool
	colorMode string

	// started はPersistentPreRunEまで到達したかどうか。
	started bool
	cfg     *config.Config
	app     *App
	closers []func()
}

// titledError は表示時のタイトルを持つエラー。
type titledError struct {
	title string
	err   error
}

func (e *titledError) Error() string { return e.title + ": " + e.err.Error() }
func (e *titledError) Unwrap() error { return e.err }

func withTitle(title string, err error) error {
	if err == nil {
		return nil
	}
	return &titledError{title: title, err: err}
}

func (c *cli) close() {
	if c.app != nil {
		c.app.Close()
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// printer はAppがあればそのPrinterを、なければフラグから生成したPrinterを返す。
func (c *cli) printer() *output.Printer {
	if c.app != nil {
		return c.app.Printer
	}
	mode, err := output.ParseColorMode(c.colorMode)
	if err != nil {
		mode = output.ColorAuto
	}
	return output.NewPrinter(c.stdout, c.stderr, output.ResolveColors(mode))
}

func (c *cli) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "chatshare",
		Short: "Share and discover AI chat conversations",
		Long: `chatshare is a command line client for ChatShare.

Sign in with Google or LINE, then browse, search and share public links
to AI conversations (ChatGPT, Claude, Copilot).

Example usage:
  chatshare login line          # Sign in with LINE
  chatshare timeline            # Show the latest shared chats
  chatshare register --url https://chatgpt.com/share/... --category dev --title "..."
  chatshare whoami              # Show the current session`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: c.preRun,
	}

	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "write debug logs to stderr")
	root.PersistentFlags().StringVar(&c.colorMode, "color", "auto", "colorize output: auto, always or never")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return err
	})

	root.AddCommand(
		c.loginCommand(),
		c.logoutCommand(),
		c.whoamiCommand(),
		c.refreshCommand(),
		c.callbackCommand(),
		c.serveCallbackCommand(),
		c.timelineCommand(),
		c.favoritesCommand(),
		c.historyCommand(),
		c.searchCommand(),
		c.showCommand(),
		c.categoriesCommand(),
		c.registerCommand(),
		c.editCommand(),
		c.deleteCommand(),
		c.favoriteCommand(),
		c.likeCommand(),
		c.diagnoseCommand(),
		c.versionCommand(),
	)
	return root
}

// preRun は設定の読み込み、ログ出力先の決定、Appの生成、セッションの復元を行う。
func (c *cli) preRun(cmd *cobra.Command, _ []string) error {
	c.started = true

	mode, err := output.ParseColorMode(c.colorMode)
	if err != nil {
		return model.NewValidationError(err.Error())
	}
	if cmd.Annotations[annotationNoApp] == "true" {
		return nil
	}

	prev := slog.Default()
	c.closers = append(c.closers, func() { slog.SetDefault(prev) })

	cfg, err := Init(c.stderr)
	if err != nil {
		return withTitle("Configuration Error", model.NewError(model.KindConfiguration, err.Error(), err))
	}
	c.cfg = cfg

	w, level, closeLog, err := openLogOutput(cfg, c.verbose, c.stderr)
	if err != nil {
		return withTitle("Configuration Error", model.NewError(model.KindConfiguration, err.Error(), err))
	}
	c.closers = append(c.closers, closeLog)
	log := logger.SetupDefault(w, level)

	a, err := New(cfg, Options{
		Out:     c.stdout,
		ErrOut:  c.stderr,
		Colors:  output.ResolveColors(mode),
		Logger:  log,
		Browser: browserOverride,
	})
	if err != nil {
		return withTitle("Startup Error", model.NewError(model.KindConfiguration, "Could not prepare "+cfg.DataDir, err))
	}
	c.app = a

	log.Debug("command starting",
		slog.String("command", cmd.CommandPath()),
		slog.String("api_base_url", cfg.APIBaseURL),
		slog.String("data_dir", cfg.DataDir),
	)

	if cmd.Annotations[annotationNoBootstrap] == "true" {
		return nil
	}
	a.Session.Bootstrap(cmd.Context())
	return nil
}

// args は引数の数を検証し、誤りを入力エラーとして返す。
func args(n int, usage string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, a []string) error {
		if len(a) != n {
			return model.NewValidationError(fmt.Sprintf("usage: %s %s", cmd.CommandPath(), usage))
		}
		return nil
	}
}
