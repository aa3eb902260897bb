package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/chatshare/internal/api"
	"github.com/hitoshi/chatshare/internal/auth"
	"github.com/hitoshi/chatshare/internal/callback"
	"github.com/hitoshi/chatshare/internal/chat"
	"github.com/hitoshi/chatshare/internal/config"
	"github.com/hitoshi/chatshare/internal/deeplink"
	"github.com/hitoshi/chatshare/internal/logger"
	"github.com/hitoshi/chatshare/internal/metrics"
	"github.com/hitoshi/chatshare/internal/model"
	"github.com/hitoshi/chatshare/internal/output"
	"github.com/hitoshi/chatshare/internal/security"
	"github.com/hitoshi/chatshare/internal/session"
	"github.com/hitoshi/chatshare/internal/tokenstore"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, slog.LevelInfo)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたレベルで再設定する
	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))

	return cfg, nil
}

// Options はAppの生成オプション。
type Options struct {
	Out     io.Writer
	ErrOut  io.Writer
	Colors  bool
	Logger  *slog.Logger
	Browser auth.Browser // nilの場合はOS標準のブラウザを使う
}

// App はCLIが使う依存関係をまとめたコンテナ。
type App struct {
	Config    *config.Config
	Logger    *slog.Logger
	Printer   *output.Printer
	Metrics   *metrics.Collector
	Gatherer  prometheus.Gatherer
	Store     *tokenstore.Store
	Client    *api.Client
	Callbacks *callback.Registry
	Listener  *deeplink.Listener
	Server    *deeplink.Server
	Google    *auth.GoogleProvider
	Line      *auth.LineProvider
	Session   *session.Manager
	Chats     *chat.Service
	Links     *security.LinkGuard
	Text      *security.TextSanitizer
}

// New は全依存関係をワイヤリングしてAppを生成する。
func New(cfg *config.Config, opts Options) (*App, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.ErrOut == nil {
		opts.ErrOut = os.Stderr
	}
	browser := opts.Browser
	if browser == nil {
		browser = &auth.SystemBrowser{Out: opts.ErrOut}
	}

	// 1. メトリクス
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	// 2. Token Store
	storage, err := tokenstore.NewFileStorage(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	store := tokenstore.New(storage, log)

	// 3. バックエンドAPIクライアント
	client, err := api.NewClient(api.Config{
		BaseURL:    cfg.APIBaseURL,
		Timeout:    cfg.HTTPTimeout,
		RateLimit:  cfg.RateLimit,
		MaxRetries: cfg.HTTPRetries,
		Tokens:     store,
		Observer:   collector,
		Logger:     log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create api client: %w", err)
	}

	// 4. コールバックの受け口
	callbacks := callback.NewRegistry(store, log)
	listener := deeplink.NewListener(cfg.CallbackScheme, callbacks, collector, log)
	server := deeplink.NewServer(cfg.CallbackAddr, listener, reg, log)

	// 5. OAuthアダプタ
	signIner := auth.NewLoopbackSignIner(auth.LoopbackConfig{
		ClientID:    cfg.GoogleClientID,
		RedirectURL: cfg.GoogleRedirectURL,
		Timeout:     cfg.CallbackTimeout,
	}, callbacks, browser)
	google := auth.NewGoogleProvider(cfg.GoogleClientID, client, store, signIner, log)
	line := auth.NewLineProvider(client, store, callbacks, browser, auth.LineConfig{
		StrictState:     cfg.LineStrictState,
		CallbackTimeout: cfg.CallbackTimeout,
	}, log)

	// 6. セッションとチャット
	manager := session.NewManager(store, client, session.Providers{Google: google, Line: line}, collector, log)
	links := security.NewLinkGuard(cfg.HTTPTimeout)
	chats := chat.NewService(client, manager, links, log)

	return &App{
		Config:    cfg,
		Logger:    log,
		Printer:   output.NewPrinter(opts.Out, opts.ErrOut, opts.Colors),
		Metrics:   collector,
		Gatherer:  reg,
		Store:     store,
		Client:    client,
		Callbacks: callbacks,
		Listener:  listener,
		Server:    server,
		Google:    google,
		Line:      line,
		Session:   manager,
		Chats:     chats,
		Links:     links,
		Text:      security.NewTextSanitizer(),
	}, nil
}

// Close はコールバックの受け付けを終了する。
func (a *App) Close() {
	a.Listener.Close()
}

// openLogOutput はCLIのログ出力先を決める。
// verboseの場合は標準エラーにdebugレベルで出力し、それ以外はログファイルに追記する。
func openLogOutput(cfg *config.Config, verbose bool, stderr io.Writer) (io.Writer, slog.Level, func(), error) {
	level := logger.ParseLevel(cfg.LogLevel)
	if verbose {
		return stderr, slog.LevelDebug, func() {}, nil
	}
	if cfg.LogFile == "" {
		return stderr, level, func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o700); err != nil {
		return nil, level, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, level, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, level, func() { _ = f.Close() }, nil
}

// Run はアプリケーションのメインエントリーポイント。
// argsにはos.Args[1:]を渡す。エラーは表示済みの状態で返す。
func Run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	c := &cli{stdout: stdout, stderr: stderr}
	defer c.close()

	root := c.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return nil
	}

	p := c.printer()
	var ae *model.AuthError
	var te *titledError
	switch {
	case errors.As(err, &te):
		p.Alert(te.title, te.err)
	case errors.As(err, &ae):
		p.Alert("", err)
	case !c.started:
		// 引数やフラグの誤り
		p.Error("%s", err.Error())
		fmt.Fprintf(stderr, "Run '%s --help' for usage.\n", root.Name())
	default:
		slog.Error("command failed", slog.String("error", err.Error()))
		p.Alert("", err)
	}
	return err
}
