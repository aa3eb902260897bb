package deeplink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/hitoshi/chatshare/internal/metrics"
	"github.com/hitoshi/chatshare/internal/middleware"
)

const completePage = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>ChatShare</title>
<style>body{font-family:sans-serif;text-align:center;margin-top:4em}</style></head>
<body><h1>ChatShare</h1><p>%s</p></body></html>
`

// Server はループバックアドレスでOAuthコールバックを受け付けるHTTPサーバー。
type Server struct {
	addr     string
	listener *Listener
	gatherer prometheus.Gatherer
	logger   *slog.Logger

	httpServer *http.Server
}

// NewServer はServerを生成する。gathererがnilの場合は/metricsを公開しない。
func NewServer(addr string, listener *Listener, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:     addr,
		listener: listener,
		gatherer: gatherer,
		logger:   logger,
	}
}

// Handler はルーティングとミドルウェアを構成したhttp.Handlerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	CallbackLog → Recovery → LoopbackOnly → NoStore → (コールバックのみ) PathRateLimiter
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.NewCallbackLogMiddleware(s.logger))
	r.Use(middleware.NewRecoveryMiddleware(s.logger))
	r.Use(middleware.NewLoopbackOnlyMiddleware(s.logger))
	r.Use(middleware.NewNoStoreMiddleware())

	r.Get("/health", s.health)
	if s.gatherer != nil {
		r.Handle("/metrics", metrics.Handler(s.gatherer))
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.NewPathRateLimiter(rate.Limit(2), 10, s.logger).Middleware)
		r.Get(LineCallbackPath, s.callback)
		r.Get(GoogleCallbackPath, s.callback)
	})

	return r
}

// Start はリスナーを開き、バックグラウンドでサーバーを起動する。
// 実際に待ち受けているアドレスを返す（addrのポートが0の場合に使う）。
func (s *Server) Start() (net.Addr, error) {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.httpServer = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		s.logger.Info("callback listener starting", slog.String("addr", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("callback listener error", slog.String("error", err.Error()))
		}
	}()

	return ln.Addr(), nil
}

// Shutdown はサーバーを停止する。
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("callback listener shutdown failed: %w", err)
	}
	s.logger.Info("callback listener stopped")
	return nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"status":"ok"}`)
}

// callback はリダイレクトされたリクエストをコールバックURLとしてListenerに渡す。
// ページにはクエリの値を一切表示しない。
func (s *Server) callback(w http.ResponseWriter, r *http.Request) {
	raw := "http://" + r.Host + r.URL.RequestURI()

	handled, err := s.listener.HandleURL(r.Context(), raw)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	switch {
	case err != nil:
		s.logger.Error("failed to handle callback", slog.String("error", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, completePage, "Sign in could not be completed. Please return to the terminal and try again.")
	case !handled:
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, completePage, "This sign in link is no longer active.")
	default:
		fmt.Fprintf(w, completePage, "You can close this window and return to the terminal.")
	}
}
