// Package deeplink はOAuthリダイレクトURL（カスタムスキームまたはループバックHTTP）を受け取り、
// ログインフローに引き渡す。
package deeplink

import (
	"context"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"github.com/hitoshi/chatshare/internal/callback"
	"github.com/hitoshi/chatshare/internal/model"
)

// 受け付けるコールバックパス
const (
	LineCallbackPath   = "/auth/line/callback"
	GoogleCallbackPath = "/auth/google/callback"
)

// Deliverer はコールバックの配送先。callback.Registryが実装する。
type Deliverer interface {
	Deliver(ctx context.Context, p model.CallbackParams) (bool, error)
}

// CallbackRecorder はコールバックの受信を記録する。metrics.Collectorが実装する。
type CallbackRecorder interface {
	RecordCallback(delivered bool)
}

// Listener はコールバックURLを判定・解析し、Delivererに渡す。
type Listener struct {
	scheme    string
	paths     []string
	deliverer Deliverer
	recorder  CallbackRecorder
	logger    *slog.Logger

	initialOnce sync.Once
	mu          sync.Mutex
	closed      bool
}

// NewListener はListenerを生成する。schemeはカスタムURLスキーム（例: chatshare）。
func NewListener(scheme string, deliverer Deliverer, recorder CallbackRecorder, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		scheme:    strings.ToLower(scheme),
		paths:     []string{LineCallbackPath, GoogleCallbackPath},
		deliverer: deliverer,
		recorder:  recorder,
		logger:    logger,
	}
}

// Matches はrawがコールバックURLかを判定する。
// <scheme>://auth/line/callback と http(s)://<host>/auth/line/callback の両方を受け付ける。
func (l *Listener) Matches(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return l.matchURL(u)
}

func (l *Listener) matchURL(u *url.URL) bool {
	var path string
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		path = u.Path
	case l.scheme:
		// chatshare://auth/line/callback はHost=auth, Path=/line/callback と解析される
		path = "/" + u.Host + u.Path
	default:
		return false
	}
	path = strings.TrimSuffix(path, "/")
	for _, p := range l.paths {
		if path == p {
			return true
		}
	}
	return false
}

// HandleURL はコールバックURLを解析して配送する。
// コールバックURLでない場合、またはClose後はfalseを返す。
func (l *Listener) HandleURL(ctx context.Context, raw string) (bool, error) {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		l.logger.Debug("deep link ignored, listener closed")
		return false, nil
	}

	u, err := url.Parse(raw)
	if err != nil || !l.matchURL(u) {
		return false, nil
	}

	params, err := callback.ParseURL(raw)
	if err != nil {
		return false, nil
	}

	delivered, err := l.deliverer.Deliver(ctx, params)
	if l.recorder != nil {
		l.recorder.RecordCallback(delivered)
	}
	if err != nil {
		return true, err
	}

	l.logger.Info("deep link received",
		slog.String("path", u.Path),
		slog.Bool("delivered", delivered),
	)
	return true, nil
}

// CheckInitialURL は起動時に渡されたURLを1回だけ処理する。
// 2回目以降の呼び出しは何もしない。
func (l *Listener) CheckInitialURL(ctx context.Context, raw string) (bool, error) {
	var (
		handled bool
		err     error
	)
	l.initialOnce.Do(func() {
		if raw == "" {
			return
		}
		handled, err = l.HandleURL(ctx, raw)
	})
	return handled, err
}

// Close は購読を解除する。以降のURLは処理しない。
func (l *Listener) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}
