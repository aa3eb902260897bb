package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/chatshare/internal/model"
)

const (
	// initialBackoff は指数バックオフの初回遅延。
	initialBackoff = 200 * time.Millisecond
	// maxBackoff は指数バックオフの最大遅延。
	maxBackoff = 2 * time.Second
)

// CalculateBackoff は失敗回数に基づいて指数バックオフ遅延を計算する。
// 初回200ms、2倍ずつ増加、最大2秒。
func CalculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// retryable は再試行してよい失敗かを判定する。
// 副作用のないGETの一時的な障害（ネットワークエラー・429・5xx）のみ再試行する。
func retryable(r request, err error) bool {
	if r.method != http.MethodGet {
		return false
	}
	return model.KindOf(err) == model.KindTransientNetwork
}

// doWithRetry はdoを最大c.maxRetries回まで再試行する。
// ctxが終了した場合は最後のエラーを返す。
func (c *Client) doWithRetry(ctx context.Context, r request, out any) error {
	for attempt := 0; ; attempt++ {
		err := c.doOnce(ctx, r, out)
		if err == nil || attempt >= c.maxRetries || !retryable(r, err) {
			return err
		}

		delay := CalculateBackoff(attempt)
		c.logger.Debug("retrying backend request",
			slog.String("path", r.path),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}
