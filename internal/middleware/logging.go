// Package middleware はループバックのコールバックサーバー用HTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader はリクエストIDを返すレスポンスヘッダー。
const RequestIDHeader = "X-Request-Id"

type requestIDKey struct{}

// RequestID はコンテキストに格納されたリクエストIDを返す。
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// statusRecorder はhttp.ResponseWriterをラップし、最初に書き込まれたステータスを保持する。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}

func (sr *statusRecorder) code() int {
	if sr.status == 0 {
		return http.StatusOK
	}
	return sr.status
}

// NewCallbackLogMiddleware はコールバック受信のJSON構造化ログを出力するミドルウェアを返す。
// 各リクエストにIDを振り、X-Request-Idとコンテキストに設定する。
//
// クエリには認可コードが含まれるため値は出力せず、code/errorの有無だけを記録する。
func NewCallbackLogMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := uuid.NewString()
			w.Header().Set(RequestIDHeader, id)
			r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id))

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)

			status := rec.code()
			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			}

			q := r.URL.Query()
			logger.LogAttrs(r.Context(), level, "callback_request",
				slog.String("request_id", id),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Bool("has_code", q.Has("code")),
				slog.Bool("has_error", q.Has("error")),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
