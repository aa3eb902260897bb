package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// NewLoopbackOnlyMiddleware はループバック以外からの接続と、
// Hostヘッダーがループバックでないリクエスト（DNSリバインディング）を403で拒否する。
func NewLoopbackOnlyMiddleware(logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !isLoopbackAddr(r.RemoteAddr) || !isLoopbackHost(r.Host) {
				logger.Warn("rejected non-loopback request",
					slog.String("request_id", RequestID(r.Context())),
					slog.String("remote_addr", r.RemoteAddr),
					slog.String("host", r.Host),
				)
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isLoopbackAddr(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func isLoopbackHost(hostport string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// NewNoStoreMiddleware はコールバックページのキャッシュとReferer送信を禁止するヘッダーを付与する。
// ページのURLには認可コードが含まれる。
func NewNoStoreMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			h.Set("Cache-Control", "no-store")
			h.Set("Pragma", "no-cache")
			h.Set("Referrer-Policy", "no-referrer")
			h.Set("X-Content-Type-Options", "nosniff")
			h.Set("X-Frame-Options", "DENY")
			h.Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
			next.ServeHTTP(w, r)
		})
	}
}
