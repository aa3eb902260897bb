// Package security は共有チャットリンクと表示テキストの安全性を扱う。
package security

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// ErrInvalidLink はチャットの公開リンクとして受け付けられないURLを表す。
var ErrInvalidLink = errors.New("invalid chat link")

// allowedSchemes は公開リンクに許可するURLスキーム。
var allowedSchemes = []string{"http", "https"}

// blockedNetworks は公開リンクとして拒否するネットワーク範囲。
// 登録時の静的検証に使い、到達確認時はsafeurlがDNS解決後のIPを検証する。
var blockedNetworks []net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		// クラウドメタデータIP (169.254.169.254) を含む
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fe80::/10",
		"fc00::/7",
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR in blockedNetworks: %s: %v", cidr, err))
		}
		blockedNetworks = append(blockedNetworks, *network)
	}
}

var blockedHostnames = []string{
	"localhost",
}

// LinkStatus は公開リンクの到達確認結果。
type LinkStatus struct {
	URL        string
	Reachable  bool
	StatusCode int
	Latency    time.Duration
}

// LinkGuard はチャットの公開リンクを検証する。
type LinkGuard struct {
	client *http.Client
}

// NewLinkGuard はLinkGuardを生成する。
// 到達確認にはプライベートIPやループバックへの接続をDialerで拒否するsafeurlのクライアントを使う。
func NewLinkGuard(timeout time.Duration) *LinkGuard {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	return &LinkGuard{client: safeurl.Client(config).Client}
}

// ValidateLink は公開リンクをDNS解決なしで静的に検証する。
func (g *LinkGuard) ValidateLink(rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return fmt.Errorf("%w: empty URL", ErrInvalidLink)
	}

	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if !isAllowedScheme(scheme) {
		return fmt.Errorf("%w: disallowed scheme %q", ErrInvalidLink, scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("%w: empty host", ErrInvalidLink)
	}
	if parsed.User != nil {
		return fmt.Errorf("%w: credentials in URL", ErrInvalidLink)
	}

	if ip := net.ParseIP(host); ip != nil {
		if isBlockedIP(ip) {
			return fmt.Errorf("%w: blocked IP address %s", ErrInvalidLink, ip.String())
		}
		return nil
	}
	if isBlockedHostname(host) {
		return fmt.Errorf("%w: blocked host %s", ErrInvalidLink, host)
	}
	return nil
}

// CheckReachable は公開リンクにHEADリクエストを送り、到達できるかを確認する。
// 4xx/5xxは到達不可として扱い、エラーは返さない。
func (g *LinkGuard) CheckReachable(ctx context.Context, rawURL string) (LinkStatus, error) {
	status := LinkStatus{URL: rawURL}
	if err := g.ValidateLink(rawURL); err != nil {
		return status, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, strings.TrimSpace(rawURL), nil)
	if err != nil {
		return status, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "ChatShare-CLI/1.0")

	start := time.Now()
	resp, err := g.client.Do(req)
	status.Latency = time.Since(start)
	if err != nil {
		return status, fmt.Errorf("failed to reach link: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	status.StatusCode = resp.StatusCode
	status.Reachable = resp.StatusCode < http.StatusBadRequest
	return status, nil
}

func isAllowedScheme(scheme string) bool {
	for _, allowed := range allowedSchemes {
		if strings.EqualFold(scheme, allowed) {
			return true
		}
	}
	return false
}

func isBlockedIP(ip net.IP) bool {
	for _, network := range blockedNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func isBlockedHostname(host string) bool {
	lower := strings.ToLower(strings.TrimSuffix(host, "."))
	for _, blocked := range blockedHostnames {
		if lower == blocked || strings.HasSuffix(lower, "."+blocked) {
			return true
		}
	}
	return false
}
