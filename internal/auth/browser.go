package auth

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
)

// Browser は認可URLを外部ブラウザで開く。
type Browser interface {
	Open(ctx context.Context, url string) error
}

// SystemBrowser はOS標準のコマンドでURLを開くBrowser。
// 開けない環境（SSH接続先など）でも手動で開けるよう、URLは常にOutへ表示する。
type SystemBrowser struct {
	Out io.Writer
}

// Open はURLを表示し、OSのブラウザで開く。
func (b *SystemBrowser) Open(ctx context.Context, url string) error {
	if b.Out != nil {
		fmt.Fprintf(b.Out, "Opening your browser to sign in. If it does not open, visit:\n\n  %s\n\n", url)
	}

	name, args := openCommand(runtime.GOOS, url)
	cmd := exec.CommandContext(ctx, name, args...)
	if err := cmd.Start(); err != nil {
		// URLは表示済みなので失敗してもフローは継続できる
		return nil
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

func openCommand(goos, url string) (string, []string) {
	switch goos {
	case "darwin":
		return "open", []string{url}
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", url}
	default:
		return "xdg-open", []string{url}
	}
}

// BrowserFunc は関数をBrowserとして扱うアダプタ。
type BrowserFunc func(ctx context.Context, url string) error

// Open はf(ctx, url)を呼ぶ。
func (f BrowserFunc) Open(ctx context.Context, url string) error {
	return f(ctx, url)
}

// compile-time interface check
var (
	_ Browser = (*SystemBrowser)(nil)
	_ Browser = BrowserFunc(nil)
)
