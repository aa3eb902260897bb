// Package output は端末への表示（メッセージ、アラート、表）を提供する。
package output

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"

	"github.com/hitoshi/chatshare/internal/model"
)

// ColorMode は色付き出力のモード。
type ColorMode int

const (
	ColorAuto ColorMode = iota
	ColorAlways
	ColorNever
)

// ParseColorMode は文字列をColorModeに変換する。
func ParseColorMode(s string) (ColorMode, error) {
	switch s {
	case "auto", "":
		return ColorAuto, nil
	case "always":
		return ColorAlways, nil
	case "never":
		return ColorNever, nil
	default:
		return ColorAuto, fmt.Errorf("invalid color mode %q: must be auto, always, or never", s)
	}
}

// ResolveColors はモードと環境変数から色を使うかを決める。
func ResolveColors(mode ColorMode) bool {
	switch mode {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	default:
		if _, ok := os.LookupEnv("NO_COLOR"); ok {
			return false
		}
		if os.Getenv("TERM") == "dumb" {
			return false
		}
		return !color.NoColor
	}
}

// Printer は端末への出力を整形する。
type Printer struct {
	out       io.Writer
	err       io.Writer
	useColors bool
}

// NewPrinter はPrinterを生成する。
func NewPrinter(out, errOut io.Writer, useColors bool) *Printer {
	return &Printer{out: out, err: errOut, useColors: useColors}
}

// Out は通常出力の書き込み先を返す。
func (p *Printer) Out() io.Writer {
	return p.out
}

func (p *Printer) fprint(w io.Writer, attr color.Attribute, prefix, plain, format string, args ...any) {
	if p.useColors {
		c := color.New(attr)
		c.EnableColor()
		c.Fprintf(w, prefix+format+"\n", args...)
		return
	}
	fmt.Fprintf(w, plain+format+"\n", args...)
}

// Info は情報メッセージを表示する。
func (p *Printer) Info(format string, args ...any) {
	p.fprint(p.out, color.FgCyan, "", "", format, args...)
}

// Success は成功メッセージを表示する。
func (p *Printer) Success(format string, args ...any) {
	p.fprint(p.out, color.FgGreen, "✓ ", "[OK] ", format, args...)
}

// Warning は警告を標準エラーに表示する。
func (p *Printer) Warning(format string, args ...any) {
	p.fprint(p.err, color.FgYellow, "⚠ ", "[WARN] ", format, args...)
}

// Error はエラーを標準エラーに表示する。
func (p *Printer) Error(format string, args ...any) {
	p.fprint(p.err, color.FgRed, "✗ ", "[ERROR] ", format, args...)
}

// Print は装飾なしで表示する。
func (p *Printer) Print(format string, args ...any) {
	fmt.Fprintf(p.out, format+"\n", args...)
}

// Alert はエラーを1つのダイアログとして表示する。
// キャンセルは表示せずfalseを返す。内部エラーやスタックトレースは表示しない。
func (p *Printer) Alert(title string, err error) bool {
	if err == nil || model.IsSilent(err) {
		return false
	}
	msg := model.UserMessage(err)
	var ae *model.AuthError
	if !errors.As(err, &ae) {
		msg = "An unexpected error occurred. Please try again."
	}
	if title == "" {
		p.Error("%s", msg)
	} else {
		p.Error("%s: %s", title, msg)
	}
	return true
}

// Header はセクション見出しを表示する。
func (p *Printer) Header(title string) {
	if p.useColors {
		c := color.New(color.FgWhite, color.Bold)
		c.EnableColor()
		c.Fprintf(p.out, "\n%s\n", title)
		fmt.Fprintf(p.out, "%s\n", repeatChar('─', len([]rune(title))))
		return
	}
	fmt.Fprintf(p.out, "\n%s\n%s\n", title, repeatChar('-', len([]rune(title))))
}

// Badge は状態を示す短い表示を返す。
func (p *Printer) Badge(ok bool, label string) string {
	if !p.useColors {
		return fmt.Sprintf("[%s]", label)
	}
	c := color.New(color.FgRed)
	if ok {
		c = color.New(color.FgGreen)
	}
	c.EnableColor()
	return c.Sprint("● " + label)
}

// Dim は薄い色の文字列を返す。
func (p *Printer) Dim(text string) string {
	if p.useColors {
		c := color.New(color.Faint)
		c.EnableColor()
		return c.Sprint(text)
	}
	return text
}

func repeatChar(char rune, count int) string {
	result := make([]rune, count)
	for i := range result {
		result[i] = char
	}
	return string(result)
}
