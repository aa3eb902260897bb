package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer はバックエンドから受け取ったタイトルや説明文を端末表示用のプレーンテキストにする。
// タグを全て除去し、ANSIエスケープなどの制御文字も取り除く。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// Clean はタグと制御文字を除去し、連続する空白を1つにまとめる。
// 同一入力に対して常に同一出力を返す。
func (s *TextSanitizer) Clean(raw string) string {
	if raw == "" {
		return ""
	}
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	return strings.Join(strings.Fields(text), " ")
}

// Truncate はCleanした結果をmaxRunes文字以内に切り詰める。
func (s *TextSanitizer) Truncate(raw string, maxRunes int) string {
	text := []rune(s.Clean(raw))
	if maxRunes <= 0 || len(text) <= maxRunes {
		return string(text)
	}
	if maxRunes == 1 {
		return "…"
	}
	return string(text[:maxRunes-1]) + "…"
}
