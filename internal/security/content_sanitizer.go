package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

// maxTextLength は通知に表示する外部テキストの最大文字数。
const maxTextLength = 300

// TextSanitizer は外部IdPから受け取ったテキスト（エラーメッセージ等）を
// 通知に表示できるプレーンテキストへ変換する。
type TextSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はタグを一切許可しないポリシーでTextSanitizerを生成する。
func NewTextSanitizer() *TextSanitizer {
	return &TextSanitizer{policy: bluemonday.StrictPolicy()}
}

// SanitizeText はHTMLタグを除去し、実体参照を戻したプレーンテキストを返す。
// 表示時のエスケープはテンプレート側で行う。長すぎる入力は切り詰める。
func (s *TextSanitizer) SanitizeText(raw string) string {
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Join(strings.Fields(text), " ")
	if utf8.RuneCountInString(text) > maxTextLength {
		runes := []rune(text)
		text = string(runes[:maxTextLength]) + "…"
	}
	return text
}
