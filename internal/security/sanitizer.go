package security

import (
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizer は利用者が入力した商品テキストから危険なHTMLを取り除く。
type TextSanitizer interface {
	// PlainText は全てのタグを除去した文字列を返す。商品名など装飾を許さない項目に使う。
	PlainText(s string) string
	// RichText は簡単な装飾タグのみを残した文字列を返す。商品説明に使う。
	RichText(s string) string
}

// htmlSanitizer はbluemondayのポリシーでTextSanitizerを実装する。
// ポリシーは生成後に変更しないため、複数goroutineから安全に使える。
type htmlSanitizer struct {
	strict *bluemonday.Policy
	rich   *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerを生成する。
// 説明文で許可するタグ: p, br, ul, ol, li, strong, em
// script, style, iframeと全てのon*属性、リンクと画像は除去される。
func NewTextSanitizer() TextSanitizer {
	rich := bluemonday.NewPolicy()
	rich.AllowElements("p", "br", "ul", "ol", "li", "strong", "em")

	return &htmlSanitizer{
		strict: bluemonday.StrictPolicy(),
		rich:   rich,
	}
}

// PlainText は全てのタグを除去し、前後の空白を取り除く。
func (s *htmlSanitizer) PlainText(v string) string {
	return strings.TrimSpace(s.strict.Sanitize(v))
}

// RichText は許可タグ以外を除去する。
func (s *htmlSanitizer) RichText(v string) string {
	return strings.TrimSpace(s.rich.Sanitize(v))
}
