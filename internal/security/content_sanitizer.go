// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ContentSanitizerService はリモートサーバーから受信したNote本文やアクターのプロフィールを
// キャッシュ前にサニタイズし、XSS攻撃などのセキュリティリスクからユーザーを保護する。
// bluemondayライブラリを使用した許可リストベースのポリシーで、
// 安全なタグと属性のみを通過させる。
package security

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizerService はHTMLコンテンツのサニタイズ機能のインターフェースを定義する。
type ContentSanitizerService interface {
	// Sanitize はNote本文のHTMLをサニタイズして安全なHTMLを返す。
	// 許可タグ（p, br, a, span, ul, ol, li, blockquote, pre, code, strong, em）のみを通過させ、
	// script, iframe, style, imgタグおよびon*イベント属性を除去する。
	// aタグのhrefはhttpsおよびhttpのみ許可し、target="_blank"とrel="noopener noreferrer"を付与する。
	// メンションとハッシュタグのclass属性は保持する。
	Sanitize(rawHTML string) string

	// StripTags はタグをすべて除去したテキストを返す。表示名やsummaryに使用する。
	StripTags(raw string) string
}

// mentionClasses はメンション・ハッシュタグの表示に使われるclass属性値。
var mentionClasses = regexp.MustCompile(`^(h-card|u-url|mention|hashtag|invisible|ellipsis)( (h-card|u-url|mention|hashtag|invisible|ellipsis))*$`)

// contentSanitizer はContentSanitizerServiceの実装。
// bluemondayのポリシーを保持し、スレッドセーフにサニタイズ処理を行う。
type contentSanitizer struct {
	policy *bluemonday.Policy
	strict *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerServiceの新しいインスタンスを生成する。
func NewContentSanitizer() *contentSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "span", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em",
	)

	// リモートのNoteは相対URLを解決できないため絶対URLのみ許可する
	p.AllowAttrs("href").OnElements("a")
	p.AllowRelativeURLs(false)
	p.AllowURLSchemeWithCustomPolicy("https", func(u *url.URL) bool {
		return true
	})
	p.AllowURLSchemeWithCustomPolicy("http", func(u *url.URL) bool {
		return u.Host != ""
	})
	p.AddTargetBlankToFullyQualifiedLinks(true)
	p.RequireNoReferrerOnLinks(true)

	p.AllowAttrs("class").Matching(mentionClasses).OnElements("a", "span")

	return &contentSanitizer{
		policy: p,
		strict: bluemonday.StrictPolicy(),
	}
}

// Sanitize はHTMLコンテンツをサニタイズして安全なHTMLを返す。
func (s *contentSanitizer) Sanitize(rawHTML string) string {
	return strings.TrimSpace(s.policy.Sanitize(rawHTML))
}

// StripTags はタグをすべて除去したテキストを返す。
func (s *contentSanitizer) StripTags(raw string) string {
	return strings.TrimSpace(s.strict.Sanitize(raw))
}
