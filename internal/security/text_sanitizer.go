// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は購読フォームから受け取った自由入力（name、source、page）から
// HTMLマークアップを除去し、管理画面やエクスポート先でのXSSを防ぐ。
// bluemondayのStrictPolicyで全タグを除去したうえで、エスケープされた実体参照を
// プレーンテキストに戻す。実体参照で書かれたタグが戻らないよう、出力が変化しなく
// なるまで除去と復元を繰り返す。
package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// maxSanitizePasses は除去と復元を繰り返す上限回数。
// 多重にエスケープされた入力でも無制限にループしない。
const maxSanitizePasses = 8

// TextSanitizer はプレーンテキスト化のインターフェースを定義する。
type TextSanitizer interface {
	// Sanitize は入力からタグを除去し、前後の空白を取り除いたプレーンテキストを返す。
	// 同一入力に対して常に同一出力を返す。
	Sanitize(s string) string
}

// textSanitizer はTextSanitizerの実装。
// bluemondayのポリシーはゴルーチンセーフに共有できる。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はタグを一切許可しないTextSanitizerを生成する。
func NewTextSanitizer() TextSanitizer {
	return &textSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はHTMLタグを除去したプレーンテキストを返す。
func (s *textSanitizer) Sanitize(in string) string {
	if in == "" {
		return ""
	}
	// StrictPolicyは & や " をエスケープするため、URLのクエリ等が壊れないよう戻す。
	// &lt;script&gt; のような入力は復元でタグになるため、もう一度除去にかける。
	out := in
	for i := 0; i < maxSanitizePasses; i++ {
		next := html.UnescapeString(s.policy.Sanitize(out))
		if next == out {
			break
		}
		out = next
	}
	// 上限回数で収束しなかった入力は復元せずに返す
	if html.UnescapeString(s.policy.Sanitize(out)) != out {
		out = s.policy.Sanitize(out)
	}
	return strings.TrimSpace(out)
}
