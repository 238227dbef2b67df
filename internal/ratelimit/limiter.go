// Package ratelimit はクライアント識別子ごとのスライディングウィンドウ方式の試行回数制限を提供する。
//
// 各チェックでウィンドウ外（now - Window 以前）の試行を捨て、残りがLimit以上であれば
// 記録せずに拒否し、そうでなければ現在時刻を記録して許可する。
package ratelimit

import (
	"context"
	"time"
)

// Config はスライディングウィンドウの設定を保持する。
type Config struct {
	Limit  int           // ウィンドウ内で許可する試行回数
	Window time.Duration // ウィンドウ幅

	// CleanupInterval は空になったバケットを掃除する間隔。0の場合は掃除しない（メモリ実装のみ）。
	CleanupInterval time.Duration

	// Now は現在時刻の取得関数。nilの場合はtime.Nowを使う。
	Now func() time.Time
}

// DefaultConfig は購読エンドポイント向けのデフォルト設定（1時間に5回）を返す。
func DefaultConfig() Config {
	return Config{
		Limit:           5,
		Window:          time.Hour,
		CleanupInterval: 10 * time.Minute,
	}
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Decision はチェック結果を表す。
type Decision struct {
	Allowed bool
	// RetryAfter は拒否時に最古の試行がウィンドウ外になるまでの時間。
	RetryAfter time.Duration
}

// Limiter はクライアント識別子ごとの試行回数制限のインターフェース。
// Allowは許可した場合のみ試行を記録する。
type Limiter interface {
	Allow(ctx context.Context, clientID string) (Decision, error)
}
