package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket は1クライアント分の試行時刻列。時刻は昇順に並ぶ。
type bucket struct {
	mu       sync.Mutex
	attempts []time.Time
	// removed はcleanupでマップから外されたことを示す。外されたバケットには記録しない。
	removed bool
}

// MemoryLimiter はプロセス内メモリで試行時刻を保持するLimiter。
// 同一クライアントの並行チェックはバケット単位のロックで直列化され、
// 異なるクライアント同士はマップ参照時以外に競合しない。
// 状態はプロセス再起動で失われ、複数インスタンス間では共有されない。
type MemoryLimiter struct {
	config Config

	mu      sync.Mutex
	buckets map[string]*bucket

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewMemoryLimiter は新しいMemoryLimiterを生成する。
// CleanupIntervalが正の場合、バックグラウンドで空バケットのクリーンアップを開始する。
func NewMemoryLimiter(config Config) *MemoryLimiter {
	l := &MemoryLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
	}

	if config.CleanupInterval > 0 {
		go l.cleanupLoop()
	}

	return l
}

// Stop はクリーンアップのバックグラウンドゴルーチンを停止する。複数回呼んでもよい。
func (l *MemoryLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

// Allow はclientIDの試行を判定し、許可した場合のみ記録する。エラーは返さない。
func (l *MemoryLimiter) Allow(_ context.Context, clientID string) (Decision, error) {
	for {
		b := l.getOrCreateBucket(clientID)

		b.mu.Lock()
		if b.removed {
			// cleanupと競合した。新しいバケットで取り直す
			b.mu.Unlock()
			continue
		}

		now := l.config.now()
		b.prune(now.Add(-l.config.Window))

		if len(b.attempts) >= l.config.Limit {
			retryAfter := b.attempts[0].Add(l.config.Window).Sub(now)
			b.mu.Unlock()
			return Decision{Allowed: false, RetryAfter: retryAfter}, nil
		}

		b.attempts = append(b.attempts, now)
		b.mu.Unlock()
		return Decision{Allowed: true}, nil
	}
}

// BucketCount は現在管理されているクライアント数を返す。
// テストおよびメトリクス用。
func (l *MemoryLimiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *MemoryLimiter) getOrCreateBucket(clientID string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[clientID]
	if !ok {
		b = &bucket{}
		l.buckets[clientID] = b
	}
	return b
}

// prune はcutoff以前の試行を捨てる。呼び出し側でb.muを保持すること。
func (b *bucket) prune(cutoff time.Time) {
	i := 0
	for i < len(b.attempts) && !b.attempts[i].After(cutoff) {
		i++
	}
	if i > 0 {
		b.attempts = append(b.attempts[:0], b.attempts[i:]...)
	}
}

// cleanupLoop はバックグラウンドで空バケットを定期的に削除する。
func (l *MemoryLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.cleanup()
		case <-l.stopCh:
			return
		}
	}
}

// cleanup はウィンドウ内の試行が残っていないバケットをマップから削除する。
func (l *MemoryLimiter) cleanup() {
	cutoff := l.config.now().Add(-l.config.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for id, b := range l.buckets {
		b.mu.Lock()
		b.prune(cutoff)
		if len(b.attempts) == 0 {
			b.removed = true
			delete(l.buckets, id)
		}
		b.mu.Unlock()
	}
}

// compile-time interface check
var _ Limiter = (*MemoryLimiter)(nil)
