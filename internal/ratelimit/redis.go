package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript は1キー分のスライディングウィンドウ判定をアトミックに行う。
// ソート済みセットのスコアに試行時刻（ミリ秒）を保持する。
// 戻り値: {許可=1/拒否=0, 拒否時の再試行までのミリ秒}
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local member = ARGV[4]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count >= limit then
  local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
  local retry = 0
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  return {0, retry}
end

redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return {1, 0}
`)

// RedisLimiter はRedisのソート済みセットで試行時刻を共有するLimiter。
// 複数インスタンス構成でも同一クライアントのカウントが一致する。
type RedisLimiter struct {
	client    redis.Scripter
	config    Config
	keyPrefix string
}

// NewRedisLimiter は新しいRedisLimiterを生成する。
// keyPrefixはキー名の名前空間（例: "newsletter:subscribe:"）。
func NewRedisLimiter(client redis.Scripter, config Config, keyPrefix string) *RedisLimiter {
	return &RedisLimiter{
		client:    client,
		config:    config,
		keyPrefix: keyPrefix,
	}
}

// Allow はclientIDの試行を判定し、許可した場合のみ記録する。
func (l *RedisLimiter) Allow(ctx context.Context, clientID string) (Decision, error) {
	now := l.config.now().UnixMilli()

	res, err := slidingWindowScript.Run(ctx, l.client,
		[]string{l.keyPrefix + clientID},
		now, l.config.Window.Milliseconds(), l.config.Limit, uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script failed: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("unexpected rate limit script result: %v", res)
	}

	if res[0] == 1 {
		return Decision{Allowed: true}, nil
	}
	return Decision{Allowed: false, RetryAfter: time.Duration(res[1]) * time.Millisecond}, nil
}

// Connect はREDIS_URL形式のURLからクライアントを生成し、疎通を確認する。
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

// compile-time interface check
var _ Limiter = (*RedisLimiter)(nil)
