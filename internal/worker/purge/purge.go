// Package purge は確認されないまま放置された購読者の自動削除ジョブを提供する。
// 保持期間（デフォルト30日）を超えて更新のないpending購読者を定期的に削除する。
package purge

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/newsletter/internal/metrics"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// PurgeJob は確認待ちのまま保持期間を超過した購読者の削除ジョブ。
// confirmed・unsubscribedの購読者には触れない。
type PurgeJob struct {
	db      Executor
	logger  *slog.Logger
	metrics metrics.MetricsCollector

	RetentionDays int // pending購読者の保持日数。0以下の場合は削除しない
}

// NewPurgeJob は新しいPurgeJobを生成する。collectorはnilでもよい。
func NewPurgeJob(db Executor, logger *slog.Logger, collector metrics.MetricsCollector, retentionDays int) *PurgeJob {
	return &PurgeJob{
		db:            db,
		logger:        logger,
		metrics:       collector,
		RetentionDays: retentionDays,
	}
}

// Run は保持期間を超過したpending購読者を削除し、削除件数を返す。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *PurgeJob) Run(ctx context.Context) (int64, error) {
	if j.RetentionDays <= 0 {
		return 0, nil
	}

	start := time.Now()
	interval := fmt.Sprintf("%d days", j.RetentionDays)

	query := `DELETE FROM newsletter_subscribers WHERE status = 'pending' AND updated_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("確認待ち購読者の削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return 0, fmt.Errorf("確認待ち購読者の削除に失敗: %w", err)
	}

	deletedCount, err := result.RowsAffected()
	if err != nil {
		j.logger.Error("削除件数の取得に失敗しました",
			slog.String("error", err.Error()),
		)
		return 0, fmt.Errorf("削除件数の取得に失敗: %w", err)
	}

	if j.metrics != nil {
		j.metrics.RecordPurged(deletedCount)
	}

	j.logger.Info("確認待ち購読者の削除ジョブが完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return deletedCount, nil
}

// DefaultInterval は削除ジョブの既定の実行間隔。
const DefaultInterval = 24 * time.Hour

// Start は起動直後に1回、その後intervalごとにRunを実行する。
// ctxがキャンセルされるまでブロックする。失敗はログに残して次の周期を待つ。
func (j *PurgeJob) Start(ctx context.Context, interval time.Duration) {
	if j.RetentionDays <= 0 {
		j.logger.Info("確認待ち購読者の自動削除は無効です")
		<-ctx.Done()
		return
	}

	if interval <= 0 {
		j.logger.Warn("削除間隔が不正なため既定値を使用します",
			slog.Duration("interval", interval),
			slog.Duration("default_interval", DefaultInterval),
		)
		interval = DefaultInterval
	}

	j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.Run(ctx)
		}
	}
}
