// Package cleanup は保持期間を過ぎたフェデレーション記録の削除ジョブを提供する。
// 重複排除用の処理済みアクティビティと、完了または破棄された配送ジョブが対象。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ProcessedActivityPruner は処理済みアクティビティの記録を削除する。
type ProcessedActivityPruner interface {
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// DeliveryPruner は終了済みの配送ジョブを削除する。
type DeliveryPruner interface {
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}

// Result は1回の実行で削除した件数。
type Result struct {
	ProcessedActivities int64
	Deliveries          int64
}

// CleanupJob は保持期間を超過した記録の自動削除ジョブ。
// 削除対象がなくてもエラーにならないため、何度実行してもよい。
type CleanupJob struct {
	processed     ProcessedActivityPruner
	deliveries    DeliveryPruner
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // 記録の保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は30日。
func NewCleanupJob(processed ProcessedActivityPruner, deliveries DeliveryPruner, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		processed:     processed,
		deliveries:    deliveries,
		logger:        logger,
		now:           time.Now,
		RetentionDays: 30,
	}
}

// Start はintervalごとにRunを実行する。コンテキストがキャンセルされるまで継続する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("クリーンアップジョブを開始しました",
		slog.Duration("interval", interval),
		slog.Int("retention_days", j.RetentionDays),
	)

	_, _ = j.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("クリーンアップジョブを停止しました")
			return
		case <-ticker.C:
			_, _ = j.Run(ctx)
		}
	}
}

// Run は保持期間より古い処理済みアクティビティと終了済み配送を削除する。
// 片方が失敗してももう片方は実行し、エラーはまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) (Result, error) {
	start := j.now()
	before := start.AddDate(0, 0, -j.RetentionDays)

	var (
		res  Result
		errs []error
	)

	n, err := j.processed.DeleteOlderThan(ctx, before)
	if err != nil {
		j.logger.Error("処理済みアクティビティの削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		errs = append(errs, fmt.Errorf("処理済みアクティビティの削除に失敗: %w", err))
	}
	res.ProcessedActivities = n

	n, err = j.deliveries.DeleteFinishedBefore(ctx, before)
	if err != nil {
		j.logger.Error("配送ジョブの削除に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		errs = append(errs, fmt.Errorf("配送ジョブの削除に失敗: %w", err))
	}
	res.Deliveries = n

	if len(errs) > 0 {
		return res, errors.Join(errs...)
	}

	j.logger.Info("クリーンアップジョブが完了しました",
		slog.Int64("deleted_processed_activities", res.ProcessedActivities),
		slog.Int64("deleted_deliveries", res.Deliveries),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)
	return res, nil
}
