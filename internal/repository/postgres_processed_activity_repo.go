package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/fedcal/internal/model"
)

// PostgresProcessedActivityRepo はPostgreSQLを使用した処理済みアクティビティリポジトリ。
type PostgresProcessedActivityRepo struct {
	db *sql.DB
}

// NewPostgresProcessedActivityRepo はPostgresProcessedActivityRepoを生成する。
func NewPostgresProcessedActivityRepo(db *sql.DB) *PostgresProcessedActivityRepo {
	return &PostgresProcessedActivityRepo{db: db}
}

// Claim はアクティビティIDの処理権を原子的に確保する。
// INSERT ... ON CONFLICT DO NOTHING の影響行数で、同時到着した重複配送のうち1件のみがtrueを得る。
func (r *PostgresProcessedActivityRepo) Claim(ctx context.Context, record *model.ProcessedActivity) (bool, error) {
	if record.ProcessedAt.IsZero() {
		record.ProcessedAt = time.Now()
	}
	if record.Outcome == "" {
		record.Outcome = model.OutcomeClaimed
	}

	result, err := r.db.ExecContext(ctx,
		`INSERT INTO processed_activities (activity_id, activity_type, actor_url, outcome, processed_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (activity_id) DO NOTHING`,
		record.ActivityID, record.ActivityType, record.ActorURL, record.Outcome, record.ProcessedAt,
	)
	if err != nil {
		return false, fmt.Errorf("処理済みアクティビティの記録に失敗しました: %w", err)
	}
	return rowsAffected(result)
}

// MarkOutcome は処理結果を記録する。
func (r *PostgresProcessedActivityRepo) MarkOutcome(ctx context.Context, activityID string, outcome model.ProcessingOutcome) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE processed_activities SET outcome = $2 WHERE activity_id = $1`,
		activityID, outcome,
	)
	if err != nil {
		return fmt.Errorf("処理結果の記録に失敗しました: %w", err)
	}
	return nil
}

// Release は確保した処理権を解放する。
func (r *PostgresProcessedActivityRepo) Release(ctx context.Context, activityID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM processed_activities WHERE activity_id = $1`, activityID)
	if err != nil {
		return fmt.Errorf("処理権の解放に失敗しました: %w", err)
	}
	return nil
}

// DeleteOlderThan はbefore以前の記録を削除し、削除件数を返す。
func (r *PostgresProcessedActivityRepo) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM processed_activities WHERE processed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("古い処理済みアクティビティの削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

var _ ProcessedActivityRepository = (*PostgresProcessedActivityRepo)(nil)
