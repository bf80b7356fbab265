package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/fedcal/internal/model"
)

// PostgresDeliveryRepo はPostgreSQLを使用した配送再試行キューリポジトリ。
type PostgresDeliveryRepo struct {
	db *sql.DB
}

// NewPostgresDeliveryRepo はPostgresDeliveryRepoを生成する。
func NewPostgresDeliveryRepo(db *sql.DB) *PostgresDeliveryRepo {
	return &PostgresDeliveryRepo{db: db}
}

// Enqueue は配送を登録する。同一(activity, inbox)の重複登録は無視される。
func (r *PostgresDeliveryRepo) Enqueue(ctx context.Context, d *model.Delivery) error {
	if d.Status == "" {
		d.Status = model.DeliveryStatusPending
	}
	if d.NextAttemptAt.IsZero() {
		d.NextAttemptAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO deliveries (activity_id, inbox_url, sender_username, payload, attempts, status, last_error, next_attempt_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (activity_id, inbox_url) DO NOTHING`,
		d.ActivityID, d.InboxURL, d.SenderUsername, d.Payload, d.Attempts, d.Status, d.LastError, d.NextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("配送キューへの登録に失敗しました: %w", err)
	}
	return nil
}

// ClaimDue はnext_attempt_at <= now のpending配送を最大limit件取得し、leaseだけ先送りする。
// FOR UPDATE SKIP LOCKEDにより複数ワーカー間で同じ行を二重に取得しない。
func (r *PostgresDeliveryRepo) ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]*model.Delivery, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE deliveries SET next_attempt_at = now() + make_interval(secs => $2), updated_at = now()
		 WHERE id IN (
		    SELECT id FROM deliveries
		    WHERE status = 'pending' AND next_attempt_at <= now()
		    ORDER BY next_attempt_at ASC
		    LIMIT $1
		    FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, activity_id, inbox_url, sender_username, payload, attempts, status,
		           last_error, next_attempt_at, created_at, updated_at`,
		limit, lease.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("再配送対象の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var deliveries []*model.Delivery
	for rows.Next() {
		d := &model.Delivery{}
		if err := rows.Scan(
			&d.ID, &d.ActivityID, &d.InboxURL, &d.SenderUsername, &d.Payload, &d.Attempts, &d.Status,
			&d.LastError, &d.NextAttemptAt, &d.CreatedAt, &d.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("再配送対象の読み取りに失敗しました: %w", err)
		}
		deliveries = append(deliveries, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("再配送対象の走査に失敗しました: %w", err)
	}
	return deliveries, nil
}

// UpdateState は試行回数・状態・最終エラー・次回試行日時を更新する。
func (r *PostgresDeliveryRepo) UpdateState(ctx context.Context, d *model.Delivery) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE deliveries SET attempts = $2, status = $3, last_error = $4, next_attempt_at = $5, updated_at = now()
		 WHERE id = $1`,
		d.ID, d.Attempts, d.Status, d.LastError, d.NextAttemptAt,
	)
	if err != nil {
		return fmt.Errorf("配送状態の更新に失敗しました: %w", err)
	}
	return nil
}

// DeleteFinishedBefore はbefore以前に更新された配送済み・破棄済みの配送を削除する。
func (r *PostgresDeliveryRepo) DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE status IN ('delivered', 'dead') AND updated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("完了済み配送の削除に失敗しました: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("削除件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

var _ DeliveryRepository = (*PostgresDeliveryRepo)(nil)
