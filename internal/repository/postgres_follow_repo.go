package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/fedcal/internal/model"
)

// PostgresFollowRepo はPostgreSQLを使用したフォロー関係リポジトリ。
type PostgresFollowRepo struct {
	db *sql.DB
}

// NewPostgresFollowRepo はPostgresFollowRepoを生成する。
func NewPostgresFollowRepo(db *sql.DB) *PostgresFollowRepo {
	return &PostgresFollowRepo{db: db}
}

const followColumns = `id, follower_url, followed_url, accepted, inbox_url, activity_id, created_at, updated_at`

func scanFollow(s rowScanner) (*model.FollowEdge, error) {
	f := &model.FollowEdge{}
	if err := s.Scan(
		&f.ID, &f.FollowerURL, &f.FollowedURL, &f.Accepted, &f.InboxURL, &f.ActivityID, &f.CreatedAt, &f.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return f, nil
}

// Find はフォロー関係を取得する。見つからない場合はnilを返す。
func (r *PostgresFollowRepo) Find(ctx context.Context, followerURL, followedURL string) (*model.FollowEdge, error) {
	f, err := scanFollow(r.db.QueryRowContext(ctx,
		`SELECT `+followColumns+` FROM follows WHERE follower_url = $1 AND followed_url = $2`,
		followerURL, followedURL))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フォロー関係の取得に失敗しました: %w", err)
	}
	return f, nil
}

// FindByActivityID はFollowアクティビティのidでフォロー関係を取得する。見つからない場合はnilを返す。
func (r *PostgresFollowRepo) FindByActivityID(ctx context.Context, activityID string) (*model.FollowEdge, error) {
	f, err := scanFollow(r.db.QueryRowContext(ctx,
		`SELECT `+followColumns+` FROM follows WHERE activity_id = $1 LIMIT 1`, activityID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アクティビティIDによるフォロー関係の取得に失敗しました: %w", err)
	}
	return f, nil
}

// Upsert は(follower, followed)をキーにフォロー関係を登録する。
// 既存の承認済み状態は取り消さない。inbox_urlが空なら保存済みの値を残す。
func (r *PostgresFollowRepo) Upsert(ctx context.Context, edge *model.FollowEdge) error {
	now := time.Now()
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO follows (follower_url, followed_url, accepted, inbox_url, activity_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $6)
		 ON CONFLICT (follower_url, followed_url) DO UPDATE SET
		    accepted = follows.accepted OR EXCLUDED.accepted,
		    inbox_url = COALESCE(NULLIF(EXCLUDED.inbox_url, ''), follows.inbox_url),
		    activity_id = EXCLUDED.activity_id,
		    updated_at = EXCLUDED.updated_at
		 RETURNING id, accepted, inbox_url, created_at, updated_at`,
		edge.FollowerURL, edge.FollowedURL, edge.Accepted, edge.InboxURL, edge.ActivityID, now,
	).Scan(&edge.ID, &edge.Accepted, &edge.InboxURL, &edge.CreatedAt, &edge.UpdatedAt)
	if err != nil {
		return fmt.Errorf("フォロー関係のUPSERTに失敗しました: %w", err)
	}
	return nil
}

// SetAccepted は承認状態を更新する。対象が存在しない場合はfalseを返す。
func (r *PostgresFollowRepo) SetAccepted(ctx context.Context, followerURL, followedURL string, accepted bool) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE follows SET accepted = $3, updated_at = now()
		 WHERE follower_url = $1 AND followed_url = $2`,
		followerURL, followedURL, accepted,
	)
	if err != nil {
		return false, fmt.Errorf("フォロー承認状態の更新に失敗しました: %w", err)
	}
	return rowsAffected(result)
}

// Delete はフォロー関係を削除する。対象が存在しない場合はfalseを返す。
func (r *PostgresFollowRepo) Delete(ctx context.Context, followerURL, followedURL string) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM follows WHERE follower_url = $1 AND followed_url = $2`,
		followerURL, followedURL,
	)
	if err != nil {
		return false, fmt.Errorf("フォロー関係の削除に失敗しました: %w", err)
	}
	return rowsAffected(result)
}

// DeleteByActor はactorURLがフォロワーまたはフォロー先である関係をすべて削除する。
func (r *PostgresFollowRepo) DeleteByActor(ctx context.Context, actorURL string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM follows WHERE follower_url = $1 OR followed_url = $1`, actorURL)
	if err != nil {
		return fmt.Errorf("アクターのフォロー関係削除に失敗しました: %w", err)
	}
	return nil
}

// ListFollowers は承認済みフォロワーを作成日時の昇順で返す。
func (r *PostgresFollowRepo) ListFollowers(ctx context.Context, followedURL string, offset, limit int) ([]*model.FollowEdge, error) {
	return r.list(ctx,
		`SELECT `+followColumns+` FROM follows
		 WHERE followed_url = $1 AND accepted = true
		 ORDER BY created_at ASC, id
		 OFFSET $2 LIMIT $3`,
		followedURL, offset, limit)
}

// CountFollowers は承認済みフォロワー数を返す。
func (r *PostgresFollowRepo) CountFollowers(ctx context.Context, followedURL string) (int, error) {
	return r.count(ctx,
		`SELECT count(*) FROM follows WHERE followed_url = $1 AND accepted = true`, followedURL)
}

// ListFollowing は承認済みフォロー先を作成日時の昇順で返す。
func (r *PostgresFollowRepo) ListFollowing(ctx context.Context, followerURL string, offset, limit int) ([]*model.FollowEdge, error) {
	return r.list(ctx,
		`SELECT `+followColumns+` FROM follows
		 WHERE follower_url = $1 AND accepted = true
		 ORDER BY created_at ASC, id
		 OFFSET $2 LIMIT $3`,
		followerURL, offset, limit)
}

// CountFollowing は承認済みフォロー先数を返す。
func (r *PostgresFollowRepo) CountFollowing(ctx context.Context, followerURL string) (int, error) {
	return r.count(ctx,
		`SELECT count(*) FROM follows WHERE follower_url = $1 AND accepted = true`, followerURL)
}

func (r *PostgresFollowRepo) list(ctx context.Context, query string, args ...any) ([]*model.FollowEdge, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("フォロー一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var edges []*model.FollowEdge
	for rows.Next() {
		f, err := scanFollow(rows)
		if err != nil {
			return nil, fmt.Errorf("フォロー関係の読み取りに失敗しました: %w", err)
		}
		edges = append(edges, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フォロー一覧の走査に失敗しました: %w", err)
	}
	return edges, nil
}

func (r *PostgresFollowRepo) count(ctx context.Context, query string, arg string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, query, arg).Scan(&n); err != nil {
		return 0, fmt.Errorf("フォロー数の取得に失敗しました: %w", err)
	}
	return n, nil
}

var _ FollowRepository = (*PostgresFollowRepo)(nil)
