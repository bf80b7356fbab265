package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/fedcal/internal/model"
)

// PostgresInteractionRepo はPostgreSQLを使用したインタラクション（いいね・共有・コメント・出欠）リポジトリ。
type PostgresInteractionRepo struct {
	db *sql.DB
}

// NewPostgresInteractionRepo はPostgresInteractionRepoを生成する。
func NewPostgresInteractionRepo(db *sql.DB) *PostgresInteractionRepo {
	return &PostgresInteractionRepo{db: db}
}

// UpsertLike はいいねを登録する。同一(event, actor)は1件に集約される。
func (r *PostgresInteractionRepo) UpsertLike(ctx context.Context, like *model.Like) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO event_likes (event_id, actor_url, activity_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (event_id, actor_url) DO UPDATE SET activity_id = EXCLUDED.activity_id
		 RETURNING id, created_at`,
		like.EventID, like.ActorURL, like.ActivityID,
	).Scan(&like.ID, &like.CreatedAt)
	if err != nil {
		return fmt.Errorf("いいねの登録に失敗しました: %w", err)
	}
	return nil
}

// DeleteLike は(event, actor)のいいねを削除する。
func (r *PostgresInteractionRepo) DeleteLike(ctx context.Context, eventID, actorURL string) (bool, error) {
	return r.exec(ctx, "いいねの削除",
		`DELETE FROM event_likes WHERE event_id = $1 AND actor_url = $2`, eventID, actorURL)
}

// DeleteLikeByActivityID はLikeアクティビティのidといいね主でいいねを削除する。
func (r *PostgresInteractionRepo) DeleteLikeByActivityID(ctx context.Context, activityID, actorURL string) (bool, error) {
	return r.exec(ctx, "いいねの削除",
		`DELETE FROM event_likes WHERE activity_id = $1 AND actor_url = $2`, activityID, actorURL)
}

// CountLikes はイベントのいいね数を返す。
func (r *PostgresInteractionRepo) CountLikes(ctx context.Context, eventID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM event_likes WHERE event_id = $1`, eventID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("いいね数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// UpsertShare は共有を登録する。
func (r *PostgresInteractionRepo) UpsertShare(ctx context.Context, share *model.Share) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO event_shares (event_id, actor_url, activity_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (event_id, actor_url) DO UPDATE SET activity_id = EXCLUDED.activity_id
		 RETURNING id, created_at`,
		share.EventID, share.ActorURL, share.ActivityID,
	).Scan(&share.ID, &share.CreatedAt)
	if err != nil {
		return fmt.Errorf("共有の登録に失敗しました: %w", err)
	}
	return nil
}

// DeleteShare は(event, actor)の共有を削除する。
func (r *PostgresInteractionRepo) DeleteShare(ctx context.Context, eventID, actorURL string) (bool, error) {
	return r.exec(ctx, "共有の削除",
		`DELETE FROM event_shares WHERE event_id = $1 AND actor_url = $2`, eventID, actorURL)
}

// DeleteShareByActivityID はAnnounceアクティビティのidと共有者で共有を削除する。
func (r *PostgresInteractionRepo) DeleteShareByActivityID(ctx context.Context, activityID, actorURL string) (bool, error) {
	return r.exec(ctx, "共有の削除",
		`DELETE FROM event_shares WHERE activity_id = $1 AND actor_url = $2`, activityID, actorURL)
}

// UpsertComment はnote_idをキーにコメントを登録または更新する。
func (r *PostgresInteractionRepo) UpsertComment(ctx context.Context, c *model.Comment) error {
	if c.PublishedAt.IsZero() {
		c.PublishedAt = time.Now()
	}
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO comments (note_id, event_id, author_actor_url, content, in_reply_to, published_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (note_id) DO UPDATE SET
		    content = EXCLUDED.content,
		    updated_at = now()
		 WHERE comments.author_actor_url = EXCLUDED.author_actor_url
		 RETURNING id, created_at, updated_at`,
		c.NoteID, c.EventID, c.AuthorActorURL, c.Content, c.InReplyTo, c.PublishedAt,
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		// 作成者の異なる既存Noteは上書きしない
		return nil
	}
	if err != nil {
		return fmt.Errorf("コメントの登録に失敗しました: %w", err)
	}
	return nil
}

// FindCommentByNoteID はNoteのidでコメントを取得する。見つからない場合はnilを返す。
func (r *PostgresInteractionRepo) FindCommentByNoteID(ctx context.Context, noteID string) (*model.Comment, error) {
	c := &model.Comment{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, note_id, event_id, author_actor_url, content, in_reply_to, published_at, created_at, updated_at
		 FROM comments WHERE note_id = $1`,
		noteID,
	).Scan(&c.ID, &c.NoteID, &c.EventID, &c.AuthorActorURL, &c.Content, &c.InReplyTo, &c.PublishedAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("コメントの取得に失敗しました: %w", err)
	}
	return c, nil
}

// DeleteComment は作成者が一致するコメントを削除する。
func (r *PostgresInteractionRepo) DeleteComment(ctx context.Context, noteID, authorActorURL string) (bool, error) {
	return r.exec(ctx, "コメントの削除",
		`DELETE FROM comments WHERE note_id = $1 AND author_actor_url = $2`, noteID, authorActorURL)
}

// UpsertAttendance は(event, actor)をキーに出欠を登録または更新する。
func (r *PostgresInteractionRepo) UpsertAttendance(ctx context.Context, a *model.Attendance) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO attendances (event_id, actor_url, status, activity_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (event_id, actor_url) DO UPDATE SET
		    status = EXCLUDED.status,
		    activity_id = EXCLUDED.activity_id,
		    updated_at = now()
		 RETURNING id, created_at, updated_at`,
		a.EventID, a.ActorURL, a.Status, a.ActivityID,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("出欠の登録に失敗しました: %w", err)
	}
	return nil
}

// FindAttendance は出欠を取得する。見つからない場合はnilを返す。
func (r *PostgresInteractionRepo) FindAttendance(ctx context.Context, eventID, actorURL string) (*model.Attendance, error) {
	a := &model.Attendance{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, event_id, actor_url, status, activity_id, created_at, updated_at
		 FROM attendances WHERE event_id = $1 AND actor_url = $2`,
		eventID, actorURL,
	).Scan(&a.ID, &a.EventID, &a.ActorURL, &a.Status, &a.ActivityID, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("出欠の取得に失敗しました: %w", err)
	}
	return a, nil
}

// DeleteAttendance は出欠を削除する。
func (r *PostgresInteractionRepo) DeleteAttendance(ctx context.Context, eventID, actorURL string) (bool, error) {
	return r.exec(ctx, "出欠の削除",
		`DELETE FROM attendances WHERE event_id = $1 AND actor_url = $2`, eventID, actorURL)
}

// DeleteByActor はアクターに紐づくすべてのキャッシュを同一トランザクションで削除する。
func (r *PostgresInteractionRepo) DeleteByActor(ctx context.Context, actorURL string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer tx.Rollback()

	queries := []string{
		`DELETE FROM event_likes WHERE actor_url = $1`,
		`DELETE FROM event_shares WHERE actor_url = $1`,
		`DELETE FROM attendances WHERE actor_url = $1`,
		`DELETE FROM comments WHERE author_actor_url = $1`,
	}
	for _, q := range queries {
		if _, err := tx.ExecContext(ctx, q, actorURL); err != nil {
			return fmt.Errorf("アクターのインタラクション削除に失敗しました: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", err)
	}
	return nil
}

func (r *PostgresInteractionRepo) exec(ctx context.Context, op, query string, args ...any) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("%sに失敗しました: %w", op, err)
	}
	return rowsAffected(result)
}

var _ InteractionRepository = (*PostgresInteractionRepo)(nil)
