package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/fedcal/internal/model"
)

// PostgresActorRepo はPostgreSQLを使用したアクターリポジトリ。
type PostgresActorRepo struct {
	db *sql.DB
}

// NewPostgresActorRepo はPostgresActorRepoを生成する。
func NewPostgresActorRepo(db *sql.DB) *PostgresActorRepo {
	return &PostgresActorRepo{db: db}
}

const actorColumns = `id, actor_url, username, domain, display_name, summary,
		        inbox_url, shared_inbox_url, outbox_url, followers_url, following_url, icon_url,
		        public_key_pem, private_key_sealed, is_remote, last_fetched_at, created_at, updated_at`

func scanActor(s rowScanner) (*model.Actor, error) {
	a := &model.Actor{}
	if err := s.Scan(
		&a.ID, &a.ActorURL, &a.Username, &a.Domain, &a.DisplayName, &a.Summary,
		&a.InboxURL, &a.SharedInboxURL, &a.OutboxURL, &a.FollowersURL, &a.FollowingURL, &a.IconURL,
		&a.PublicKeyPEM, &a.PrivateKeySealed, &a.IsRemote, &a.LastFetchedAt, &a.CreatedAt, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return a, nil
}

// FindByURL はアクターURLでアクターを取得する。見つからない場合はnilを返す。
func (r *PostgresActorRepo) FindByURL(ctx context.Context, actorURL string) (*model.Actor, error) {
	a, err := scanActor(r.db.QueryRowContext(ctx,
		`SELECT `+actorColumns+` FROM actors WHERE actor_url = $1`, actorURL))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("アクターの取得に失敗しました: %w", err)
	}
	return a, nil
}

// FindLocalByUsername はユーザー名でローカルアクターを取得する。見つからない場合はnilを返す。
func (r *PostgresActorRepo) FindLocalByUsername(ctx context.Context, username string) (*model.Actor, error) {
	a, err := scanActor(r.db.QueryRowContext(ctx,
		`SELECT `+actorColumns+` FROM actors WHERE username = $1 AND is_remote = false`, username))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ローカルアクターの取得に失敗しました: %w", err)
	}
	return a, nil
}

// Upsert はactor_urlをキーにアクターを登録または上書きする（後勝ち）。
// 鍵フィールドが空の場合は既存の鍵を保持する。
func (r *PostgresActorRepo) Upsert(ctx context.Context, a *model.Actor) error {
	now := time.Now()
	if a.LastFetchedAt.IsZero() {
		a.LastFetchedAt = now
	}

	err := r.db.QueryRowContext(ctx,
		`INSERT INTO actors (actor_url, username, domain, display_name, summary,
		                     inbox_url, shared_inbox_url, outbox_url, followers_url, following_url, icon_url,
		                     public_key_pem, private_key_sealed, is_remote, last_fetched_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)
		 ON CONFLICT (actor_url) DO UPDATE SET
		    username = EXCLUDED.username,
		    domain = EXCLUDED.domain,
		    display_name = EXCLUDED.display_name,
		    summary = EXCLUDED.summary,
		    inbox_url = EXCLUDED.inbox_url,
		    shared_inbox_url = EXCLUDED.shared_inbox_url,
		    outbox_url = EXCLUDED.outbox_url,
		    followers_url = EXCLUDED.followers_url,
		    following_url = EXCLUDED.following_url,
		    icon_url = EXCLUDED.icon_url,
		    public_key_pem = CASE WHEN EXCLUDED.public_key_pem <> '' THEN EXCLUDED.public_key_pem ELSE actors.public_key_pem END,
		    private_key_sealed = CASE WHEN EXCLUDED.private_key_sealed <> '' THEN EXCLUDED.private_key_sealed ELSE actors.private_key_sealed END,
		    last_fetched_at = EXCLUDED.last_fetched_at,
		    updated_at = EXCLUDED.updated_at
		 RETURNING id, public_key_pem, private_key_sealed, created_at, updated_at`,
		a.ActorURL, a.Username, a.Domain, a.DisplayName, a.Summary,
		a.InboxURL, a.SharedInboxURL, a.OutboxURL, a.FollowersURL, a.FollowingURL, a.IconURL,
		a.PublicKeyPEM, a.PrivateKeySealed, a.IsRemote, a.LastFetchedAt, now,
	).Scan(&a.ID, &a.PublicKeyPEM, &a.PrivateKeySealed, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("アクターのUPSERTに失敗しました: %w", err)
	}
	return nil
}

// SetKeys はローカルアクターの鍵ペアを保存する。並行呼び出し時は後勝ちとなる。
func (r *PostgresActorRepo) SetKeys(ctx context.Context, actorURL, publicKeyPEM, privateKeySealed string) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE actors SET public_key_pem = $2, private_key_sealed = $3, updated_at = now()
		 WHERE actor_url = $1 AND is_remote = false`,
		actorURL, publicKeyPEM, privateKeySealed,
	)
	if err != nil {
		return fmt.Errorf("鍵ペアの保存に失敗しました: %w", err)
	}
	ok, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("鍵ペアの保存対象のローカルアクターが存在しません: %s", actorURL)
	}
	return nil
}

// DeleteByURL はアクターを削除する。
func (r *PostgresActorRepo) DeleteByURL(ctx context.Context, actorURL string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM actors WHERE actor_url = $1`, actorURL)
	if err != nil {
		return fmt.Errorf("アクターの削除に失敗しました: %w", err)
	}
	return nil
}

// ListStaleRemote はlast_fetched_atがbefore以前のリモートアクターを古い順に返す。
func (r *PostgresActorRepo) ListStaleRemote(ctx context.Context, before time.Time, limit int) ([]*model.Actor, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+actorColumns+`
		 FROM actors
		 WHERE is_remote = true AND last_fetched_at <= $1
		 ORDER BY last_fetched_at ASC
		 LIMIT $2`,
		before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("更新対象リモートアクターの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var actors []*model.Actor
	for rows.Next() {
		a, err := scanActor(rows)
		if err != nil {
			return nil, fmt.Errorf("リモートアクターの読み取りに失敗しました: %w", err)
		}
		actors = append(actors, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("リモートアクター一覧の走査に失敗しました: %w", err)
	}
	return actors, nil
}

var _ ActorRepository = (*PostgresActorRepo)(nil)
