package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/hitoshi/fedcal/internal/model"
)

// PostgresUserRepo はPostgreSQLを使用したローカルユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByUsername は指定ユーザー名のローカルユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByUsername(ctx context.Context, username string) (*model.LocalUser, error) {
	u := &model.LocalUser{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, username, display_name, summary, avatar_url, header_url,
		        display_color, manually_approves_followers, created_at
		 FROM users WHERE username = $1`,
		username,
	).Scan(
		&u.ID, &u.Username, &u.DisplayName, &u.Summary, &u.AvatarURL, &u.HeaderURL,
		&u.DisplayColor, &u.ManuallyApprovesFollowers, &u.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}

	return u, nil
}

// PostgresEventRepo はPostgreSQLを使用したイベントリポジトリ。
type PostgresEventRepo struct {
	db *sql.DB
}

// NewPostgresEventRepo はPostgresEventRepoを生成する。
func NewPostgresEventRepo(db *sql.DB) *PostgresEventRepo {
	return &PostgresEventRepo{db: db}
}

const eventColumns = `id, owner_username, title, description, location, start_time, end_time,
		        visibility, event_status, attendance_mode, capacity, image_url,
		        is_remote, ap_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(s rowScanner) (*model.Event, error) {
	e := &model.Event{}
	var endTime sql.NullTime
	var capacity sql.NullInt64
	var apID sql.NullString

	if err := s.Scan(
		&e.ID, &e.OwnerUsername, &e.Title, &e.Description, &e.Location, &e.StartTime, &endTime,
		&e.Visibility, &e.Status, &e.AttendanceMode, &capacity, &e.ImageURL,
		&e.IsRemote, &apID, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if endTime.Valid {
		t := endTime.Time
		e.EndTime = &t
	}
	if capacity.Valid {
		c := int(capacity.Int64)
		e.Capacity = &c
	}
	e.APID = nullStringValue(apID)
	return e, nil
}

// FindByID は指定IDのイベントを取得する。UUIDとして不正なIDは未検出として扱う。
func (r *PostgresEventRepo) FindByID(ctx context.Context, id string) (*model.Event, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}

	e, err := scanEvent(r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("イベントの取得に失敗しました: %w", err)
	}
	return e, nil
}

// FindByAPID はActivityPub IDでイベントを検索する。見つからない場合はnilを返す。
func (r *PostgresEventRepo) FindByAPID(ctx context.Context, apID string) (*model.Event, error) {
	e, err := scanEvent(r.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE ap_id = $1`, apID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ActivityPub IDによるイベントの検索に失敗しました: %w", err)
	}
	return e, nil
}

// ListPublicByOwner はownerの公開ローカルイベントを作成日時の降順で返す。
func (r *PostgresEventRepo) ListPublicByOwner(ctx context.Context, owner string, offset, limit int) ([]*model.Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+eventColumns+`
		 FROM events
		 WHERE owner_username = $1 AND is_remote = false AND visibility = 'PUBLIC'
		 ORDER BY created_at DESC, id
		 OFFSET $2 LIMIT $3`,
		owner, offset, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("公開イベント一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var events []*model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("公開イベントの読み取りに失敗しました: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("公開イベント一覧の走査に失敗しました: %w", err)
	}
	return events, nil
}

// CountPublicByOwner はownerの公開ローカルイベント数を返す。
func (r *PostgresEventRepo) CountPublicByOwner(ctx context.Context, owner string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM events
		 WHERE owner_username = $1 AND is_remote = false AND visibility = 'PUBLIC'`,
		owner,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("公開イベント数の取得に失敗しました: %w", err)
	}
	return count, nil
}

// nullString は空文字列をsql.NullStringに変換する。
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullStringValue はsql.NullStringから文字列を取得する。
func nullStringValue(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// rowsAffected は更新・削除結果から1件以上影響があったかを返す。
func rowsAffected(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("影響行数の取得に失敗しました: %w", err)
	}
	return n > 0, nil
}

var (
	_ UserRepository  = (*PostgresUserRepo)(nil)
	_ EventRepository = (*PostgresEventRepo)(nil)
)
