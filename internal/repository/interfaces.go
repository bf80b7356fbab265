// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/fedcal/internal/model"
)

// UserRepository はローカルユーザーの参照インターフェース。
// ユーザーの作成・更新はイベント管理側が担うため、連合エンジンは読み取りのみ行う。
type UserRepository interface {
	// FindByUsername は指定ユーザー名のローカルユーザーを取得する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.LocalUser, error)
}

// EventRepository はイベントの参照インターフェース。
type EventRepository interface {
	// FindByID は指定IDのイベントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Event, error)

	// FindByAPID はActivityPub IDでリモートイベントを検索する。見つからない場合はnilを返す。
	FindByAPID(ctx context.Context, apID string) (*model.Event, error)

	// ListPublicByOwner はownerの公開ローカルイベントを作成日時の降順で返す。
	ListPublicByOwner(ctx context.Context, owner string, offset, limit int) ([]*model.Event, error)

	// CountPublicByOwner はownerの公開ローカルイベント数を返す。
	CountPublicByOwner(ctx context.Context, owner string) (int, error)
}

// ActorRepository はローカル・リモートアクターの永続化インターフェース。
type ActorRepository interface {
	// FindByURL はアクターURLでアクターを取得する。見つからない場合はnilを返す。
	FindByURL(ctx context.Context, actorURL string) (*model.Actor, error)

	// FindLocalByUsername はユーザー名でローカルアクターを取得する。見つからない場合はnilを返す。
	FindLocalByUsername(ctx context.Context, username string) (*model.Actor, error)

	// Upsert はactor_urlをキーにアクターを登録または上書きする（後勝ち）。
	// 鍵フィールドが空の場合は既存の鍵を保持する。
	Upsert(ctx context.Context, actor *model.Actor) error

	// SetKeys はローカルアクターの鍵ペアを保存する。並行呼び出し時は後勝ちとなる。
	SetKeys(ctx context.Context, actorURL, publicKeyPEM, privateKeySealed string) error

	// DeleteByURL はアクターを削除する。
	DeleteByURL(ctx context.Context, actorURL string) error

	// ListStaleRemote はlast_fetched_atがbefore以前のリモートアクターを古い順に返す。
	ListStaleRemote(ctx context.Context, before time.Time, limit int) ([]*model.Actor, error)
}

// FollowRepository はフォロー関係の永続化インターフェース。
type FollowRepository interface {
	// Find はフォロー関係を取得する。見つからない場合はnilを返す。
	Find(ctx context.Context, followerURL, followedURL string) (*model.FollowEdge, error)

	// FindByActivityID はFollowアクティビティのidでフォロー関係を取得する。見つからない場合はnilを返す。
	FindByActivityID(ctx context.Context, activityID string) (*model.FollowEdge, error)

	// Upsert は(follower, followed)をキーにフォロー関係を登録する。
	// 既存の承認済み状態は取り消さない。
	Upsert(ctx context.Context, edge *model.FollowEdge) error

	// SetAccepted は承認状態を更新する。対象が存在しない場合はfalseを返す。
	SetAccepted(ctx context.Context, followerURL, followedURL string, accepted bool) (bool, error)

	// Delete はフォロー関係を削除する。対象が存在しない場合はfalseを返す。
	Delete(ctx context.Context, followerURL, followedURL string) (bool, error)

	// DeleteByActor はactorURLがフォロワーまたはフォロー先である関係をすべて削除する。
	DeleteByActor(ctx context.Context, actorURL string) error

	// ListFollowers は承認済みフォロワーを作成日時の昇順で返す。
	ListFollowers(ctx context.Context, followedURL string, offset, limit int) ([]*model.FollowEdge, error)

	// CountFollowers は承認済みフォロワー数を返す。
	CountFollowers(ctx context.Context, followedURL string) (int, error)

	// ListFollowing は承認済みフォロー先を作成日時の昇順で返す。
	ListFollowing(ctx context.Context, followerURL string, offset, limit int) ([]*model.FollowEdge, error)

	// CountFollowing は承認済みフォロー先数を返す。
	CountFollowing(ctx context.Context, followerURL string) (int, error)
}

// ProcessedActivityRepository は受信アクティビティの処理記録（冪等性）の永続化インターフェース。
type ProcessedActivityRepository interface {
	// Claim はアクティビティIDの処理権を原子的に確保する。
	// すでに記録済みの場合はfalseを返す。
	Claim(ctx context.Context, record *model.ProcessedActivity) (bool, error)

	// MarkOutcome は処理結果を記録する。
	MarkOutcome(ctx context.Context, activityID string, outcome model.ProcessingOutcome) error

	// Release は確保した処理権を解放し、再送時に再処理できるようにする。
	Release(ctx context.Context, activityID string) error

	// DeleteOlderThan はbefore以前の記録を削除し、削除件数を返す。
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// InteractionRepository はリモートアクターからのいいね・共有・コメント・出欠のキャッシュを扱う。
type InteractionRepository interface {
	// UpsertLike はいいねを登録する。同一(event, actor)は1件に集約される。
	UpsertLike(ctx context.Context, like *model.Like) error

	// DeleteLike は(event, actor)のいいねを削除する。対象が存在しない場合はfalseを返す。
	DeleteLike(ctx context.Context, eventID, actorURL string) (bool, error)

	// DeleteLikeByActivityID はLikeアクティビティのidといいね主でいいねを削除する。
	DeleteLikeByActivityID(ctx context.Context, activityID, actorURL string) (bool, error)

	// CountLikes はイベントのいいね数を返す。
	CountLikes(ctx context.Context, eventID string) (int, error)

	// UpsertShare は共有（Announce）を登録する。
	UpsertShare(ctx context.Context, share *model.Share) error

	// DeleteShare は(event, actor)の共有を削除する。
	DeleteShare(ctx context.Context, eventID, actorURL string) (bool, error)

	// DeleteShareByActivityID はAnnounceアクティビティのidと共有者で共有を削除する。
	DeleteShareByActivityID(ctx context.Context, activityID, actorURL string) (bool, error)

	// UpsertComment はnote_idをキーにコメントを登録または更新する。
	UpsertComment(ctx context.Context, comment *model.Comment) error

	// FindCommentByNoteID はNoteのidでコメントを取得する。見つからない場合はnilを返す。
	FindCommentByNoteID(ctx context.Context, noteID string) (*model.Comment, error)

	// DeleteComment は作成者が一致するコメントを削除する。対象が存在しない場合はfalseを返す。
	DeleteComment(ctx context.Context, noteID, authorActorURL string) (bool, error)

	// UpsertAttendance は(event, actor)をキーに出欠を登録または更新する。
	UpsertAttendance(ctx context.Context, attendance *model.Attendance) error

	// FindAttendance は出欠を取得する。見つからない場合はnilを返す。
	FindAttendance(ctx context.Context, eventID, actorURL string) (*model.Attendance, error)

	// DeleteAttendance は出欠を削除する。
	DeleteAttendance(ctx context.Context, eventID, actorURL string) (bool, error)

	// DeleteByActor はアクターに紐づくすべてのキャッシュを削除する。
	DeleteByActor(ctx context.Context, actorURL string) error
}

// DeliveryRepository は配送再試行キューの永続化インターフェース。
type DeliveryRepository interface {
	// Enqueue は配送を登録する。同一(activity, inbox)の重複登録は無視される。
	Enqueue(ctx context.Context, delivery *model.Delivery) error

	// ClaimDue はnext_attempt_at <= now のpending配送を最大limit件取得し、
	// 取得した行のnext_attempt_atをleaseだけ先送りして他のワーカーから隠す。
	ClaimDue(ctx context.Context, limit int, lease time.Duration) ([]*model.Delivery, error)

	// UpdateState は試行回数・状態・最終エラー・次回試行日時を更新する。
	UpdateState(ctx context.Context, delivery *model.Delivery) error

	// DeleteFinishedBefore はbefore以前に更新された配送済み・破棄済みの配送を削除する。
	DeleteFinishedBefore(ctx context.Context, before time.Time) (int64, error)
}
