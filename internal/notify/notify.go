// Package notify はプロトコル経由の変更をリアルタイム通知の外部コラボレーターへ伝える。
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hitoshi/fedcal/internal/activity"
)

// Kind は通知の種類。
type Kind string

const (
	KindFollowRequested  Kind = "follow.requested"
	KindFollowAccepted   Kind = "follow.accepted"
	KindFollowRejected   Kind = "follow.rejected"
	KindFollowRemoved    Kind = "follow.removed"
	KindLikeAdded        Kind = "like.added"
	KindLikeRemoved      Kind = "like.removed"
	KindShareAdded       Kind = "share.added"
	KindShareRemoved     Kind = "share.removed"
	KindCommentAdded     Kind = "comment.added"
	KindCommentUpdated   Kind = "comment.updated"
	KindCommentDeleted   Kind = "comment.deleted"
	KindAttendanceSet    Kind = "attendance.set"
	KindAttendanceRemove Kind = "attendance.removed"
	KindActorDeleted     Kind = "actor.deleted"
	KindEventPublished   Kind = "event.published"
	KindEventUpdated     Kind = "event.updated"
	KindEventDeleted     Kind = "event.deleted"
)

// Event は通知1件。
type Event struct {
	Kind     Kind
	Username string // 影響を受けるローカルユーザー（任意）
	EventID  string
	ActorURL string // 変更を起こしたアクター
	ObjectID string
	Scope    activity.Scope
	Detail   string
}

// Broadcaster はリアルタイム通知の送信先。
// 呼び出し元の処理を妨げないよう、実装はブロックせずエラーも返さない。
type Broadcaster interface {
	Broadcast(ctx context.Context, ev Event)
}

// LogBroadcaster は通知を構造化ログとして出力する。
type LogBroadcaster struct {
	logger *slog.Logger
}

// NewLogBroadcaster はLogBroadcasterを生成する。loggerがnilならslog.Default()を使う。
func NewLogBroadcaster(logger *slog.Logger) *LogBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogBroadcaster{logger: logger}
}

// Broadcast は通知をINFOレベルで記録する。
func (b *LogBroadcaster) Broadcast(ctx context.Context, ev Event) {
	b.logger.InfoContext(ctx, "broadcast",
		slog.String("kind", string(ev.Kind)),
		slog.String("username", ev.Username),
		slog.String("event_id", ev.EventID),
		slog.String("actor", ev.ActorURL),
		slog.String("object", ev.ObjectID),
		slog.String("scope", string(ev.Scope)),
	)
}

// Nop は何もしないBroadcaster。
type Nop struct{}

func (Nop) Broadcast(context.Context, Event) {}

// Recorder は受け取った通知を保持する。
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Broadcast(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events は受け取った通知のコピーを返す。
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds は受け取った通知の種類を順に返す。
func (r *Recorder) Kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

var (
	_ Broadcaster = (*LogBroadcaster)(nil)
	_ Broadcaster = Nop{}
	_ Broadcaster = (*Recorder)(nil)
)
