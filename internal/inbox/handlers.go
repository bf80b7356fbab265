package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/fedcal/internal/activity"
	"github.com/hitoshi/fedcal/internal/model"
	"github.com/hitoshi/fedcal/internal/notify"
)

// handleFollow はローカルユーザーへのフォローリクエストを記録し、必要なら自動承認する。
func (p *Processor) handleFollow(ctx context.Context, f *activity.Follow) (model.ProcessingOutcome, error) {
	username, ok := p.urls.LocalUsername(f.Target)
	if !ok {
		return model.OutcomeIgnored, nil
	}
	user, err := p.repos.Users.FindByUsername(ctx, username)
	if err != nil {
		return model.OutcomeIgnored, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return model.OutcomeIgnored, nil
	}

	// フォロワーの配送先を控える。解決できなくても関係は記録し、配送時に再解決する
	var degraded error
	inbox := ""
	if follower, err := p.directory.ResolveRemoteActor(ctx, f.Actor); err != nil {
		degraded = fmt.Errorf("フォロワーの解決に失敗しました: %w", err)
	} else {
		inbox = follower.DeliveryInbox()
	}

	edge := &model.FollowEdge{
		FollowerURL: f.Actor,
		FollowedURL: p.urls.Actor(user.Username),
		InboxURL:    inbox,
		ActivityID:  f.ID,
	}
	if err := p.repos.Follows.Upsert(ctx, edge); err != nil {
		return model.OutcomeIgnored, fmt.Errorf("フォロー関係の保存に失敗しました: %w", err)
	}
	p.broadcast(ctx, notify.Event{
		Kind:     notify.KindFollowRequested,
		Username: user.Username,
		ActorURL: f.Actor,
		ObjectID: f.ID,
		Scope:    activity.ScopeDirect,
	})

	if !p.autoAccept || user.ManuallyApprovesFollowers {
		return outcome(degraded)
	}

	if _, err := p.repos.Follows.SetAccepted(ctx, edge.FollowerURL, edge.FollowedURL, true); err != nil {
		return model.OutcomeIgnored, fmt.Errorf("フォローの承認に失敗しました: %w", err)
	}
	edge.Accepted = true
	p.broadcast(ctx, notify.Event{
		Kind:     notify.KindFollowAccepted,
		Username: user.Username,
		ActorURL: f.Actor,
		ObjectID: f.ID,
		Scope:    activity.ScopeDirect,
	})

	if p.responder != nil {
		if err := p.responder.SendFollowResponse(ctx, user.Username, edge, true); err != nil {
			degraded = errors.Join(degraded, fmt.Errorf("Acceptの送信に失敗しました: %w", err))
		}
	}
	return outcome(degraded)
}

// handleResponse はAccept・TentativeAccept・Rejectを処理する。
// 送信済みFollowへの応答ならフォロー関係を、イベントへの応答なら出欠を更新する。
func (p *Processor) handleResponse(ctx context.Context, r *activity.Response) (model.ProcessingOutcome, error) {
	edge, err := p.outboundFollow(ctx, r)
	if err != nil {
		return model.OutcomeIgnored, err
	}
	if edge != nil {
		return p.applyFollowResponse(ctx, r, edge)
	}

	refs := []string{r.ObjectID}
	if r.Inner != nil && r.Inner.ObjectID != "" {
		refs = append(refs, r.Inner.ObjectID)
	}
	ev, err := p.findEvent(ctx, refs...)
	if err != nil || ev == nil {
		return model.OutcomeIgnored, err
	}

	status := model.AttendanceGoing
	switch r.Type {
	case activity.TypeTentativeAccept:
		status = model.AttendanceMaybe
	case activity.TypeReject:
		status = model.AttendanceDeclined
	}

	degraded := p.ensureActor(ctx, r.Actor)
	if err := p.repos.Interactions.UpsertAttendance(ctx, &model.Attendance{
		EventID:    ev.ID,
		ActorURL:   r.Actor,
		Status:     status,
		ActivityID: r.ID,
	}); err != nil {
		return model.OutcomeIgnored, fmt.Errorf("出欠の保存に失敗しました: %w", err)
	}
	p.broadcast(ctx, notify.Event{
		Kind:     notify.KindAttendanceSet,
		Username: ev.OwnerUsername,
		EventID:  ev.ID,
		ActorURL: r.Actor,
		ObjectID: r.ID,
		Detail:   string(status),
	})
	return outcome(degraded)
}

// outboundFollow は応答の対象がローカルから送ったFollowであればその関係を返す。
// 応答できるのはフォロー先本人のみ。
func (p *Processor) outboundFollow(ctx context.Context, r *activity.Response) (*model.FollowEdge, error) {
	if r.Inner != nil && r.Inner.Type == activity.TypeFollow && r.Inner.Actor != "" {
		if !p.urls.IsLocal(r.Inner.Actor) || r.Inner.ObjectID != r.Actor {
			return nil, nil
		}
		edge, err := p.repos.Follows.Find(ctx, r.Inner.Actor, r.Actor)
		if err != nil {
			return nil, fmt.Errorf("フォロー関係の取得に失敗しました: %w", err)
		}
		if edge != nil {
			return edge, nil
		}
	}

	edge, err := p.repos.Follows.FindByActivityID(ctx, r.ObjectID)
	if err != nil {
		return nil, fmt.Errorf("フォロー関係の取得に失敗しました: %w", err)
	}
	if edge == nil || edge.FollowedURL != r.Actor || !p.urls.IsLocal(edge.FollowerURL) {
		return nil, nil
	}
	return edge, nil
}

func (p *Processor) applyFollowResponse(ctx context.Context, r *activity.Response, edge *model.FollowEdge) (model.ProcessingOutcome, error) {
	username, _ := p.urls.LocalUsername(edge.FollowerURL)
	switch r.Type {
	case activity.TypeAccept:
		if _, err := p.repos.Follows.SetAccepted(ctx, edge.FollowerURL, edge.FollowedURL, true); err != nil {
			return model.OutcomeIgnored, fmt.Errorf("フォローの承認状態の更新に失敗しました: %w", err)
		}
		p.broadcast(ctx, notify.Event{
			Kind:     notify.KindFollowAccepted,
			Username: username,
			ActorURL: r.Actor,
			ObjectID: edge.ActivityID,
			Scope:    activity.ScopeDirect,
		})
		return model.OutcomeApplied, nil

	case activity.TypeReject:
		if _, err := p.repos.Follows.Delete(ctx, edge.FollowerURL, edge.FollowedURL); err != nil {
			return model.OutcomeIgnored, fmt.Errorf("フォロー関係の削除に失敗しました: %w", err)
		}
		p.broadcast(ctx, notify.Event{
			Kind:     notify.KindFollowRejected,
			Username: username,
			ActorURL: r.Actor,
			ObjectID: edge.ActivityID,
			Scope:    activity.ScopeDirect,
		})
		return model.OutcomeApplied, nil

	default:
		// TentativeAcceptはフォローでは保留のまま
		return model.OutcomeIgnored, nil
	}
}

// handleCreate はイベントへの返信Noteをコメントとして保存する。
func (p *Processor) handleCreate(ctx context.Context, c *activity.Create) (model.ProcessingOutcome, error) {
	note := c.Note
	if note == nil || note.InReplyTo == "" {
		return model.OutcomeIgnored, nil
	}
	if note.AttributedTo != "" && note.AttributedTo != c.Actor {
		p.logger.Info("作成者とactorが一致しないNoteを無視しました",
			slog.String("note", note.ID),
			slog.String("actor", c.Actor),
			slog.String("attributed_to", note.AttributedTo),
		)
		return model.OutcomeIgnored, nil
	}

	eventID, err := p.replyTarget(ctx, note.InReplyTo)
	if err != nil || eventID == "" {
		return model.OutcomeIgnored, err
	}

	degraded := p.ensureActor(ctx, c.Actor)
	comment := &model.Comment{
		NoteID:         note.ID,
		EventID:        eventID,
		AuthorActorURL: c.Actor,
		Content:        p.sanitizer.Sanitize(note.Content),
		InReplyTo:      note.InReplyTo,
		PublishedAt:    p.published(note.Published),
	}
	if err := p.repos.Interactions.UpsertComment(ctx, comment); err != nil {
		return model.OutcomeIgnored, fmt.Errorf("コメントの保存に失敗しました: %w", err)
	}
	p.broadcast(ctx, notify.Event{
		Kind:     notify.KindCommentAdded,
		EventID:  eventID,
		ActorURL: c.Actor,
		ObjectID: note.ID,
	})
	return outcome(degraded)
}

// replyTarget は返信先（イベントまたは既存コメント）からイベントIDを求める。
func (p *Processor) replyTarget(ctx context.Context, inReplyTo string) (string, error) {
	ev, err := p.findEvent(ctx, inReplyTo)
	if err != nil {
		return "", err
	}
	if ev != nil {
		return ev.ID, nil
	}
	parent, err := p.repos.Interactions.FindCommentByNoteID(ctx, inReplyTo)
	if err != nil {
		return "", fmt.Errorf("返信先コメントの取得に失敗しました: %w", err)
	}
	if parent == nil {
		return "", nil
	}
	return parent.EventID, nil
}

// handleLike はイベントへのいいねを保存する。
func (p *Processor) handleLike(ctx context.Context, l *activity.Like) (model.ProcessingOutcome, error) {
	ev, err := p.findEvent(ctx, l.ObjectID)
	if err != nil || ev == nil {
		return model.OutcomeIgnored, err
	}
	degraded := p.ensureActor(ctx, l.Actor)
	if err := p.repos.Interactions.UpsertLike(ctx, &model.Like{
		EventID:    ev.ID,
		ActorURL:   l.Actor,
		ActivityID: l.ID,
	}); err != nil {
		return model.OutcomeIgnored, fmt.Errorf("いいねの保存に失敗しました: %w", err)
	}
	p.broadcast(ctx, notify.Event{
		Kind:     notify.KindLikeAdded,
		Username: ev.OwnerUsername,
		EventID:  ev.ID,
		ActorURL: l.Actor,
		ObjectID: l.ID,
	})
	return outcome(degraded)
}

// handleAnnounce はイベントの共有を保存する。
func (p *Processor) handleAnnounce(ctx context.Context, a *activity.Announce) (model.ProcessingOutcome, error) {
	ev, err := p.findEvent(ctx, a.ObjectID)
	if err != nil || ev == nil {
		return model.OutcomeIgnored, err
	}
	degraded := p.ensureActor(ctx, a.Actor)
	if err := p.repos.Interactions.UpsertShare(ctx, &model.Share{
		EventID:    ev.ID,
		ActorURL:   a.Actor,
		ActivityID: a.ID,
	}); err != nil {
		return model.OutcomeIgnored, fmt.Errorf("共有の保存に失敗しました: %w", err)
	}
	p.broadcast(ctx, notify.Event{
		Kind:     notify.KindShareAdded,
		Username: ev.OwnerUsername,
		EventID:  ev.ID,
		ActorURL: a.Actor,
		ObjectID: a.ID,
	})
	return outcome(degraded)
}

// handleUndo は取り消し対象の種類に応じてキャッシュを削除する。
// 取り消せるのは元のアクティビティの実行者のみ。
func (p *Processor) handleUndo(ctx context.Context, u *activity.Undo) (model.ProcessingOutcome, error) {
	inner := u.Inner
	if inner.Actor != "" && inner.Actor != u.Actor {
		return model.OutcomeIgnored, nil
	}

	switch inner.Type {
	case activity.TypeFollow:
		return p.undoFollow(ctx, u.Actor, inner)
	case activity.TypeLike:
		return p.undoLike(ctx, u.Actor, inner)
	case activity.TypeAnnounce:
		return p.undoShare(ctx, u.Actor, inner)
	case activity.TypeAccept, activity.TypeTentativeAccept, activity.TypeReject:
		return p.undoAttendance(ctx, u.Actor, inner)
	case "":
		// 文字列参照のみの場合はIDで順に探す
		for _, undo := range []func(context.Context, string, *activity.Envelope) (model.ProcessingOutcome, error){
			p.undoLike, p.undoShare, p.undoFollow,
		} {
			out, err := undo(ctx, u.Actor, inner)
			if err != nil || out != model.OutcomeIgnored {
				return out, err
			}
		}
		return model.OutcomeIgnored, nil
	default:
		return model.OutcomeIgnored, nil
	}
}

func (p *Processor) undoFollow(ctx context.Context, actorURL string, inner *activity.Envelope) (model.ProcessingOutcome, error) {
	target := inner.ObjectID
	if target == "" && inner.ID != "" {
		edge, err := p.repos.Follows.FindByActivityID(ctx, inner.ID)
		if err != nil {
			return model.OutcomeIgnored, fmt.Errorf("フォロー関係の取得に失敗しました: %w", err)
		}
		if edge == nil || edge.FollowerURL != actorURL {
			return model.OutcomeIgnored, nil
		}
		target = edge.FollowedURL
	}
	if target == "" {
		return model.OutcomeIgnored, nil
	}

	deleted, err := p.repos.Follows.Delete(ctx, actorURL, target)
	if err != nil {
		return model.OutcomeIgnored, fmt.Errorf("フォロー関係の削除に失敗しました: %w", err)
	}
	if !deleted {
		return model.OutcomeIgnored, nil
	}
	username, _ := p.urls.LocalUsername(target)
	p.broadcast(ctx, notify.Event{
		Kind:     notify.KindFollowRemoved,
		Username: username,
		ActorURL: actorURL,
		ObjectID: inner.ID,
		Scope:    activity.ScopeDirect,
	})
	return model.OutcomeApplied, nil
}

func (p *Processor) undoLike(ctx context.Context, actorURL string, inner *activity.Envelope) (model.ProcessingOutcome, error) {
	var (
		deleted bool
		eventID string
		err     error
	)
	if inner.ObjectID != "" {
		ev, ferr := p.findEvent(ctx, inner.ObjectID)
		if ferr != nil || ev == nil {
			return model.OutcomeIgnored, ferr
		}
		eventID = ev.ID
		deleted, err = p.repos.Interactions.DeleteLike(ctx, ev.ID, actorURL)
	} else {
		deleted, err = p.repos.Interactions.DeleteLikeByActivityID(ctx, inner.ID, actorURL)
	}
	if err != nil {
		return model.OutcomeIgnored, fmt.Errorf("いいねの削除に失敗しました: %w", err)
	}
	if !deleted {
		return model.OutcomeIgnored, nil
	}
	p.broadcast(ctx, notify.Event{
		Kind:     notify.KindLikeRemoved,
		EventID:  eventID,
		ActorURL: actorURL,
		ObjectID: inner.ID,
	})
	return model.OutcomeApplied, nil
}

func (p *Processor) undoShare(ctx context.Context, actorURL string, inner *activity.Envelope) (model.ProcessingOutcome, error) {
	var (
		deleted bool
		eventID string
		err     error
	)
	if inner.ObjectID != "" {
		ev, ferr := p.findEvent(ctx, inner.ObjectID)
		if ferr != nil || ev == nil {
			return model.OutcomeIgnored, ferr
		}
		eventID = ev.ID
		deleted, err = p.repos.Interactions.DeleteShare(ctx, ev.ID, actorURL)
	} else {
		deleted, err = p.repos.Interactions.DeleteShareByActivityID(ctx, inner.ID, actorURL)
	}
	if err != nil {
		return model.OutcomeIgnored, fmt.Errorf("共有の削除に失敗しました: %w", err)
	}
	if !deleted {
		return model.OutcomeIgnored, nil
	}
	p.broadcast(ctx, notify.Event{
		Kind:     notify.KindShareRemoved,
		EventID:  eventID,
		ActorURL: actorURL,
		ObjectID: inner.ID,
	})
	return model.OutcomeApplied, nil
}

func (p *Processor) undoAttendance(ctx context.Context, actorURL string, inner *activity.Envelope) (model.ProcessingOutcome, error) {
	ev, err := p.findEvent(ctx, inner.ObjectID)
	if err != nil || ev == nil {
		return model.OutcomeIgnored, err
	}
	deleted, err := p.repos.Interactions.DeleteAttendance(ctx, ev.ID, actorURL)
	if err != nil {
		return model.OutcomeIgnored, fmt.Errorf("出欠の削除に失敗しました: %w", err)
	}
	if !deleted {
		return model.OutcomeIgnored, nil
	}
	p.broadcast(ctx, notify.Event{
		Kind:     notify.KindAttendanceRemove,
		Username: ev.OwnerUsername,
		EventID:  ev.ID,
		ActorURL: actorURL,
		ObjectID: inner.ID,
	})
	return model.OutcomeApplied, nil
}

// handleDelete はアクター自身の削除（関連キャッシュを全削除）またはコメントの削除を行う。
func (p *Processor) handleDelete(ctx context.Context, d *activity.Delete) (model.ProcessingOutcome, error) {
	if model.StripFragment(d.ObjectID) == d.Actor {
		var errs []error
		if err := p.repos.Follows.DeleteByActor(ctx, d.Actor); err != nil {
			errs = append(errs, fmt.Errorf("フォロー関係の削除に失敗しました: %w", err))
		}
		if err := p.repos.Interactions.DeleteByActor(ctx, d.Actor); err != nil {
			errs = append(errs, fmt.Errorf("リアクションの削除に失敗しました: %w", err))
		}
		if err := p.directory.ForgetRemoteActor(ctx, d.Actor); err != nil {
			errs = append(errs, err)
		}
		p.broadcast(ctx, notify.Event{Kind: notify.KindActorDeleted, ActorURL: d.Actor})
		if len(errs) > 0 {
			return model.OutcomeDegraded, errors.Join(errs...)
		}
		return model.OutcomeApplied, nil
	}

	existing, err := p.repos.Interactions.FindCommentByNoteID(ctx, d.ObjectID)
	if err != nil {
		return model.OutcomeIgnored, fmt.Errorf("コメントの取得に失敗しました: %w", err)
	}
	deleted, err := p.repos.Interactions.DeleteComment(ctx, d.ObjectID, d.Actor)
	if err != nil {
		return model.OutcomeIgnored, fmt.Errorf("コメントの削除に失敗しました: %w", err)
	}
	if !deleted {
		return model.OutcomeIgnored, nil
	}
	ev := notify.Event{Kind: notify.KindCommentDeleted, ActorURL: d.Actor, ObjectID: d.ObjectID}
	if existing != nil {
		ev.EventID = existing.EventID
	}
	p.broadcast(ctx, ev)
	return model.OutcomeApplied, nil
}

// handleUpdate はアクター情報の再取得またはコメント本文の更新を行う。
func (p *Processor) handleUpdate(ctx context.Context, u *activity.Update) (model.ProcessingOutcome, error) {
	switch {
	case u.Actor != nil:
		if u.Actor.ID != u.Envelope.Actor {
			return model.OutcomeIgnored, nil
		}
		// 埋め込まれた文書は信用せず、発行元から取得し直す
		if _, err := p.directory.RefreshRemoteActor(ctx, u.Envelope.Actor); err != nil {
			return model.OutcomeDegraded, fmt.Errorf("アクターの再取得に失敗しました: %w", err)
		}
		return model.OutcomeApplied, nil

	case u.Note != nil:
		existing, err := p.repos.Interactions.FindCommentByNoteID(ctx, u.Note.ID)
		if err != nil {
			return model.OutcomeIgnored, fmt.Errorf("コメントの取得に失敗しました: %w", err)
		}
		if existing == nil || existing.AuthorActorURL != u.Envelope.Actor {
			return model.OutcomeIgnored, nil
		}
		existing.Content = p.sanitizer.Sanitize(u.Note.Content)
		if err := p.repos.Interactions.UpsertComment(ctx, existing); err != nil {
			return model.OutcomeIgnored, fmt.Errorf("コメントの更新に失敗しました: %w", err)
		}
		p.broadcast(ctx, notify.Event{
			Kind:     notify.KindCommentUpdated,
			EventID:  existing.EventID,
			ActorURL: existing.AuthorActorURL,
			ObjectID: existing.NoteID,
		})
		return model.OutcomeApplied, nil

	default:
		return model.OutcomeIgnored, nil
	}
}

// findEvent は参照（ローカルイベントURLまたはリモートイベントのAP ID）からイベントを探す。
// いずれにも該当しなければnilを返す。
func (p *Processor) findEvent(ctx context.Context, refs ...string) (*model.Event, error) {
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		var (
			ev  *model.Event
			err error
		)
		if id, ok := p.urls.LocalEventID(ref); ok {
			ev, err = p.repos.Events.FindByID(ctx, id)
		} else {
			ev, err = p.repos.Events.FindByAPID(ctx, ref)
		}
		if err != nil {
			return nil, fmt.Errorf("イベントの取得に失敗しました: %w", err)
		}
		if ev != nil {
			return ev, nil
		}
	}
	return nil, nil
}

// ensureActor は未取得のリモートアクターをキャッシュする。失敗は回復可能として返す。
func (p *Processor) ensureActor(ctx context.Context, actorURL string) error {
	if _, err := p.directory.ResolveRemoteActor(ctx, actorURL); err != nil {
		return fmt.Errorf("アクター %s の解決に失敗しました: %w", actorURL, err)
	}
	return nil
}

func (p *Processor) published(raw string) time.Time {
	if raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t
		}
	}
	return p.now()
}

func (p *Processor) broadcast(ctx context.Context, ev notify.Event) {
	p.notifier.Broadcast(ctx, ev)
}

// outcome は回復可能な失敗の有無から処理結果を決める。
func outcome(degraded error) (model.ProcessingOutcome, error) {
	if degraded != nil {
		return model.OutcomeDegraded, degraded
	}
	return model.OutcomeApplied, nil
}
