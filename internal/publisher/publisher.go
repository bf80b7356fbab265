// Package publisher はイベント管理などのコラボレーターが使う送信側の窓口。
// ドメインの操作をアクティビティに変換し、宛先を決めて配送に回す。
// 配送は非同期で行い、呼び出し元のリクエストをブロックしない。
package publisher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/fedcal/internal/activity"
	"github.com/hitoshi/fedcal/internal/model"
	"github.com/hitoshi/fedcal/internal/notify"
	"github.com/hitoshi/fedcal/internal/repository"
)

// Deliverer はアクティビティを配送する。
type Deliverer interface {
	Deliver(ctx context.Context, act *activity.Activity, addr activity.Addressing, senderUsername string)
}

// Directory はフォロー対象のアクターを解決する。
type Directory interface {
	LookupHandle(ctx context.Context, handle string) (*model.Actor, error)
	ResolveRemoteActor(ctx context.Context, actorURL string) (*model.Actor, error)
}

// Publisher は送信側の操作を提供する。
type Publisher struct {
	builder   *activity.Builder
	deliverer Deliverer
	directory Directory
	follows   repository.FollowRepository
	notifier  notify.Broadcaster
	logger    *slog.Logger
}

// New はPublisherの新しいインスタンスを生成する。
func New(builder *activity.Builder, deliverer Deliverer, directory Directory, follows repository.FollowRepository, notifier notify.Broadcaster, logger *slog.Logger) *Publisher {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		builder:   builder,
		deliverer: deliverer,
		directory: directory,
		follows:   follows,
		notifier:  notifier,
		logger:    logger,
	}
}

func (p *Publisher) urls() activity.URLs { return p.builder.URLs() }

// addressing はイベントの公開範囲から宛先を決める。
func (p *Publisher) addressing(owner string, visibility model.Visibility) activity.Addressing {
	return activity.Resolve(visibility, p.urls().Actor(owner), p.urls().Followers(owner))
}

// publishEvent はイベントに関するアクティビティを配送し、同じ宛先から通知範囲を決める。
func (p *Publisher) publishEvent(ctx context.Context, kind notify.Kind, ev *model.Event, addr activity.Addressing, act *activity.Activity) *activity.Activity {
	p.deliverer.Deliver(ctx, act, addr, ev.OwnerUsername)
	p.notifier.Broadcast(ctx, notify.Event{
		Kind:     kind,
		Username: ev.OwnerUsername,
		EventID:  ev.ID,
		ActorURL: act.Actor,
		ObjectID: act.ID,
		Scope:    addr.Scope(p.urls().Followers(ev.OwnerUsername)),
	})
	return act
}

// PublishEventCreated はローカルイベントの作成を配送する。
func (p *Publisher) PublishEventCreated(ctx context.Context, ev *model.Event) *activity.Activity {
	addr := p.addressing(ev.OwnerUsername, ev.Visibility)
	return p.publishEvent(ctx, notify.KindEventPublished, ev, addr, p.builder.CreateEvent(ev, addr))
}

// PublishEventUpdated はローカルイベントの更新を配送する。
func (p *Publisher) PublishEventUpdated(ctx context.Context, ev *model.Event) *activity.Activity {
	addr := p.addressing(ev.OwnerUsername, ev.Visibility)
	return p.publishEvent(ctx, notify.KindEventUpdated, ev, addr, p.builder.UpdateEvent(ev, addr))
}

// PublishEventDeleted はローカルイベントの削除を配送する。
func (p *Publisher) PublishEventDeleted(ctx context.Context, ev *model.Event) *activity.Activity {
	addr := p.addressing(ev.OwnerUsername, ev.Visibility)
	return p.publishEvent(ctx, notify.KindEventDeleted, ev, addr, p.builder.DeleteEvent(ev, addr))
}

// interaction はLike・Announceの宛先。公開でフォロワーへ届け、イベントの主催者をtoに加える。
func (p *Publisher) interaction(username, organizerActorURL string) activity.Addressing {
	addr := p.addressing(username, model.VisibilityPublic)
	if organizerActorURL != "" {
		addr = addr.WithRecipient(organizerActorURL)
	}
	return addr
}

// Like はイベントへのいいねを配送する。organizerActorURLはイベント主催者のアクターURL。
func (p *Publisher) Like(ctx context.Context, username string, ev *model.Event, organizerActorURL string) *activity.Activity {
	addr := p.interaction(username, organizerActorURL)
	act := addr.Apply(p.builder.Like(username, ev, ev.IsRemote))
	p.deliverer.Deliver(ctx, act, addr, username)
	return act
}

// Unlike は過去のLikeを取り消す。
func (p *Publisher) Unlike(ctx context.Context, username string, like *activity.Activity) *activity.Activity {
	return p.undo(ctx, username, like)
}

// Announce はイベントの共有を配送する。
func (p *Publisher) Announce(ctx context.Context, username string, ev *model.Event, organizerActorURL string) *activity.Activity {
	addr := p.interaction(username, organizerActorURL)
	act := p.builder.Announce(username, ev, ev.IsRemote, addr)
	p.deliverer.Deliver(ctx, act, addr, username)
	return act
}

// Unannounce は過去のAnnounceを取り消す。
func (p *Publisher) Unannounce(ctx context.Context, username string, announce *activity.Activity) *activity.Activity {
	return p.undo(ctx, username, announce)
}

func (p *Publisher) undo(ctx context.Context, username string, original *activity.Activity) *activity.Activity {
	act := p.builder.Undo(username, original)
	p.deliverer.Deliver(ctx, act, activity.Addressing{To: act.To, CC: act.CC}, username)
	return act
}

// Follow はハンドル（user@domain）またはアクターURLのアクターをフォローする。
// フォロー関係は未承認で記録し、Acceptの受信で承認済みになる。
// ローカルアクター同士のフォローは配送せずその場で承認する。
func (p *Publisher) Follow(ctx context.Context, username, target string) (*model.FollowEdge, error) {
	var (
		actor *model.Actor
		err   error
	)
	if strings.HasPrefix(target, "https://") || strings.HasPrefix(target, "http://") {
		actor, err = p.directory.ResolveRemoteActor(ctx, target)
	} else {
		actor, err = p.directory.LookupHandle(ctx, target)
	}
	if err != nil {
		return nil, fmt.Errorf("フォロー対象の解決に失敗しました: %w", err)
	}

	followerURL := p.urls().Actor(username)
	if actor.ActorURL == followerURL {
		return nil, model.NewInvalidActivityError("cannot follow yourself")
	}

	act := p.builder.Follow(username, actor.ActorURL)
	edge := &model.FollowEdge{
		FollowerURL: followerURL,
		FollowedURL: actor.ActorURL,
		InboxURL:    actor.DeliveryInbox(),
		ActivityID:  act.ID,
		Accepted:    !actor.IsRemote,
	}
	if err := p.follows.Upsert(ctx, edge); err != nil {
		return nil, fmt.Errorf("フォロー関係の保存に失敗しました: %w", err)
	}

	if actor.IsRemote {
		p.deliverer.Deliver(ctx, act, activity.Addressing{To: []string{actor.ActorURL}}, username)
	}
	p.logger.Info("フォローを送信しました",
		slog.String("follower", followerURL),
		slog.String("target", actor.ActorURL),
		slog.Bool("remote", actor.IsRemote),
	)
	return edge, nil
}

// Unfollow はフォローを解除し、リモートならUndo(Follow)を配送する。
func (p *Publisher) Unfollow(ctx context.Context, username, targetActorURL string) error {
	followerURL := p.urls().Actor(username)
	edge, err := p.follows.Find(ctx, followerURL, targetActorURL)
	if err != nil {
		return fmt.Errorf("フォロー関係の取得に失敗しました: %w", err)
	}
	if edge == nil {
		return model.NewResourceNotFoundError(targetActorURL)
	}
	if _, err := p.follows.Delete(ctx, followerURL, targetActorURL); err != nil {
		return fmt.Errorf("フォロー関係の削除に失敗しました: %w", err)
	}
	if p.urls().IsLocal(targetActorURL) || edge.ActivityID == "" {
		return nil
	}

	follow := p.builder.FollowWithID(edge.ActivityID, followerURL, targetActorURL)
	follow.To = []string{targetActorURL}
	p.undo(ctx, username, follow)
	return nil
}

// RSVP はイベントへの参加表明（going / maybe / declined）を主催者へ配送する。
func (p *Publisher) RSVP(ctx context.Context, username string, ev *model.Event, status model.AttendanceStatus, organizerActorURL string) (*activity.Activity, error) {
	object := p.builder.EventURL(ev)
	var act *activity.Activity
	switch status {
	case model.AttendanceGoing:
		act = p.builder.Accept(username, object, organizerActorURL)
	case model.AttendanceMaybe:
		act = p.builder.TentativeAccept(username, object, organizerActorURL)
	case model.AttendanceDeclined:
		act = p.builder.Reject(username, object, organizerActorURL)
	default:
		return nil, model.NewInvalidActivityError("unknown attendance status " + string(status))
	}
	p.deliverer.Deliver(ctx, act, activity.Addressing{To: act.To}, username)
	return act, nil
}

// AcceptFollow は保留中のフォローリクエストを承認し、Acceptを送る。
func (p *Publisher) AcceptFollow(ctx context.Context, username, followerURL string) error {
	edge, err := p.pendingEdge(ctx, username, followerURL)
	if err != nil {
		return err
	}
	if _, err := p.follows.SetAccepted(ctx, edge.FollowerURL, edge.FollowedURL, true); err != nil {
		return fmt.Errorf("フォローの承認に失敗しました: %w", err)
	}
	edge.Accepted = true
	return p.SendFollowResponse(ctx, username, edge, true)
}

// RejectFollow はフォローリクエストを拒否して関係を削除し、Rejectを送る。
func (p *Publisher) RejectFollow(ctx context.Context, username, followerURL string) error {
	edge, err := p.pendingEdge(ctx, username, followerURL)
	if err != nil {
		return err
	}
	if _, err := p.follows.Delete(ctx, edge.FollowerURL, edge.FollowedURL); err != nil {
		return fmt.Errorf("フォロー関係の削除に失敗しました: %w", err)
	}
	return p.SendFollowResponse(ctx, username, edge, false)
}

func (p *Publisher) pendingEdge(ctx context.Context, username, followerURL string) (*model.FollowEdge, error) {
	edge, err := p.follows.Find(ctx, followerURL, p.urls().Actor(username))
	if err != nil {
		return nil, fmt.Errorf("フォロー関係の取得に失敗しました: %w", err)
	}
	if edge == nil {
		return nil, model.NewResourceNotFoundError(followerURL)
	}
	return edge, nil
}

// SendFollowResponse はフォローへのAcceptまたはRejectをフォロワーへ配送する。
// objectには元のFollowをIDつきで再構築して埋め込む。
func (p *Publisher) SendFollowResponse(ctx context.Context, username string, edge *model.FollowEdge, accept bool) error {
	if !p.urls().IsLocal(edge.FollowedURL) {
		return fmt.Errorf("ローカルアクター宛てのフォローではありません: %s", edge.FollowedURL)
	}
	follow := p.builder.FollowWithID(edge.ActivityID, edge.FollowerURL, edge.FollowedURL)

	act := p.builder.Reject(username, follow, edge.FollowerURL)
	if accept {
		act = p.builder.Accept(username, follow, edge.FollowerURL)
	}
	p.deliverer.Deliver(ctx, act, activity.Addressing{To: []string{edge.FollowerURL}}, username)
	return nil
}
