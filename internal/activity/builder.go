package activity

import (
	"time"

	"github.com/hitoshi/fedcal/internal/model"
)

// Builder はドメインオブジェクトからアクティビティ文書を組み立てる。
// 副作用を持たず、IDと時刻は注入された関数から得る。
type Builder struct {
	urls  URLs
	now   func() time.Time
	newID func() string
}

// NewBuilder は新しいBuilderを生成する。
func NewBuilder(urls URLs) *Builder {
	return &Builder{urls: urls, now: time.Now, newID: urls.NewActivityID}
}

// NewBuilderWith は時刻とID発行を差し替えたBuilderを生成する。
func NewBuilderWith(urls URLs, now func() time.Time, newID func() string) *Builder {
	return &Builder{urls: urls, now: now, newID: newID}
}

// URLs はBuilderが使うURL組み立てを返す。
func (b *Builder) URLs() URLs { return b.urls }

func (b *Builder) timestamp() string {
	return b.now().UTC().Format(time.RFC3339)
}

// EventURL はイベントのActivityPub IDを返す。リモートイベントは元のIDを使う。
func (b *Builder) EventURL(ev *model.Event) string {
	if ev.IsRemote && ev.APID != "" {
		return ev.APID
	}
	return b.urls.Event(ev.ID)
}

// EventObject はイベントをEventオブジェクトに変換する。
func (b *Builder) EventObject(ev *model.Event, addr Addressing) *EventObject {
	obj := &EventObject{
		ID:                      b.EventURL(ev),
		Type:                    TypeEvent,
		Name:                    ev.Title,
		Content:                 ev.Description,
		AttributedTo:            b.urls.Actor(ev.OwnerUsername),
		StartTime:               ev.StartTime.UTC().Format(time.RFC3339),
		EventStatus:             string(ev.Status),
		EventAttendanceMode:     string(ev.AttendanceMode),
		MaximumAttendeeCapacity: ev.Capacity,
		URL:                     b.EventURL(ev),
		To:                      append([]string{}, addr.To...),
		CC:                      append([]string{}, addr.CC...),
	}
	if ev.EndTime != nil {
		obj.EndTime = ev.EndTime.UTC().Format(time.RFC3339)
	}
	if ev.Location != "" {
		obj.Location = &Place{Type: TypePlace, Name: ev.Location}
	}
	if ev.ImageURL != "" {
		obj.Attachment = []Image{{Type: TypeImage, URL: ev.ImageURL}}
	}
	if !ev.CreatedAt.IsZero() {
		obj.Published = ev.CreatedAt.UTC().Format(time.RFC3339)
	}
	if !ev.UpdatedAt.IsZero() && ev.UpdatedAt.After(ev.CreatedAt) {
		obj.Updated = ev.UpdatedAt.UTC().Format(time.RFC3339)
	}
	return obj
}

// CreateEvent はイベント作成のCreateを組み立てる。
// IDはイベントURLから決まるため、アウトボックスの再構築でも同じ値になる。
func (b *Builder) CreateEvent(ev *model.Event, addr Addressing) *Activity {
	act := &Activity{
		Context:   defaultContext,
		ID:        b.EventURL(ev) + "#create",
		Type:      TypeCreate,
		Actor:     b.urls.Actor(ev.OwnerUsername),
		Object:    b.EventObject(ev, addr),
		Published: ev.CreatedAt.UTC().Format(time.RFC3339),
	}
	if ev.CreatedAt.IsZero() {
		act.Published = b.timestamp()
	}
	return addr.Apply(act)
}

// UpdateEvent はイベント更新のUpdateを組み立てる。
func (b *Builder) UpdateEvent(ev *model.Event, addr Addressing) *Activity {
	return addr.Apply(&Activity{
		Context:   defaultContext,
		ID:        b.newID(),
		Type:      TypeUpdate,
		Actor:     b.urls.Actor(ev.OwnerUsername),
		Object:    b.EventObject(ev, addr),
		Published: b.timestamp(),
	})
}

// DeleteEvent はイベント削除のDeleteを組み立てる。objectはTombstoneになる。
func (b *Builder) DeleteEvent(ev *model.Event, addr Addressing) *Activity {
	return addr.Apply(&Activity{
		Context: defaultContext,
		ID:      b.newID(),
		Type:    TypeDelete,
		Actor:   b.urls.Actor(ev.OwnerUsername),
		Object: &Tombstone{
			ID:         b.EventURL(ev),
			Type:       TypeTombstone,
			FormerType: TypeEvent,
		},
		Published: b.timestamp(),
	})
}

// eventTarget は対象がリモートならURL参照、ローカルなら埋め込み文書を返す。
func (b *Builder) eventTarget(ev *model.Event, remote bool) any {
	if remote {
		return b.EventURL(ev)
	}
	return b.EventObject(ev, Addressing{})
}

// Like はイベントへのLikeを組み立てる。
func (b *Builder) Like(username string, ev *model.Event, remote bool) *Activity {
	return &Activity{
		Context:   defaultContext,
		ID:        b.newID(),
		Type:      TypeLike,
		Actor:     b.urls.Actor(username),
		Object:    b.eventTarget(ev, remote),
		Published: b.timestamp(),
	}
}

// Announce はイベントの共有（ブースト）を組み立てる。
func (b *Builder) Announce(username string, ev *model.Event, remote bool, addr Addressing) *Activity {
	return addr.Apply(&Activity{
		Context:   defaultContext,
		ID:        b.newID(),
		Type:      TypeAnnounce,
		Actor:     b.urls.Actor(username),
		Object:    b.eventTarget(ev, remote),
		Published: b.timestamp(),
	})
}

// Undo は元のアクティビティをそのままobjectに包む。
func (b *Builder) Undo(username string, original *Activity) *Activity {
	inner := *original
	inner.Context = nil
	return &Activity{
		Context:   defaultContext,
		ID:        b.newID(),
		Type:      TypeUndo,
		Actor:     b.urls.Actor(username),
		Object:    &inner,
		To:        append([]string{}, original.To...),
		CC:        append([]string{}, original.CC...),
		Published: b.timestamp(),
	}
}

// Follow はフォローリクエストを組み立てる。
func (b *Builder) Follow(username, targetActorURL string) *Activity {
	return &Activity{
		Context: defaultContext,
		ID:      b.newID(),
		Type:    TypeFollow,
		Actor:   b.urls.Actor(username),
		Object:  targetActorURL,
		To:      []string{targetActorURL},
	}
}

// FollowWithID は既知のIDでFollowを再構築する。Undoの対象に使う。
func (b *Builder) FollowWithID(id, followerURL, targetActorURL string) *Activity {
	return &Activity{
		ID:     id,
		Type:   TypeFollow,
		Actor:  followerURL,
		Object: targetActorURL,
	}
}

// Accept は承認を組み立てる。objectはFollowや参加申請などの元アクティビティ。
func (b *Builder) Accept(username string, object any, recipient string) *Activity {
	return b.response(TypeAccept, username, object, recipient)
}

// TentativeAccept は仮承認（参加未定）を組み立てる。
func (b *Builder) TentativeAccept(username string, object any, recipient string) *Activity {
	return b.response(TypeTentativeAccept, username, object, recipient)
}

// Reject は拒否を組み立てる。
func (b *Builder) Reject(username string, object any, recipient string) *Activity {
	return b.response(TypeReject, username, object, recipient)
}

func (b *Builder) response(kind, username string, object any, recipient string) *Activity {
	act := &Activity{
		Context: defaultContext,
		ID:      b.newID(),
		Type:    kind,
		Actor:   b.urls.Actor(username),
		Object:  object,
	}
	if recipient != "" {
		act.To = []string{recipient}
	}
	return act
}

// Person はローカルユーザーのアクター文書を組み立てる。
func (b *Builder) Person(user *model.LocalUser, actor *model.Actor) *PersonDocument {
	doc := &PersonDocument{
		Context:           defaultContext,
		ID:                actor.ActorURL,
		Type:              TypePerson,
		PreferredUsername: user.Username,
		Name:              user.DisplayName,
		Summary:           user.Summary,
		URL:               actor.ActorURL,
		Inbox:             b.urls.Inbox(user.Username),
		Outbox:            b.urls.Outbox(user.Username),
		Followers:         b.urls.Followers(user.Username),
		Following:         b.urls.Following(user.Username),
		Endpoints:         Endpoints{SharedInbox: b.urls.SharedInbox()},
		PublicKey: PublicKey{
			ID:           actor.KeyID(),
			Owner:        actor.ActorURL,
			PublicKeyPEM: actor.PublicKeyPEM,
		},
		ManuallyApprovesFollowers: user.ManuallyApprovesFollowers,
		DisplayColor:              user.DisplayColor,
	}
	if user.AvatarURL != "" {
		doc.Icon = &Image{Type: TypeImage, URL: user.AvatarURL}
	}
	if user.HeaderURL != "" {
		doc.Image = &Image{Type: TypeImage, URL: user.HeaderURL}
	}
	return doc
}

// WebFingerFor はローカルアクターのJRDを組み立てる。
func (b *Builder) WebFingerFor(username, domain string) *WebFinger {
	actorURL := b.urls.Actor(username)
	return &WebFinger{
		Subject: "acct:" + username + "@" + domain,
		Aliases: []string{actorURL},
		Links: []WebFingerLink{
			{Rel: "self", Type: ContentType, Href: actorURL},
		},
	}
}
