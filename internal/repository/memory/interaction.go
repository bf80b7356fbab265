package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/fedcal/internal/model"
	"github.com/hitoshi/fedcal/internal/repository"
)

type eventActorKey struct {
	eventID, actorURL string
}

// InteractionRepo はインメモリのインタラクションリポジトリ。
type InteractionRepo struct {
	mu          sync.RWMutex
	likes       map[eventActorKey]*model.Like
	shares      map[eventActorKey]*model.Share
	comments    map[string]*model.Comment
	attendances map[eventActorKey]*model.Attendance
}

// NewInteractionRepo はInteractionRepoを生成する。
func NewInteractionRepo() *InteractionRepo {
	return &InteractionRepo{
		likes:       make(map[eventActorKey]*model.Like),
		shares:      make(map[eventActorKey]*model.Share),
		comments:    make(map[string]*model.Comment),
		attendances: make(map[eventActorKey]*model.Attendance),
	}
}

// UpsertLike はいいねを登録する。
func (r *InteractionRepo) UpsertLike(_ context.Context, like *model.Like) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := eventActorKey{like.EventID, like.ActorURL}
	if existing, ok := r.likes[key]; ok {
		like.ID = existing.ID
		like.CreatedAt = existing.CreatedAt
	} else {
		like.ID = uuid.NewString()
		like.CreatedAt = time.Now()
	}
	cp := *like
	r.likes[key] = &cp
	return nil
}

// DeleteLike は(event, actor)のいいねを削除する。
func (r *InteractionRepo) DeleteLike(_ context.Context, eventID, actorURL string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := eventActorKey{eventID, actorURL}
	_, ok := r.likes[key]
	delete(r.likes, key)
	return ok, nil
}

// DeleteLikeByActivityID はLikeアクティビティのidでいいねを削除する。
func (r *InteractionRepo) DeleteLikeByActivityID(_ context.Context, activityID, actorURL string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, l := range r.likes {
		if l.ActivityID == activityID && l.ActorURL == actorURL {
			delete(r.likes, k)
			return true, nil
		}
	}
	return false, nil
}

// CountLikes はイベントのいいね数を返す。
func (r *InteractionRepo) CountLikes(_ context.Context, eventID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for k := range r.likes {
		if k.eventID == eventID {
			n++
		}
	}
	return n, nil
}

// UpsertShare は共有を登録する。
func (r *InteractionRepo) UpsertShare(_ context.Context, share *model.Share) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := eventActorKey{share.EventID, share.ActorURL}
	if existing, ok := r.shares[key]; ok {
		share.ID = existing.ID
		share.CreatedAt = existing.CreatedAt
	} else {
		share.ID = uuid.NewString()
		share.CreatedAt = time.Now()
	}
	cp := *share
	r.shares[key] = &cp
	return nil
}

// DeleteShare は(event, actor)の共有を削除する。
func (r *InteractionRepo) DeleteShare(_ context.Context, eventID, actorURL string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := eventActorKey{eventID, actorURL}
	_, ok := r.shares[key]
	delete(r.shares, key)
	return ok, nil
}

// DeleteShareByActivityID はAnnounceアクティビティのidで共有を削除する。
func (r *InteractionRepo) DeleteShareByActivityID(_ context.Context, activityID, actorURL string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, s := range r.shares {
		if s.ActivityID == activityID && s.ActorURL == actorURL {
			delete(r.shares, k)
			return true, nil
		}
	}
	return false, nil
}

// CountShares はイベントの共有数を返す。テストでの検証用。
func (r *InteractionRepo) CountShares(eventID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for k := range r.shares {
		if k.eventID == eventID {
			n++
		}
	}
	return n
}

// UpsertComment はnote_idをキーにコメントを登録または更新する。
// 作成者の異なる既存Noteは上書きしない。
func (r *InteractionRepo) UpsertComment(_ context.Context, c *model.Comment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	if existing, ok := r.comments[c.NoteID]; ok {
		if existing.AuthorActorURL != c.AuthorActorURL {
			return nil
		}
		existing.Content = c.Content
		existing.UpdatedAt = now
		*c = *existing
		return nil
	}
	c.ID = uuid.NewString()
	if c.PublishedAt.IsZero() {
		c.PublishedAt = now
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	cp := *c
	r.comments[c.NoteID] = &cp
	return nil
}

// FindCommentByNoteID はNoteのidでコメントを返す。
func (r *InteractionRepo) FindCommentByNoteID(_ context.Context, noteID string) (*model.Comment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.comments[noteID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// ListComments はイベントのコメントを公開日時順に返す。テストでの検証用。
func (r *InteractionRepo) ListComments(eventID string) []*model.Comment {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Comment
	for _, c := range r.comments {
		if c.EventID == eventID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublishedAt.Before(out[j].PublishedAt) })
	return out
}

// DeleteComment は作成者が一致するコメントを削除する。
func (r *InteractionRepo) DeleteComment(_ context.Context, noteID, authorActorURL string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.comments[noteID]
	if !ok || c.AuthorActorURL != authorActorURL {
		return false, nil
	}
	delete(r.comments, noteID)
	return true, nil
}

// UpsertAttendance は(event, actor)をキーに出欠を登録または更新する。
func (r *InteractionRepo) UpsertAttendance(_ context.Context, a *model.Attendance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	key := eventActorKey{a.EventID, a.ActorURL}
	if existing, ok := r.attendances[key]; ok {
		a.ID = existing.ID
		a.CreatedAt = existing.CreatedAt
	} else {
		a.ID = uuid.NewString()
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	cp := *a
	r.attendances[key] = &cp
	return nil
}

// FindAttendance は出欠を返す。
func (r *InteractionRepo) FindAttendance(_ context.Context, eventID, actorURL string) (*model.Attendance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.attendances[eventActorKey{eventID, actorURL}]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

// DeleteAttendance は出欠を削除する。
func (r *InteractionRepo) DeleteAttendance(_ context.Context, eventID, actorURL string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := eventActorKey{eventID, actorURL}
	_, ok := r.attendances[key]
	delete(r.attendances, key)
	return ok, nil
}

// DeleteByActor はアクターに紐づくすべてのキャッシュを削除する。
func (r *InteractionRepo) DeleteByActor(_ context.Context, actorURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.likes {
		if k.actorURL == actorURL {
			delete(r.likes, k)
		}
	}
	for k := range r.shares {
		if k.actorURL == actorURL {
			delete(r.shares, k)
		}
	}
	for k := range r.attendances {
		if k.actorURL == actorURL {
			delete(r.attendances, k)
		}
	}
	for id, c := range r.comments {
		if c.AuthorActorURL == actorURL {
			delete(r.comments, id)
		}
	}
	return nil
}

// DeliveryRepo はインメモリの配送再試行キュー。
type DeliveryRepo struct {
	mu         sync.Mutex
	deliveries map[string]*model.Delivery
	now        func() time.Time
}

// NewDeliveryRepo はDeliveryRepoを生成する。
func NewDeliveryRepo() *DeliveryRepo {
	return &DeliveryRepo{deliveries: make(map[string]*model.Delivery), now: time.Now}
}

// Enqueue は配送を登録する。同一(activity, inbox)の重複登録は無視される。
func (r *DeliveryRepo) Enqueue(_ context.Context, d *model.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.deliveries {
		if existing.ActivityID == d.ActivityID && existing.InboxURL == d.InboxURL {
			return nil
		}
	}
	now := r.now()
	d.ID = uuid.NewString()
	if d.Status == "" {
		d.Status = model.DeliveryStatusPending
	}
	if d.NextAttemptAt.IsZero() {
		d.NextAttemptAt = now
	}
	d.CreatedAt = now
	d.UpdatedAt = now
	cp := *d
	r.deliveries[d.ID] = &cp
	return nil
}

// ClaimDue は期限到来したpending配送を取得し、leaseだけ先送りする。
func (r *DeliveryRepo) ClaimDue(_ context.Context, limit int, lease time.Duration) ([]*model.Delivery, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var due []*model.Delivery
	for _, d := range r.deliveries {
		if d.Status == model.DeliveryStatusPending && !d.NextAttemptAt.After(now) {
			due = append(due, d)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	due = window(due, 0, limit)

	out := make([]*model.Delivery, 0, len(due))
	for _, d := range due {
		d.NextAttemptAt = now.Add(lease)
		d.UpdatedAt = now
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

// UpdateState は配送状態を更新する。
func (r *DeliveryRepo) UpdateState(_ context.Context, d *model.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.deliveries[d.ID]
	if !ok {
		return errNotFound("配送", d.ID)
	}
	existing.Attempts = d.Attempts
	existing.Status = d.Status
	existing.LastError = d.LastError
	existing.NextAttemptAt = d.NextAttemptAt
	existing.UpdatedAt = r.now()
	return nil
}

// DeleteFinishedBefore は完了済みの配送を削除する。
func (r *DeliveryRepo) DeleteFinishedBefore(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, d := range r.deliveries {
		if d.Status != model.DeliveryStatusPending && d.UpdatedAt.Before(before) {
			delete(r.deliveries, id)
			n++
		}
	}
	return n, nil
}

// All は登録済みの配送をすべて返す。テストでの検証用。
func (r *DeliveryRepo) All() []*model.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.Delivery, 0, len(r.deliveries))
	for _, d := range r.deliveries {
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

var (
	_ repository.InteractionRepository = (*InteractionRepo)(nil)
	_ repository.DeliveryRepository    = (*DeliveryRepo)(nil)
)
