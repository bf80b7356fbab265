// Package memory はrepositoryパッケージの各インターフェースのインメモリ実装を提供する。
// テストおよびDBを持たない組み込み用途で使用する。
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

// UserRepo はインメモリのローカルユーザーリポジトリ。
type UserRepo struct {
	mu    sync.RWMutex
	users map[string]*model.LocalUser
}

// NewUserRepo はUserRepoを生成する。
func NewUserRepo(users ...*model.LocalUser) *UserRepo {
	r := &UserRepo{users: make(map[string]*model.LocalUser)}
	for _, u := range users {
		r.Add(u)
	}
	return r
}

// Add はユーザーを登録する。
func (r *UserRepo) Add(u *model.LocalUser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	cp := *u
	r.users[u.Username] = &cp
}

// FindByUsername は指定ユーザー名のユーザーを返す。
func (r *UserRepo) FindByUsername(_ context.Context, username string) (*model.LocalUser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[username]
	if !ok {
		return nil, nil
	}
	cp := *u
	return &cp, nil
}

// EventRepo はインメモリのイベントリポジトリ。
type EventRepo struct {
	mu     sync.RWMutex
	events map[string]*model.Event
}

// NewEventRepo はEventRepoを生成する。
func NewEventRepo(events ...*model.Event) *EventRepo {
	r := &EventRepo{events: make(map[string]*model.Event)}
	for _, e := range events {
		r.Add(e)
	}
	return r
}

// Add はイベントを登録する。
func (r *EventRepo) Add(e *model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	cp := *e
	r.events[e.ID] = &cp
}

// FindByID は指定IDのイベントを返す。
func (r *EventRepo) FindByID(_ context.Context, id string) (*model.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.events[id]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

// FindByAPID はActivityPub IDでイベントを返す。
func (r *EventRepo) FindByAPID(_ context.Context, apID string) (*model.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.events {
		if e.APID != "" && e.APID == apID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *EventRepo) publicByOwner(owner string) []*model.Event {
	var out []*model.Event
	for _, e := range r.events {
		if e.OwnerUsername == owner && !e.IsRemote && e.Visibility == model.VisibilityPublic {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ListPublicByOwner はownerの公開ローカルイベントを作成日時の降順で返す。
func (r *EventRepo) ListPublicByOwner(_ context.Context, owner string, offset, limit int) ([]*model.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return window(r.publicByOwner(owner), offset, limit), nil
}

// CountPublicByOwner はownerの公開ローカルイベント数を返す。
func (r *EventRepo) CountPublicByOwner(_ context.Context, owner string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.publicByOwner(owner)), nil
}

// ActorRepo はインメモリのアクターリポジトリ。
type ActorRepo struct {
	mu     sync.RWMutex
	actors map[string]*model.Actor
}

// NewActorRepo はActorRepoを生成する。
func NewActorRepo() *ActorRepo {
	return &ActorRepo{actors: make(map[string]*model.Actor)}
}

// FindByURL はアクターURLでアクターを返す。
func (r *ActorRepo) FindByURL(_ context.Context, actorURL string) (*model.Actor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actors[actorURL]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

// FindLocalByUsername はユーザー名でローカルアクターを返す。
func (r *ActorRepo) FindLocalByUsername(_ context.Context, username string) (*model.Actor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.actors {
		if !a.IsRemote && a.Username == username {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

// Upsert はactor_urlをキーにアクターを登録または上書きする。
func (r *ActorRepo) Upsert(_ context.Context, a *model.Actor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if a.LastFetchedAt.IsZero() {
		a.LastFetchedAt = now
	}
	a.UpdatedAt = now

	if existing, ok := r.actors[a.ActorURL]; ok {
		a.ID = existing.ID
		a.CreatedAt = existing.CreatedAt
		if a.PublicKeyPEM == "" {
			a.PublicKeyPEM = existing.PublicKeyPEM
		}
		if a.PrivateKeySealed == "" {
			a.PrivateKeySealed = existing.PrivateKeySealed
		}
	} else {
		a.ID = uuid.NewString()
		a.CreatedAt = now
	}

	cp := *a
	r.actors[a.ActorURL] = &cp
	return nil
}

// SetKeys はローカルアクターの鍵ペアを保存する。
func (r *ActorRepo) SetKeys(_ context.Context, actorURL, publicKeyPEM, privateKeySealed string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.actors[actorURL]
	if !ok || a.IsRemote {
		return errNotFound("ローカルアクター", actorURL)
	}
	a.PublicKeyPEM = publicKeyPEM
	a.PrivateKeySealed = privateKeySealed
	a.UpdatedAt = time.Now()
	return nil
}

// DeleteByURL はアクターを削除する。
func (r *ActorRepo) DeleteByURL(_ context.Context, actorURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.actors, actorURL)
	return nil
}

// ListStaleRemote はlast_fetched_atがbefore以前のリモートアクターを古い順に返す。
func (r *ActorRepo) ListStaleRemote(_ context.Context, before time.Time, limit int) ([]*model.Actor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Actor
	for _, a := range r.actors {
		if a.IsRemote && !a.LastFetchedAt.After(before) {
			cp := *a
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastFetchedAt.Before(out[j].LastFetchedAt) })
	return window(out, 0, limit), nil
}

// window はoffset/limitでスライスを切り出す。
func window[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}

var (
	_ repository.UserRepository  = (*UserRepo)(nil)
	_ repository.EventRepository = (*EventRepo)(nil)
	_ repository.ActorRepository = (*ActorRepo)(nil)
)
