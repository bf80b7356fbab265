package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/fedcal/internal/activity"
	"github.com/hitoshi/fedcal/internal/collection"
	"github.com/hitoshi/fedcal/internal/model"
)

// jrdContentType はWebFinger応答のContent-Type。
const jrdContentType = "application/jrd+json"

// ActorService はアクター解決のうちハンドラーが必要とする操作。
type ActorService interface {
	// WebFinger はローカルユーザーのリソースをJRDに解決する。
	WebFinger(ctx context.Context, resource string) (*activity.WebFinger, error)
	// ResolveLocalActor はローカルユーザーのアクターを返す。鍵ペアがなければ生成する。
	ResolveLocalActor(ctx context.Context, username string) (*model.Actor, error)
}

// UserFinder はローカルユーザーを取得する。
type UserFinder interface {
	FindByUsername(ctx context.Context, username string) (*model.LocalUser, error)
}

// EventFinder はイベントを取得する。
type EventFinder interface {
	FindByID(ctx context.Context, id string) (*model.Event, error)
}

// CollectionService はコレクション文書を組み立てる。
type CollectionService interface {
	Summary(ctx context.Context, username string, kind collection.Kind) (*collection.OrderedCollection, error)
	Page(ctx context.Context, username string, kind collection.Kind, page int) (*collection.OrderedCollectionPage, error)
}

// FederationHandler は公開されるActivityPub文書のHTTPハンドラー。
type FederationHandler struct {
	actors      ActorService
	users       UserFinder
	events      EventFinder
	collections CollectionService
	builder     *activity.Builder
}

// NewFederationHandler はFederationHandlerを生成する。
func NewFederationHandler(actors ActorService, users UserFinder, events EventFinder, collections CollectionService, builder *activity.Builder) *FederationHandler {
	return &FederationHandler{
		actors:      actors,
		users:       users,
		events:      events,
		collections: collections,
		builder:     builder,
	}
}

// WebFinger はacctリソースをアクターURLへ解決する。
// GET /.well-known/webfinger?resource=acct:user@domain
func (h *FederationHandler) WebFinger(w http.ResponseWriter, r *http.Request) {
	jrd, err := h.actors.WebFinger(r.Context(), r.URL.Query().Get("resource"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jrdContentType, jrd)
}

// Actor はローカルユーザーのPerson文書を返す。
// GET /users/{username}
func (h *FederationHandler) Actor(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")

	actor, err := h.actors.ResolveLocalActor(r.Context(), username)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	user, err := h.users.FindByUsername(r.Context(), username)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if user == nil {
		handleServiceError(w, r, model.NewUserNotFoundError(username))
		return
	}

	writeActivityJSON(w, h.builder.Person(user, actor))
}

// Collection はフォロワー・フォロー・アウトボックスを返す。
// ?page=N があればそのページ、なければ概要を返す。
// GET /users/{username}/{collection}
func (h *FederationHandler) Collection(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	kind, ok := collection.ParseKind(chi.URLParam(r, "collection"))
	if !ok {
		handleServiceError(w, r, model.NewResourceNotFoundError(r.URL.Path))
		return
	}

	page, paged, err := collection.ParsePage(r.URL.Query().Get("page"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	if !paged {
		summary, err := h.collections.Summary(r.Context(), username, kind)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeActivityJSON(w, summary)
		return
	}

	doc, err := h.collections.Page(r.Context(), username, kind, page)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeActivityJSON(w, doc)
}

// Event はローカルイベントのEventオブジェクトを返す。
// 非公開・フォロワー限定・リモートのイベントは存在しないものとして扱う。
// GET /events/{id}
func (h *FederationHandler) Event(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ev, err := h.events.FindByID(r.Context(), id)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if ev == nil || ev.IsRemote || !ev.IsFetchable() {
		handleServiceError(w, r, model.NewEventNotFoundError(id))
		return
	}

	urls := h.builder.URLs()
	addr := activity.Resolve(ev.Visibility, urls.Actor(ev.OwnerUsername), urls.Followers(ev.OwnerUsername))
	obj := h.builder.EventObject(ev, addr)
	obj.Context = activity.ActivityStreamsContext
	writeActivityJSON(w, obj)
}
