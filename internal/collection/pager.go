// Package collection はフォロワー・フォロー・アウトボックスのOrderedCollectionを組み立てる。
package collection

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hitoshi/fedcal/internal/activity"
	"github.com/hitoshi/fedcal/internal/model"
	"github.com/hitoshi/fedcal/internal/repository"
)

// PageSize は1ページあたりの件数。
const PageSize = 20

// Kind はコレクションの種類。
type Kind string

const (
	KindFollowers Kind = "followers"
	KindFollowing Kind = "following"
	KindOutbox    Kind = "outbox"
)

// ParseKind はパスの末尾からコレクションの種類を返す。
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindFollowers, KindFollowing, KindOutbox:
		return Kind(s), true
	}
	return "", false
}

// OrderedCollection はコレクションの概要。
type OrderedCollection struct {
	Context    any    `json:"@context"`
	ID         string `json:"id"`
	Type       string `json:"type"`
	TotalItems int    `json:"totalItems"`
	First      string `json:"first,omitempty"`
	Last       string `json:"last,omitempty"`
}

// OrderedCollectionPage はコレクションの1ページ。
// orderedItemsはフォロワー・フォローではアクターURL、アウトボックスではCreateアクティビティ。
type OrderedCollectionPage struct {
	Context      any    `json:"@context"`
	ID           string `json:"id"`
	Type         string `json:"type"`
	PartOf       string `json:"partOf"`
	TotalItems   int    `json:"totalItems"`
	OrderedItems []any  `json:"orderedItems"`
	Next         string `json:"next,omitempty"`
	Prev         string `json:"prev,omitempty"`
}

// Pager はコレクション文書を組み立てる。
type Pager struct {
	users   repository.UserRepository
	follows repository.FollowRepository
	events  repository.EventRepository
	builder *activity.Builder
}

// NewPager はPagerの新しいインスタンスを生成する。
func NewPager(users repository.UserRepository, follows repository.FollowRepository, events repository.EventRepository, builder *activity.Builder) *Pager {
	return &Pager{users: users, follows: follows, events: events, builder: builder}
}

// ParsePage は ?page= の値を解釈する。空ならpaged=falseを返す。
func ParsePage(raw string) (page int, paged bool, err error) {
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, true, model.NewInvalidPageError(raw)
	}
	return n, true, nil
}

// Summary はコレクションの概要（総件数と先頭ページ）を返す。
func (p *Pager) Summary(ctx context.Context, username string, kind Kind) (*OrderedCollection, error) {
	actorURL, err := p.owner(ctx, username)
	if err != nil {
		return nil, err
	}
	total, err := p.count(ctx, username, actorURL, kind)
	if err != nil {
		return nil, err
	}

	id := p.collectionURL(username, kind)
	c := &OrderedCollection{
		Context:    activity.ActivityStreamsContext,
		ID:         id,
		Type:       activity.TypeCollection,
		TotalItems: total,
		First:      pageURL(id, 1),
	}
	if total > 0 {
		c.Last = pageURL(id, lastPage(total))
	}
	return c, nil
}

// Page は指定ページ（1始まり）を返す。範囲外のページは空のorderedItemsになる。
func (p *Pager) Page(ctx context.Context, username string, kind Kind, page int) (*OrderedCollectionPage, error) {
	if page < 1 {
		return nil, model.NewInvalidPageError(strconv.Itoa(page))
	}
	actorURL, err := p.owner(ctx, username)
	if err != nil {
		return nil, err
	}
	total, err := p.count(ctx, username, actorURL, kind)
	if err != nil {
		return nil, err
	}

	offset := (page - 1) * PageSize
	items, err := p.items(ctx, username, actorURL, kind, offset)
	if err != nil {
		return nil, err
	}

	id := p.collectionURL(username, kind)
	doc := &OrderedCollectionPage{
		Context:      activity.ActivityStreamsContext,
		ID:           pageURL(id, page),
		Type:         activity.TypePage,
		PartOf:       id,
		TotalItems:   total,
		OrderedItems: items,
	}
	if offset+len(items) < total {
		doc.Next = pageURL(id, page+1)
	}
	if page > 1 {
		doc.Prev = pageURL(id, min(page-1, max(lastPage(total), 1)))
	}
	return doc, nil
}

func (p *Pager) owner(ctx context.Context, username string) (string, error) {
	user, err := p.users.FindByUsername(ctx, username)
	if err != nil {
		return "", fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return "", model.NewUserNotFoundError(username)
	}
	return p.builder.URLs().Actor(user.Username), nil
}

func (p *Pager) count(ctx context.Context, username, actorURL string, kind Kind) (int, error) {
	var (
		n   int
		err error
	)
	switch kind {
	case KindFollowers:
		n, err = p.follows.CountFollowers(ctx, actorURL)
	case KindFollowing:
		n, err = p.follows.CountFollowing(ctx, actorURL)
	case KindOutbox:
		n, err = p.events.CountPublicByOwner(ctx, username)
	default:
		return 0, fmt.Errorf("未知のコレクションです: %s", kind)
	}
	if err != nil {
		return 0, fmt.Errorf("%sの件数取得に失敗しました: %w", kind, err)
	}
	return n, nil
}

func (p *Pager) items(ctx context.Context, username, actorURL string, kind Kind, offset int) ([]any, error) {
	items := make([]any, 0, PageSize)
	switch kind {
	case KindFollowers:
		edges, err := p.follows.ListFollowers(ctx, actorURL, offset, PageSize)
		if err != nil {
			return nil, fmt.Errorf("フォロワーの取得に失敗しました: %w", err)
		}
		for _, e := range edges {
			items = append(items, e.FollowerURL)
		}

	case KindFollowing:
		edges, err := p.follows.ListFollowing(ctx, actorURL, offset, PageSize)
		if err != nil {
			return nil, fmt.Errorf("フォロー先の取得に失敗しました: %w", err)
		}
		for _, e := range edges {
			items = append(items, e.FollowedURL)
		}

	case KindOutbox:
		events, err := p.events.ListPublicByOwner(ctx, username, offset, PageSize)
		if err != nil {
			return nil, fmt.Errorf("イベントの取得に失敗しました: %w", err)
		}
		followersURL := p.builder.URLs().Followers(username)
		for _, ev := range events {
			// 保存時ではなく返却時にCreateで包む
			addr := activity.Resolve(ev.Visibility, actorURL, followersURL)
			items = append(items, p.builder.CreateEvent(ev, addr))
		}

	default:
		return nil, fmt.Errorf("未知のコレクションです: %s", kind)
	}
	return items, nil
}

func (p *Pager) collectionURL(username string, kind Kind) string {
	return p.builder.URLs().Actor(username) + "/" + string(kind)
}

func pageURL(collectionURL string, page int) string {
	return collectionURL + "?page=" + strconv.Itoa(page)
}

func lastPage(total int) int {
	return (total + PageSize - 1) / PageSize
}
