package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/fedcal/internal/model"
	"github.com/hitoshi/fedcal/internal/repository"
)

func errNotFound(kind, key string) error {
	return fmt.Errorf("%sが存在しません: %s", kind, key)
}

type followKey struct {
	follower, followed string
}

// FollowRepo はインメモリのフォロー関係リポジトリ。
type FollowRepo struct {
	mu    sync.RWMutex
	edges map[followKey]*model.FollowEdge
}

// NewFollowRepo はFollowRepoを生成する。
func NewFollowRepo() *FollowRepo {
	return &FollowRepo{edges: make(map[followKey]*model.FollowEdge)}
}

// Find はフォロー関係を返す。
func (r *FollowRepo) Find(_ context.Context, followerURL, followedURL string) (*model.FollowEdge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.edges[followKey{followerURL, followedURL}]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

// FindByActivityID はFollowアクティビティのidでフォロー関係を返す。
func (r *FollowRepo) FindByActivityID(_ context.Context, activityID string) (*model.FollowEdge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.edges {
		if e.ActivityID == activityID {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

// Upsert はフォロー関係を登録する。既存の承認済み状態は取り消さない。
// InboxURLが空なら保存済みの値を残す。
func (r *FollowRepo) Upsert(_ context.Context, edge *model.FollowEdge) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	key := followKey{edge.FollowerURL, edge.FollowedURL}
	if existing, ok := r.edges[key]; ok {
		edge.ID = existing.ID
		edge.CreatedAt = existing.CreatedAt
		edge.Accepted = existing.Accepted || edge.Accepted
		if edge.InboxURL == "" {
			edge.InboxURL = existing.InboxURL
		}
	} else {
		edge.ID = uuid.NewString()
		edge.CreatedAt = now
	}
	edge.UpdatedAt = now

	cp := *edge
	r.edges[key] = &cp
	return nil
}

// SetAccepted は承認状態を更新する。
func (r *FollowRepo) SetAccepted(_ context.Context, followerURL, followedURL string, accepted bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.edges[followKey{followerURL, followedURL}]
	if !ok {
		return false, nil
	}
	e.Accepted = accepted
	e.UpdatedAt = time.Now()
	return true, nil
}

// Delete はフォロー関係を削除する。
func (r *FollowRepo) Delete(_ context.Context, followerURL, followedURL string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := followKey{followerURL, followedURL}
	if _, ok := r.edges[key]; !ok {
		return false, nil
	}
	delete(r.edges, key)
	return true, nil
}

// DeleteByActor はactorURLが関わるフォロー関係をすべて削除する。
func (r *FollowRepo) DeleteByActor(_ context.Context, actorURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.edges {
		if k.follower == actorURL || k.followed == actorURL {
			delete(r.edges, k)
		}
	}
	return nil
}

func (r *FollowRepo) accepted(match func(*model.FollowEdge) bool) []*model.FollowEdge {
	var out []*model.FollowEdge
	for _, e := range r.edges {
		if e.Accepted && match(e) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ListFollowers は承認済みフォロワーを作成日時の昇順で返す。
func (r *FollowRepo) ListFollowers(_ context.Context, followedURL string, offset, limit int) ([]*model.FollowEdge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return window(r.accepted(func(e *model.FollowEdge) bool { return e.FollowedURL == followedURL }), offset, limit), nil
}

// CountFollowers は承認済みフォロワー数を返す。
func (r *FollowRepo) CountFollowers(_ context.Context, followedURL string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.accepted(func(e *model.FollowEdge) bool { return e.FollowedURL == followedURL })), nil
}

// ListFollowing は承認済みフォロー先を作成日時の昇順で返す。
func (r *FollowRepo) ListFollowing(_ context.Context, followerURL string, offset, limit int) ([]*model.FollowEdge, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return window(r.accepted(func(e *model.FollowEdge) bool { return e.FollowerURL == followerURL }), offset, limit), nil
}

// CountFollowing は承認済みフォロー先数を返す。
func (r *FollowRepo) CountFollowing(_ context.Context, followerURL string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.accepted(func(e *model.FollowEdge) bool { return e.FollowerURL == followerURL })), nil
}

// ProcessedActivityRepo はインメモリの処理済みアクティビティリポジトリ。
type ProcessedActivityRepo struct {
	mu      sync.Mutex
	records map[string]*model.ProcessedActivity
}

// NewProcessedActivityRepo はProcessedActivityRepoを生成する。
func NewProcessedActivityRepo() *ProcessedActivityRepo {
	return &ProcessedActivityRepo{records: make(map[string]*model.ProcessedActivity)}
}

// Claim はアクティビティIDの処理権を確保する。記録済みの場合はfalseを返す。
func (r *ProcessedActivityRepo) Claim(_ context.Context, record *model.ProcessedActivity) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[record.ActivityID]; ok {
		return false, nil
	}
	if record.ProcessedAt.IsZero() {
		record.ProcessedAt = time.Now()
	}
	if record.Outcome == "" {
		record.Outcome = model.OutcomeClaimed
	}
	cp := *record
	r.records[record.ActivityID] = &cp
	return true, nil
}

// MarkOutcome は処理結果を記録する。
func (r *ProcessedActivityRepo) MarkOutcome(_ context.Context, activityID string, outcome model.ProcessingOutcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.records[activityID]; ok {
		rec.Outcome = outcome
	}
	return nil
}

// Release は処理権を解放する。
func (r *ProcessedActivityRepo) Release(_ context.Context, activityID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.records, activityID)
	return nil
}

// DeleteOlderThan はbefore以前の記録を削除する。
func (r *ProcessedActivityRepo) DeleteOlderThan(_ context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, rec := range r.records {
		if rec.ProcessedAt.Before(before) {
			delete(r.records, id)
			n++
		}
	}
	return n, nil
}

// Get は記録を返す。テストでの検証用。
func (r *ProcessedActivityRepo) Get(activityID string) (*model.ProcessedActivity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[activityID]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

var (
	_ repository.FollowRepository            = (*FollowRepo)(nil)
	_ repository.ProcessedActivityRepository = (*ProcessedActivityRepo)(nil)
)
