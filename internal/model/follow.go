package model

import "time"

// FollowEdge はフォロワーからフォロー対象への有向関係を表す。
// 状態遷移: pending → accepted | removed（removedは行削除で表現する）
type FollowEdge struct {
	ID          string
	FollowerURL string
	FollowedURL string
	Accepted    bool
	InboxURL    string // 作成時点のフォロワー側配送先inboxのスナップショット
	ActivityID  string // Followアクティビティのid
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
