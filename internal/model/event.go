package model

import "time"

// Visibility はイベントなどの公開範囲を表す。
type Visibility string

const (
	VisibilityPublic    Visibility = "PUBLIC"
	VisibilityFollowers Visibility = "FOLLOWERS"
	VisibilityUnlisted  Visibility = "UNLISTED"
	VisibilityPrivate   Visibility = "PRIVATE"
)

// EventStatus はイベントの開催状態を表す。
type EventStatus string

const (
	EventStatusScheduled EventStatus = "EventScheduled"
	EventStatusCancelled EventStatus = "EventCancelled"
	EventStatusPostponed EventStatus = "EventPostponed"
)

// AttendanceMode はイベントの参加形態を表す。
type AttendanceMode string

const (
	AttendanceModeOffline AttendanceMode = "OfflineEventAttendanceMode"
	AttendanceModeOnline  AttendanceMode = "OnlineEventAttendanceMode"
	AttendanceModeMixed   AttendanceMode = "MixedEventAttendanceMode"
)

// Event は外部コラボレーター（イベント管理）が所有するイベントレコード。
// フェデレーションエンジンは読み取りのみを行う。
type Event struct {
	ID             string
	OwnerUsername  string
	Title          string
	Description    string
	Location       string
	StartTime      time.Time
	EndTime        *time.Time
	Visibility     Visibility
	Status         EventStatus
	AttendanceMode AttendanceMode
	Capacity       *int
	ImageURL       string
	IsRemote       bool
	APID           string // リモートイベントのActivityPub ID
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsFetchable はActivityPubオブジェクトとして匿名で取得可能かを返す。
func (e *Event) IsFetchable() bool {
	return e.Visibility == VisibilityPublic || e.Visibility == VisibilityUnlisted
}
