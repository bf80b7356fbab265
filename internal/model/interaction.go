package model

import "time"

// Like はイベントへのリモートアクターのLikeキャッシュ。
type Like struct {
	ID         string
	EventID    string
	ActorURL   string
	ActivityID string
	CreatedAt  time.Time
}

// Share はイベントへのリモートアクターのAnnounceキャッシュ。
type Share struct {
	ID         string
	EventID    string
	ActorURL   string
	ActivityID string
	CreatedAt  time.Time
}

// Comment はイベントへの返信として受信したNoteのキャッシュ。
// Contentはサニタイズ済みのHTMLを保持する。
type Comment struct {
	ID             string
	NoteID         string
	EventID        string
	AuthorActorURL string
	Content        string
	InReplyTo      string
	PublishedAt    time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AttendanceStatus はRSVPの状態を表す。
type AttendanceStatus string

const (
	AttendanceGoing    AttendanceStatus = "going"
	AttendanceMaybe    AttendanceStatus = "maybe"
	AttendanceDeclined AttendanceStatus = "declined"
)

// Attendance はリモートアクターのイベント参加表明キャッシュ。
type Attendance struct {
	ID         string
	EventID    string
	ActorURL   string
	Status     AttendanceStatus
	ActivityID string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
