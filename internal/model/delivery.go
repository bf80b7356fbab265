package model

import "time"

// DeliveryStatus は永続化された配送ジョブの状態を表す。
type DeliveryStatus string

const (
	// DeliveryStatusPending は再送待ち。
	DeliveryStatusPending DeliveryStatus = "pending"
	// DeliveryStatusDelivered は配送完了。
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	// DeliveryStatusDead は最大試行回数到達または恒久的エラーにより破棄。
	DeliveryStatusDead DeliveryStatus = "dead"
)

// Delivery は即時配送に失敗したアクティビティの再送ジョブ。
type Delivery struct {
	ID             string
	ActivityID     string
	InboxURL       string
	SenderUsername string
	Payload        []byte
	Attempts       int
	Status         DeliveryStatus
	LastError      string
	NextAttemptAt  time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
