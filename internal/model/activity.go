package model

import "time"

// ProcessingOutcome は受信アクティビティの処理結果を表す。
type ProcessingOutcome string

const (
	// OutcomeClaimed は処理中（claim済み）であることを示す。
	OutcomeClaimed ProcessingOutcome = "claimed"
	// OutcomeApplied はすべての副作用が適用されたことを示す。
	OutcomeApplied ProcessingOutcome = "applied"
	// OutcomeDegraded はキャッシュ更新の一部が失敗したが処理済みとしたことを示す。
	OutcomeDegraded ProcessingOutcome = "degraded"
	// OutcomeIgnored は対象が不明などの理由で副作用なしに受理したことを示す。
	OutcomeIgnored ProcessingOutcome = "ignored"
)

// ProcessedActivity は受信アクティビティの冪等性を保証するための記録。
// 同じアクティビティIDの副作用は高々1回しか適用されない。
type ProcessedActivity struct {
	ActivityID   string
	ActivityType string
	ActorURL     string
	Outcome      ProcessingOutcome
	ProcessedAt  time.Time
}
