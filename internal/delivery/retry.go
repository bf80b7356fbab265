package delivery

import (
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/fedcal/internal/model"
	"github.com/hitoshi/fedcal/internal/security"
)

// AttemptResult は配送1回の結果の分類。
type AttemptResult int

const (
	// AttemptDelivered は配送成功（2xx）。
	AttemptDelivered AttemptResult = iota
	// AttemptRetry は再送が必要（通信エラー、408/429/5xx）。
	AttemptRetry
	// AttemptDrop は再送しても成功しない（その他の4xx、SSRFブロック）。
	AttemptDrop
)

const (
	// initialBackoff は指数バックオフの初回遅延（1分）。
	initialBackoff = time.Minute
	// maxBackoff は指数バックオフの最大遅延（6時間）。
	maxBackoff = 6 * time.Hour
)

// ErrPermanent は再送しない失敗を示す。
var ErrPermanent = errors.New("permanent delivery failure")

// Classify はHTTPステータスコードと通信エラーから配送結果を分類する。
func Classify(statusCode int, err error) AttemptResult {
	if err != nil {
		if errors.Is(err, ErrPermanent) || errors.Is(err, security.ErrBlockedTarget) {
			return AttemptDrop
		}
		return AttemptRetry
	}
	switch {
	case statusCode >= 200 && statusCode < 300:
		return AttemptDelivered
	case statusCode == 408 || statusCode == 429:
		return AttemptRetry
	case statusCode >= 500:
		return AttemptRetry
	default:
		return AttemptDrop
	}
}

// CalculateBackoff は試行回数に基づいて次回までの遅延を計算する。
// 1回目の失敗後は1分、以降2倍ずつ増加し、最大6時間。
func CalculateBackoff(attempts int) time.Duration {
	delay := initialBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// ApplyDelivered は配送完了を記録する。
func ApplyDelivered(d *model.Delivery, now time.Time) {
	d.Attempts++
	d.Status = model.DeliveryStatusDelivered
	d.LastError = ""
	d.UpdatedAt = now
}

// ApplyRetry は失敗を記録し、次回試行日時を設定する。
// 最大試行回数に達した場合は破棄する。
func ApplyRetry(d *model.Delivery, reason string, now time.Time, maxAttempts int) {
	d.Attempts++
	d.LastError = reason
	d.UpdatedAt = now
	if maxAttempts > 0 && d.Attempts >= maxAttempts {
		d.Status = model.DeliveryStatusDead
		d.LastError = fmt.Sprintf("最大試行回数(%d)に達しました: %s", maxAttempts, reason)
		return
	}
	d.Status = model.DeliveryStatusPending
	d.NextAttemptAt = now.Add(CalculateBackoff(d.Attempts))
}

// ApplyDead は恒久的な失敗として破棄する。
func ApplyDead(d *model.Delivery, reason string, now time.Time) {
	d.Attempts++
	d.Status = model.DeliveryStatusDead
	d.LastError = reason
	d.UpdatedAt = now
}
