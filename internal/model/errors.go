// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// リモートサーバーやクライアントが機械的に判別できるエラーコードを含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, federation, system
	Action   string // 対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeSignatureMissing = "SIGNATURE_MISSING"
	ErrCodeSignatureInvalid = "SIGNATURE_INVALID"
	ErrCodeDigestMismatch   = "DIGEST_MISMATCH"
	ErrCodeInvalidJSON      = "INVALID_JSON"
	ErrCodeInvalidActivity  = "INVALID_ACTIVITY"
	ErrCodeInvalidResource  = "INVALID_RESOURCE"
	ErrCodeInvalidPage      = "INVALID_PAGE"
	ErrCodeUserNotFound     = "USER_NOT_FOUND"
	ErrCodeActorNotFound    = "ACTOR_NOT_FOUND"
	ErrCodeEventNotFound    = "EVENT_NOT_FOUND"
	ErrCodeResourceNotFound = "RESOURCE_NOT_FOUND"
	ErrCodeSSRFBlocked      = "SSRF_BLOCKED"
	ErrCodeFetchFailed      = "FETCH_FAILED"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeInternal         = "INTERNAL_ERROR"
)

// NewSignatureMissingError はsignatureヘッダー欠落エラーを生成する。
func NewSignatureMissingError() *APIError {
	return &APIError{
		Code:     ErrCodeSignatureMissing,
		Message:  "signatureヘッダーがありません。",
		Category: "auth",
		Action:   "HTTP Signatureで署名したリクエストを送信してください。",
	}
}

// NewSignatureInvalidError は署名検証失敗エラーを生成する。
func NewSignatureInvalidError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeSignatureInvalid,
		Message:  fmt.Sprintf("署名の検証に失敗しました: %s", reason),
		Category: "auth",
		Action:   "keyIdが指す公開鍵と署名対象ヘッダーを確認してください。",
	}
}

// NewDigestMismatchError はDigestヘッダー不一致エラーを生成する。
// 呼び出し側では署名検証失敗と同様に扱う。
func NewDigestMismatchError() *APIError {
	return &APIError{
		Code:     ErrCodeDigestMismatch,
		Message:  "Digestヘッダーがリクエストボディと一致しません。",
		Category: "auth",
		Action:   "ボディのSHA-256ダイジェストを再計算して送信してください。",
	}
}

// NewInvalidJSONError はJSONパース失敗エラーを生成する。
func NewInvalidJSONError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidJSON,
		Message:  "リクエストボディが有効なJSONではありません。",
		Category: "validation",
		Action:   "application/activity+json形式のボディを送信してください。",
	}
}

// NewInvalidActivityError はアクティビティ形式不正エラーを生成する。
func NewInvalidActivityError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidActivity,
		Message:  fmt.Sprintf("Invalid activity: %s", reason),
		Category: "validation",
		Action:   "サポートされるtypeと必須フィールド（id, actor, object）を確認してください。",
	}
}

// NewInvalidResourceError はWebFingerリソース形式不正エラーを生成する。
func NewInvalidResourceError(resource string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidResource,
		Message:  fmt.Sprintf("無効なresourceです: %s", resource),
		Category: "validation",
		Action:   "acct:user@domain 形式で指定してください。",
	}
}

// NewInvalidPageError はページ番号不正エラーを生成する。
func NewInvalidPageError(page string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPage,
		Message:  fmt.Sprintf("無効なページ番号です: %s", page),
		Category: "validation",
		Action:   "pageには1以上の整数を指定してください。",
	}
}

// NewUserNotFoundError はローカルユーザー未検出エラーを生成する。
func NewUserNotFoundError(username string) *APIError {
	return &APIError{
		Code:     ErrCodeUserNotFound,
		Message:  fmt.Sprintf("ユーザーが見つかりません: %s", username),
		Category: "federation",
		Action:   "ユーザー名を確認してください。",
	}
}

// NewActorNotFoundError はアクター未検出エラーを生成する。
func NewActorNotFoundError(actorURL string) *APIError {
	return &APIError{
		Code:     ErrCodeActorNotFound,
		Message:  fmt.Sprintf("アクターが見つかりません: %s", actorURL),
		Category: "federation",
		Action:   "アクターURLを確認してください。",
	}
}

// NewEventNotFoundError はイベント未検出エラーを生成する。
func NewEventNotFoundError(eventID string) *APIError {
	return &APIError{
		Code:     ErrCodeEventNotFound,
		Message:  fmt.Sprintf("イベントが見つかりません: %s", eventID),
		Category: "federation",
		Action:   "イベントIDを確認してください。",
	}
}

// NewResourceNotFoundError はWebFingerで解決できないリソースのエラーを生成する。
func NewResourceNotFoundError(resource string) *APIError {
	return &APIError{
		Code:     ErrCodeResourceNotFound,
		Message:  fmt.Sprintf("リソースが見つかりません: %s", resource),
		Category: "federation",
		Action:   "ドメインとユーザー名を確認してください。",
	}
}

// NewSSRFBlockedError はSSRFブロックエラーを生成する。
func NewSSRFBlockedError(target string) *APIError {
	return &APIError{
		Code:     ErrCodeSSRFBlocked,
		Message:  fmt.Sprintf("セキュリティポリシーにより取得がブロックされました: %s", target),
		Category: "federation",
		Action:   "ローカルネットワークやプライベートIPを指すアクターは解決できません。",
	}
}

// NewFetchFailedError はリモート取得失敗エラーを生成する。
func NewFetchFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeFetchFailed,
		Message:  fmt.Sprintf("リモートリソースの取得に失敗しました: %s", reason),
		Category: "federation",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewRateLimitedError はレート制限超過エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "Retry-Afterヘッダーの秒数だけ待ってから再送してください。",
	}
}

// NewInternalError は内部エラーを生成する。詳細はログのみに記録する。
func NewInternalError() *APIError {
	return &APIError{
		Code:     ErrCodeInternal,
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// IsCode はerrのチェーンにAPIErrorが含まれ、指定コードを持つかを返す。
func IsCode(err error, code string) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Code == code
}
