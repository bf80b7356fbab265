package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/hitoshi/fedcal/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// リモートサーバーが機械的に判別できるコードを含む。
type ErrorResponseBody struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// StatusFor はエラーコードに対応するHTTPステータスを返す。
func StatusFor(code string) int {
	switch code {
	case model.ErrCodeSignatureMissing, model.ErrCodeSignatureInvalid, model.ErrCodeDigestMismatch:
		return http.StatusUnauthorized
	case model.ErrCodeInvalidJSON, model.ErrCodeInvalidActivity, model.ErrCodeInvalidResource, model.ErrCodeInvalidPage:
		return http.StatusBadRequest
	case model.ErrCodeUserNotFound, model.ErrCodeActorNotFound, model.ErrCodeEventNotFound, model.ErrCodeResourceNotFound:
		return http.StatusNotFound
	case model.ErrCodeSSRFBlocked:
		// 取得先の拒否は見つからない扱い
		return http.StatusNotFound
	case model.ErrCodeFetchFailed:
		return http.StatusBadGateway
	case model.ErrCodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// WriteAPIError はコードから決まるステータスでエラーを書き込む。
func WriteAPIError(w http.ResponseWriter, apiErr *model.APIError) {
	WriteErrorResponse(w, StatusFor(apiErr.Code), apiErr)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、呼び出し元には一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}
