package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/clothman/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// codeは常に含まれ、UIはmessageではなくcodeで分岐する。
type ErrorResponseBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// internalErrorMessage は内部エラー時に返す一般的なメッセージ。
const internalErrorMessage = "Server error"

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:    apiErr.Code,
		Message: apiErr.Message,
		Details: apiErr.Details,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:    model.ErrCodeInternal,
		Message: internalErrorMessage,
	})
}

// WriteError はサービス層のエラーをHTTPステータスに変換して書き込む。
// APIError以外のエラーとStorageErrorは原因をログに記録し、500と一般的なメッセージを返す。
func WriteError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) && apiErr.Code != model.ErrCodeStorage {
		WriteErrorResponse(w, StatusForCode(apiErr.Code), apiErr)
		return
	}

	slog.Error("internal server error", slog.String("error", err.Error()))
	WriteInternalServerError(w)
}

// StatusForCode はエラーコードからHTTPステータスコードにマッピングする。
func StatusForCode(code string) int {
	switch code {
	case model.ErrCodeValidation,
		model.ErrCodeDuplicateUsername,
		model.ErrCodeCurrentPasswordIncorrect:
		return http.StatusBadRequest
	case model.ErrCodeInvalidCredentials,
		model.ErrCodeInvalidOrExpiredToken,
		model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeForbidden:
		return http.StatusForbidden
	case model.ErrCodeUserNotFound, model.ErrCodeProductNotFound:
		return http.StatusNotFound
	case model.ErrCodeReassignmentImpossible,
		model.ErrCodeAdminLimit,
		model.ErrCodeLastAdmin:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
