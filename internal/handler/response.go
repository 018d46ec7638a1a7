package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/clothman/internal/middleware"
	"github.com/hitoshi/clothman/internal/model"
)

// maxRequestBodyBytes はJSONリクエストボディの上限サイズ。
const maxRequestBodyBytes = 1 << 20

var (
	errInvalidBody = model.NewValidationError("Invalid request body", nil)
	errInvalidID   = model.NewValidationError("Invalid id", nil)
	errNoPrincipal = &model.APIError{
		Code:    model.ErrCodeUnauthorized,
		Message: "No token, authorization denied",
	}
)

// messageResponse はメッセージのみを返すレスポンス。
type messageResponse struct {
	Message string `json:"message"`
}

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをvにデコードする。
// 失敗した場合は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			middleware.WriteErrorResponse(w, http.StatusRequestEntityTooLarge, model.NewValidationError("Request body too large", nil))
			return false
		}
		middleware.WriteErrorResponse(w, http.StatusBadRequest, errInvalidBody)
		return false
	}
	return true
}

// pathID はURLパラメータのidを正の整数として取り出す。
// 不正な場合は400を書き込みfalseを返す。
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, errInvalidID)
		return 0, false
	}
	return id, true
}

// principal はリクエストコンテキストから認証済みユーザーを取り出す。
// 存在しない場合は401を書き込みfalseを返す。
func principal(w http.ResponseWriter, r *http.Request) (middleware.Principal, bool) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, errNoPrincipal)
	}
	return p, ok
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPレスポンスに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	middleware.WriteError(w, err)
}

// firstNonEmpty は空でない最初の値を返す。
// スネークケースとキャメルケースの両方のキーを受け付けるために使う。
func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
