// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// Codeは安定した機械可読コードで、UIはMessageではなくCodeで分岐する。
type APIError struct {
	Code    string            // エラーコード
	Message string            // ユーザー向けメッセージ
	Details map[string]string // フィールド単位の詳細（バリデーションエラーのみ）
	Err     error             // 内部原因。ログにのみ出力し、レスポンスには含めない
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は内部原因を返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is はエラーコードが一致する場合にtrueを返す。
// errors.Is(err, model.ErrUserNotFound) のように定義済みエラーと比較できる。
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// 定義済みエラーコード
const (
	ErrCodeValidation               = "VALIDATION_ERROR"
	ErrCodeInvalidCredentials       = "INVALID_CREDENTIALS"
	ErrCodeDuplicateUsername        = "DUPLICATE_USERNAME"
	ErrCodeUserNotFound             = "USER_NOT_FOUND"
	ErrCodeInvalidOrExpiredToken    = "INVALID_OR_EXPIRED_TOKEN"
	ErrCodeReassignmentImpossible   = "REASSIGNMENT_IMPOSSIBLE"
	ErrCodeAdminLimit               = "ADMIN_LIMIT"
	ErrCodeLastAdmin                = "LAST_ADMIN"
	ErrCodeCurrentPasswordIncorrect = "CURRENT_PASSWORD_INCORRECT"
	ErrCodeProductNotFound          = "PRODUCT_NOT_FOUND"
	ErrCodeStorage                  = "STORAGE_ERROR"
	ErrCodeUnauthorized             = "UNAUTHORIZED"
	ErrCodeForbidden                = "FORBIDDEN"
	ErrCodeInternal                 = "INTERNAL_ERROR"
)

// 定義済みエラー。
// 呼び出し側で書き換えないこと。詳細を付けたい場合は新しいAPIErrorを生成する。
var (
	ErrInvalidCredentials = &APIError{
		Code:    ErrCodeInvalidCredentials,
		Message: "Invalid credentials",
	}
	ErrDuplicateUsername = &APIError{
		Code:    ErrCodeDuplicateUsername,
		Message: "Username already exists",
	}
	ErrUserNotFound = &APIError{
		Code:    ErrCodeUserNotFound,
		Message: "User not found",
	}
	ErrInvalidOrExpiredToken = &APIError{
		Code:    ErrCodeInvalidOrExpiredToken,
		Message: "Invalid or expired token",
	}
	ErrReassignmentImpossible = &APIError{
		Code:    ErrCodeReassignmentImpossible,
		Message: "Cannot delete user as they have created products and no other admin is available to transfer them to",
	}
	ErrAdminLimit = &APIError{
		Code:    ErrCodeAdminLimit,
		Message: "Only one admin user is allowed in the system",
	}
	ErrLastAdmin = &APIError{
		Code:    ErrCodeLastAdmin,
		Message: "Cannot remove the last admin from the system",
	}
	ErrCurrentPasswordIncorrect = &APIError{
		Code:    ErrCodeCurrentPasswordIncorrect,
		Message: "Current password is incorrect",
	}
	ErrProductNotFound = &APIError{
		Code:    ErrCodeProductNotFound,
		Message: "Product not found",
	}
)

// ErrValueOutOfRange は列の長さや数値範囲を超える値がDBに拒否されたことを表す。
// リポジトリが返し、NewStorageErrorはこれを含むエラーをバリデーションエラーに変換する。
var ErrValueOutOfRange = errors.New("value exceeds column length or range")

// NewValidationError は入力検証エラーを生成する。
// detailsにはフィールド名ごとのメッセージを格納する（不要ならnil）。
func NewValidationError(message string, details map[string]string) *APIError {
	return &APIError{
		Code:    ErrCodeValidation,
		Message: message,
		Details: details,
	}
}

// NewStorageError は想定外のDBエラーをラップしたエラーを生成する。
// 原因はErrに保持され、HTTPレスポンスには一般的なメッセージのみが返る。
// errがErrValueOutOfRangeを含む場合は入力値の問題としてバリデーションエラーを返す。
func NewStorageError(op string, err error) *APIError {
	if errors.Is(err, ErrValueOutOfRange) {
		return &APIError{
			Code:    ErrCodeValidation,
			Message: "Value exceeds the allowed length or range",
			Err:     fmt.Errorf("%s: %w", op, err),
		}
	}
	return &APIError{
		Code:    ErrCodeStorage,
		Message: "Server error",
		Err:     fmt.Errorf("%s: %w", op, err),
	}
}
