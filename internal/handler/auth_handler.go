// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/hitoshi/clothman/internal/auth"
	"github.com/hitoshi/clothman/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	Login(ctx context.Context, username, password string) (*auth.LoginResult, error)
	GetProfile(ctx context.Context, userID int64) (*model.UserProfile, error)
	ChangePassword(ctx context.Context, userID int64, currentPassword, newPassword string) (*auth.ChangePasswordResult, error)
	ForgotPassword(ctx context.Context, email string) (string, error)
	ResetPassword(ctx context.Context, token, newPassword string) (string, error)
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service AuthServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

// loginRequest はログインリクエストのボディ。
type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// changePasswordRequest はパスワード変更リクエストのボディ。
// フロントエンドはキャメルケースで送るため両方を受け付ける。
type changePasswordRequest struct {
	CurrentPassword      string `json:"currentPassword"`
	NewPassword          string `json:"newPassword"`
	CurrentPasswordSnake string `json:"current_password"`
	NewPasswordSnake     string `json:"new_password"`
}

// forgotPasswordRequest はパスワードリセット要求のボディ。
type forgotPasswordRequest struct {
	Email string `json:"email"`
}

// resetPasswordRequest はパスワードリセットのボディ。
type resetPasswordRequest struct {
	Token            string `json:"token"`
	NewPassword      string `json:"newPassword"`
	NewPasswordSnake string `json:"new_password"`
}

// Login はユーザー名とパスワードでログインし、セッショントークンを返す。
// POST /api/auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	// 空の入力も認証失敗として扱い、入力検証エラーとは区別しない
	result, err := h.service.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// Profile はログイン中のユーザーのプロフィールを返す。
// GET /api/auth/profile
func (h *AuthHandler) Profile(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	profile, err := h.service.GetProfile(r.Context(), p.UserID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, profile)
}

// ChangePassword はログイン中のユーザーのパスワードを変更し、新しいセッショントークンを返す。
// PUT /api/auth/password
func (h *AuthHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}

	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.ChangePassword(r.Context(), p.UserID,
		firstNonEmpty(req.CurrentPassword, req.CurrentPasswordSnake),
		firstNonEmpty(req.NewPassword, req.NewPasswordSnake),
	)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ForgotPassword はパスワードリセット用トークンの発行を要求する。
// メールアドレスの登録有無にかかわらず同じ応答を返す。
// POST /api/auth/forgot-password
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	msg, err := h.service.ForgotPassword(r.Context(), strings.TrimSpace(req.Email))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: msg})
}

// ResetPassword はリセットトークンを使ってパスワードを再設定する。
// POST /api/auth/reset-password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	msg, err := h.service.ResetPassword(r.Context(), req.Token, firstNonEmpty(req.NewPassword, req.NewPasswordSnake))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messageResponse{Message: msg})
}
