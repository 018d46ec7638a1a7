package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/clothman/internal/model"
	"github.com/hitoshi/clothman/internal/user"
)

// UserServiceInterface は管理者用ユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	List(ctx context.Context) ([]model.UserProfile, error)
	Create(ctx context.Context, in user.CreateInput) (*model.PublicUser, error)
	Update(ctx context.Context, id int64, patch model.UserPatch) (*model.PublicUser, error)
	// Delete はユーザーを削除する。作成した商品がある場合は代替の所有者に付け替える。
	Delete(ctx context.Context, id int64) (*user.DeleteResult, error)
}

// UserHandler は管理者用のユーザー管理HTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{service: service}
}

// createUserRequest はユーザー作成リクエストのボディ。
type createUserRequest struct {
	Username      string `json:"username"`
	FullName      string `json:"full_name"`
	FullNameCamel string `json:"fullName"`
	Email         string `json:"email"`
	Password      string `json:"password"`
	Role          string `json:"role"`
}

// updateUserRequest はユーザー更新リクエストのボディ。
// 省略されたフィールドは更新しない。
type updateUserRequest struct {
	FullName      *string `json:"full_name"`
	FullNameCamel *string `json:"fullName"`
	Email         *string `json:"email"`
	Role          *string `json:"role"`
	Password      *string `json:"password"`
}

// deleteUserResponse はユーザー削除のレスポンス。
type deleteUserResponse struct {
	Message string `json:"message"`
	*user.DeleteResult
}

// List は全ユーザーを返す。
// GET /api/admin/users
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	if users == nil {
		users = []model.UserProfile{}
	}

	writeJSON(w, http.StatusOK, users)
}

// Create はユーザーを作成する。
// POST /api/admin/users
func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	created, err := h.service.Create(r.Context(), user.CreateInput{
		Username: req.Username,
		FullName: firstNonEmpty(req.FullName, req.FullNameCamel),
		Email:    req.Email,
		Password: req.Password,
		Role:     model.Role(req.Role),
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, created)
}

// Update はユーザーを部分更新する。
// PUT /api/admin/users/{id}
func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req updateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	patch := model.UserPatch{
		FullName: req.FullName,
		Email:    req.Email,
		Password: req.Password,
	}
	if patch.FullName == nil {
		patch.FullName = req.FullNameCamel
	}
	if req.Role != nil {
		role := model.Role(*req.Role)
		patch.Role = &role
	}

	updated, err := h.service.Update(r.Context(), id, patch)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// Delete はユーザーを削除する。
// 作成した商品は代替の所有者に付け替えられ、付け替え先と件数を返す。
// DELETE /api/admin/users/{id}
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	result, err := h.service.Delete(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, deleteUserResponse{
		Message:      user.DeleteMessage,
		DeleteResult: result,
	})
}
