// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"github.com/hitoshi/clothman/internal/model"
	"github.com/hitoshi/clothman/internal/security"
)

const bearerPrefix = "Bearer "

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// principalContextKey はリクエストコンテキストに認証済みユーザーを格納するためのキー。
var principalContextKey = contextKey("principal")

// Principal は認証済みのリクエスト送信者。
type Principal struct {
	UserID int64
	Role   model.Role
}

// TokenVerifier はセッショントークンの検証に必要なインターフェース。
type TokenVerifier interface {
	VerifySessionToken(token string) (*security.Claims, error)
}

// SessionValidator はトークン発行後の失効（パスワード変更やユーザー削除）を確認する。
// 現在のロールを返す。
type SessionValidator interface {
	ValidateSession(ctx context.Context, claims *security.Claims) (model.Role, error)
}

var (
	errNoToken = &model.APIError{
		Code:    model.ErrCodeUnauthorized,
		Message: "No token, authorization denied",
	}
	errTokenNotValid = &model.APIError{
		Code:    model.ErrCodeUnauthorized,
		Message: "Token is not valid",
	}
	errAccessDenied = &model.APIError{
		Code:    model.ErrCodeForbidden,
		Message: "Access denied",
	}
)

// NewAuthMiddleware はAuthorizationヘッダーのBearerトークンを検証するミドルウェアを返す。
// 認証済みユーザーのIDとロールをリクエストコンテキストに注入する。
// トークンがない場合、または不正な場合は401を返す。
// validatorがnilの場合はトークンのクレームのみで判断する。
func NewAuthMiddleware(verifier TokenVerifier, validator SessionValidator) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// 1. Authorizationヘッダーからトークンを取得
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, bearerPrefix) {
				WriteErrorResponse(w, http.StatusUnauthorized, errNoToken)
				return
			}
			token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
			if token == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, errNoToken)
				return
			}

			// 2. 署名と有効期限を検証
			claims, err := verifier.VerifySessionToken(token)
			if err != nil {
				kind := "invalid"
				if errors.Is(err, security.ErrTokenExpired) {
					kind = "expired"
				}
				slog.Warn("session token rejected",
					slog.String("kind", kind),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, errTokenNotValid)
				return
			}

			userID, err := claims.UserID()
			if err != nil {
				WriteErrorResponse(w, http.StatusUnauthorized, errTokenNotValid)
				return
			}

			// 3. 失効の確認
			role := claims.Role
			if validator != nil {
				role, err = validator.ValidateSession(r.Context(), claims)
				if err != nil {
					var apiErr *model.APIError
					if errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeStorage {
						WriteError(w, err)
						return
					}
					WriteErrorResponse(w, http.StatusUnauthorized, errTokenNotValid)
					return
				}
			}

			// 4. 認証済みユーザーをコンテキストに注入
			setLogUserID(r.Context(), userID)
			ctx := ContextWithPrincipal(r.Context(), Principal{UserID: userID, Role: role})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole は指定ロールのいずれかを持つユーザーのみを通すミドルウェアを返す。
// NewAuthMiddlewareの後に配置する。
func RequireRole(roles ...model.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, errNoToken)
				return
			}
			if !slices.Contains(roles, p.Role) {
				slog.Warn("access denied",
					slog.Int64("user_id", p.UserID),
					slog.String("role", string(p.Role)),
					slog.String("path", r.URL.Path),
				)
				WriteErrorResponse(w, http.StatusForbidden, errAccessDenied)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PrincipalFromContext はリクエストコンテキストから認証済みユーザーを取得する。
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(Principal)
	if !ok || p.UserID == 0 {
		return Principal{}, false
	}
	return p, true
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (int64, error) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return 0, fmt.Errorf("user ID not found in context")
	}
	return p.UserID, nil
}

// ContextWithPrincipal はコンテキストに認証済みユーザーを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, p)
}
