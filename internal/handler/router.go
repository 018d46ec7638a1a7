package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/hitoshi/clothman/internal/middleware"
	"github.com/hitoshi/clothman/internal/model"
)

// productWriterRoles は商品の作成・更新・削除ができるロール。
var productWriterRoles = []model.Role{
	model.RoleAdmin,
	model.RoleStoreManager,
	model.RoleInventoryStaff,
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Logger            *slog.Logger
	TokenVerifier     middleware.TokenVerifier
	SessionValidator  middleware.SessionValidator
	HTTPRecorder      middleware.HTTPRecorder
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	// TrustProxy がtrueの場合、X-Forwarded-For等からクライアントIPを復元する
	TrustProxy bool

	// 運用
	DB             Pinger
	MetricsHandler http.Handler

	// サービス
	AuthService    AuthServiceInterface
	UserService    UserServiceInterface
	ProductService ProductServiceInterface
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → RequestID → Logging → SecurityHeaders → CORS
//
// 認証が必要なルートではさらに Auth → RateLimit(General) → RequireRole を適用する。
// ログインとパスワードリセットはクライアントIP単位のレート制限のみを適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRecoveryMiddleware())
	if deps.TrustProxy {
		r.Use(chimiddleware.RealIP)
	}
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger, deps.HTTPRecorder))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteErrorResponse(w, http.StatusNotFound, &model.APIError{
			Code:    "NOT_FOUND",
			Message: "Route not found",
		})
	})

	authHandler := NewAuthHandler(deps.AuthService)
	userHandler := NewUserHandler(deps.UserService)
	productHandler := NewProductHandler(deps.ProductService)

	// --- 認証不要のルート ---
	r.Get("/", Welcome)
	r.Get("/health", NewHealthHandler(deps.DB))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/api/auth", func(r chi.Router) {
		// 総当たり対策としてクライアントIP単位で制限する
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.AuthMiddleware())
			r.Post("/login", authHandler.Login)
			r.Post("/forgot-password", authHandler.ForgotPassword)
			r.Post("/reset-password", authHandler.ResetPassword)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.NewAuthMiddleware(deps.TokenVerifier, deps.SessionValidator))
			r.Use(deps.RateLimiter.GeneralMiddleware())
			r.Get("/profile", authHandler.Profile)
			r.Put("/password", authHandler.ChangePassword)
		})
	})

	// --- 認証が必要なルート ---
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewAuthMiddleware(deps.TokenVerifier, deps.SessionValidator))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		// ユーザー管理（管理者のみ）
		r.Route("/api/admin/users", func(r chi.Router) {
			r.Use(middleware.RequireRole(model.RoleAdmin))
			r.Get("/", userHandler.List)
			r.Post("/", userHandler.Create)
			r.Put("/{id}", userHandler.Update)
			r.Delete("/{id}", userHandler.Delete)
		})

		// 商品管理
		r.Route("/api/products", func(r chi.Router) {
			r.Get("/", productHandler.List)
			r.Get("/low-stock", productHandler.ListLowStock)
			r.Get("/{id}", productHandler.Get)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireRole(productWriterRoles...))
				r.Post("/", productHandler.Create)
				r.Put("/{id}", productHandler.Update)
				r.Put("/{id}/inventory", productHandler.UpdateInventory)
				r.Delete("/{id}", productHandler.Delete)
			})
		})
	})

	return r
}
