package handler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/clothman/internal/auth"
	"github.com/hitoshi/clothman/internal/middleware"
	"github.com/hitoshi/clothman/internal/model"
	"github.com/hitoshi/clothman/internal/security"
	"github.com/hitoshi/clothman/internal/user"
)

type mockPinger struct {
	err error
}

func (m *mockPinger) PingContext(ctx context.Context) error { return m.err }

type routerFixture struct {
	handler http.Handler
	tokens  *security.TokenManager
	users   *mockUserService
	db      *mockPinger
	logs    *bytes.Buffer
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()

	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		GeneralRate:     100,
		GeneralBurst:    100,
		AuthRate:        1,
		AuthBurst:       3,
		CleanupInterval: time.Minute,
	})
	t.Cleanup(rl.Stop)

	f := &routerFixture{
		tokens: security.NewTokenManager(security.TokenConfig{Secret: []byte("router-test-secret")}),
		users:  &mockUserService{},
		db:     &mockPinger{},
		logs:   &bytes.Buffer{},
	}
	f.handler = NewRouter(&RouterDeps{
		Logger:            slog.New(slog.NewJSONHandler(f.logs, nil)),
		TokenVerifier:     f.tokens,
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		DB:                f.db,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, "# HELP clothman_up\n")
		}),
		AuthService: &mockAuthService{
			loginFn: func(ctx context.Context, username, password string) (*auth.LoginResult, error) {
				return nil, model.ErrInvalidCredentials
			},
		},
		UserService:    f.users,
		ProductService: &mockProductService{},
	})
	return f
}

func (f *routerFixture) do(t *testing.T, method, path, body string, userID int64, role model.Role) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = jsonRequest(method, path, body)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if userID != 0 {
		tok, err := f.tokens.IssueSessionToken(userID, "u", role, time.Now())
		if err != nil {
			t.Fatalf("failed to issue token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func TestRouter_PublicRoutes(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, http.MethodGet, "/", "", 0, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), welcomeMessage) {
		t.Errorf("GET / = %d %s", w.Code, w.Body.String())
	}

	w = f.do(t, http.MethodGet, "/health", "", 0, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Errorf("GET /health = %d %s", w.Code, w.Body.String())
	}

	f.db.err = errors.New("connection refused")
	w = f.do(t, http.MethodGet, "/health", "", 0, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /health with DB down = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}

	w = f.do(t, http.MethodGet, "/metrics", "", 0, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "clothman_up") {
		t.Errorf("GET /metrics = %d %s", w.Code, w.Body.String())
	}
}

func TestRouter_CommonHeaders(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, http.MethodGet, "/", "", 0, "")

	if w.Header().Get(middleware.RequestIDHeader) == "" {
		t.Error("X-Request-ID should be set")
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers should be set")
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "http://localhost:3000" {
		t.Error("CORS headers should be set")
	}
	if !strings.Contains(f.logs.String(), `"request_id"`) {
		t.Errorf("access log should contain request_id: %s", f.logs.String())
	}
}

func TestRouter_UnknownRoute_JSON404(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(t, http.MethodGet, "/api/nope", "", 0, "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if body := decodeErrorBody(t, w); body.Code != "NOT_FOUND" {
		t.Errorf("code = %q", body.Code)
	}
}

func TestRouter_AccessControl(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		userID int64
		role   model.Role
		want   int
	}{
		{"未認証でプロフィール", http.MethodGet, "/api/auth/profile", "", 0, "", http.StatusUnauthorized},
		{"未認証でユーザー一覧", http.MethodGet, "/api/admin/users", "", 0, "", http.StatusUnauthorized},
		{"販売スタッフでユーザー一覧", http.MethodGet, "/api/admin/users", "", 3, model.RoleSalesStaff, http.StatusForbidden},
		{"店長でユーザー削除", http.MethodDelete, "/api/admin/users/7", "", 2, model.RoleStoreManager, http.StatusForbidden},
		{"管理者でユーザー一覧", http.MethodGet, "/api/admin/users", "", 1, model.RoleAdmin, http.StatusOK},
		{"管理者でユーザー削除", http.MethodDelete, "/api/admin/users/7", "", 1, model.RoleAdmin, http.StatusOK},
		{"販売スタッフで商品一覧", http.MethodGet, "/api/products", "", 3, model.RoleSalesStaff, http.StatusOK},
		{"販売スタッフで発注点以下", http.MethodGet, "/api/products/low-stock", "", 3, model.RoleSalesStaff, http.StatusOK},
		{"販売スタッフで商品作成", http.MethodPost, "/api/products", `{"name":"x","price":1}`, 3, model.RoleSalesStaff, http.StatusForbidden},
		{"在庫スタッフで商品作成", http.MethodPost, "/api/products", `{"name":"x","price":1}`, 4, model.RoleInventoryStaff, http.StatusCreated},
		{"在庫スタッフで在庫更新", http.MethodPut, "/api/products/3/inventory", `{"quantity":1}`, 4, model.RoleInventoryStaff, http.StatusOK},
		{"店長で商品削除", http.MethodDelete, "/api/products/3", "", 2, model.RoleStoreManager, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(t)
			w := f.do(t, tt.method, tt.path, tt.body, tt.userID, tt.role)
			if w.Code != tt.want {
				t.Errorf("%s %s = %d, want %d (%s)", tt.method, tt.path, w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestRouter_DeletePassesPathID(t *testing.T) {
	f := newRouterFixture(t)
	var got int64
	f.users.deleteFn = func(ctx context.Context, id int64) (*user.DeleteResult, error) {
		got = id
		return &user.DeleteResult{}, nil
	}

	f.do(t, http.MethodDelete, "/api/admin/users/42", "", 1, model.RoleAdmin)

	if got != 42 {
		t.Errorf("deleted id = %d, want 42", got)
	}
}

func TestRouter_LoginRateLimited(t *testing.T) {
	f := newRouterFixture(t)

	for i := 0; i < 3; i++ {
		w := f.do(t, http.MethodPost, "/api/auth/login", `{"username":"a","password":"b"}`, 0, "")
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: status = %d, want %d", i, w.Code, http.StatusUnauthorized)
		}
	}

	w := f.do(t, http.MethodPost, "/api/auth/login", `{"username":"a","password":"b"}`, 0, "")
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After should be set")
	}
}
