package auth

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/clothman/internal/database"
	"github.com/hitoshi/clothman/internal/model"
	"github.com/hitoshi/clothman/internal/repository"
	"github.com/hitoshi/clothman/internal/security"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

// --- モック定義 ---

// mockUserRepo はメモリ上にユーザーを保持するUserRepositoryのモック。
// xxxFnが設定されている場合はそちらを優先する。
type mockUserRepo struct {
	mu    sync.Mutex
	users map[int64]*model.User

	findByUsernameFn  func(ctx context.Context, username string) (*model.User, error)
	findByEmailFn     func(ctx context.Context, email string) (*model.User, error)
	updateLastLoginFn func(ctx context.Context, id int64, at time.Time) error
	updateFieldsFn    func(ctx context.Context, id int64, upd model.UserFieldsUpdate) (int64, error)
}

func newMockUserRepo(users ...*model.User) *mockUserRepo {
	m := &mockUserRepo{users: make(map[int64]*model.User)}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

func (m *mockUserRepo) get(id int64) *model.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

func (m *mockUserRepo) FindByID(_ context.Context, id int64) (*model.User, error) {
	return m.get(id), nil
}

func (m *mockUserRepo) FindByIDForUpdate(ctx context.Context, id int64) (*model.User, error) {
	return m.FindByID(ctx, id)
}

func (m *mockUserRepo) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	if m.findByUsernameFn != nil {
		return m.findByUsernameFn(ctx, username)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	if m.findByEmailFn != nil {
		return m.findByEmailFn(ctx, email)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockUserRepo) CountByRole(_ context.Context, _ model.Role) (int, error) { return 0, nil }
func (m *mockUserRepo) List(_ context.Context) ([]model.User, error)             { return nil, nil }
func (m *mockUserRepo) Insert(_ context.Context, _ *model.User) (int64, error)   { return 0, nil }
func (m *mockUserRepo) Delete(_ context.Context, _ int64) (int64, error)         { return 0, nil }

func (m *mockUserRepo) FindFallbackOwner(_ context.Context, _ int64, _ []model.Role) (*model.User, error) {
	return nil, nil
}

func (m *mockUserRepo) UpdateFields(ctx context.Context, id int64, upd model.UserFieldsUpdate) (int64, error) {
	if m.updateFieldsFn != nil {
		return m.updateFieldsFn(ctx, id, upd)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return 0, nil
	}
	if upd.PasswordHash != nil {
		u.PasswordHash = *upd.PasswordHash
		u.PasswordChangedAt = u.PasswordChangedAt.Add(time.Minute)
	}
	return 1, nil
}

func (m *mockUserRepo) UpdateLastLogin(ctx context.Context, id int64, at time.Time) error {
	if m.updateLastLoginFn != nil {
		return m.updateLastLoginFn(ctx, id, at)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		u.LastLogin = &at
	}
	return nil
}

// mockStore は常に同じmockUserRepoを返すStore。
type mockStore struct {
	users *mockUserRepo
}

func (s *mockStore) Users(_ database.DBTX) repository.UserRepository       { return s.users }
func (s *mockStore) Products(_ database.DBTX) repository.ProductRepository { return nil }

// mockNotifier は送信されたトークンを記録するResetNotifierのモック。
type mockNotifier struct {
	mu     sync.Mutex
	sent   map[int64]string
	sendFn func(ctx context.Context, user *model.User, token string) error
}

func (m *mockNotifier) SendResetToken(ctx context.Context, user *model.User, token string) error {
	if m.sendFn != nil {
		return m.sendFn(ctx, user, token)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sent == nil {
		m.sent = make(map[int64]string)
	}
	m.sent[user.ID] = token
	return nil
}

func (m *mockNotifier) tokenFor(id int64) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent[id]
}

type mockLoginRecorder struct {
	successes int
	failures  map[string]int
}

func (m *mockLoginRecorder) RecordLogin(success bool, reason string) {
	if success {
		m.successes++
		return
	}
	if m.failures == nil {
		m.failures = make(map[string]int)
	}
	m.failures[reason]++
}

// --- compile-time interface checks ---
var _ repository.UserRepository = (*mockUserRepo)(nil)
var _ repository.Store = (*mockStore)(nil)
var _ ResetNotifier = (*mockNotifier)(nil)
var _ LoginRecorder = (*mockLoginRecorder)(nil)
var _ TokenService = (*security.TokenManager)(nil)

// --- テストヘルパー ---

var (
	baseTime   = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	testHasher = security.NewBcryptHasher(bcrypt.MinCost)
)

type fixture struct {
	svc      *Service
	repo     *mockUserRepo
	notifier *mockNotifier
	metrics  *mockLoginRecorder
	tokens   *security.TokenManager
}

func mustHash(t *testing.T, pw string) string {
	t.Helper()
	d, err := testHasher.Hash(pw)
	require.NoError(t, err)
	return d
}

func newAlice(t *testing.T) *model.User {
	return &model.User{
		ID:                1,
		Username:          "alice",
		FullName:          "Alice Liddell",
		Email:             "alice@example.com",
		PasswordHash:      mustHash(t, "Secret123"),
		Role:              model.RoleSalesStaff,
		CreatedAt:         baseTime.Add(-48 * time.Hour),
		PasswordChangedAt: baseTime.Add(-48 * time.Hour),
	}
}

func newFixture(t *testing.T, cfg ServiceConfig, users ...*model.User) *fixture {
	t.Helper()
	f := &fixture{
		repo:     newMockUserRepo(users...),
		notifier: &mockNotifier{},
		metrics:  &mockLoginRecorder{},
		tokens: security.NewTokenManager(security.TokenConfig{Secret: []byte("test-secret")}).
			WithClock(func() time.Time { return baseTime }),
	}
	f.svc = NewService(nil, &mockStore{users: f.repo}, testHasher, f.tokens, f.notifier, f.metrics, cfg)
	f.svc.now = func() time.Time { return baseTime }
	return f
}

// --- Login ---

func TestLogin_Success(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, newAlice(t))

	res, err := f.svc.Login(context.Background(), "alice", "Secret123")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
	assert.Equal(t, "alice", res.User.Username)
	assert.Equal(t, model.RoleSalesStaff, res.User.Role)

	claims, err := f.tokens.VerifySessionToken(res.Token)
	require.NoError(t, err)
	assert.Equal(t, "1", claims.Subject)

	// last_loginが更新される
	stored := f.repo.get(1)
	require.NotNil(t, stored.LastLogin)
	assert.Equal(t, baseTime, *stored.LastLogin)
	assert.Equal(t, 1, f.metrics.successes)
}

func TestLogin_WrongPassword(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, newAlice(t))

	res, err := f.svc.Login(context.Background(), "alice", "wrong")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, model.ErrInvalidCredentials)
	assert.Equal(t, 1, f.metrics.failures["bad_password"])
}

func TestLogin_UnknownUserIsIndistinguishable(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, newAlice(t))

	_, errUnknown := f.svc.Login(context.Background(), "mallory", "Secret123")
	_, errWrong := f.svc.Login(context.Background(), "alice", "nope")

	require.ErrorIs(t, errUnknown, model.ErrInvalidCredentials)
	require.ErrorIs(t, errWrong, model.ErrInvalidCredentials)
	assert.Equal(t, errWrong.Error(), errUnknown.Error())
	assert.Equal(t, 1, f.metrics.failures["unknown_user"])

	// 比較用ダミーハッシュが生成されている
	assert.NotEmpty(t, f.svc.dummyDigest)
}

func TestLogin_EmptyCredentials(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, newAlice(t))

	_, err := f.svc.Login(context.Background(), "", "Secret123")
	assert.ErrorIs(t, err, model.ErrInvalidCredentials)

	_, err = f.svc.Login(context.Background(), "alice", "")
	assert.ErrorIs(t, err, model.ErrInvalidCredentials)
	assert.Equal(t, 1, f.metrics.failures["unknown_user"])
	assert.Equal(t, 1, f.metrics.failures["bad_password"])
}

func TestLogin_CaseSensitiveUsername(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, newAlice(t))

	_, err := f.svc.Login(context.Background(), "Alice", "Secret123")
	assert.ErrorIs(t, err, model.ErrInvalidCredentials)
}

func TestLogin_LastLoginFailureDoesNotFailLogin(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, newAlice(t))
	f.repo.updateLastLoginFn = func(ctx context.Context, id int64, at time.Time) error {
		return errors.New("deadlock detected")
	}

	res, err := f.svc.Login(context.Background(), "alice", "Secret123")
	require.NoError(t, err)
	assert.NotEmpty(t, res.Token)
}

func TestLogin_StorageError(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.repo.findByUsernameFn = func(ctx context.Context, username string) (*model.User, error) {
		return nil, errors.New("connection refused")
	}

	_, err := f.svc.Login(context.Background(), "alice", "Secret123")

	var apiErr *model.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, model.ErrCodeStorage, apiErr.Code)
	assert.Equal(t, "Server error", apiErr.Message)
}

func TestLogin_ResultNeverContainsPasswordHash(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, newAlice(t))

	res, err := f.svc.Login(context.Background(), "alice", "Secret123")
	require.NoError(t, err)

	body, err := json.Marshal(res)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "password")
	assert.NotContains(t, string(body), "$2a$")
}

// --- GetProfile ---

func TestGetProfile(t *testing.T) {
	alice := newAlice(t)
	f := newFixture(t, ServiceConfig{}, alice)

	profile, err := f.svc.GetProfile(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "alice", profile.Username)
	assert.Equal(t, alice.CreatedAt, profile.CreatedAt)
	assert.Nil(t, profile.LastLogin)

	body, err := json.Marshal(profile)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "password")
}

func TestGetProfile_DeletedUser(t *testing.T) {
	f := newFixture(t, ServiceConfig{})

	_, err := f.svc.GetProfile(context.Background(), 1)
	assert.ErrorIs(t, err, model.ErrUserNotFound)
}

// --- ForgotPassword ---

func TestForgotPassword_SameResponseForKnownAndUnknownEmail(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, newAlice(t))

	known, err := f.svc.ForgotPassword(context.Background(), "alice@example.com")
	require.NoError(t, err)
	unknown, err := f.svc.ForgotPassword(context.Background(), "nobody@example.com")
	require.NoError(t, err)

	assert.Equal(t, known, unknown)
	assert.Equal(t, ForgotPasswordMessage, known)

	f.svc.WaitForNotifications()
	assert.NotEmpty(t, f.notifier.tokenFor(1), "reset token should be delivered to alice")
	assert.Len(t, f.notifier.sent, 1)
}

func TestForgotPassword_LookupErrorKeepsResponseShape(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.repo.findByEmailFn = func(ctx context.Context, email string) (*model.User, error) {
		return nil, errors.New("timeout")
	}

	msg, err := f.svc.ForgotPassword(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, ForgotPasswordMessage, msg)
}

func TestForgotPassword_DeliveryFailureIsNotSurfaced(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, newAlice(t))
	f.notifier.sendFn = func(ctx context.Context, user *model.User, token string) error {
		return errors.New("smtp down")
	}

	msg, err := f.svc.ForgotPassword(context.Background(), "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, ForgotPasswordMessage, msg)
	f.svc.WaitForNotifications()
}

func TestForgotPassword_EmptyEmail(t *testing.T) {
	f := newFixture(t, ServiceConfig{})

	_, err := f.svc.ForgotPassword(context.Background(), "  ")
	var apiErr *model.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, model.ErrCodeValidation, apiErr.Code)
}

// --- ResetPassword ---

func issueResetFor(t *testing.T, f *fixture, email string) string {
	t.Helper()
	_, err := f.svc.ForgotPassword(context.Background(), email)
	require.NoError(t, err)
	f.svc.WaitForNotifications()
	return f.notifier.tokenFor(1)
}

func TestResetPassword_Success(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, newAlice(t))
	token := issueResetFor(t, f, "alice@example.com")

	msg, err := f.svc.ResetPassword(context.Background(), token, "NewSecret456")
	require.NoError(t, err)
	assert.Equal(t, ResetPasswordMessage, msg)

	_, err = f.svc.Login(context.Background(), "alice", "NewSecret456")
	assert.NoError(t, err)
	_, err = f.svc.Login(context.Background(), "alice", "Secret123")
	assert.ErrorIs(t, err, model.ErrInvalidCredentials)
}

func TestResetPassword_ExpiredTokenLeavesHashUnchanged(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, newAlice(t))
	token := issueResetFor(t, f, "alice@example.com")
	before := f.repo.get(1).PasswordHash

	// 1時間経過後のトークン検証
	f.svc.tokens = f.tokens.WithClock(func() time.Time { return baseTime.Add(time.Hour + time.Second) })

	_, err := f.svc.ResetPassword(context.Background(), token, "NewSecret456")
	assert.ErrorIs(t, err, model.ErrInvalidOrExpiredToken)
	assert.Equal(t, before, f.repo.get(1).PasswordHash)
}

func TestResetPassword_TamperedToken(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, newAlice(t))
	before := f.repo.get(1).PasswordHash

	_, err := f.svc.ResetPassword(context.Background(), "not.a.token", "NewSecret456")
	assert.ErrorIs(t, err, model.ErrInvalidOrExpiredToken)
	assert.Equal(t, before, f.repo.get(1).PasswordHash)
}

func TestResetPassword_SessionTokenRejected(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, newAlice(t))
	res, err := f.svc.Login(context.Background(), "alice", "Secret123")
	require.NoError(t, err)

	_, err = f.svc.ResetPassword(context.Background(), res.Token, "NewSecret456")
	assert.ErrorIs(t, err, model.ErrInvalidOrExpiredToken)
}

func TestResetPassword_TokenIsSingleUseWhenRevocationEnabled(t *testing.T) {
	f := newFixture(t, ServiceConfig{RevokeTokensOnPasswordChange: true}, newAlice(t))
	token := issueResetFor(t, f, "alice@example.com")

	_, err := f.svc.ResetPassword(context.Background(), token, "NewSecret456")
	require.NoError(t, err)

	_, err = f.svc.ResetPassword(context.Background(), token, "Another789")
	assert.ErrorIs(t, err, model.ErrInvalidOrExpiredToken)
}

func TestResetPassword_TokenReusableWhenRevocationDisabled(t *testing.T) {
	f := newFixture(t, ServiceConfig{RevokeTokensOnPasswordChange: false}, newAlice(t))
	token := issueResetFor(t, f, "alice@example.com")

	_, err := f.svc.ResetPassword(context.Background(), token, "NewSecret456")
	require.NoError(t, err)
	_, err = f.svc.ResetPassword(context.Background(), token, "Another789")
	assert.NoError(t, err)
}

func TestResetPassword_DeletedUser(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, newAlice(t))
	token := issueResetFor(t, f, "alice@example.com")
	f.repo.updateFieldsFn = func(ctx context.Context, id int64, upd model.UserFieldsUpdate) (int64, error) {
		return 0, nil
	}

	_, err := f.svc.ResetPassword(context.Background(), token, "NewSecret456")
	assert.ErrorIs(t, err, model.ErrInvalidOrExpiredToken)
}

func TestResetPassword_EmptyPassword(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, newAlice(t))

	_, err := f.svc.ResetPassword(context.Background(), "whatever", "")
	var apiErr *model.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, model.ErrCodeValidation, apiErr.Code)
}

// --- ChangePassword ---

func TestChangePassword(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, newAlice(t))

	_, err := f.svc.ChangePassword(context.Background(), 1, "wrong", "NewSecret456")
	assert.ErrorIs(t, err, model.ErrCurrentPasswordIncorrect)

	res, err := f.svc.ChangePassword(context.Background(), 1, "Secret123", "NewSecret456")
	require.NoError(t, err)
	assert.Equal(t, ChangePasswordMessage, res.Message)
	assert.NotEmpty(t, res.Token)
	assert.True(t, testHasher.Verify("NewSecret456", f.repo.get(1).PasswordHash))
}

func TestChangePassword_MissingFields(t *testing.T) {
	f := newFixture(t, ServiceConfig{}, newAlice(t))

	_, err := f.svc.ChangePassword(context.Background(), 1, "", "")
	var apiErr *model.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Len(t, apiErr.Details, 2)
}

// --- ValidateSession ---

func TestValidateSession(t *testing.T) {
	t.Run("失効チェック無効時はクレームのロールを返す", func(t *testing.T) {
		f := newFixture(t, ServiceConfig{})
		claims := &security.Claims{Role: model.RoleAdmin}

		role, err := f.svc.ValidateSession(context.Background(), claims)
		require.NoError(t, err)
		assert.Equal(t, model.RoleAdmin, role)
	})

	t.Run("パスワード変更後のセッションは拒否される", func(t *testing.T) {
		f := newFixture(t, ServiceConfig{RevokeTokensOnPasswordChange: true}, newAlice(t))
		res, err := f.svc.Login(context.Background(), "alice", "Secret123")
		require.NoError(t, err)
		claims, err := f.tokens.VerifySessionToken(res.Token)
		require.NoError(t, err)

		role, err := f.svc.ValidateSession(context.Background(), claims)
		require.NoError(t, err)
		assert.Equal(t, model.RoleSalesStaff, role)

		changed, err := f.svc.ChangePassword(context.Background(), 1, "Secret123", "NewSecret456")
		require.NoError(t, err)

		_, err = f.svc.ValidateSession(context.Background(), claims)
		assert.ErrorIs(t, err, model.ErrInvalidOrExpiredToken)

		// 変更時に返されたトークンは新しいエポックで発行されているため有効
		fresh, err := f.tokens.VerifySessionToken(changed.Token)
		require.NoError(t, err)
		role, err = f.svc.ValidateSession(context.Background(), fresh)
		require.NoError(t, err)
		assert.Equal(t, model.RoleSalesStaff, role)
	})

	t.Run("削除済みユーザーのセッションは拒否される", func(t *testing.T) {
		f := newFixture(t, ServiceConfig{RevokeTokensOnPasswordChange: true})
		claims := &security.Claims{}
		claims.Subject = "1"

		_, err := f.svc.ValidateSession(context.Background(), claims)
		assert.ErrorIs(t, err, model.ErrInvalidOrExpiredToken)
	})
}
