// Package auth はログイン、プロフィール取得、パスワードリセットを提供する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/hitoshi/clothman/internal/database"
	"github.com/hitoshi/clothman/internal/model"
	"github.com/hitoshi/clothman/internal/repository"
	"github.com/hitoshi/clothman/internal/security"
)

// パスワードリセット要求への応答。メールアドレスの登録有無にかかわらず同一。
const ForgotPasswordMessage = "If your email is registered, you will receive password reset instructions."

// ResetPasswordMessage はパスワードリセット成功時の応答。
const ResetPasswordMessage = "Password has been reset successfully"

// ChangePasswordMessage はパスワード変更成功時の応答。
const ChangePasswordMessage = "Password updated successfully"

// ダミーハッシュの元になる平文。存在しないユーザーのログイン時に比較コストを揃えるために使う。
const timingEqualizerPassword = "clothman-timing-equalizer"

// TokenService はトークンの発行と検証のインターフェース。
type TokenService interface {
	IssueSessionToken(userID int64, username string, role model.Role, passwordChangedAt time.Time) (string, error)
	IssueResetToken(userID int64, passwordChangedAt time.Time) (string, error)
	VerifyResetToken(token string) (*security.Claims, error)
}

// ResetNotifier はリセットトークンをユーザーに届けるコラボレーター。
type ResetNotifier interface {
	SendResetToken(ctx context.Context, user *model.User, token string) error
}

// LoginRecorder はログイン結果をメトリクスに記録する。
type LoginRecorder interface {
	RecordLogin(success bool, reason string)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	// RevokeTokensOnPasswordChange がtrueの場合、パスワード変更前に発行されたトークンを拒否する。
	RevokeTokensOnPasswordChange bool
	// NotifyTimeout はリセット通知の送信タイムアウト。
	NotifyTimeout time.Duration
}

// LoginResult はログイン成功時の結果。
type LoginResult struct {
	Token string           `json:"token"`
	User  model.PublicUser `json:"user"`
}

// ChangePasswordResult はパスワード変更成功時の結果。
// 変更によりそれまでのセッショントークンが失効する場合があるため、新しいトークンを返す。
type ChangePasswordResult struct {
	Message string `json:"message"`
	Token   string `json:"token"`
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	db       database.DBTX
	store    repository.Store
	hasher   security.PasswordHasher
	tokens   TokenService
	notifier ResetNotifier
	metrics  LoginRecorder
	config   ServiceConfig
	now      func() time.Time

	dummyOnce   sync.Once
	dummyDigest string

	notifyWG sync.WaitGroup
}

// NewService はServiceを生成する。
// dbはプロセスのエントリーポイントが管理するコネクションプールを渡す。
func NewService(
	db database.DBTX,
	store repository.Store,
	hasher security.PasswordHasher,
	tokens TokenService,
	notifier ResetNotifier,
	metrics LoginRecorder,
	config ServiceConfig,
) *Service {
	if config.NotifyTimeout <= 0 {
		config.NotifyTimeout = 10 * time.Second
	}
	return &Service{
		db:       db,
		store:    store,
		hasher:   hasher,
		tokens:   tokens,
		notifier: notifier,
		metrics:  metrics,
		config:   config,
		now:      time.Now,
	}
}

func (s *Service) users() repository.UserRepository {
	return s.store.Users(s.db)
}

// Login はユーザー名とパスワードを検証し、セッショントークンを発行する。
// ユーザーが存在しない場合とパスワード不一致の場合は同じErrInvalidCredentialsを返す。
func (s *Service) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	users := s.users()

	user, err := users.FindByUsername(ctx, username)
	if err != nil {
		s.recordLogin(false, "error")
		return nil, model.NewStorageError("find user by username", err)
	}

	if user == nil {
		// 存在しないユーザーでも同じコストの比較を行い、応答時間から存在が推測できないようにする
		s.hasher.Verify(password, s.timingDigest())
		s.recordLogin(false, "unknown_user")
		return nil, model.ErrInvalidCredentials
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		s.recordLogin(false, "bad_password")
		return nil, model.ErrInvalidCredentials
	}

	token, err := s.tokens.IssueSessionToken(user.ID, user.Username, user.Role, user.PasswordChangedAt)
	if err != nil {
		s.recordLogin(false, "error")
		return nil, fmt.Errorf("failed to issue session token: %w", err)
	}

	// last_loginの更新はベストエフォート。失敗してもログインは成功とする
	now := s.now()
	if err := users.UpdateLastLogin(ctx, user.ID, now); err != nil {
		slog.Warn("failed to update last login",
			slog.Int64("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}

	s.recordLogin(true, "")
	slog.Info("user logged in",
		slog.Int64("user_id", user.ID),
		slog.String("role", string(user.Role)),
	)

	return &LoginResult{Token: token, User: user.Public()}, nil
}

// GetProfile はユーザーのプロフィールを取得する。
// トークン発行後にユーザーが削除されていた場合はErrUserNotFoundを返す。
func (s *Service) GetProfile(ctx context.Context, userID int64) (*model.UserProfile, error) {
	user, err := s.users().FindByID(ctx, userID)
	if err != nil {
		return nil, model.NewStorageError("find user by ID", err)
	}
	if user == nil {
		return nil, model.ErrUserNotFound
	}

	profile := user.Profile()
	return &profile, nil
}

// ForgotPassword はパスワードリセットを受け付ける。
// 登録有無にかかわらず同じメッセージを返し、トークンの送信は非同期で行う。
// 検索時のDBエラーもログに記録するのみで、応答の形は変えない。
func (s *Service) ForgotPassword(ctx context.Context, email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", model.NewValidationError("Email is required", map[string]string{
			"email": "Email is required",
		})
	}

	user, err := s.users().FindByEmail(ctx, email)
	if err != nil {
		slog.Error("failed to look up user for password reset",
			slog.String("error", err.Error()),
		)
		return ForgotPasswordMessage, nil
	}
	if user == nil {
		slog.Info("password reset requested for unregistered email")
		return ForgotPasswordMessage, nil
	}

	token, err := s.tokens.IssueResetToken(user.ID, user.PasswordChangedAt)
	if err != nil {
		slog.Error("failed to issue reset token",
			slog.Int64("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return ForgotPasswordMessage, nil
	}

	s.dispatchResetToken(ctx, user, token)
	return ForgotPasswordMessage, nil
}

// dispatchResetToken はリセットトークンの送信をバックグラウンドで行う。
// リクエストのキャンセルは引き継がず、NotifyTimeoutで打ち切る。
func (s *Service) dispatchResetToken(ctx context.Context, user *model.User, token string) {
	s.notifyWG.Add(1)
	go func() {
		defer s.notifyWG.Done()

		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.NotifyTimeout)
		defer cancel()

		if err := s.notifier.SendResetToken(sendCtx, user, token); err != nil {
			slog.Error("failed to deliver reset token",
				slog.Int64("user_id", user.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		slog.Info("reset token delivered", slog.Int64("user_id", user.ID))
	}()
}

// WaitForNotifications は送信中のリセット通知の完了を待つ。シャットダウン時とテストで使う。
func (s *Service) WaitForNotifications() {
	s.notifyWG.Wait()
}

// ResetPassword はリセットトークンを検証し、パスワードを更新する。
// トークンが不正または期限切れの場合はErrInvalidOrExpiredTokenを返し、ハッシュは変更しない。
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) (string, error) {
	if newPassword == "" {
		return "", model.NewValidationError("New password is required", map[string]string{
			"newPassword": "New password is required",
		})
	}

	claims, err := s.tokens.VerifyResetToken(token)
	if err != nil {
		kind := "invalid"
		if errors.Is(err, security.ErrTokenExpired) {
			kind = "expired"
		}
		slog.Warn("reset token rejected", slog.String("kind", kind))
		return "", model.ErrInvalidOrExpiredToken
	}

	userID, err := claims.UserID()
	if err != nil {
		return "", model.ErrInvalidOrExpiredToken
	}

	users := s.users()

	if s.config.RevokeTokensOnPasswordChange {
		user, err := users.FindByID(ctx, userID)
		if err != nil {
			return "", model.NewStorageError("find user by ID", err)
		}
		if user == nil || user.PasswordChangedAt.Unix() != claims.PasswordEpoch {
			slog.Warn("reset token rejected",
				slog.String("kind", "superseded"),
				slog.Int64("user_id", userID),
			)
			return "", model.ErrInvalidOrExpiredToken
		}
	}

	digest, err := hashPassword(s.hasher, newPassword, "newPassword")
	if err != nil {
		return "", err
	}

	n, err := users.UpdateFields(ctx, userID, model.UserFieldsUpdate{PasswordHash: &digest})
	if err != nil {
		return "", model.NewStorageError("update password", err)
	}
	if n == 0 {
		// トークン発行後にユーザーが削除された
		return "", model.ErrInvalidOrExpiredToken
	}

	slog.Info("password reset", slog.Int64("user_id", userID))
	return ResetPasswordMessage, nil
}

// ChangePassword はログイン中のユーザーのパスワードを変更し、新しいエポックで発行したセッショントークンを返す。
func (s *Service) ChangePassword(ctx context.Context, userID int64, currentPassword, newPassword string) (*ChangePasswordResult, error) {
	details := map[string]string{}
	if currentPassword == "" {
		details["currentPassword"] = "Current password is required"
	}
	if newPassword == "" {
		details["newPassword"] = "New password is required"
	}
	if len(details) > 0 {
		return nil, model.NewValidationError("Current and new password are required", details)
	}

	users := s.users()

	user, err := users.FindByID(ctx, userID)
	if err != nil {
		return nil, model.NewStorageError("find user by ID", err)
	}
	if user == nil {
		return nil, model.ErrUserNotFound
	}

	if !s.hasher.Verify(currentPassword, user.PasswordHash) {
		return nil, model.ErrCurrentPasswordIncorrect
	}

	digest, err := hashPassword(s.hasher, newPassword, "newPassword")
	if err != nil {
		return nil, err
	}

	n, err := users.UpdateFields(ctx, userID, model.UserFieldsUpdate{PasswordHash: &digest})
	if err != nil {
		return nil, model.NewStorageError("update password", err)
	}
	if n == 0 {
		return nil, model.ErrUserNotFound
	}

	// password_changed_atはDB側で更新されるため、読み直してから新しいトークンを発行する
	updated, err := users.FindByID(ctx, userID)
	if err != nil {
		return nil, model.NewStorageError("find user by ID", err)
	}
	if updated == nil {
		return nil, model.ErrUserNotFound
	}
	token, err := s.tokens.IssueSessionToken(updated.ID, updated.Username, updated.Role, updated.PasswordChangedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session token: %w", err)
	}

	slog.Info("password changed", slog.Int64("user_id", userID))
	return &ChangePasswordResult{Message: ChangePasswordMessage, Token: token}, nil
}

// ValidateSession はセッションクレームが現在も有効かを確認し、現在のロールを返す。
// RevokeTokensOnPasswordChangeが無効な場合はI/Oを行わずクレームのロールを返す。
func (s *Service) ValidateSession(ctx context.Context, claims *security.Claims) (model.Role, error) {
	if !s.config.RevokeTokensOnPasswordChange {
		return claims.Role, nil
	}

	userID, err := claims.UserID()
	if err != nil {
		return "", model.ErrInvalidOrExpiredToken
	}

	user, err := s.users().FindByID(ctx, userID)
	if err != nil {
		return "", model.NewStorageError("find user by ID", err)
	}
	if user == nil || user.PasswordChangedAt.Unix() != claims.PasswordEpoch {
		return "", model.ErrInvalidOrExpiredToken
	}

	return user.Role, nil
}

func (s *Service) recordLogin(success bool, reason string) {
	if s.metrics != nil {
		s.metrics.RecordLogin(success, reason)
	}
}

// timingDigest は比較用のダミーハッシュを返す。初回呼び出し時に生成する。
func (s *Service) timingDigest() string {
	s.dummyOnce.Do(func() {
		digest, err := s.hasher.Hash(timingEqualizerPassword)
		if err != nil {
			slog.Error("failed to prepare timing digest", slog.String("error", err.Error()))
			return
		}
		s.dummyDigest = digest
	})
	return s.dummyDigest
}

// hashPassword はパスワードをハッシュ化する。長すぎる場合はfieldを指すValidationErrorを返す。
func hashPassword(hasher security.PasswordHasher, password, field string) (string, error) {
	digest, err := hasher.Hash(password)
	if errors.Is(err, security.ErrPasswordTooLong) {
		return "", model.NewValidationError("Password is too long", map[string]string{
			field: "Password must be at most 72 bytes",
		})
	}
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return digest, nil
}
