// Package user は管理者向けのユーザー管理（一覧、作成、更新、安全な削除）を提供する。
package user

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/clothman/internal/database"
	"github.com/hitoshi/clothman/internal/model"
	"github.com/hitoshi/clothman/internal/repository"
	"github.com/hitoshi/clothman/internal/security"
)

// 削除結果のメトリクスラベル
const (
	OutcomeDeleted    = "deleted"
	OutcomeReassigned = "reassigned"
	OutcomeBlocked    = "blocked"
	OutcomeNotFound   = "not_found"
	OutcomeLastAdmin  = "last_admin"
	OutcomeFailed     = "error"
)

// DeleteMessage は削除成功時の応答メッセージ。
const DeleteMessage = "User deleted successfully"

// DB はトランザクションを開始できるDBハンドル。通常は*sql.DB。
type DB interface {
	database.DBTX
	database.TxBeginner
}

// DeletionRecorder はユーザー削除の結果をメトリクスに記録する。
type DeletionRecorder interface {
	RecordUserDeletion(outcome string, reassigned int64)
}

// ServiceConfig はユーザー管理サービスの設定。
type ServiceConfig struct {
	// EnforceSingleAdmin がtrueの場合、ADMINは常に1人だけとする。
	EnforceSingleAdmin bool
	// FallbackOwnerRoles は削除対象の商品を引き継ぐユーザーのロール。先頭ほど優先される。
	FallbackOwnerRoles []model.Role
}

// DefaultFallbackOwnerRoles は引き継ぎ先ロールのデフォルト。
func DefaultFallbackOwnerRoles() []model.Role {
	return []model.Role{model.RoleStoreManager, model.RoleAdmin}
}

// CreateInput はユーザー作成の入力。
type CreateInput struct {
	Username string
	FullName string
	Email    string
	Password string
	Role     model.Role
}

// DeleteResult はユーザー削除の結果。
// 商品を引き継いだ場合はReassignedToに引き継ぎ先のIDが入る。
type DeleteResult struct {
	ReassignedTo    *int64 `json:"reassigned_to,omitempty"`
	ReassignedCount int64  `json:"reassigned_count"`
}

// Service はユーザー管理のサービス層。
type Service struct {
	db      DB
	store   repository.Store
	hasher  security.PasswordHasher
	metrics DeletionRecorder
	config  ServiceConfig
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	db DB,
	store repository.Store,
	hasher security.PasswordHasher,
	metrics DeletionRecorder,
	config ServiceConfig,
) *Service {
	if len(config.FallbackOwnerRoles) == 0 {
		config.FallbackOwnerRoles = DefaultFallbackOwnerRoles()
	}
	return &Service{
		db:      db,
		store:   store,
		hasher:  hasher,
		metrics: metrics,
		config:  config,
	}
}

// List は全ユーザーのプロフィールを作成日時の降順で返す。
func (s *Service) List(ctx context.Context) ([]model.UserProfile, error) {
	users, err := s.store.Users(s.db).List(ctx)
	if err != nil {
		return nil, model.NewStorageError("list users", err)
	}

	profiles := make([]model.UserProfile, 0, len(users))
	for i := range users {
		profiles = append(profiles, users[i].Profile())
	}
	return profiles, nil
}

// Create はユーザーを作成し、公開用の射影を返す。
func (s *Service) Create(ctx context.Context, in CreateInput) (*model.PublicUser, error) {
	if err := validateCreate(in); err != nil {
		return nil, err
	}

	users := s.store.Users(s.db)

	if s.config.EnforceSingleAdmin && in.Role == model.RoleAdmin {
		count, err := users.CountByRole(ctx, model.RoleAdmin)
		if err != nil {
			return nil, model.NewStorageError("count admins", err)
		}
		if count > 0 {
			return nil, model.ErrAdminLimit
		}
	}

	existing, err := users.FindByUsername(ctx, in.Username)
	if err != nil {
		return nil, model.NewStorageError("find user by username", err)
	}
	if existing != nil {
		return nil, model.ErrDuplicateUsername
	}

	digest, err := hashPassword(s.hasher, in.Password, "password")
	if err != nil {
		return nil, err
	}

	u := &model.User{
		Username:     in.Username,
		FullName:     in.FullName,
		Email:        in.Email,
		PasswordHash: digest,
		Role:         in.Role,
	}
	if _, err := users.Insert(ctx, u); err != nil {
		// 事前確認と挿入の間に同名ユーザーが作成された場合
		if errors.Is(err, repository.ErrDuplicateUsername) {
			return nil, model.ErrDuplicateUsername
		}
		return nil, model.NewStorageError("insert user", err)
	}

	slog.Info("user created",
		slog.Int64("user_id", u.ID),
		slog.String("role", string(u.Role)),
	)

	pub := u.Public()
	return &pub, nil
}

// Update はユーザーを部分更新し、更新後の公開用射影を返す。
// usernameは変更できない。
func (s *Service) Update(ctx context.Context, id int64, patch model.UserPatch) (*model.PublicUser, error) {
	if err := validatePatch(patch); err != nil {
		return nil, err
	}

	users := s.store.Users(s.db)

	target, err := users.FindByID(ctx, id)
	if err != nil {
		return nil, model.NewStorageError("find user by ID", err)
	}
	if target == nil {
		return nil, model.ErrUserNotFound
	}

	if s.config.EnforceSingleAdmin && patch.Role != nil {
		if err := s.checkAdminTransition(ctx, users, target, *patch.Role); err != nil {
			return nil, err
		}
	}

	upd := model.UserFieldsUpdate{
		FullName: patch.FullName,
		Email:    patch.Email,
		Role:     patch.Role,
	}
	if patch.Password != nil {
		digest, err := hashPassword(s.hasher, *patch.Password, "password")
		if err != nil {
			return nil, err
		}
		upd.PasswordHash = &digest
	}

	n, err := users.UpdateFields(ctx, id, upd)
	if err != nil {
		return nil, model.NewStorageError("update user", err)
	}
	if n == 0 {
		return nil, model.ErrUserNotFound
	}

	updated, err := users.FindByID(ctx, id)
	if err != nil {
		return nil, model.NewStorageError("find user by ID", err)
	}
	if updated == nil {
		return nil, model.ErrUserNotFound
	}

	slog.Info("user updated", slog.Int64("user_id", id))

	pub := updated.Public()
	return &pub, nil
}

// checkAdminTransition はADMINが常に1人となるようロール変更を検査する。
func (s *Service) checkAdminTransition(ctx context.Context, users repository.UserRepository, target *model.User, next model.Role) error {
	if target.Role == next {
		return nil
	}

	count, err := users.CountByRole(ctx, model.RoleAdmin)
	if err != nil {
		return model.NewStorageError("count admins", err)
	}

	if next == model.RoleAdmin && count > 0 {
		return model.ErrAdminLimit
	}
	if target.Role == model.RoleAdmin && count <= 1 {
		return model.ErrLastAdmin
	}
	return nil
}

// Delete はユーザーを削除する。
// 削除対象が商品を作成している場合は、引き継ぎ先のユーザーに全件を付け替えてから削除する。
// 引き継ぎ先がいない場合はErrReassignmentImpossibleを返し、何も変更しない。
// 存在確認から削除までを1つのトランザクションで実行する。
func (s *Service) Delete(ctx context.Context, id int64) (*DeleteResult, error) {
	result := &DeleteResult{}
	outcome := OutcomeDeleted

	err := database.WithTx(ctx, s.db, &sql.TxOptions{Isolation: sql.LevelReadCommitted}, func(ctx context.Context, tx database.DBTX) error {
		users := s.store.Users(tx)
		products := s.store.Products(tx)

		target, err := users.FindByIDForUpdate(ctx, id)
		if err != nil {
			return model.NewStorageError("lock user", err)
		}
		if target == nil {
			outcome = OutcomeNotFound
			return model.ErrUserNotFound
		}

		if s.config.EnforceSingleAdmin && target.Role == model.RoleAdmin {
			count, err := users.CountByRole(ctx, model.RoleAdmin)
			if err != nil {
				return model.NewStorageError("count admins", err)
			}
			if count <= 1 {
				outcome = OutcomeLastAdmin
				return model.ErrLastAdmin
			}
		}

		owned, err := products.CountByOwner(ctx, id)
		if err != nil {
			return model.NewStorageError("count owned products", err)
		}

		if owned > 0 {
			fallback, err := users.FindFallbackOwner(ctx, id, s.config.FallbackOwnerRoles)
			if err != nil {
				return model.NewStorageError("find fallback owner", err)
			}
			if fallback == nil {
				outcome = OutcomeBlocked
				return model.ErrReassignmentImpossible
			}

			moved, err := products.ReassignOwner(ctx, id, fallback.ID)
			if err != nil {
				return model.NewStorageError("reassign products", err)
			}
			if moved != owned {
				return model.NewStorageError("reassign products",
					fmt.Errorf("expected %d rows, reassigned %d", owned, moved))
			}

			outcome = OutcomeReassigned
			result.ReassignedTo = &fallback.ID
			result.ReassignedCount = moved
		}

		n, err := users.Delete(ctx, id)
		if err != nil {
			return model.NewStorageError("delete user", err)
		}
		if n == 0 {
			return model.NewStorageError("delete user", errors.New("locked row disappeared"))
		}
		return nil
	})
	if err != nil {
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) {
			// BEGINまたはCOMMITの失敗
			apiErr = model.NewStorageError("delete user transaction", err)
			err = apiErr
		}
		if apiErr.Code == model.ErrCodeStorage {
			outcome = OutcomeFailed
			slog.Error("user deletion failed",
				slog.Int64("user_id", id),
				slog.String("error", err.Error()),
			)
		} else {
			slog.Warn("user deletion rejected",
				slog.Int64("user_id", id),
				slog.String("code", apiErr.Code),
			)
		}
		s.recordDeletion(outcome, 0)
		return nil, err
	}

	s.recordDeletion(outcome, result.ReassignedCount)

	attrs := []any{slog.Int64("user_id", id)}
	if result.ReassignedTo != nil {
		attrs = append(attrs,
			slog.Int64("reassigned_to", *result.ReassignedTo),
			slog.Int64("reassigned_count", result.ReassignedCount),
		)
	}
	slog.Info("user deleted", attrs...)

	return result, nil
}

// EnsureAdmin は指定usernameのADMINを作成する。
// 既に存在する場合はパスワード、氏名、メールアドレスを上書きし、ロールをADMINにする。
// 作成した場合はcreatedにtrueを返す。
func (s *Service) EnsureAdmin(ctx context.Context, in CreateInput) (pub *model.PublicUser, created bool, err error) {
	in.Role = model.RoleAdmin
	if err := validateCreate(in); err != nil {
		return nil, false, err
	}

	users := s.store.Users(s.db)

	existing, err := users.FindByUsername(ctx, in.Username)
	if err != nil {
		return nil, false, model.NewStorageError("find user by username", err)
	}

	digest, err := hashPassword(s.hasher, in.Password, "password")
	if err != nil {
		return nil, false, err
	}

	if existing != nil {
		role := model.RoleAdmin
		upd := model.UserFieldsUpdate{
			FullName:     &in.FullName,
			Email:        &in.Email,
			Role:         &role,
			PasswordHash: &digest,
		}
		if _, err := users.UpdateFields(ctx, existing.ID, upd); err != nil {
			return nil, false, model.NewStorageError("update admin", err)
		}
		existing.FullName = in.FullName
		existing.Email = in.Email
		existing.Role = role
		p := existing.Public()
		return &p, false, nil
	}

	u := &model.User{
		Username:     in.Username,
		FullName:     in.FullName,
		Email:        in.Email,
		PasswordHash: digest,
		Role:         model.RoleAdmin,
	}
	if _, err := users.Insert(ctx, u); err != nil {
		return nil, false, model.NewStorageError("insert admin", err)
	}
	p := u.Public()
	return &p, true, nil
}

func (s *Service) recordDeletion(outcome string, reassigned int64) {
	if s.metrics != nil {
		s.metrics.RecordUserDeletion(outcome, reassigned)
	}
}

// validateCreate は作成時の必須項目とロールを検証する。
// 不足している項目はすべてdetailsに列挙する。
func validateCreate(in CreateInput) error {
	details := map[string]string{}
	if strings.TrimSpace(in.Username) == "" {
		details["username"] = "Username is required"
	} else if tooLong(in.Username, model.MaxUsernameLength) {
		details["username"] = fmt.Sprintf("Username must be at most %d characters", model.MaxUsernameLength)
	}
	if strings.TrimSpace(in.FullName) == "" {
		details["full_name"] = "Full name is required"
	} else if tooLong(in.FullName, model.MaxFullNameLength) {
		details["full_name"] = fmt.Sprintf("Full name must be at most %d characters", model.MaxFullNameLength)
	}
	if strings.TrimSpace(in.Email) == "" {
		details["email"] = "Email is required"
	} else if tooLong(in.Email, model.MaxEmailLength) {
		details["email"] = fmt.Sprintf("Email must be at most %d characters", model.MaxEmailLength)
	}
	if in.Password == "" {
		details["password"] = "Password is required"
	}
	if in.Role == "" {
		details["role"] = "Role is required"
	} else if !in.Role.Valid() {
		details["role"] = "Invalid role"
	}
	if len(details) > 0 {
		return model.NewValidationError("Validation failed", details)
	}
	return nil
}

// validatePatch は部分更新の内容を検証する。
// 指定されたフィールドが空文字の場合はNULLで上書きせずエラーとする。
func validatePatch(p model.UserPatch) error {
	if p.IsEmpty() {
		return model.NewValidationError("No fields to update", nil)
	}

	details := map[string]string{}
	if p.FullName != nil {
		if strings.TrimSpace(*p.FullName) == "" {
			details["full_name"] = "Full name cannot be empty"
		} else if tooLong(*p.FullName, model.MaxFullNameLength) {
			details["full_name"] = fmt.Sprintf("Full name must be at most %d characters", model.MaxFullNameLength)
		}
	}
	if p.Email != nil {
		if strings.TrimSpace(*p.Email) == "" {
			details["email"] = "Email cannot be empty"
		} else if tooLong(*p.Email, model.MaxEmailLength) {
			details["email"] = fmt.Sprintf("Email must be at most %d characters", model.MaxEmailLength)
		}
	}
	if p.Password != nil && *p.Password == "" {
		details["password"] = "Password cannot be empty"
	}
	if p.Role != nil && !p.Role.Valid() {
		details["role"] = "Invalid role"
	}
	if len(details) > 0 {
		return model.NewValidationError("Validation failed", details)
	}
	return nil
}

// tooLong は文字数がlimitを超える場合にtrueを返す。VARCHAR(n)は文字数で制限される。
func tooLong(v string, limit int) bool {
	return utf8.RuneCountInString(v) > limit
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
