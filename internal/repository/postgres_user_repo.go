package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/clothman/internal/database"
	"github.com/hitoshi/clothman/internal/model"
	"github.com/lib/pq"
)

const userColumns = `user_id, username, full_name, email, password_hash, role, created_at, last_login, password_changed_at`

// PostgreSQLのunique_violation
const pqUniqueViolation = pq.ErrorCode("23505")

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db database.DBTX
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db database.DBTX) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通部分。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(s rowScanner) (*model.User, error) {
	var (
		u         model.User
		role      string
		lastLogin sql.NullTime
	)
	if err := s.Scan(
		&u.ID, &u.Username, &u.FullName, &u.Email, &u.PasswordHash,
		&role, &u.CreatedAt, &lastLogin, &u.PasswordChangedAt,
	); err != nil {
		return nil, err
	}
	u.Role = model.Role(role)
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLogin = &t
	}
	return &u, nil
}

// findOne は1行を取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) findOne(ctx context.Context, op, query string, args ...any) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by %s: %w", op, err)
	}
	return user, nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id int64) (*model.User, error) {
	return r.findOne(ctx, "ID",
		`SELECT `+userColumns+` FROM users WHERE user_id = $1`, id)
}

// FindByIDForUpdate は指定IDのユーザーを行ロック付きで取得する。
func (r *PostgresUserRepo) FindByIDForUpdate(ctx context.Context, id int64) (*model.User, error) {
	return r.findOne(ctx, "ID",
		`SELECT `+userColumns+` FROM users WHERE user_id = $1 FOR UPDATE`, id)
}

// FindByUsername はusernameでユーザーを取得する。
func (r *PostgresUserRepo) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	return r.findOne(ctx, "username",
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username)
}

// FindByEmail はemailでユーザーを取得する。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return r.findOne(ctx, "email",
		`SELECT `+userColumns+` FROM users WHERE email = $1 ORDER BY user_id LIMIT 1`, email)
}

// CountByRole は指定ロールのユーザー数を返す。
func (r *PostgresUserRepo) CountByRole(ctx context.Context, role model.Role) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE role = $1`, string(role),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count users by role: %w", err)
	}
	return count, nil
}

// List は全ユーザーを作成日時の降順で返す。
func (r *PostgresUserRepo) List(ctx context.Context) ([]model.User, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users ORDER BY created_at DESC, user_id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := make([]model.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate users: %w", err)
	}
	return users, nil
}

// Insert はユーザーを作成し、生成されたIDを返す。
func (r *PostgresUserRepo) Insert(ctx context.Context, user *model.User) (int64, error) {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO users (username, full_name, email, password_hash, role)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING user_id, created_at, password_changed_at`,
		user.Username, user.FullName, user.Email, user.PasswordHash, string(user.Role),
	).Scan(&user.ID, &user.CreatedAt, &user.PasswordChangedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation {
			return 0, ErrDuplicateUsername
		}
		return 0, fmt.Errorf("failed to insert user: %w", wrapDataError(err))
	}
	return user.ID, nil
}

// UpdateFields はnilでないフィールドのみを更新する。
// SQL文は固定で、NULLを渡したカラムはCOALESCEにより現在値を維持する。
func (r *PostgresUserRepo) UpdateFields(ctx context.Context, id int64, upd model.UserFieldsUpdate) (int64, error) {
	var role *string
	if upd.Role != nil {
		s := string(*upd.Role)
		role = &s
	}

	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET
		   full_name = COALESCE($2::text, full_name),
		   email = COALESCE($3::text, email),
		   role = COALESCE($4::text, role),
		   password_hash = COALESCE($5::text, password_hash),
		   password_changed_at = CASE WHEN $5::text IS NULL THEN password_changed_at ELSE now() END
		 WHERE user_id = $1`,
		id, nullString(upd.FullName), nullString(upd.Email), nullString(role), nullString(upd.PasswordHash),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to update user: %w", wrapDataError(err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// UpdateLastLogin は最終ログイン日時を更新する。
func (r *PostgresUserRepo) UpdateLastLogin(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET last_login = $2 WHERE user_id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

// Delete はユーザーを削除し、影響行数を返す。
func (r *PostgresUserRepo) Delete(ctx context.Context, id int64) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE user_id = $1`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to delete user: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// FindFallbackOwner は付け替え先となるユーザーを行ロック付きで取得する。
func (r *PostgresUserRepo) FindFallbackOwner(ctx context.Context, excludeID int64, roles []model.Role) (*model.User, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	names := make([]string, len(roles))
	for i, role := range roles {
		names[i] = string(role)
	}

	return r.findOne(ctx, "fallback role",
		`SELECT `+userColumns+` FROM users
		 WHERE role::text = ANY($1::text[]) AND user_id <> $2
		 ORDER BY array_position($1::text[], role::text), user_id
		 LIMIT 1
		 FOR UPDATE`,
		pq.Array(names), excludeID,
	)
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
