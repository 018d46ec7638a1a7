package model

import "time"

// Role はユーザーの権限ロールを表す。権限テーブルは持たず、このタグのみでアクセス制御する。
type Role string

const (
	RoleAdmin          Role = "ADMIN"
	RoleStoreManager   Role = "STORE_MANAGER"
	RoleSalesStaff     Role = "SALES_STAFF"
	RoleInventoryStaff Role = "INVENTORY_STAFF"
)

// usersテーブルの列長（文字数）。
const (
	MaxUsernameLength = 50
	MaxFullNameLength = 100
	MaxEmailLength    = 100
)

// Valid は定義済みのロールかどうかを返す。
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleStoreManager, RoleSalesStaff, RoleInventoryStaff:
		return true
	}
	return false
}

// User は永続化されたユーザーレコードを表す。
// PasswordHashを含むため、このままレスポンスに出力してはならない。
// 外部に返す場合はPublic()またはProfile()で射影する。
type User struct {
	ID                int64
	Username          string
	FullName          string
	Email             string
	PasswordHash      string
	Role              Role
	CreatedAt         time.Time
	LastLogin         *time.Time
	PasswordChangedAt time.Time
}

// PublicUser はレスポンスとして公開可能なユーザー情報。
// パスワードハッシュのフィールドは存在しない。
type PublicUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	FullName string `json:"full_name"`
	Email    string `json:"email"`
	Role     Role   `json:"role"`
}

// UserProfile はPublicUserに作成日時と最終ログイン日時を加えたもの。
type UserProfile struct {
	PublicUser
	CreatedAt time.Time  `json:"created_at"`
	LastLogin *time.Time `json:"last_login"`
}

// Public はUserを公開用の射影に変換する。
func (u *User) Public() PublicUser {
	return PublicUser{
		ID:       u.ID,
		Username: u.Username,
		FullName: u.FullName,
		Email:    u.Email,
		Role:     u.Role,
	}
}

// Profile はUserをプロフィール用の射影に変換する。
func (u *User) Profile() UserProfile {
	return UserProfile{
		PublicUser: u.Public(),
		CreatedAt:  u.CreatedAt,
		LastLogin:  u.LastLogin,
	}
}

// UserPatch はユーザーの部分更新内容を表す。
// nilのフィールドは更新しない（NULLで上書きしない）。
// Passwordは平文で、サービス層でハッシュ化してからリポジトリに渡す。
type UserPatch struct {
	FullName *string
	Email    *string
	Role     *Role
	Password *string
}

// IsEmpty は更新対象のフィールドが1つもない場合にtrueを返す。
func (p UserPatch) IsEmpty() bool {
	return p.FullName == nil && p.Email == nil && p.Role == nil && p.Password == nil
}

// UserFieldsUpdate はリポジトリに渡す更新内容。
// PasswordHashはハッシュ化済みの値を持つ。
type UserFieldsUpdate struct {
	FullName     *string
	Email        *string
	Role         *Role
	PasswordHash *string
}
