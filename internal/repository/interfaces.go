// Package repository はデータ永続化のインターフェースとPostgreSQL実装を提供する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/clothman/internal/database"
	"github.com/hitoshi/clothman/internal/model"
)

// ErrDuplicateUsername はusernameの一意制約違反を表す。
var ErrDuplicateUsername = errors.New("username already exists")

// UserRepository はユーザーデータの永続化インターフェース。
// 各メソッドは単一のSQL文で完結する。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.User, error)

	// FindByIDForUpdate はFindByIDと同じだが行ロックを取得する。トランザクション内でのみ使用する。
	FindByIDForUpdate(ctx context.Context, id int64) (*model.User, error)

	// FindByUsername はusernameでユーザーを取得する。大文字小文字を区別する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.User, error)

	// FindByEmail はemailでユーザーを取得する。複数一致する場合はIDが最小のものを返す。
	FindByEmail(ctx context.Context, email string) (*model.User, error)

	// CountByRole は指定ロールのユーザー数を返す。
	CountByRole(ctx context.Context, role model.Role) (int, error)

	// List は全ユーザーを作成日時の降順で返す。
	List(ctx context.Context) ([]model.User, error)

	// Insert はユーザーを作成し、生成されたIDを返す。
	// userのID、CreatedAt、PasswordChangedAtは生成値で上書きされる。
	// usernameが重複する場合はErrDuplicateUsernameを返す。
	Insert(ctx context.Context, user *model.User) (int64, error)

	// UpdateFields はnilでないフィールドのみを更新し、影響行数を返す。
	// パスワードハッシュを更新した場合はpassword_changed_atも更新する。
	UpdateFields(ctx context.Context, id int64, upd model.UserFieldsUpdate) (int64, error)

	// UpdateLastLogin は最終ログイン日時を更新する。
	UpdateLastLogin(ctx context.Context, id int64, at time.Time) error

	// Delete はユーザーを削除し、影響行数を返す。
	Delete(ctx context.Context, id int64) (int64, error)

	// FindFallbackOwner はexcludeID以外でrolesのいずれかを持つユーザーを1件返し、行ロックを取得する。
	// rolesの並び順を優先し、同順位ではIDが最小のユーザーを選ぶ。見つからない場合はnilを返す。
	FindFallbackOwner(ctx context.Context, excludeID int64, roles []model.Role) (*model.User, error)
}

// ProductRepository は商品データの永続化インターフェース。
type ProductRepository interface {
	// CountByOwner は指定ユーザーが作成した商品数を返す。
	CountByOwner(ctx context.Context, ownerID int64) (int64, error)

	// ReassignOwner はfromIDが作成した全商品の作成者をtoIDに付け替え、影響行数を返す。
	ReassignOwner(ctx context.Context, fromID, toID int64) (int64, error)

	// List は全商品を作成日時の降順で返す。
	List(ctx context.Context) ([]model.Product, error)

	// ListLowStock は在庫数が発注点以下の商品を在庫数の昇順で返す。
	ListLowStock(ctx context.Context) ([]model.Product, error)

	// FindByID は指定IDの商品を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Product, error)

	// Insert は商品を作成する。productのIDとCreatedAtは生成値で上書きされる。
	Insert(ctx context.Context, product *model.Product) error

	// Update はnilでないフィールドのみを更新し、更新後の商品を返す。見つからない場合はnilを返す。
	Update(ctx context.Context, id int64, patch model.ProductPatch) (*model.Product, error)

	// UpdateQuantity は在庫数を更新し、更新後の商品を返す。見つからない場合はnilを返す。
	UpdateQuantity(ctx context.Context, id int64, quantity int) (*model.Product, error)

	// Delete は商品を削除し、影響行数を返す。
	Delete(ctx context.Context, id int64) (int64, error)
}

// Store は任意のDBハンドル（プールまたはトランザクション）に束縛したリポジトリを生成する。
// サービスはトランザクション内ではtx、それ以外では*sql.DBを渡す。
type Store interface {
	Users(db database.DBTX) UserRepository
	Products(db database.DBTX) ProductRepository
}
