package repository

import "github.com/hitoshi/clothman/internal/database"

// PostgresStore はPostgreSQL実装のリポジトリを生成するStore。
type PostgresStore struct{}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore() *PostgresStore {
	return &PostgresStore{}
}

// Users はdbに束縛したユーザーリポジトリを返す。
func (s *PostgresStore) Users(db database.DBTX) UserRepository {
	return NewPostgresUserRepo(db)
}

// Products はdbに束縛した商品リポジトリを返す。
func (s *PostgresStore) Products(db database.DBTX) ProductRepository {
	return NewPostgresProductRepo(db)
}

// compile-time interface check
var _ Store = (*PostgresStore)(nil)
