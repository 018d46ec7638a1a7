package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hitoshi/clothman/internal/database"
	"github.com/hitoshi/clothman/internal/model"
)

const productColumns = `product_id, name, description, price, quantity, reorder_point, created_by, created_at`

// PostgresProductRepo はPostgreSQLを使用した商品リポジトリ。
type PostgresProductRepo struct {
	db database.DBTX
}

// NewPostgresProductRepo はPostgresProductRepoを生成する。
func NewPostgresProductRepo(db database.DBTX) *PostgresProductRepo {
	return &PostgresProductRepo{db: db}
}

func scanProduct(s rowScanner) (*model.Product, error) {
	var p model.Product
	if err := s.Scan(
		&p.ID, &p.Name, &p.Description, &p.Price,
		&p.Quantity, &p.ReorderPoint, &p.CreatedBy, &p.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

// CountByOwner は指定ユーザーが作成した商品数を返す。
func (r *PostgresProductRepo) CountByOwner(ctx context.Context, ownerID int64) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM products WHERE created_by = $1`, ownerID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count products by owner: %w", err)
	}
	return count, nil
}

// ReassignOwner は作成者を一括で付け替える。
func (r *PostgresProductRepo) ReassignOwner(ctx context.Context, fromID, toID int64) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE products SET created_by = $1 WHERE created_by = $2`, toID, fromID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign products: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

func (r *PostgresProductRepo) list(ctx context.Context, query string) ([]model.Product, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	products := make([]model.Product, 0)
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate products: %w", err)
	}
	return products, nil
}

// List は全商品を作成日時の降順で返す。
func (r *PostgresProductRepo) List(ctx context.Context) ([]model.Product, error) {
	return r.list(ctx,
		`SELECT `+productColumns+` FROM products ORDER BY created_at DESC, product_id DESC`)
}

// ListLowStock は在庫数が発注点以下の商品を返す。
func (r *PostgresProductRepo) ListLowStock(ctx context.Context) ([]model.Product, error) {
	return r.list(ctx,
		`SELECT `+productColumns+` FROM products WHERE quantity <= reorder_point ORDER BY quantity ASC, product_id`)
}

func (r *PostgresProductRepo) findOne(ctx context.Context, query string, args ...any) (*model.Product, error) {
	p, err := scanProduct(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find product: %w", wrapDataError(err))
	}
	return p, nil
}

// FindByID は指定IDの商品を取得する。
func (r *PostgresProductRepo) FindByID(ctx context.Context, id int64) (*model.Product, error) {
	return r.findOne(ctx, `SELECT `+productColumns+` FROM products WHERE product_id = $1`, id)
}

// Insert は商品を作成する。
func (r *PostgresProductRepo) Insert(ctx context.Context, p *model.Product) error {
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO products (name, description, price, quantity, reorder_point, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING product_id, created_at`,
		p.Name, p.Description, p.Price, p.Quantity, p.ReorderPoint, p.CreatedBy,
	).Scan(&p.ID, &p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert product: %w", wrapDataError(err))
	}
	return nil
}

// Update はnilでないフィールドのみを更新する。
func (r *PostgresProductRepo) Update(ctx context.Context, id int64, patch model.ProductPatch) (*model.Product, error) {
	var price, quantity, reorderPoint any
	if patch.Price != nil {
		price = *patch.Price
	}
	if patch.Quantity != nil {
		quantity = *patch.Quantity
	}
	if patch.ReorderPoint != nil {
		reorderPoint = *patch.ReorderPoint
	}

	return r.findOne(ctx,
		`UPDATE products SET
		   name = COALESCE($2::text, name),
		   description = COALESCE($3::text, description),
		   price = COALESCE($4::numeric, price),
		   quantity = COALESCE($5::integer, quantity),
		   reorder_point = COALESCE($6::integer, reorder_point)
		 WHERE product_id = $1
		 RETURNING `+productColumns,
		id, nullString(patch.Name), nullString(patch.Description), price, quantity, reorderPoint,
	)
}

// UpdateQuantity は在庫数を更新する。
func (r *PostgresProductRepo) UpdateQuantity(ctx context.Context, id int64, quantity int) (*model.Product, error) {
	return r.findOne(ctx,
		`UPDATE products SET quantity = $2 WHERE product_id = $1 RETURNING `+productColumns,
		id, quantity,
	)
}

// Delete は商品を削除し、影響行数を返す。
func (r *PostgresProductRepo) Delete(ctx context.Context, id int64) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM products WHERE product_id = $1`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to delete product: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// compile-time interface check
var _ ProductRepository = (*PostgresProductRepo)(nil)
