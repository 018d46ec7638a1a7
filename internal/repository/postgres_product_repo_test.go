package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hitoshi/clothman/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var productCols = []string{
	"product_id", "name", "description", "price", "quantity", "reorder_point", "created_by", "created_at",
}

func newProductRepoMock(t *testing.T) (*PostgresProductRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresProductRepo(db), mock
}

func TestPostgresProductRepo_CountByOwner(t *testing.T) {
	repo, mock := newProductRepoMock(t)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM products WHERE created_by = \$1`).
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := repo.CountByOwner(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestPostgresProductRepo_ReassignOwner(t *testing.T) {
	repo, mock := newProductRepoMock(t)

	mock.ExpectExec(`UPDATE products SET created_by = \$1 WHERE created_by = \$2`).
		WithArgs(int64(3), int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.ReassignOwner(context.Background(), 2, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresProductRepo_ListLowStock(t *testing.T) {
	repo, mock := newProductRepoMock(t)
	now := time.Now()

	mock.ExpectQuery(`SELECT .+ FROM products WHERE quantity <= reorder_point`).
		WillReturnRows(sqlmock.NewRows(productCols).
			AddRow(1, "Denim Jacket", "", "59.90", 2, 5, 1, now))

	products, err := repo.ListLowStock(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, 59.90, products[0].Price)
	assert.True(t, products[0].LowStock())
}

func TestPostgresProductRepo_Insert(t *testing.T) {
	repo, mock := newProductRepoMock(t)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO products .+ RETURNING product_id, created_at`).
		WithArgs("Linen Shirt", "white", 29.5, 10, 3, int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "created_at"}).AddRow(11, now))

	p := &model.Product{Name: "Linen Shirt", Description: "white", Price: 29.5, Quantity: 10, ReorderPoint: 3, CreatedBy: 1}
	require.NoError(t, repo.Insert(context.Background(), p))
	assert.Equal(t, int64(11), p.ID)
}

func TestPostgresProductRepo_Update_NotFoundReturnsNil(t *testing.T) {
	repo, mock := newProductRepoMock(t)

	qty := 4
	mock.ExpectQuery(`UPDATE products SET .+ WHERE product_id = \$1\s+RETURNING`).
		WithArgs(int64(404), sql.NullString{}, sql.NullString{}, nil, 4, nil).
		WillReturnError(sql.ErrNoRows)

	p, err := repo.Update(context.Background(), 404, model.ProductPatch{Quantity: &qty})
	assert.NoError(t, err)
	assert.Nil(t, p)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresProductRepo_UpdateQuantity(t *testing.T) {
	repo, mock := newProductRepoMock(t)
	now := time.Now()

	mock.ExpectQuery(`UPDATE products SET quantity = \$2 WHERE product_id = \$1 RETURNING`).
		WithArgs(int64(1), 20).
		WillReturnRows(sqlmock.NewRows(productCols).
			AddRow(1, "Scarf", "", "12.00", 20, 5, 1, now))

	p, err := repo.UpdateQuantity(context.Background(), 1, 20)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 20, p.Quantity)
}

func TestPostgresProductRepo_Delete(t *testing.T) {
	repo, mock := newProductRepoMock(t)

	mock.ExpectExec(`DELETE FROM products WHERE product_id = \$1`).
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := repo.Delete(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}
