package model

import "time"

// productsテーブルの列の上限。
const (
	MaxProductNameLength = 100
	// MaxPrice はNUMERIC(10,2)に収まる最大値。
	MaxPrice = 99999999.99
	// MaxQuantity はINTEGER列（quantity、reorder_point）の最大値。
	MaxQuantity = 1<<31 - 1
)

// Product は商品（在庫）を表す。
// CreatedByは作成ユーザーのIDで、ユーザー削除時の付け替え対象となる。
type Product struct {
	ID           int64     `json:"product_id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Price        float64   `json:"price"`
	Quantity     int       `json:"quantity"`
	ReorderPoint int       `json:"reorder_point"`
	CreatedBy    int64     `json:"created_by"`
	CreatedAt    time.Time `json:"created_at"`
}

// LowStock は在庫数が発注点以下の場合にtrueを返す。
func (p *Product) LowStock() bool {
	return p.Quantity <= p.ReorderPoint
}

// ProductPatch は商品の部分更新内容を表す。nilのフィールドは更新しない。
type ProductPatch struct {
	Name         *string
	Description  *string
	Price        *float64
	Quantity     *int
	ReorderPoint *int
}

// IsEmpty は更新対象のフィールドが1つもない場合にtrueを返す。
func (p ProductPatch) IsEmpty() bool {
	return p.Name == nil && p.Description == nil && p.Price == nil &&
		p.Quantity == nil && p.ReorderPoint == nil
}
