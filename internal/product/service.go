// Package product は商品と在庫の管理を提供する。
package product

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"unicode/utf8"

	"github.com/hitoshi/clothman/internal/database"
	"github.com/hitoshi/clothman/internal/model"
	"github.com/hitoshi/clothman/internal/repository"
	"github.com/hitoshi/clothman/internal/security"
)

// DeleteMessage は商品削除成功時の応答メッセージ。
const DeleteMessage = "Product deleted successfully"

// CreateInput は商品作成の入力。
type CreateInput struct {
	Name         string
	Description  string
	Price        *float64
	Quantity     *int
	ReorderPoint *int
}

// Service は商品管理のサービス層。
type Service struct {
	db        database.DBTX
	store     repository.Store
	sanitizer security.TextSanitizer
}

// NewService はServiceの新しいインスタンスを生成する。
// 商品名と説明は保存前にsanitizerで無害化される。
func NewService(db database.DBTX, store repository.Store, sanitizer security.TextSanitizer) *Service {
	return &Service{db: db, store: store, sanitizer: sanitizer}
}

func (s *Service) products() repository.ProductRepository {
	return s.store.Products(s.db)
}

// List は全商品を作成日時の降順で返す。
func (s *Service) List(ctx context.Context) ([]model.Product, error) {
	products, err := s.products().List(ctx)
	if err != nil {
		return nil, model.NewStorageError("list products", err)
	}
	return products, nil
}

// ListLowStock は在庫数が発注点以下の商品を返す。
func (s *Service) ListLowStock(ctx context.Context) ([]model.Product, error) {
	products, err := s.products().ListLowStock(ctx)
	if err != nil {
		return nil, model.NewStorageError("list low stock products", err)
	}
	return products, nil
}

// Get は指定IDの商品を返す。
func (s *Service) Get(ctx context.Context, id int64) (*model.Product, error) {
	p, err := s.products().FindByID(ctx, id)
	if err != nil {
		return nil, model.NewStorageError("find product", err)
	}
	if p == nil {
		return nil, model.ErrProductNotFound
	}
	return p, nil
}

// Create は商品を作成する。作成者はcreatedByになる。
func (s *Service) Create(ctx context.Context, createdBy int64, in CreateInput) (*model.Product, error) {
	in.Name = s.sanitizer.PlainText(in.Name)
	in.Description = s.sanitizer.RichText(in.Description)

	details := map[string]string{}
	if in.Name == "" {
		details["name"] = "Name is required"
	} else {
		validateName(details, in.Name)
	}
	if in.Price == nil {
		details["price"] = "Price is required"
	}
	validateNumbers(details, in.Price, in.Quantity, in.ReorderPoint)
	if len(details) > 0 {
		return nil, model.NewValidationError("Validation failed", details)
	}

	p := &model.Product{
		Name:        in.Name,
		Description: in.Description,
		Price:       *in.Price,
		CreatedBy:   createdBy,
	}
	if in.Quantity != nil {
		p.Quantity = *in.Quantity
	}
	if in.ReorderPoint != nil {
		p.ReorderPoint = *in.ReorderPoint
	}

	if err := s.products().Insert(ctx, p); err != nil {
		return nil, model.NewStorageError("insert product", err)
	}

	slog.Info("product created",
		slog.Int64("product_id", p.ID),
		slog.Int64("created_by", createdBy),
	)
	return p, nil
}

// Update は商品を部分更新し、更新後の商品を返す。
func (s *Service) Update(ctx context.Context, id int64, patch model.ProductPatch) (*model.Product, error) {
	if patch.IsEmpty() {
		return nil, model.NewValidationError("No fields to update", nil)
	}

	if patch.Name != nil {
		name := s.sanitizer.PlainText(*patch.Name)
		patch.Name = &name
	}
	if patch.Description != nil {
		desc := s.sanitizer.RichText(*patch.Description)
		patch.Description = &desc
	}

	details := map[string]string{}
	if patch.Name != nil {
		if *patch.Name == "" {
			details["name"] = "Name cannot be empty"
		} else {
			validateName(details, *patch.Name)
		}
	}
	validateNumbers(details, patch.Price, patch.Quantity, patch.ReorderPoint)
	if len(details) > 0 {
		return nil, model.NewValidationError("Validation failed", details)
	}

	p, err := s.products().Update(ctx, id, patch)
	if err != nil {
		return nil, model.NewStorageError("update product", err)
	}
	if p == nil {
		return nil, model.ErrProductNotFound
	}
	return p, nil
}

// UpdateInventory は在庫数を更新する。reorderPointが指定された場合は発注点も更新する。
func (s *Service) UpdateInventory(ctx context.Context, id int64, quantity *int, reorderPoint *int) (*model.Product, error) {
	details := map[string]string{}
	if quantity == nil {
		details["quantity"] = "Quantity is required"
	}
	validateNumbers(details, nil, quantity, reorderPoint)
	if len(details) > 0 {
		return nil, model.NewValidationError("Validation failed", details)
	}

	var (
		p   *model.Product
		err error
	)
	if reorderPoint == nil {
		p, err = s.products().UpdateQuantity(ctx, id, *quantity)
	} else {
		p, err = s.products().Update(ctx, id, model.ProductPatch{Quantity: quantity, ReorderPoint: reorderPoint})
	}
	if err != nil {
		return nil, model.NewStorageError("update inventory", err)
	}
	if p == nil {
		return nil, model.ErrProductNotFound
	}

	if p.LowStock() {
		slog.Info("product is at or below reorder point",
			slog.Int64("product_id", p.ID),
			slog.Int("quantity", p.Quantity),
			slog.Int("reorder_point", p.ReorderPoint),
		)
	}
	return p, nil
}

// Delete は商品を削除する。
func (s *Service) Delete(ctx context.Context, id int64) error {
	n, err := s.products().Delete(ctx, id)
	if err != nil {
		return model.NewStorageError("delete product", err)
	}
	if n == 0 {
		return model.ErrProductNotFound
	}
	slog.Info("product deleted", slog.Int64("product_id", id))
	return nil
}

// validateName はサニタイズ後の商品名が列長に収まることを検証する。
// エスケープで文字数が増えるため、サニタイズ前の値では判定しない。
func validateName(details map[string]string, name string) {
	if utf8.RuneCountInString(name) > model.MaxProductNameLength {
		details["name"] = fmt.Sprintf("Name must be at most %d characters", model.MaxProductNameLength)
	}
}

// validateNumbers は価格と数量が列の範囲に収まることを検証し、違反をdetailsに追加する。
func validateNumbers(details map[string]string, price *float64, quantity, reorderPoint *int) {
	if price != nil {
		switch {
		case *price < 0 || math.IsNaN(*price) || math.IsInf(*price, 0):
			details["price"] = "Price must be a non-negative number"
		case *price > model.MaxPrice:
			details["price"] = fmt.Sprintf("Price must be at most %.2f", model.MaxPrice)
		}
	}
	validateCount(details, "quantity", "Quantity", quantity)
	validateCount(details, "reorder_point", "Reorder point", reorderPoint)
}

// validateCount は整数列の値が0以上かつINTEGERの範囲内であることを検証する。
func validateCount(details map[string]string, field, label string, v *int) {
	if v == nil {
		return
	}
	switch {
	case *v < 0:
		details[field] = label + " must be zero or greater"
	case *v > model.MaxQuantity:
		details[field] = fmt.Sprintf("%s must be at most %d", label, model.MaxQuantity)
	}
}
