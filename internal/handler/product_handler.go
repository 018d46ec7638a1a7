package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/clothman/internal/model"
	"github.com/hitoshi/clothman/internal/product"
)

// ProductServiceInterface は商品ハンドラーが必要とするサービスインターフェース。
type ProductServiceInterface interface {
	List(ctx context.Context) ([]model.Product, error)
	ListLowStock(ctx context.Context) ([]model.Product, error)
	Get(ctx context.Context, id int64) (*model.Product, error)
	Create(ctx context.Context, createdBy int64, in product.CreateInput) (*model.Product, error)
	Update(ctx context.Context, id int64, patch model.ProductPatch) (*model.Product, error)
	UpdateInventory(ctx context.Context, id int64, quantity, reorderPoint *int) (*model.Product, error)
	Delete(ctx context.Context, id int64) error
}

// ProductHandler は商品管理のHTTPハンドラー。
// 成功時のレスポンスは {success, data} または {success, message} で包む。
type ProductHandler struct {
	service ProductServiceInterface
}

// NewProductHandler はProductHandlerを生成する。
func NewProductHandler(service ProductServiceInterface) *ProductHandler {
	return &ProductHandler{service: service}
}

// productRequest は商品作成・更新リクエストのボディ。
type productRequest struct {
	Name         *string  `json:"name"`
	Description  *string  `json:"description"`
	Price        *float64 `json:"price"`
	Quantity     *int     `json:"quantity"`
	ReorderPoint *int     `json:"reorder_point"`
}

// inventoryRequest は在庫更新リクエストのボディ。
type inventoryRequest struct {
	Quantity     *int `json:"quantity"`
	ReorderPoint *int `json:"reorder_point"`
}

// envelope は商品APIの成功レスポンス。
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// List は全商品を返す。
// GET /api/products
func (h *ProductHandler) List(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.List(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeProducts(w, products)
}

// ListLowStock は在庫数が発注点以下の商品を返す。
// GET /api/products/low-stock
func (h *ProductHandler) ListLowStock(w http.ResponseWriter, r *http.Request) {
	products, err := h.service.ListLowStock(r.Context())
	if err != nil {
		handleServiceError(w, err)
		return
	}
	writeProducts(w, products)
}

// Get は商品を1件返す。
// GET /api/products/{id}
func (h *ProductHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	p, err := h.service.Get(r.Context(), id)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, envelope{Success: true, Data: p})
}

// Create は商品を作成する。作成者はログイン中のユーザーになる。
// POST /api/products
func (h *ProductHandler) Create(w http.ResponseWriter, r *http.Request) {
	caller, ok := principal(w, r)
	if !ok {
		return
	}

	var req productRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	in := product.CreateInput{
		Price:        req.Price,
		Quantity:     req.Quantity,
		ReorderPoint: req.ReorderPoint,
	}
	if req.Name != nil {
		in.Name = *req.Name
	}
	if req.Description != nil {
		in.Description = *req.Description
	}

	p, err := h.service.Create(r.Context(), caller.UserID, in)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, envelope{Success: true, Data: p})
}

// Update は商品を部分更新する。
// PUT /api/products/{id}
func (h *ProductHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req productRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.service.Update(r.Context(), id, model.ProductPatch{
		Name:         req.Name,
		Description:  req.Description,
		Price:        req.Price,
		Quantity:     req.Quantity,
		ReorderPoint: req.ReorderPoint,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, envelope{Success: true, Data: p})
}

// UpdateInventory は在庫数（と発注点）を更新する。
// PUT /api/products/{id}/inventory
func (h *ProductHandler) UpdateInventory(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var req inventoryRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.service.UpdateInventory(r.Context(), id, req.Quantity, req.ReorderPoint)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, envelope{Success: true, Data: p})
}

// Delete は商品を削除する。
// DELETE /api/products/{id}
func (h *ProductHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), id); err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, envelope{Success: true, Message: product.DeleteMessage})
}

// writeProducts は商品一覧を書き込む。空の場合もnullではなく空配列を返す。
func writeProducts(w http.ResponseWriter, products []model.Product) {
	if products == nil {
		products = []model.Product{}
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: products})
}
