package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/kstore/settlement-core/internal/model"
)

// CreateProductRequest is the JSON body for POST /products.
type CreateProductRequest struct {
	ID            string              `json:"id"`
	StoreID       string              `json:"store_id"`
	Name          string              `json:"name"`
	Price         decimal.Decimal     `json:"price"`
	InventoryType model.InventoryType `json:"inventory_type"` // "managed" (default) or "none"
	Payloads      []string            `json:"payloads"`
}

// AddItemsRequest is the JSON body for POST /products/{productID}/items.
type AddItemsRequest struct {
	Payloads []string `json:"payloads"`
}

// PlaceOrderRequest is the JSON body for POST /orders.
type PlaceOrderRequest struct {
	ID      string            `json:"id"`
	BuyerID string            `json:"buyer_id"`
	StoreID string            `json:"store_id"`
	Lines   []model.OrderLine `json:"lines"`
}

// RegisterTransactionRequest is the JSON body for POST /transactions.
type RegisterTransactionRequest struct {
	ID       string            `json:"id"`
	OrderID  string            `json:"order_id"`
	Amount   decimal.Decimal   `json:"amount"`
	Gateway  string            `json:"gateway"`
	Metadata map[string]string `json:"metadata"`
}

// CreateProduct handles POST /api/v1/products
func (s *Server) CreateProduct(w http.ResponseWriter, r *http.Request) {
	var req CreateProductRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.StoreID == "" {
		writeError(w, "store_id is required", http.StatusBadRequest)
		return
	}

	p := &model.Product{
		ID:            req.ID,
		StoreID:       req.StoreID,
		Name:          req.Name,
		Price:         req.Price,
		InventoryType: req.InventoryType,
	}
	for _, payload := range req.Payloads {
		p.Items = append(p.Items, model.InventoryItem{Payload: payload})
	}
	if err := s.alloc.CreateProduct(r.Context(), p); err != nil {
		writeDomainError(w, err)
		return
	}

	slog.Info("product created", "product", p.ID, "store", p.StoreID, "items", len(p.Items))
	stats, err := s.alloc.Stats(r.Context(), p.ID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stats)
}

// AddItems handles POST /api/v1/products/{productID}/items
func (s *Server) AddItems(w http.ResponseWriter, r *http.Request) {
	var req AddItemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Payloads) == 0 {
		writeError(w, "payloads are required", http.StatusBadRequest)
		return
	}
	productID := chi.URLParam(r, "productID")
	if _, err := s.alloc.AddItems(r.Context(), productID, req.Payloads...); err != nil {
		writeDomainError(w, err)
		return
	}
	stats, err := s.alloc.Stats(r.Context(), productID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// CheckAvailability handles GET /api/v1/products/{productID}/availability?quantity=N
func (s *Server) CheckAvailability(w http.ResponseWriter, r *http.Request) {
	qty := 1
	if q := r.URL.Query().Get("quantity"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil {
			writeError(w, "quantity must be an integer", http.StatusBadRequest)
			return
		}
		qty = n
	}
	avail, err := s.alloc.CheckAvailability(r.Context(), chi.URLParam(r, "productID"), qty)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, avail)
}

// ProductStats handles GET /api/v1/products/{productID}/stats
func (s *Server) ProductStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.alloc.Stats(r.Context(), chi.URLParam(r, "productID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// PlaceOrder handles POST /api/v1/orders
// Creates the order and reserves inventory for every line.
func (s *Server) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req PlaceOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.BuyerID == "" || req.StoreID == "" {
		writeError(w, "buyer_id and store_id are required", http.StatusBadRequest)
		return
	}

	lines := make([]model.OrderLine, len(req.Lines))
	for i, l := range req.Lines {
		// Assignment fields are owned by settlement.
		lines[i] = model.OrderLine{
			ProductID:           l.ProductID,
			Quantity:            l.Quantity,
			UnitPrice:           l.UnitPrice,
			RequiresFulfillment: l.RequiresFulfillment,
		}
	}
	order, err := s.coord.PlaceOrder(r.Context(), &model.Order{
		ID:      req.ID,
		BuyerID: req.BuyerID,
		StoreID: req.StoreID,
		Lines:   lines,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (s *Server) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.coord.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ReserveOrder handles POST /api/v1/orders/{orderID}/reserve
func (s *Server) ReserveOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.coord.ReserveOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// RegisterTransaction handles POST /api/v1/transactions
func (s *Server) RegisterTransaction(w http.ResponseWriter, r *http.Request) {
	var req RegisterTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	t := &model.Transaction{
		ID:       req.ID,
		OrderID:  req.OrderID,
		Amount:   req.Amount,
		Gateway:  req.Gateway,
		Metadata: req.Metadata,
	}
	if err := s.coord.RegisterTransaction(r.Context(), t); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

// GetTransaction handles GET /api/v1/transactions/{transactionID}
func (s *Server) GetTransaction(w http.ResponseWriter, r *http.Request) {
	t, err := s.coord.GetTransaction(r.Context(), chi.URLParam(r, "transactionID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}
