package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/kstore/settlement-core/internal/model"
)

// OpenStoreRequest is the JSON body for POST /stores.
type OpenStoreRequest struct {
	StoreID string `json:"store_id"`
	OwnerID string `json:"owner_id"`
}

// SubscriptionRequest is the JSON body for PUT /stores/{storeID}/subscription.
type SubscriptionRequest struct {
	Tier      model.Tier `json:"tier"`
	ExpiresAt time.Time  `json:"expires_at"`
}

// WithdrawalRequest is the JSON body for POST /stores/{storeID}/withdrawals.
type WithdrawalRequest struct {
	Amount decimal.Decimal     `json:"amount"`
	Payout model.PayoutDetails `json:"payout"`
}

// ReviewRequest is the JSON body for the withdrawal review endpoints.
type ReviewRequest struct {
	ActorID         string `json:"actor_id"`
	Reason          string `json:"reason,omitempty"`           // reject
	PayoutReference string `json:"payout_reference,omitempty"` // complete
}

// OpenStore handles POST /api/v1/stores
func (s *Server) OpenStore(w http.ResponseWriter, r *http.Request) {
	var req OpenStoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.StoreID == "" || req.OwnerID == "" {
		writeError(w, "store_id and owner_id are required", http.StatusBadRequest)
		return
	}
	l, err := s.ledger.OpenStore(r.Context(), req.StoreID, req.OwnerID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

// PutSubscription handles PUT /api/v1/stores/{storeID}/subscription
func (s *Server) PutSubscription(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	switch req.Tier {
	case model.TierFree, model.TierBasic, model.TierPremium:
	default:
		writeError(w, "tier must be free, basic or premium", http.StatusBadRequest)
		return
	}
	sub := &model.Subscription{
		StoreID:   chi.URLParam(r, "storeID"),
		Tier:      req.Tier,
		ExpiresAt: req.ExpiresAt.UTC(),
	}
	if err := s.subs.Put(r.Context(), sub); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// GetBalance handles GET /api/v1/stores/{storeID}/balance
func (s *Server) GetBalance(w http.ResponseWriter, r *http.Request) {
	info, err := s.ledger.GetBalanceInfo(r.Context(), chi.URLParam(r, "storeID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// ListWithdrawals handles GET /api/v1/stores/{storeID}/withdrawals
func (s *Server) ListWithdrawals(w http.ResponseWriter, r *http.Request) {
	ws, err := s.ledger.ListWithdrawals(r.Context(), chi.URLParam(r, "storeID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if ws == nil {
		ws = []model.WithdrawalRequest{}
	}
	writeJSON(w, http.StatusOK, ws)
}

// RequestWithdrawal handles POST /api/v1/stores/{storeID}/withdrawals
func (s *Server) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	wr, err := s.ledger.RequestWithdrawal(r.Context(), chi.URLParam(r, "storeID"), req.Amount, req.Payout)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wr)
}

// GetWithdrawal handles GET /api/v1/withdrawals/{withdrawalID}
func (s *Server) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	wr, err := s.ledger.GetWithdrawal(r.Context(), chi.URLParam(r, "withdrawalID"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

// ApproveWithdrawal handles POST /api/v1/withdrawals/{withdrawalID}/approve
func (s *Server) ApproveWithdrawal(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeReview(w, r)
	if !ok {
		return
	}
	wr, err := s.ledger.Approve(r.Context(), chi.URLParam(r, "withdrawalID"), req.ActorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

// CompleteWithdrawal handles POST /api/v1/withdrawals/{withdrawalID}/complete
func (s *Server) CompleteWithdrawal(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeReview(w, r)
	if !ok {
		return
	}
	wr, err := s.ledger.Complete(r.Context(), chi.URLParam(r, "withdrawalID"), req.ActorID, req.PayoutReference)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

// RejectWithdrawal handles POST /api/v1/withdrawals/{withdrawalID}/reject
func (s *Server) RejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeReview(w, r)
	if !ok {
		return
	}
	wr, err := s.ledger.Reject(r.Context(), chi.URLParam(r, "withdrawalID"), req.ActorID, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

// CancelWithdrawal handles POST /api/v1/withdrawals/{withdrawalID}/cancel
func (s *Server) CancelWithdrawal(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeReview(w, r)
	if !ok {
		return
	}
	wr, err := s.ledger.Cancel(r.Context(), chi.URLParam(r, "withdrawalID"), req.ActorID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wr)
}

func decodeReview(w http.ResponseWriter, r *http.Request) (ReviewRequest, bool) {
	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if req.ActorID == "" {
		writeError(w, "actor_id is required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}
