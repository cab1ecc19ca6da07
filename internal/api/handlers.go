package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/goldenbook/auctiond/internal/auction"
	"github.com/goldenbook/auctiond/internal/auth"
	"github.com/goldenbook/auctiond/internal/db"
	"github.com/goldenbook/auctiond/internal/models"
)

// Handler contains dependencies for HTTP handlers
type Handler struct {
	DB          *db.DB
	Engine      *auction.Engine
	AuthService *auth.AuthService
}

// NewHandler creates a new handler
func NewHandler(db *db.DB, engine *auction.Engine, authService *auth.AuthService) *Handler {
	return &Handler{DB: db, Engine: engine, AuthService: authService}
}

// Register handles user registration
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	if req.Username == "" || req.Password == "" {
		http.Error(w, `{"error": "Username and password required"}`, http.StatusBadRequest)
		return
	}

	user, err := h.AuthService.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Failed to register user"}`, http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":       user.ID,
		"username": user.Username,
	})
}

// Login handles user login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}

	token, err := h.AuthService.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		http.Error(w, `{"error": "Invalid credentials"}`, http.StatusUnauthorized)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

// JWTAuthMiddleware verifies JWT tokens
func (h *Handler) JWTAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := r.Header.Get("Authorization")
		if tokenString == "" {
			http.Error(w, `{"error": "Authorization header required"}`, http.StatusUnauthorized)
			return
		}

		// Remove "Bearer " prefix if present
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		userID, err := h.AuthService.GetUserFromToken(tokenString)
		if err != nil {
			http.Error(w, `{"error": "Invalid or expired token"}`, http.StatusUnauthorized)
			return
		}

		// Add user_id to context
		ctx := context.WithValue(r.Context(), "user_id", userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rejectionReason maps typed engine rejections to stable reason codes.
func rejectionReason(err error) (string, bool) {
	switch {
	case errors.Is(err, auction.ErrRoundNotOpen):
		return "round_not_open", true
	case errors.Is(err, auction.ErrAmountNotPositive):
		return "amount_not_positive", true
	case errors.Is(err, auction.ErrBelowLotSize):
		return "below_minimum_lot_size", true
	case errors.Is(err, auction.ErrExceedsRemaining):
		return "exceeds_remaining_capacity", true
	case errors.Is(err, auction.ErrCapExceeded):
		return "bidder_cap_exceeded", true
	case errors.Is(err, auction.ErrDeltaMinOutOfRange):
		return "delta_min_out_of_range", true
	case errors.Is(err, auction.ErrIdempotencyConflict):
		return "idempotency_conflict", true
	case errors.Is(err, auction.ErrHoldFailed):
		return "insufficient_balance", true
	case errors.Is(err, auction.ErrBidNotCancellable):
		return "bid_not_cancellable", true
	}
	return "", false
}

// SubmitBid places a bid on a round
func (h *Handler) SubmitBid(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(int)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	roundID := chi.URLParam(r, "id")

	var req struct {
		Amount         int64  `json:"amount"`
		Type           string `json:"type"`
		DeltaMin       string `json:"delta_min"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "Invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Type != string(models.BidMarket) && req.Type != string(models.BidLimit) {
		http.Error(w, `{"error": "Type must be 'market' or 'limit'"}`, http.StatusBadRequest)
		return
	}
	if req.IdempotencyKey == "" {
		http.Error(w, `{"error": "Idempotency key required"}`, http.StatusBadRequest)
		return
	}
	deltaMin := decimal.Zero
	if req.Type == string(models.BidLimit) {
		var err error
		deltaMin, err = decimal.NewFromString(req.DeltaMin)
		if err != nil {
			http.Error(w, `{"error": "Invalid delta_min"}`, http.StatusBadRequest)
			return
		}
	}

	bid, created, err := h.Engine.SubmitBid(r.Context(), roundID, userID,
		req.Amount, models.BidType(req.Type), deltaMin, req.IdempotencyKey)
	if err != nil {
		if errors.Is(err, auction.ErrRoundNotFound) {
			http.Error(w, `{"error": "Round not found"}`, http.StatusNotFound)
			return
		}
		if reason, ok := rejectionReason(err); ok {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]string{"error": reason})
			return
		}
		http.Error(w, `{"error": "Failed to place bid"}`, http.StatusInternalServerError)
		return
	}

	if created {
		w.WriteHeader(http.StatusCreated)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"bid_id":   bid.ID,
		"status":   bid.Status,
		"amount":   bid.Amount,
		"type":     bid.Type,
		"replayed": !created,
	})
}

// CancelBid cancels an open bid
func (h *Handler) CancelBid(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(int)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	bidID := chi.URLParam(r, "id")

	if err := h.Engine.CancelBid(r.Context(), bidID, userID); err != nil {
		if errors.Is(err, auction.ErrBidNotFound) {
			http.Error(w, `{"error": "Bid not found"}`, http.StatusNotFound)
			return
		}
		if reason, ok := rejectionReason(err); ok {
			w.WriteHeader(http.StatusUnprocessableEntity)
			json.NewEncoder(w).Encode(map[string]string{"error": reason})
			return
		}
		http.Error(w, `{"error": "Failed to cancel bid"}`, http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]string{"message": "Bid cancelled"})
}

// GetRounds lists snapshots of every round
func (h *Handler) GetRounds(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]interface{}{
		"rounds": h.Engine.Snapshots(),
	})
}

// GetRound returns the live snapshot of one round
func (h *Handler) GetRound(w http.ResponseWriter, r *http.Request) {
	roundID := chi.URLParam(r, "id")
	snap, err := h.Engine.Snapshot(roundID)
	if err != nil {
		http.Error(w, `{"error": "Round not found"}`, http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(snap)
}

// GetUserBidSummary returns the caller's bids in a round
func (h *Handler) GetUserBidSummary(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(int)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	roundID := chi.URLParam(r, "id")

	sum, err := h.Engine.UserBidSummary(roundID, userID)
	if err != nil {
		http.Error(w, `{"error": "Round not found"}`, http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(sum)
}

// GetClearingResult returns a round's clearing result and the caller's
// allocations. Closed rounds evicted from memory are read from the ledger.
func (h *Handler) GetClearingResult(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(int)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}
	roundID := chi.URLParam(r, "id")

	res, allocs, err := h.Engine.ClearingResult(roundID)
	if err != nil {
		res, err = h.DB.GetClearingResult(r.Context(), roundID)
		if err != nil {
			http.Error(w, `{"error": "Clearing result not found"}`, http.StatusNotFound)
			return
		}
		allocs, err = h.DB.GetAllocationsForRound(r.Context(), roundID)
		if err != nil {
			http.Error(w, `{"error": "Failed to read allocations"}`, http.StatusInternalServerError)
			return
		}
	}

	var mine []models.Allocation
	for _, a := range allocs {
		if a.BidderID == userID {
			mine = append(mine, a)
		}
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"result":         res,
		"my_allocations": mine,
	})
}

// GetAllocations returns the caller's allocations across all rounds
func (h *Handler) GetAllocations(w http.ResponseWriter, r *http.Request) {
	userID, ok := r.Context().Value("user_id").(int)
	if !ok {
		http.Error(w, `{"error": "Unauthorized"}`, http.StatusUnauthorized)
		return
	}

	allocs, err := h.DB.GetAllocationsForBidder(r.Context(), userID)
	if err != nil {
		http.Error(w, `{"error": "Failed to retrieve allocations"}`, http.StatusInternalServerError)
		return
	}
	json.NewEncoder(w).Encode(allocs)
}
