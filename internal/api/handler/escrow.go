package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mwangiq/escrow-engine/internal/models"
	"github.com/mwangiq/escrow-engine/internal/service"
	"go.uber.org/zap"
)

type EscrowHandler struct {
	svc *service.EscrowService
}

func NewEscrowHandler(svc *service.EscrowService) *EscrowHandler {
	return &EscrowHandler{svc: svc}
}

// loadForParty fetches the transaction and authorizes the caller. Admins may
// see any transaction; users only their own.
func (h *EscrowHandler) loadForParty(w http.ResponseWriter, r *http.Request) (*models.Transaction, uuid.UUID, bool) {
	actorID, isAdmin, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return nil, uuid.Nil, false
	}

	txn, err := h.svc.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if !respondDomainError(w, r, err) {
			zap.L().Error("get transaction failed", zap.Error(err))
			RespondError(w, r, http.StatusInternalServerError, "escrow/read-failed", "Failed to load transaction")
		}
		return nil, uuid.Nil, false
	}
	if !isAdmin && txn.BuyerID != actorID && txn.SellerID != actorID {
		RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "insufficient permissions")
		return nil, uuid.Nil, false
	}
	return txn, actorID, true
}

func (h *EscrowHandler) Create(w http.ResponseWriter, r *http.Request) {
	actorID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}

	var req struct {
		SellerID       string `json:"seller_id"`
		PrincipalCents int64  `json:"principal_cents"`
		Currency       string `json:"currency"`
		Description    string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}
	sellerID, err := uuid.Parse(req.SellerID)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-seller-id", "Invalid seller_id")
		return
	}

	txn, err := h.svc.CreateEscrow(r.Context(), service.CreateEscrowRequest{
		BuyerID:        actorID,
		SellerID:       sellerID,
		PrincipalCents: req.PrincipalCents,
		Currency:       req.Currency,
		Description:    req.Description,
	})
	if err != nil {
		if !respondDomainError(w, r, err) {
			zap.L().Error("create escrow failed", zap.Error(err))
			RespondError(w, r, http.StatusInternalServerError, "escrow/create-failed", "Failed to create escrow")
		}
		return
	}
	RespondJSON(w, http.StatusCreated, txn)
}

func (h *EscrowHandler) Get(w http.ResponseWriter, r *http.Request) {
	txn, _, ok := h.loadForParty(w, r)
	if !ok {
		return
	}
	RespondJSON(w, http.StatusOK, txn)
}

func (h *EscrowHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	txn, _, ok := h.loadForParty(w, r)
	if !ok {
		return
	}
	events, err := h.svc.Timeline(r.Context(), txn.ID)
	if err != nil {
		zap.L().Error("get timeline failed", zap.Error(err), zap.String("transaction_id", txn.ID))
		RespondError(w, r, http.StatusInternalServerError, "escrow/timeline-failed", "Failed to load timeline")
		return
	}
	RespondJSON(w, http.StatusOK, events)
}

func (h *EscrowHandler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	txn, actorID, ok := h.loadForParty(w, r)
	if !ok {
		return
	}
	if txn.BuyerID != actorID {
		RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "only the buyer can confirm payment")
		return
	}

	var req struct {
		PaymentRef string `json:"payment_ref"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	committed, err := h.svc.ConfirmPayment(r.Context(), txn, req.PaymentRef)
	h.respondTransition(w, r, committed, err, "confirm payment")
}

func (h *EscrowHandler) MarkShipped(w http.ResponseWriter, r *http.Request) {
	txn, actorID, ok := h.loadForParty(w, r)
	if !ok {
		return
	}
	committed, err := h.svc.MarkShipped(r.Context(), txn, actorID)
	h.respondTransition(w, r, committed, err, "mark shipped")
}

func (h *EscrowHandler) ConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	txn, actorID, ok := h.loadForParty(w, r)
	if !ok {
		return
	}
	committed, err := h.svc.ConfirmDelivery(r.Context(), txn, actorID)
	h.respondTransition(w, r, committed, err, "confirm delivery")
}

func (h *EscrowHandler) ApproveRelease(w http.ResponseWriter, r *http.Request) {
	txn, actorID, ok := h.loadForParty(w, r)
	if !ok {
		return
	}
	committed, err := h.svc.ApproveRelease(r.Context(), txn, actorID)
	h.respondTransition(w, r, committed, err, "approve release")
}

func (h *EscrowHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	txn, actorID, ok := h.loadForParty(w, r)
	if !ok {
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	committed, err := h.svc.Cancel(r.Context(), txn, actorID, req.Reason)
	h.respondTransition(w, r, committed, err, "cancel")
}

func (h *EscrowHandler) FileDispute(w http.ResponseWriter, r *http.Request) {
	txn, actorID, ok := h.loadForParty(w, r)
	if !ok {
		return
	}

	var req struct {
		Category string `json:"category"`
		Reason   string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	dispute, err := h.svc.FileDispute(r.Context(), txn, actorID, req.Category, req.Reason)
	if err != nil {
		if !respondDomainError(w, r, err) {
			zap.L().Error("file dispute failed", zap.Error(err), zap.String("transaction_id", txn.ID))
			RespondError(w, r, http.StatusInternalServerError, "dispute/create-failed", "Failed to file dispute")
		}
		return
	}
	RespondJSON(w, http.StatusCreated, dispute)
}

func (h *EscrowHandler) RateSeller(w http.ResponseWriter, r *http.Request) {
	txn, actorID, ok := h.loadForParty(w, r)
	if !ok {
		return
	}

	var req struct {
		Score  int    `json:"score"`
		Review string `json:"review"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	rating, err := h.svc.RateSeller(r.Context(), txn, actorID, req.Score, req.Review)
	if err != nil {
		if !respondDomainError(w, r, err) {
			zap.L().Error("rate seller failed", zap.Error(err), zap.String("transaction_id", txn.ID))
			RespondError(w, r, http.StatusInternalServerError, "rating/create-failed", "Failed to record rating")
		}
		return
	}
	RespondJSON(w, http.StatusCreated, rating)
}

func (h *EscrowHandler) respondTransition(w http.ResponseWriter, r *http.Request, txn *models.Transaction, err error, op string) {
	if err != nil {
		if !respondDomainError(w, r, err) {
			zap.L().Error(op+" failed", zap.Error(err))
			RespondError(w, r, http.StatusInternalServerError, "escrow/transition-failed", "Failed to "+op)
		}
		return
	}
	RespondJSON(w, http.StatusOK, txn)
}
