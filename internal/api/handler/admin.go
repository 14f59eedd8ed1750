package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mwangiq/escrow-engine/internal/models"
	"github.com/mwangiq/escrow-engine/internal/service"
	"github.com/mwangiq/escrow-engine/internal/worker"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// AdminHandler serves the operator surface: overrides, dispute rulings, the
// fraud review queue, and manual sweep triggers. Every route behind it is
// wrapped in RequireRole("admin").
type AdminHandler struct {
	svc       *service.EscrowService
	scheduler *worker.Scheduler
}

func NewAdminHandler(svc *service.EscrowService, scheduler *worker.Scheduler) *AdminHandler {
	return &AdminHandler{svc: svc, scheduler: scheduler}
}

func (h *AdminHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	filter := service.TransactionFilter{
		State:         r.URL.Query().Get("state"),
		PayoutPending: r.URL.Query().Get("payout_pending") == "true",
	}
	if limit, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil {
		filter.Limit = int32(limit)
	}
	if offset, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil {
		filter.Offset = int32(offset)
	}

	txns, err := h.svc.ListTransactions(r.Context(), filter)
	if err != nil {
		zap.L().Error("list transactions failed", zap.Error(err))
		RespondError(w, r, http.StatusInternalServerError, "escrow/list-failed", "Failed to list transactions")
		return
	}
	RespondJSON(w, http.StatusOK, txns)
}

func (h *AdminHandler) withTransaction(w http.ResponseWriter, r *http.Request, fn func(txn *models.Transaction)) {
	txn, err := h.svc.GetTransaction(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if !respondAdminError(w, r, err) {
			zap.L().Error("get transaction failed", zap.Error(err))
			RespondError(w, r, http.StatusInternalServerError, "escrow/read-failed", "Failed to load transaction")
		}
		return
	}
	fn(txn)
}

func (h *AdminHandler) ManualRelease(w http.ResponseWriter, r *http.Request) {
	h.withTransaction(w, r, func(txn *models.Transaction) {
		var req struct {
			Note string `json:"note"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		committed, err := h.svc.ManualRelease(r.Context(), txn, req.Note)
		h.respondOverride(w, r, committed, err, "manual release")
	})
}

func (h *AdminHandler) ManualRefund(w http.ResponseWriter, r *http.Request) {
	h.withTransaction(w, r, func(txn *models.Transaction) {
		var req struct {
			Note string `json:"note"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		committed, err := h.svc.ManualRefund(r.Context(), txn, req.Note)
		h.respondOverride(w, r, committed, err, "manual refund")
	})
}

func (h *AdminHandler) Freeze(w http.ResponseWriter, r *http.Request) {
	h.withTransaction(w, r, func(txn *models.Transaction) {
		var req struct {
			Reason string `json:"reason"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		dispute, err := h.svc.Freeze(r.Context(), txn, req.Reason)
		if err != nil {
			if !respondAdminError(w, r, err) {
				zap.L().Error("freeze failed", zap.Error(err), zap.String("transaction_id", txn.ID))
				RespondError(w, r, http.StatusInternalServerError, "escrow/freeze-failed", "Failed to freeze transaction")
			}
			return
		}
		RespondJSON(w, http.StatusCreated, dispute)
	})
}

func (h *AdminHandler) RetryPayout(w http.ResponseWriter, r *http.Request) {
	txn, err := h.svc.RetryPayout(r.Context(), chi.URLParam(r, "id"))
	h.respondOverride(w, r, txn, err, "retry payout")
}

func (h *AdminHandler) ResolveDispute(w http.ResponseWriter, r *http.Request) {
	disputeID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-dispute-id", "Invalid dispute ID")
		return
	}
	actorID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}

	var req struct {
		Resolution string  `json:"resolution"`
		Fraction   *string `json:"fraction,omitempty"`
		Notes      string  `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}
	var fraction *decimal.Decimal
	if req.Fraction != nil {
		f, err := decimal.NewFromString(*req.Fraction)
		if err != nil {
			RespondError(w, r, http.StatusBadRequest, "request/invalid-fraction", "Invalid split fraction")
			return
		}
		fraction = &f
	}

	txn, err := h.svc.ResolveDispute(r.Context(), service.ResolveDisputeRequest{
		DisputeID:  disputeID,
		Resolution: req.Resolution,
		Fraction:   fraction,
		Notes:      req.Notes,
		ResolvedBy: actorID,
	})
	h.respondOverride(w, r, txn, err, "resolve dispute")
}

func (h *AdminHandler) MarkDisputeUnderReview(w http.ResponseWriter, r *http.Request) {
	disputeID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-dispute-id", "Invalid dispute ID")
		return
	}
	if err := h.svc.MarkUnderReview(r.Context(), disputeID); err != nil {
		if !respondAdminError(w, r, err) {
			zap.L().Error("mark under review failed", zap.Error(err), zap.String("dispute_id", disputeID.String()))
			RespondError(w, r, http.StatusInternalServerError, "dispute/update-failed", "Failed to update dispute")
		}
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "under_review"})
}

func (h *AdminHandler) ListFraudFlags(w http.ResponseWriter, r *http.Request) {
	unreviewedOnly := r.URL.Query().Get("unreviewed") == "true"
	flags, err := h.svc.ListFraudFlags(r.Context(), unreviewedOnly)
	if err != nil {
		zap.L().Error("list fraud flags failed", zap.Error(err))
		RespondError(w, r, http.StatusInternalServerError, "fraud/list-failed", "Failed to list fraud flags")
		return
	}
	RespondJSON(w, http.StatusOK, flags)
}

func (h *AdminHandler) ReviewFraudFlag(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-flag-id", "Invalid flag ID")
		return
	}
	if err := h.svc.ReviewFraudFlag(r.Context(), id); err != nil {
		if !respondAdminError(w, r, err) {
			zap.L().Error("review fraud flag failed", zap.Error(err), zap.Int64("flag_id", id))
			RespondError(w, r, http.StatusInternalServerError, "fraud/review-failed", "Failed to review fraud flag")
		}
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{"status": "reviewed"})
}

func (h *AdminHandler) SellerStats(w http.ResponseWriter, r *http.Request) {
	sellerID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-seller-id", "Invalid seller ID")
		return
	}
	stats, err := h.svc.SellerStats(r.Context(), sellerID)
	if err != nil {
		if !respondAdminError(w, r, err) {
			zap.L().Error("get seller stats failed", zap.Error(err))
			RespondError(w, r, http.StatusInternalServerError, "stats/read-failed", "Failed to load seller stats")
		}
		return
	}
	RespondJSON(w, http.StatusOK, stats)
}

// RunSweep triggers one named sweep immediately and returns its report.
func (h *AdminHandler) RunSweep(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job")
	report, err := h.scheduler.RunJobOnce(r.Context(), name)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "sweep/unknown-job", err.Error())
		return
	}
	RespondJSON(w, http.StatusOK, report)
}

func (h *AdminHandler) respondOverride(w http.ResponseWriter, r *http.Request, txn interface{}, err error, op string) {
	if err != nil {
		if !respondAdminError(w, r, err) {
			zap.L().Error(op+" failed", zap.Error(err))
			RespondError(w, r, http.StatusInternalServerError, "escrow/override-failed", "Failed to "+op)
		}
		return
	}
	RespondJSON(w, http.StatusOK, txn)
}
