package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/mwangiq/escrow-engine/internal/api/middleware"
	"github.com/mwangiq/escrow-engine/internal/api/problem"
	"github.com/mwangiq/escrow-engine/internal/domain"
	"github.com/mwangiq/escrow-engine/internal/service"
)

// RespondJSON writes a JSON response.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// RespondError writes an error response.
func RespondError(w http.ResponseWriter, r *http.Request, status int, problemType, message string) {
	if problemType != "" && problemType != "about:blank" && !strings.HasPrefix(problemType, "http") {
		problemType = problem.Type(problemType)
	}
	problem.Write(w, r, status, problemType, http.StatusText(status), message)
}

func requestActor(r *http.Request) (uuid.UUID, bool, error) {
	userID := middleware.UserIDFromContext(r.Context())
	if userID == "" {
		return uuid.Nil, false, errors.New("missing user in auth context")
	}

	actorID, err := uuid.Parse(userID)
	if err != nil {
		return uuid.Nil, false, errors.New("invalid user_id in auth context")
	}

	return actorID, middleware.UserRoleFromContext(r.Context()) == "admin", nil
}

// respondDomainError maps the service error taxonomy onto HTTP statuses.
// It reports true when the error was handled.
func respondDomainError(w http.ResponseWriter, r *http.Request, err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, domain.ErrNotFound):
		RespondError(w, r, http.StatusNotFound, "escrow/not-found", "resource not found")
	case errors.Is(err, domain.ErrIllegalTransition):
		// Users get a plain message; the verbatim transition detail is
		// reserved for the admin surface.
		RespondError(w, r, http.StatusConflict, "escrow/illegal-transition", "this action is no longer available for this order")
	case errors.Is(err, domain.ErrDuplicateReceipt):
		RespondError(w, r, http.StatusConflict, "escrow/duplicate-receipt", "gateway receipt already recorded on another transaction")
	case errors.Is(err, domain.ErrStaleVersion):
		RespondError(w, r, http.StatusConflict, "escrow/stale-version", "transaction changed concurrently, reload and retry")
	case errors.Is(err, domain.ErrAlreadyResolved):
		RespondError(w, r, http.StatusConflict, "dispute/already-resolved", "dispute is already resolved")
	case errors.Is(err, domain.ErrDisputeOpen):
		RespondError(w, r, http.StatusConflict, "dispute/already-open", "transaction already has an open dispute")
	case errors.Is(err, domain.ErrDeadlineNotPassed):
		RespondError(w, r, http.StatusConflict, "escrow/deadline-not-passed", "deadline has not passed")
	case errors.Is(err, domain.ErrGatewayFailure):
		// The state change committed; only the fund movement is outstanding.
		RespondError(w, r, http.StatusBadGateway, "escrow/payout-pending", "state committed, fund movement pending retry")
	case errors.Is(err, service.ErrNotParty):
		RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", err.Error())
	case errors.Is(err, service.ErrSameParty),
		errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrAmountTooHigh),
		errors.Is(err, service.ErrBadCategory),
		errors.Is(err, service.ErrBadSplitFraction),
		errors.Is(err, service.ErrBadScore):
		RespondError(w, r, http.StatusBadRequest, "request/invalid", err.Error())
	case errors.Is(err, service.ErrNotCompleted):
		RespondError(w, r, http.StatusConflict, "escrow/not-completed", err.Error())
	default:
		return false
	}
	return true
}

// respondAdminError is respondDomainError for the operator surface, where
// the verbatim transition detail is useful rather than leaky.
func respondAdminError(w http.ResponseWriter, r *http.Request, err error) bool {
	if errors.Is(err, domain.ErrIllegalTransition) {
		RespondError(w, r, http.StatusConflict, "escrow/illegal-transition", err.Error())
		return true
	}
	return respondDomainError(w, r, err)
}
