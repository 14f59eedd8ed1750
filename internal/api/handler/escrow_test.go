package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/mwangiq/escrow-engine/internal/api/middleware"
	"github.com/mwangiq/escrow-engine/internal/domain"
	"github.com/mwangiq/escrow-engine/internal/gateway"
	"github.com/mwangiq/escrow-engine/internal/idempotency"
	"github.com/mwangiq/escrow-engine/internal/notifier"
	"github.com/mwangiq/escrow-engine/internal/repository"
	"github.com/mwangiq/escrow-engine/internal/service"
	"github.com/stretchr/testify/require"
)

type passGateway struct{}

func (passGateway) MoveFunds(_ context.Context, req gateway.MoveFundsRequest) (string, error) {
	return "MPG-" + req.IdempotencyKey, nil
}

type handlerEnv struct {
	svc      *service.EscrowService
	router   chi.Router
	buyerID  uuid.UUID
	sellerID uuid.UUID
}

func newHandlerEnv(t *testing.T) *handlerEnv {
	t.Helper()
	store := repository.NewMemoryStore()
	receipts := idempotency.NewReceipts(nil, store, time.Hour)
	svc := service.NewEscrowService(store, passGateway{}, receipts, notifier.NewLogNotifier())

	escrow := NewEscrowHandler(svc)
	admin := NewAdminHandler(svc, nil)

	r := chi.NewRouter()
	r.Post("/v1/escrows/{id}/approve", escrow.ApproveRelease)
	r.Post("/v1/admin/escrows/{id}/release", admin.ManualRelease)

	return &handlerEnv{svc: svc, router: r, buyerID: uuid.New(), sellerID: uuid.New()}
}

func (e *handlerEnv) do(t *testing.T, method, path, userID, role string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	req = req.WithContext(middleware.ContextWithUser(req.Context(), userID, role))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func problemDetail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Detail string `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Detail
}

func TestIllegalTransitionDetailPerSurface(t *testing.T) {
	env := newHandlerEnv(t)
	txn, err := env.svc.CreateEscrow(context.Background(), service.CreateEscrowRequest{
		BuyerID:        env.buyerID,
		SellerID:       env.sellerID,
		PrincipalCents: 10_000,
		Description:    "phone",
	})
	require.NoError(t, err)

	// Approving an unpaid order is not a legal move. The buyer gets the
	// plain wording, never the internal transition detail.
	rec := env.do(t, http.MethodPost, "/v1/escrows/"+txn.ID+"/approve", env.buyerID.String(), "user")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "this action is no longer available for this order", problemDetail(t, rec))
	require.NotContains(t, rec.Body.String(), domain.StatePending)

	// The admin surface keeps the verbatim detail for operators.
	rec = env.do(t, http.MethodPost, "/v1/admin/escrows/"+txn.ID+"/release", uuid.New().String(), "admin")
	require.Equal(t, http.StatusConflict, rec.Code)
	detail := problemDetail(t, rec)
	require.Contains(t, detail, "illegal state transition")
	require.Contains(t, detail, domain.StatePending)
}
