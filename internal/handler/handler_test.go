package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akudrin/cashback-engine/internal/ledger"
	"github.com/akudrin/cashback-engine/internal/middleware"
	"github.com/akudrin/cashback-engine/internal/model"
	"github.com/akudrin/cashback-engine/internal/repository"
	"github.com/akudrin/cashback-engine/internal/service"
)

type stubService struct {
	registerAccountID int64
	registerErr       error

	authAccountID int64
	authErr       error

	clickResp *model.Click
	clickErr  error

	createTxnID  int64
	createTxnErr error

	transitionErr error
	editErr       error

	txnsResp []model.Transaction
	txnsErr  error

	balanceResp *model.Balance
	balanceErr  error

	payoutID         int64
	payoutErr        error
	resolveErr       error
	payoutsResp      []model.Payout
	payoutsErr       error
	destinationErr   error
	upsertStoreErr   error
	lastResolveState model.PayoutStatus
}

func (s *stubService) RegisterAccount(ctx context.Context, login, password, email, displayName, referredByCode string) (int64, error) {
	return s.registerAccountID, s.registerErr
}

func (s *stubService) Authenticate(ctx context.Context, login, password string) (int64, error) {
	return s.authAccountID, s.authErr
}

func (s *stubService) RecordClick(ctx context.Context, accountID *int64, storeID int64, couponID, productID string) (*model.Click, error) {
	return s.clickResp, s.clickErr
}

func (s *stubService) CreateTransaction(ctx context.Context, in service.SaleInput) (int64, error) {
	return s.createTxnID, s.createTxnErr
}

func (s *stubService) TransitionTransaction(ctx context.Context, id int64, newStatus model.TransactionStatus, adminNotes string) error {
	return s.transitionErr
}

func (s *stubService) EditTransaction(ctx context.Context, id int64, newStatus model.TransactionStatus, newAmount float64, adminNotes string, clamp bool) error {
	return s.editErr
}

func (s *stubService) GetTransactionsByAccount(ctx context.Context, accountID int64) ([]model.Transaction, error) {
	return s.txnsResp, s.txnsErr
}

func (s *stubService) GetBalance(ctx context.Context, accountID int64) (*model.Balance, error) {
	return s.balanceResp, s.balanceErr
}

func (s *stubService) RequestPayout(ctx context.Context, accountID int64, sum float64, method, detail string) (int64, error) {
	return s.payoutID, s.payoutErr
}

func (s *stubService) ResolvePayout(ctx context.Context, payoutID int64, outcome model.PayoutStatus) error {
	s.lastResolveState = outcome
	return s.resolveErr
}

func (s *stubService) GetPayoutsByAccount(ctx context.Context, accountID int64) ([]model.Payout, error) {
	return s.payoutsResp, s.payoutsErr
}

func (s *stubService) UpdatePayoutDestination(ctx context.Context, accountID int64, method, detail string) error {
	return s.destinationErr
}

func (s *stubService) UpsertStore(ctx context.Context, id int64, name string, rateType model.RateType, rateValue float64, trackingURL string) error {
	return s.upsertStoreErr
}

const testAdminKey = "admin-key"

func newTestHandler(t *testing.T, svc Service) *Handler {
	t.Helper()

	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}

	auth := middleware.NewAuthMiddleware("test-secret")
	admin := middleware.NewAdminMiddleware(testAdminKey)

	return NewHandler(svc, logger, auth, admin)
}

// authedRequest прогоняет запрос через auth middleware с валидной cookie.
func authedRequest(h *Handler, fn http.HandlerFunc, req *http.Request) *httptest.ResponseRecorder {
	cookieRec := httptest.NewRecorder()
	h.authMiddleware.SetAuthCookie(cookieRec, 1)
	req.AddCookie(cookieRec.Result().Cookies()[0])

	rec := httptest.NewRecorder()
	h.authMiddleware.Middleware(fn).ServeHTTP(rec, req)
	return rec
}

func TestRegister_Success(t *testing.T) {
	svc := &stubService{
		registerAccountID: 42,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(registerRequest{
		Login:    "user",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if len(res.Cookies()) == 0 {
		t.Fatal("expected auth cookie to be set")
	}
}

func TestRegister_ConflictOnDuplicate(t *testing.T) {
	svc := &stubService{
		registerErr: repository.ErrAccountExists,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(registerRequest{
		Login:    "user",
		Password: "pass",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestRegister_BadRequestOnEmptyBody(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodPost, "/api/user/register", strings.NewReader("{}"))
	rec := httptest.NewRecorder()

	h.Register(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestLogin_UnauthorizedOnBadCredentials(t *testing.T) {
	svc := &stubService{
		authErr: service.ErrInvalidCredentials,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(loginRequest{
		Login:    "user",
		Password: "wrong",
	})

	req := httptest.NewRequest(http.MethodPost, "/api/user/login", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.Login(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestRecordClick_ReturnsOutboundURL(t *testing.T) {
	clickID := uuid.New()
	svc := &stubService{
		clickResp: &model.Click{
			ID:             clickID,
			StoreID:        7,
			DestinationURL: "https://shop.example/landing?subid=" + clickID.String(),
		},
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(clickRequest{StoreID: 7})
	req := httptest.NewRequest(http.MethodPost, "/api/user/clicks", bytes.NewReader(body))

	rec := authedRequest(h, h.RecordClick, req)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var resp clickResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ClickID != clickID.String() {
		t.Fatalf("click_id = %q, want %q", resp.ClickID, clickID)
	}
	if !strings.Contains(resp.URL, "subid=") {
		t.Fatalf("url = %q, want subid parameter", resp.URL)
	}
}

func TestRecordClick_NotFoundOnUnknownStore(t *testing.T) {
	svc := &stubService{
		clickErr: repository.ErrStoreNotFound,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(clickRequest{StoreID: 99})
	req := httptest.NewRequest(http.MethodPost, "/api/user/clicks", bytes.NewReader(body))

	rec := authedRequest(h, h.RecordClick, req)

	res := rec.Result()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func TestGetTransactions_NoContent(t *testing.T) {
	svc := &stubService{
		txnsResp: []model.Transaction{},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/user/transactions", nil)
	rec := authedRequest(h, h.GetTransactions, req)

	res := rec.Result()
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
}

func TestGetTransactions_JSONResponse(t *testing.T) {
	now := time.Now().UTC()
	svc := &stubService{
		txnsResp: []model.Transaction{
			{
				ID:              1,
				StoreID:         7,
				SaleAmount:      100000,
				CashbackAmount:  5000,
				Status:          model.TransactionStatusConfirmed,
				TransactionDate: now,
				ConfirmationDate: &now,
			},
		},
	}
	h := newTestHandler(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/api/user/transactions", nil)
	rec := authedRequest(h, h.GetTransactions, req)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var resp []transactionResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 {
		t.Fatalf("len = %d, want 1", len(resp))
	}
	if resp[0].SaleAmount != 1000 {
		t.Fatalf("sale_amount = %v, want 1000", resp[0].SaleAmount)
	}
	if resp[0].CashbackAmount != 50 {
		t.Fatalf("cashback_amount = %v, want 50", resp[0].CashbackAmount)
	}
	if resp[0].ConfirmationDate == nil {
		t.Fatal("expected confirmation_date to be set")
	}
}

func TestGetBalance_Unauthorized(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	req := httptest.NewRequest(http.MethodGet, "/api/user/balance", nil)
	rec := httptest.NewRecorder()

	h.authMiddleware.Middleware(http.HandlerFunc(h.GetBalance)).ServeHTTP(rec, req)

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestRequestPayout_PaymentRequired(t *testing.T) {
	svc := &stubService{
		payoutErr: repository.ErrInsufficientBalance,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(payoutRequest{Sum: 100.50, Method: "card"})
	req := httptest.NewRequest(http.MethodPost, "/api/user/payouts", bytes.NewReader(body))

	rec := authedRequest(h, h.RequestPayout, req)

	res := rec.Result()
	if res.StatusCode != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusPaymentRequired)
	}
}

func TestRequestPayout_Created(t *testing.T) {
	svc := &stubService{
		payoutID: 17,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(payoutRequest{Sum: 25, Method: "card", Detail: "4111"})
	req := httptest.NewRequest(http.MethodPost, "/api/user/payouts", bytes.NewReader(body))

	rec := authedRequest(h, h.RequestPayout, req)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	if ct := res.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q, want application/json", ct)
	}

	var resp payoutCreatedResponse
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != 17 {
		t.Fatalf("id = %d, want 17", resp.ID)
	}
}

func TestRequestPayout_BadRequestOnNonPositiveSum(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(payoutRequest{Sum: 0})
	req := httptest.NewRequest(http.MethodPost, "/api/user/payouts", bytes.NewReader(body))

	rec := authedRequest(h, h.RequestPayout, req)

	res := rec.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func TestUpdatePayoutDestination_BadRequestOnEmptyMethod(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(destinationRequest{Detail: "4111"})
	req := httptest.NewRequest(http.MethodPut, "/api/user/payout-destination", bytes.NewReader(body))

	rec := authedRequest(h, h.UpdatePayoutDestination, req)

	res := rec.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}

func adminRouterRequest(h *Handler, req *http.Request, withKey bool) *httptest.ResponseRecorder {
	if withKey {
		req.Header.Set("X-Admin-Key", testAdminKey)
	}
	rec := httptest.NewRecorder()
	h.SetupRouter().ServeHTTP(rec, req)
	return rec
}

func TestCreateTransaction_Created(t *testing.T) {
	svc := &stubService{
		createTxnID: 3,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(saleRequest{
		ExternalRef: "net-1",
		AccountID:   1,
		StoreID:     7,
		SaleAmount:  1000,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/transactions", bytes.NewReader(body))

	rec := adminRouterRequest(h, req, true)

	res := rec.Result()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
}

func TestCreateTransaction_UnauthorizedWithoutAdminKey(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(saleRequest{SaleAmount: 1000})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/transactions", bytes.NewReader(body))

	rec := adminRouterRequest(h, req, false)

	res := rec.Result()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnauthorized)
	}
}

func TestCreateTransaction_UnprocessableOnBadClickID(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(saleRequest{
		ClickID:    "not-a-uuid",
		SaleAmount: 1000,
	})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/transactions", bytes.NewReader(body))

	rec := adminRouterRequest(h, req, true)

	res := rec.Result()
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestTransitionTransaction_ConflictOnInvalidTransition(t *testing.T) {
	svc := &stubService{
		transitionErr: ledger.ErrInvalidTransition,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(statusRequest{Status: "confirmed"})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/transactions/5/status", bytes.NewReader(body))

	rec := adminRouterRequest(h, req, true)

	res := rec.Result()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestTransitionTransaction_UnprocessableOnUnknownStatus(t *testing.T) {
	svc := &stubService{
		transitionErr: ledger.ErrUnknownStatus,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(statusRequest{Status: "bogus"})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/transactions/5/status", bytes.NewReader(body))

	rec := adminRouterRequest(h, req, true)

	res := rec.Result()
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusUnprocessableEntity)
	}
}

func TestEditTransaction_ConflictOnConsumed(t *testing.T) {
	svc := &stubService{
		editErr: repository.ErrTransactionConsumed,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(editRequest{Status: "confirmed", CashbackAmount: 10})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/transactions/5/edit", bytes.NewReader(body))

	rec := adminRouterRequest(h, req, true)

	res := rec.Result()
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusConflict)
	}
}

func TestResolvePayout_PassesOutcome(t *testing.T) {
	svc := &stubService{}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(resolveRequest{Outcome: "paid"})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/payouts/9/resolve", bytes.NewReader(body))

	rec := adminRouterRequest(h, req, true)

	res := rec.Result()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	if svc.lastResolveState != model.PayoutStatusPaid {
		t.Fatalf("outcome = %q, want %q", svc.lastResolveState, model.PayoutStatusPaid)
	}
}

func TestResolvePayout_ServiceUnavailableOnContention(t *testing.T) {
	svc := &stubService{
		resolveErr: repository.ErrContention,
	}
	h := newTestHandler(t, svc)

	body, _ := json.Marshal(resolveRequest{Outcome: "paid"})
	req := httptest.NewRequest(http.MethodPost, "/api/admin/payouts/9/resolve", bytes.NewReader(body))

	rec := adminRouterRequest(h, req, true)

	res := rec.Result()
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusServiceUnavailable)
	}
}

func TestUpsertStore_BadRequestOnMissingFields(t *testing.T) {
	h := newTestHandler(t, &stubService{})

	body, _ := json.Marshal(storeRequest{Name: "shop"})
	req := httptest.NewRequest(http.MethodPut, "/api/admin/stores", bytes.NewReader(body))

	rec := adminRouterRequest(h, req, true)

	res := rec.Result()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
}
