// Package handler содержит HTTP-обработчики API кэшбэк-сервиса.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akudrin/cashback-engine/internal/ledger"
	"github.com/akudrin/cashback-engine/internal/middleware"
	"github.com/akudrin/cashback-engine/internal/model"
	"github.com/akudrin/cashback-engine/internal/repository"
	"github.com/akudrin/cashback-engine/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	RegisterAccount(ctx context.Context, login, password, email, displayName, referredByCode string) (int64, error)
	Authenticate(ctx context.Context, login, password string) (int64, error)
	RecordClick(ctx context.Context, accountID *int64, storeID int64, couponID, productID string) (*model.Click, error)
	CreateTransaction(ctx context.Context, in service.SaleInput) (int64, error)
	TransitionTransaction(ctx context.Context, id int64, newStatus model.TransactionStatus, adminNotes string) error
	EditTransaction(ctx context.Context, id int64, newStatus model.TransactionStatus, newAmount float64, adminNotes string, clamp bool) error
	GetTransactionsByAccount(ctx context.Context, accountID int64) ([]model.Transaction, error)
	GetBalance(ctx context.Context, accountID int64) (*model.Balance, error)
	RequestPayout(ctx context.Context, accountID int64, sum float64, method, detail string) (int64, error)
	ResolvePayout(ctx context.Context, payoutID int64, outcome model.PayoutStatus) error
	GetPayoutsByAccount(ctx context.Context, accountID int64) ([]model.Payout, error)
	UpdatePayoutDestination(ctx context.Context, accountID int64, method, detail string) error
	UpsertStore(ctx context.Context, id int64, name string, rateType model.RateType, rateValue float64, trackingURL string) error
}

// Handler реализует HTTP-обработчики API кэшбэк-сервиса.
type Handler struct {
	service         Service
	logger          *zap.Logger
	authMiddleware  *middleware.AuthMiddleware
	adminMiddleware *middleware.AdminMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, admin *middleware.AdminMiddleware) *Handler {
	return &Handler{
		service:         s,
		logger:          logger,
		authMiddleware:  auth,
		adminMiddleware: admin,
	}
}

// writeError переводит доменные ошибки в HTTP-статусы.
func (h *Handler) writeError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, repository.ErrAccountNotFound),
		errors.Is(err, repository.ErrTransactionNotFound),
		errors.Is(err, repository.ErrPayoutNotFound),
		errors.Is(err, repository.ErrStoreNotFound),
		errors.Is(err, repository.ErrClickNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, repository.ErrInsufficientBalance):
		http.Error(w, http.StatusText(http.StatusPaymentRequired), http.StatusPaymentRequired)
	case errors.Is(err, repository.ErrAccountDisabled):
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
	case errors.Is(err, repository.ErrAccountExists),
		errors.Is(err, repository.ErrTransactionConsumed),
		errors.Is(err, ledger.ErrInvalidTransition),
		errors.Is(err, ledger.ErrNegativeBalance),
		errors.Is(err, ledger.ErrPaidImmutable):
		http.Error(w, http.StatusText(http.StatusConflict), http.StatusConflict)
	case errors.Is(err, ledger.ErrUnknownStatus),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, repository.ErrNoPayoutDestination),
		errors.Is(err, service.ErrNoAttribution):
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
	case errors.Is(err, repository.ErrContention):
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
	default:
		h.logger.Error(msg, zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

// writeJSON выставляет Content-Type до записи статуса: после WriteHeader
// заголовки уже отправлены и менять их поздно.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

type registerRequest struct {
	Login          string `json:"login"`
	Password       string `json:"password"`
	Email          string `json:"email,omitempty"`
	DisplayName    string `json:"display_name,omitempty"`
	ReferredByCode string `json:"referred_by_code,omitempty"`
}

// Register обрабатывает регистрацию нового аккаунта.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	accountID, err := h.service.RegisterAccount(r.Context(), req.Login, req.Password, req.Email, req.DisplayName, req.ReferredByCode)
	if err != nil {
		h.writeError(w, err, "register account error")
		return
	}

	h.authMiddleware.SetAuthCookie(w, accountID)
	w.WriteHeader(http.StatusOK)
}

type loginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

// Login выполняет аутентификацию и установку cookie.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.Login == "" || req.Password == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	accountID, err := h.service.Authenticate(r.Context(), req.Login, req.Password)
	if err != nil {
		if errors.Is(err, repository.ErrAccountNotFound) || errors.Is(err, service.ErrInvalidCredentials) {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		h.writeError(w, err, "login error")
		return
	}

	h.authMiddleware.SetAuthCookie(w, accountID)
	w.WriteHeader(http.StatusOK)
}

type clickRequest struct {
	StoreID   int64  `json:"store_id"`
	CouponID  string `json:"coupon_id,omitempty"`
	ProductID string `json:"product_id,omitempty"`
}

type clickResponse struct {
	ClickID string `json:"click_id"`
	URL     string `json:"url"`
}

// RecordClick фиксирует переход текущего пользователя в магазин-партнёр.
func (h *Handler) RecordClick(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req clickRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.StoreID == 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	click, err := h.service.RecordClick(r.Context(), &accountID, req.StoreID, req.CouponID, req.ProductID)
	if err != nil {
		h.writeError(w, err, "record click error")
		return
	}

	writeJSON(w, http.StatusCreated, clickResponse{
		ClickID: click.ID.String(),
		URL:     click.DestinationURL,
	})
}

type transactionResponse struct {
	ID               int64    `json:"id"`
	StoreID          int64    `json:"store_id"`
	SaleAmount       float64  `json:"sale_amount"`
	CashbackAmount   float64  `json:"cashback_amount"`
	Status           string   `json:"status"`
	TransactionDate  string   `json:"transaction_date"`
	ConfirmationDate *string  `json:"confirmation_date,omitempty"`
	PaidDate         *string  `json:"paid_date,omitempty"`
}

// GetTransactions возвращает транзакции текущего пользователя.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	txns, err := h.service.GetTransactionsByAccount(r.Context(), accountID)
	if err != nil {
		h.writeError(w, err, "get transactions error")
		return
	}

	if len(txns) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]transactionResponse, 0, len(txns))
	for _, t := range txns {
		item := transactionResponse{
			ID:              t.ID,
			StoreID:         t.StoreID,
			SaleAmount:      float64(t.SaleAmount) / 100,
			CashbackAmount:  float64(t.CashbackAmount) / 100,
			Status:          string(t.Status),
			TransactionDate: t.TransactionDate.Format(time.RFC3339),
		}
		if t.ConfirmationDate != nil {
			v := t.ConfirmationDate.Format(time.RFC3339)
			item.ConfirmationDate = &v
		}
		if t.PaidDate != nil {
			v := t.PaidDate.Format(time.RFC3339)
			item.PaidDate = &v
		}
		resp = append(resp, item)
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetBalance возвращает четыре баланса текущего пользователя.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	balance, err := h.service.GetBalance(r.Context(), accountID)
	if err != nil {
		h.writeError(w, err, "get balance error")
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

type payoutRequest struct {
	Sum    float64 `json:"sum"`
	Method string  `json:"method,omitempty"`
	Detail string  `json:"detail,omitempty"`
}

type payoutCreatedResponse struct {
	ID int64 `json:"id"`
}

// RequestPayout создаёт заявку на выплату для текущего пользователя.
func (h *Handler) RequestPayout(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req payoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.Sum <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := h.service.RequestPayout(r.Context(), accountID, req.Sum, req.Method, req.Detail)
	if err != nil {
		h.writeError(w, err, "request payout error")
		return
	}

	writeJSON(w, http.StatusCreated, payoutCreatedResponse{ID: id})
}

type payoutResponse struct {
	ID          int64   `json:"id"`
	Amount      float64 `json:"amount"`
	Status      string  `json:"status"`
	Method      string  `json:"method"`
	RequestedAt string  `json:"requested_at"`
	ProcessedAt *string `json:"processed_at,omitempty"`
}

// GetPayouts возвращает заявки на выплату текущего пользователя.
func (h *Handler) GetPayouts(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	payouts, err := h.service.GetPayoutsByAccount(r.Context(), accountID)
	if err != nil {
		h.writeError(w, err, "get payouts error")
		return
	}

	if len(payouts) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]payoutResponse, 0, len(payouts))
	for _, p := range payouts {
		item := payoutResponse{
			ID:          p.ID,
			Amount:      float64(p.Amount) / 100,
			Status:      string(p.Status),
			Method:      p.Method,
			RequestedAt: p.RequestedAt.Format(time.RFC3339),
		}
		if p.ProcessedAt != nil {
			v := p.ProcessedAt.Format(time.RFC3339)
			item.ProcessedAt = &v
		}
		resp = append(resp, item)
	}

	writeJSON(w, http.StatusOK, resp)
}

type destinationRequest struct {
	Method string `json:"method"`
	Detail string `json:"detail"`
}

// UpdatePayoutDestination обновляет реквизиты выплат текущего пользователя.
func (h *Handler) UpdatePayoutDestination(w http.ResponseWriter, r *http.Request) {
	accountID, ok := middleware.GetAccountIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req destinationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.Method == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.UpdatePayoutDestination(r.Context(), accountID, req.Method, req.Detail); err != nil {
		h.writeError(w, err, "update payout destination error")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type saleRequest struct {
	ExternalRef     string  `json:"external_ref,omitempty"`
	AccountID       int64   `json:"account_id,omitempty"`
	StoreID         int64   `json:"store_id,omitempty"`
	ClickID         string  `json:"click_id,omitempty"`
	CouponID        string  `json:"coupon_id,omitempty"`
	SaleAmount      float64 `json:"sale_amount"`
	TransactionDate string  `json:"transaction_date,omitempty"`
}

type transactionCreatedResponse struct {
	ID int64 `json:"id"`
}

// CreateTransaction принимает событие продажи от оператора.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req saleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	in := service.SaleInput{
		ExternalRef: req.ExternalRef,
		AccountID:   req.AccountID,
		StoreID:     req.StoreID,
		CouponID:    req.CouponID,
		SaleAmount:  req.SaleAmount,
	}

	if req.ClickID != "" {
		clickID, err := uuid.Parse(req.ClickID)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
		in.ClickID = &clickID
	}

	if req.TransactionDate != "" {
		date, err := time.Parse(time.RFC3339, req.TransactionDate)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
			return
		}
		in.TransactionDate = date
	}

	id, err := h.service.CreateTransaction(r.Context(), in)
	if err != nil {
		h.writeError(w, err, "create transaction error")
		return
	}

	writeJSON(w, http.StatusCreated, transactionCreatedResponse{ID: id})
}

type statusRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes,omitempty"`
}

// TransitionTransaction переводит транзакцию в новый статус по команде оператора.
func (h *Handler) TransitionTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.TransitionTransaction(r.Context(), id, model.TransactionStatus(req.Status), req.Notes); err != nil {
		h.writeError(w, err, "transition transaction error")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type editRequest struct {
	Status         string  `json:"status"`
	CashbackAmount float64 `json:"cashback_amount"`
	Notes          string  `json:"notes,omitempty"`
	Clamp          bool    `json:"clamp,omitempty"`
}

// EditTransaction применяет правку оператора к статусу и сумме кэшбэка.
func (h *Handler) EditTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.EditTransaction(r.Context(), id, model.TransactionStatus(req.Status), req.CashbackAmount, req.Notes, req.Clamp); err != nil {
		h.writeError(w, err, "edit transaction error")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type resolveRequest struct {
	Outcome string `json:"outcome"`
}

// ResolvePayout переводит заявку на выплату в указанный исход.
func (h *Handler) ResolvePayout(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ResolvePayout(r.Context(), id, model.PayoutStatus(req.Outcome)); err != nil {
		h.writeError(w, err, "resolve payout error")
		return
	}

	w.WriteHeader(http.StatusOK)
}

type storeRequest struct {
	ID            int64   `json:"id"`
	Name          string  `json:"name"`
	CashbackType  string  `json:"cashback_type"`
	CashbackValue float64 `json:"cashback_value"`
	TrackingURL   string  `json:"tracking_url,omitempty"`
}

// UpsertStore сохраняет снимок магазина каталога партнёров.
func (h *Handler) UpsertStore(w http.ResponseWriter, r *http.Request) {
	var req storeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if req.ID == 0 || req.Name == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	err := h.service.UpsertStore(r.Context(), req.ID, req.Name, model.RateType(req.CashbackType), req.CashbackValue, req.TrackingURL)
	if err != nil {
		h.writeError(w, err, "upsert store error")
		return
	}

	w.WriteHeader(http.StatusOK)
}
