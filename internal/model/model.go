// Package model содержит доменные сущности кэшбэк-сервиса.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Account представляет аккаунт пользователя с четырьмя производными балансами.
// Все суммы хранятся в копейках и неотрицательны.
type Account struct {
	ID                  int64
	Login               string
	PasswordHash        []byte
	Email               string
	DisplayName         string
	PendingCashback     int64
	CashbackBalance     int64
	LifetimeCashback    int64
	ReferralBonusEarned int64
	ReferralCount       int
	ReferralCode        string
	ReferredByCode      string
	IsDisabled          bool
	PayoutMethod        string
	PayoutDetail        string
	CreatedAt           time.Time
}

// TransactionStatus описывает статус жизненного цикла кэшбэк-транзакции.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusConfirmed TransactionStatus = "confirmed"
	TransactionStatusRejected  TransactionStatus = "rejected"
	TransactionStatusCancelled TransactionStatus = "cancelled"
	TransactionStatusPaid      TransactionStatus = "paid"
)

// Transaction описывает кэшбэк по одной атрибутированной покупке.
// CashbackAmount фиксируется при создании; меняются только статус и даты.
type Transaction struct {
	ID               int64
	AccountID        int64
	StoreID          int64
	ClickID          *uuid.UUID
	CouponID         string
	ExternalRef      string
	SaleAmount       int64
	CashbackAmount   int64
	Status           TransactionStatus
	TransactionDate  time.Time
	ConfirmationDate *time.Time
	PaidDate         *time.Time
	PayoutID         *int64
	AdminNotes       string
}

// PayoutStatus описывает статус заявки на выплату.
type PayoutStatus string

const (
	PayoutStatusPending    PayoutStatus = "pending"
	PayoutStatusApproved   PayoutStatus = "approved"
	PayoutStatusProcessing PayoutStatus = "processing"
	PayoutStatusPaid       PayoutStatus = "paid"
	PayoutStatusRejected   PayoutStatus = "rejected"
	PayoutStatusFailed     PayoutStatus = "failed"
)

// Payout описывает заявку на выплату подтверждённого баланса.
// Method и Detail — снимок реквизитов на момент запроса.
type Payout struct {
	ID          int64
	AccountID   int64
	Amount      int64
	Status      PayoutStatus
	Method      string
	Detail      string
	RequestedAt time.Time
	ProcessedAt *time.Time
}

// RateType описывает способ расчёта кэшбэка магазина.
type RateType string

const (
	RateTypePercentage RateType = "percentage"
	RateTypeFixed      RateType = "fixed"
)

// Store описывает снимок каталога магазинов-партнёров.
// Для percentage значение хранится в сотых долях процента, для fixed — в копейках.
type Store struct {
	ID            int64
	Name          string
	CashbackType  RateType
	CashbackValue int64
	TrackingURL   string
}

// Click описывает переход пользователя в магазин-партнёр.
// Записи неизменяемы и используются только для атрибуции продаж.
type Click struct {
	ID             uuid.UUID
	AccountID      *int64
	StoreID        int64
	CouponID       string
	ProductID      string
	DestinationURL string
	CreatedAt      time.Time
}

// SaleEvent описывает сырое событие продажи из внешнего фида или от оператора.
type SaleEvent struct {
	ExternalRef     string
	AccountID       int64
	StoreID         int64
	ClickID         *uuid.UUID
	CouponID        string
	SaleAmount      int64
	TransactionDate time.Time
}

// Balance содержит четыре баланса аккаунта в рублях для внешнего API.
type Balance struct {
	Pending       float64 `json:"pending"`
	Current       float64 `json:"current"`
	Lifetime      float64 `json:"lifetime"`
	ReferralBonus float64 `json:"referral_bonus"`
}
