// Package service реализует бизнес-логику кэшбэк-сервиса.
package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/akudrin/cashback-engine/internal/feed"
	"github.com/akudrin/cashback-engine/internal/ledger"
	"github.com/akudrin/cashback-engine/internal/model"
	"github.com/akudrin/cashback-engine/internal/repository"
)

// ErrNoAttribution возвращается, если событие продажи невозможно
// привязать к аккаунту ни напрямую, ни через клик.
var (
	ErrNoAttribution = errors.New("sale event cannot be attributed to an account")
	// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const (
	referralCodeLength   = 8
	referralCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	referralCodeAttempts = 5
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error
	CreateAccount(ctx context.Context, p repository.CreateAccountParams) (int64, int64, error)
	GetAccountByLogin(ctx context.Context, login string) (*model.Account, error)
	GetAccountByID(ctx context.Context, id int64) (*model.Account, error)
	UpdatePayoutDestination(ctx context.Context, accountID int64, method, detail string) error
	UpsertStore(ctx context.Context, s model.Store) error
	GetStore(ctx context.Context, id int64) (*model.Store, error)
	CreateClick(ctx context.Context, c model.Click) error
	GetClick(ctx context.Context, id uuid.UUID) (*model.Click, error)
	CreateTransaction(ctx context.Context, ev model.SaleEvent, cashbackAmount int64) (int64, bool, error)
	TransitionTransaction(ctx context.Context, id int64, newStatus model.TransactionStatus, adminNotes string) error
	EditTransaction(ctx context.Context, id int64, newStatus model.TransactionStatus, newAmount int64, adminNotes string, clamp bool) error
	GetTransactionsByAccount(ctx context.Context, accountID int64) ([]model.Transaction, error)
	RequestPayout(ctx context.Context, accountID, amount int64, method, detail string) (int64, error)
	ResolvePayout(ctx context.Context, payoutID int64, outcome model.PayoutStatus) error
	GetPayoutsByAccount(ctx context.Context, accountID int64) ([]model.Payout, error)
}

// Service содержит бизнес-логику кэшбэк-сервиса.
type Service struct {
	repo       Repository
	feedClient *feed.Client
	logger     *zap.Logger
	bonusCents int64
	feedCursor string
}

// NewService создаёт сервис с указанным репозиторием, клиентом фида продаж
// и суммой реферального бонуса в рублях.
func NewService(repo Repository, feedClient *feed.Client, logger *zap.Logger, referralBonus float64) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		repo:       repo,
		feedClient: feedClient,
		logger:     logger,
		bonusCents: int64(referralBonus * 100),
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// retryContended повторяет конкурентную операцию целиком с растущей
// задержкой, пока репозиторий сообщает о конфликте параллельных записей.
func (s *Service) retryContended(ctx context.Context, fn func() error) error {
	backoff := retry.WithMaxRetries(4, retry.NewFibonacci(100*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn()
		if errors.Is(err, repository.ErrContention) {
			return retry.RetryableError(err)
		}
		return err
	})
}

// RegisterAccount создаёт новый аккаунт. Реферальный код генерируется один
// раз и неизменяем; если указан чужой действительный код реферера, бонус
// начисляется атомарно с созданием. Собственные и неизвестные коды
// пропускаются без ошибки и фиксируются в журнале.
func (s *Service) RegisterAccount(ctx context.Context, login, password, email, displayName, referredByCode string) (int64, error) {
	hashed := hashPassword(login, password)

	var accountID, referrerID int64
	for attempt := 0; attempt < referralCodeAttempts; attempt++ {
		code, err := generateReferralCode()
		if err != nil {
			return 0, err
		}

		accountID, referrerID, err = s.repo.CreateAccount(ctx, repository.CreateAccountParams{
			Login:          login,
			PasswordHash:   hashed,
			Email:          email,
			DisplayName:    displayName,
			ReferralCode:   code,
			ReferredByCode: strings.TrimSpace(referredByCode),
			ReferralBonus:  s.bonusCents,
		})
		if errors.Is(err, repository.ErrReferralCodeTaken) {
			continue
		}
		if err != nil {
			return 0, err
		}
		break
	}
	if accountID == 0 {
		return 0, fmt.Errorf("generate referral code: attempts exhausted")
	}

	if referredByCode != "" {
		if referrerID != 0 {
			s.logger.Info("referral bonus credited",
				zap.Int64("accountID", accountID),
				zap.Int64("referrerID", referrerID),
				zap.Int64("bonusCents", s.bonusCents))
		} else {
			// Самореферал или несуществующий код: пропуск, только аудит.
			s.logger.Info("referral code skipped",
				zap.Int64("accountID", accountID),
				zap.String("referredByCode", referredByCode))
		}
	}

	return accountID, nil
}

// Authenticate проверяет логин и пароль и возвращает идентификатор аккаунта.
func (s *Service) Authenticate(ctx context.Context, login, password string) (int64, error) {
	a, err := s.repo.GetAccountByLogin(ctx, login)
	if err != nil {
		return 0, err
	}

	hashed := hashPassword(login, password)
	if hex.EncodeToString(hashed) != hex.EncodeToString(a.PasswordHash) {
		return 0, ErrInvalidCredentials
	}
	if a.IsDisabled {
		return 0, repository.ErrAccountDisabled
	}

	return a.ID, nil
}

func hashPassword(login, password string) []byte {
	sum := sha256.Sum256([]byte(login + ":" + password))
	return sum[:]
}

func generateReferralCode() (string, error) {
	buf := make([]byte, referralCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate referral code: %w", err)
	}
	for i := range buf {
		buf[i] = referralCodeAlphabet[int(buf[i])%len(referralCodeAlphabet)]
	}
	return string(buf), nil
}

// RecordClick фиксирует переход в магазин-партнёр и возвращает клик вместе
// с исходящим URL, в который вшит идентификатор клика для атрибуции.
func (s *Service) RecordClick(ctx context.Context, accountID *int64, storeID int64, couponID, productID string) (*model.Click, error) {
	store, err := s.repo.GetStore(ctx, storeID)
	if err != nil {
		return nil, err
	}

	c := model.Click{
		ID:        uuid.New(),
		AccountID: accountID,
		StoreID:   storeID,
		CouponID:  couponID,
		ProductID: productID,
		CreatedAt: time.Now(),
	}
	c.DestinationURL = outboundURL(store.TrackingURL, c.ID)

	if err := s.repo.CreateClick(ctx, c); err != nil {
		return nil, err
	}

	return &c, nil
}

func outboundURL(trackingURL string, clickID uuid.UUID) string {
	if trackingURL == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(trackingURL, "?") {
		sep = "&"
	}
	return trackingURL + sep + "subid=" + clickID.String()
}

// SaleInput описывает событие продажи от оператора или из фида.
// Суммы — в рублях.
type SaleInput struct {
	ExternalRef     string
	AccountID       int64
	StoreID         int64
	ClickID         *uuid.UUID
	CouponID        string
	SaleAmount      float64
	TransactionDate time.Time
}

// CreateTransaction атрибутирует событие продажи, вычисляет кэшбэк по
// тарифу магазина на момент создания и создаёт транзакцию в статусе
// pending. Повторное событие с тем же внешним идентификатором — no-op.
func (s *Service) CreateTransaction(ctx context.Context, in SaleInput) (int64, error) {
	saleCents := int64(in.SaleAmount * 100)
	if saleCents <= 0 {
		return 0, fmt.Errorf("%w: sale amount %v", ledger.ErrInvalidAmount, in.SaleAmount)
	}

	ev := model.SaleEvent{
		ExternalRef:     in.ExternalRef,
		AccountID:       in.AccountID,
		StoreID:         in.StoreID,
		ClickID:         in.ClickID,
		CouponID:        in.CouponID,
		SaleAmount:      saleCents,
		TransactionDate: in.TransactionDate,
	}
	if ev.TransactionDate.IsZero() {
		ev.TransactionDate = time.Now()
	}

	// Атрибуция через клик, если источник не назвал аккаунт напрямую.
	if ev.AccountID == 0 && ev.ClickID != nil {
		click, err := s.repo.GetClick(ctx, *ev.ClickID)
		if err != nil {
			return 0, err
		}
		if click.AccountID == nil {
			return 0, fmt.Errorf("%w: anonymous click %s", ErrNoAttribution, click.ID)
		}
		ev.AccountID = *click.AccountID
		if ev.StoreID == 0 {
			ev.StoreID = click.StoreID
		}
		if ev.CouponID == "" {
			ev.CouponID = click.CouponID
		}
	}
	if ev.AccountID == 0 {
		return 0, ErrNoAttribution
	}

	store, err := s.repo.GetStore(ctx, ev.StoreID)
	if err != nil {
		return 0, err
	}

	amount, err := ledger.ComputeCashback(store.CashbackType, store.CashbackValue, saleCents)
	if err != nil {
		return 0, err
	}

	var id int64
	err = s.retryContended(ctx, func() error {
		var inner error
		id, _, inner = s.repo.CreateTransaction(ctx, ev, amount)
		return inner
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// TransitionTransaction переводит транзакцию в новый статус.
func (s *Service) TransitionTransaction(ctx context.Context, id int64, newStatus model.TransactionStatus, adminNotes string) error {
	if !ledger.KnownStatus(newStatus) {
		return fmt.Errorf("%w: %q", ledger.ErrUnknownStatus, newStatus)
	}
	return s.retryContended(ctx, func() error {
		return s.repo.TransitionTransaction(ctx, id, newStatus, adminNotes)
	})
}

// EditTransaction применяет правку оператора к статусу и/или сумме кэшбэка.
func (s *Service) EditTransaction(ctx context.Context, id int64, newStatus model.TransactionStatus, newAmount float64, adminNotes string, clamp bool) error {
	if !ledger.KnownStatus(newStatus) {
		return fmt.Errorf("%w: %q", ledger.ErrUnknownStatus, newStatus)
	}
	amountCents := int64(newAmount * 100)
	if amountCents < 0 {
		return fmt.Errorf("%w: %v", ledger.ErrInvalidAmount, newAmount)
	}
	return s.retryContended(ctx, func() error {
		return s.repo.EditTransaction(ctx, id, newStatus, amountCents, adminNotes, clamp)
	})
}

// GetTransactionsByAccount возвращает транзакции аккаунта.
func (s *Service) GetTransactionsByAccount(ctx context.Context, accountID int64) ([]model.Transaction, error) {
	return s.repo.GetTransactionsByAccount(ctx, accountID)
}

// GetBalance возвращает четыре баланса аккаунта в виде структуры model.Balance.
func (s *Service) GetBalance(ctx context.Context, accountID int64) (*model.Balance, error) {
	a, err := s.repo.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &model.Balance{
		Pending:       float64(a.PendingCashback) / 100,
		Current:       float64(a.CashbackBalance) / 100,
		Lifetime:      float64(a.LifetimeCashback) / 100,
		ReferralBonus: float64(a.ReferralBonusEarned) / 100,
	}, nil
}

// RequestPayout резервирует выплату подтверждённого баланса.
func (s *Service) RequestPayout(ctx context.Context, accountID int64, sum float64, method, detail string) (int64, error) {
	sumCents := int64(sum * 100)
	if sumCents <= 0 {
		return 0, fmt.Errorf("%w: payout sum %v", ledger.ErrInvalidAmount, sum)
	}

	var id int64
	err := s.retryContended(ctx, func() error {
		var inner error
		id, inner = s.repo.RequestPayout(ctx, accountID, sumCents, method, detail)
		return inner
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ResolvePayout переводит заявку на выплату в указанный исход.
func (s *Service) ResolvePayout(ctx context.Context, payoutID int64, outcome model.PayoutStatus) error {
	if !ledger.KnownPayoutStatus(outcome) {
		return fmt.Errorf("%w: payout status %q", ledger.ErrUnknownStatus, outcome)
	}
	return s.retryContended(ctx, func() error {
		return s.repo.ResolvePayout(ctx, payoutID, outcome)
	})
}

// GetPayoutsByAccount возвращает заявки на выплату аккаунта.
func (s *Service) GetPayoutsByAccount(ctx context.Context, accountID int64) ([]model.Payout, error) {
	return s.repo.GetPayoutsByAccount(ctx, accountID)
}

// UpdatePayoutDestination обновляет реквизиты выплат аккаунта.
func (s *Service) UpdatePayoutDestination(ctx context.Context, accountID int64, method, detail string) error {
	if method == "" {
		return fmt.Errorf("%w: empty payout method", ledger.ErrInvalidAmount)
	}
	return s.repo.UpdatePayoutDestination(ctx, accountID, method, detail)
}

// UpsertStore сохраняет снимок магазина каталога. Значение тарифа — в
// процентах для percentage и в рублях для fixed.
func (s *Service) UpsertStore(ctx context.Context, id int64, name string, rateType model.RateType, rateValue float64, trackingURL string) error {
	if rateType != model.RateTypePercentage && rateType != model.RateTypeFixed {
		return fmt.Errorf("%w: rate type %q", ledger.ErrUnknownStatus, rateType)
	}
	if rateValue < 0 {
		return fmt.Errorf("%w: rate value %v", ledger.ErrInvalidAmount, rateValue)
	}
	return s.repo.UpsertStore(ctx, model.Store{
		ID:            id,
		Name:          name,
		CashbackType:  rateType,
		CashbackValue: int64(rateValue * 100),
		TrackingURL:   trackingURL,
	})
}

// StartFeedUpdates запускает фоновый процесс чтения событий продаж из внешнего фида.
func (s *Service) StartFeedUpdates(ctx context.Context) {
	if s.feedClient == nil {
		return
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processFeedBatch(ctx)
			}
		}
	}()
}

func (s *Service) processFeedBatch(ctx context.Context) {
	events, statusCode, retryAfter, err := s.feedClient.GetSales(ctx, s.feedCursor)
	if err != nil {
		s.logger.Warn("sale feed request failed", zap.Error(err))
		return
	}

	if statusCode == 429 {
		if retryAfter > 0 {
			timer := time.NewTimer(retryAfter)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		return
	}

	for _, ev := range events {
		in := SaleInput{
			ExternalRef:     ev.ID,
			AccountID:       ev.AccountID,
			StoreID:         ev.StoreID,
			CouponID:        ev.CouponID,
			SaleAmount:      ev.SaleAmount,
			TransactionDate: ev.TransactionDate,
		}
		if ev.ClickID != "" {
			clickID, parseErr := uuid.Parse(ev.ClickID)
			if parseErr != nil {
				s.logger.Warn("sale event with malformed click id",
					zap.String("event", ev.ID), zap.String("clickID", ev.ClickID))
				s.feedCursor = ev.ID
				continue
			}
			in.ClickID = &clickID
		}

		if _, err := s.CreateTransaction(ctx, in); err != nil {
			if errors.Is(err, ErrNoAttribution) || errors.Is(err, ledger.ErrInvalidAmount) {
				// Неустранимый брак события: пропускаем и двигаем курсор дальше.
				s.logger.Warn("sale event rejected", zap.String("event", ev.ID), zap.Error(err))
				s.feedCursor = ev.ID
				continue
			}
			// Транзиентный сбой. Курсор остаётся перед неприменённым событием,
			// следующий цикл переиграет хвост пачки; дедупликация по external_ref
			// делает повтор уже применённых событий безвредным.
			s.logger.Warn("sale event not applied", zap.String("event", ev.ID), zap.Error(err))
			return
		}

		s.feedCursor = ev.ID
	}
}
