// Package repository содержит реализацию доступа к данным в PostgreSQL.
// Каждая операция, затрагивающая балансы, выполняется одной транзакцией
// с блокировкой строки аккаунта; все изменения балансовых полей проходят
// через applyDelta.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/akudrin/cashback-engine/internal/ledger"
	"github.com/akudrin/cashback-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrAccountExists возвращается при попытке создать аккаунт с уже существующим логином.
var (
	ErrAccountExists = errors.New("account already exists")
	// ErrReferralCodeTaken возвращается при коллизии сгенерированного реферального кода.
	ErrReferralCodeTaken = errors.New("referral code already taken")
	// ErrAccountNotFound возвращается, если аккаунт не найден.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountDisabled возвращается для операций над отключённым аккаунтом.
	ErrAccountDisabled = errors.New("account is disabled")
	// ErrTransactionNotFound возвращается, если транзакция не найдена.
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrTransactionConsumed возвращается при попытке изменить транзакцию,
	// уже привязанную к заявке на выплату.
	ErrTransactionConsumed = errors.New("transaction is consumed by a payout")
	// ErrPayoutNotFound возвращается, если заявка на выплату не найдена.
	ErrPayoutNotFound = errors.New("payout not found")
	// ErrStoreNotFound возвращается, если магазин не найден в каталоге.
	ErrStoreNotFound = errors.New("store not found")
	// ErrClickNotFound возвращается, если клик для атрибуции не найден.
	ErrClickNotFound = errors.New("click not found")
	// ErrInsufficientBalance возвращается при запросе выплаты сверх доступного баланса.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrNoPayoutDestination возвращается, если реквизиты выплаты не заданы
	// ни в запросе, ни в аккаунте.
	ErrNoPayoutDestination = errors.New("payout destination is not set")
	// ErrContention возвращается после исчерпания внутренних повторов
	// конкурентной операции; вызывающая сторона может повторить её целиком.
	ErrContention = errors.New("operation contention")
)

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if isRetryable(err) {
			if i < len(delays) {
				time.Sleep(delays[i])
				continue
			}
			// Повторы исчерпаны на конкурентной ошибке — сообщаем вызывающей
			// стороне, что операцию можно безопасно повторить целиком.
			return fmt.Errorf("%w: %s", ErrContention, err)
		}

		break
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// pgxpool сам переподключается; повторы нужны для конфликтов сериализации и дедлоков.
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// applyDelta — единственная точка записи четырёх балансовых полей.
// Блокирует строку аккаунта, применяет дельту через пакет ledger и
// сохраняет результат; при clamp=true отрицательные значения
// ограничиваются нулём (санкционированная корректировка).
func applyDelta(ctx context.Context, tx pgx.Tx, accountID int64, d ledger.Delta, clamp bool) error {
	var b ledger.Balances
	err := tx.QueryRow(ctx,
		`SELECT pending_cashback, cashback_balance, lifetime_cashback, referral_bonus_earned
		 FROM accounts
		 WHERE id = $1
		 FOR UPDATE`,
		accountID,
	).Scan(&b.Pending, &b.Available, &b.Lifetime, &b.ReferralBonus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrAccountNotFound
		}
		return fmt.Errorf("lock account: %w", err)
	}

	var res ledger.Balances
	if clamp {
		res = b.ApplyClamped(d)
	} else {
		res, err = b.Apply(d)
		if err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE accounts
		 SET pending_cashback = $2,
		     cashback_balance = $3,
		     lifetime_cashback = $4,
		     referral_bonus_earned = $5
		 WHERE id = $1`,
		accountID, res.Pending, res.Available, res.Lifetime, res.ReferralBonus,
	)
	if err != nil {
		return fmt.Errorf("update balances: %w", err)
	}

	return nil
}

// CreateAccountParams содержит данные для создания аккаунта.
type CreateAccountParams struct {
	Login          string
	PasswordHash   []byte
	Email          string
	DisplayName    string
	ReferralCode   string
	ReferredByCode string
	// ReferralBonus — сумма бонуса реферера в копейках.
	ReferralBonus int64
}

// CreateAccount создаёт аккаунт и, если реферальный код указан и
// принадлежит другому существующему аккаунту, начисляет рефереру бонус
// в той же транзакции. Возвращает идентификатор аккаунта и идентификатор
// реферера (0, если начисления не было).
func (r *PostgresRepository) CreateAccount(ctx context.Context, p CreateAccountParams) (int64, int64, error) {
	var accountID, referrerID int64
	err := r.withRetry(ctx, func() error {
		accountID, referrerID = 0, 0
		return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			err := tx.QueryRow(ctx,
				`INSERT INTO accounts (login, password_hash, email, display_name, referral_code, referred_by_code)
				 VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
				 RETURNING id`,
				p.Login, p.PasswordHash, p.Email, p.DisplayName, p.ReferralCode, p.ReferredByCode,
			).Scan(&accountID)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
					if strings.Contains(pgErr.ConstraintName, "referral_code") {
						return ErrReferralCodeTaken
					}
					return fmt.Errorf("%w: %s", ErrAccountExists, p.Login)
				}
				return fmt.Errorf("create account: %w", err)
			}

			if p.ReferredByCode == "" {
				return nil
			}

			// Реферальный бонус начисляется ровно один раз — при создании аккаунта.
			// Собственный и несуществующий коды пропускаются без ошибки.
			err = tx.QueryRow(ctx,
				`SELECT id FROM accounts WHERE referral_code = $1 AND id <> $2 FOR UPDATE`,
				p.ReferredByCode, accountID,
			).Scan(&referrerID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					referrerID = 0
					return nil
				}
				return fmt.Errorf("lock referrer: %w", err)
			}

			if err := applyDelta(ctx, tx, referrerID, ledger.Delta{ReferralBonus: p.ReferralBonus}, false); err != nil {
				return fmt.Errorf("credit referrer: %w", err)
			}

			_, err = tx.Exec(ctx,
				`UPDATE accounts SET referral_count = referral_count + 1 WHERE id = $1`,
				referrerID,
			)
			if err != nil {
				return fmt.Errorf("increment referral count: %w", err)
			}

			return nil
		})
	})
	if err != nil {
		return 0, 0, err
	}
	return accountID, referrerID, nil
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var a model.Account
	var referredBy *string
	err := row.Scan(
		&a.ID, &a.Login, &a.PasswordHash, &a.Email, &a.DisplayName,
		&a.PendingCashback, &a.CashbackBalance, &a.LifetimeCashback, &a.ReferralBonusEarned,
		&a.ReferralCount, &a.ReferralCode, &referredBy, &a.IsDisabled,
		&a.PayoutMethod, &a.PayoutDetail, &a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("scan account: %w", err)
	}
	if referredBy != nil {
		a.ReferredByCode = *referredBy
	}
	return &a, nil
}

const accountColumns = `id, login, password_hash, email, display_name,
	pending_cashback, cashback_balance, lifetime_cashback, referral_bonus_earned,
	referral_count, referral_code, referred_by_code, is_disabled,
	payout_method, payout_detail, created_at`

// GetAccountByLogin возвращает аккаунт по логину.
func (r *PostgresRepository) GetAccountByLogin(ctx context.Context, login string) (*model.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE login = $1`, login))
}

// GetAccountByID возвращает аккаунт по идентификатору.
func (r *PostgresRepository) GetAccountByID(ctx context.Context, id int64) (*model.Account, error) {
	return scanAccount(r.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

// UpdatePayoutDestination обновляет реквизиты выплат аккаунта.
// Балансовые и реферальные поля намеренно недоступны для обновления.
func (r *PostgresRepository) UpdatePayoutDestination(ctx context.Context, accountID int64, method, detail string) error {
	cmdTag, err := r.pool.Exec(ctx,
		`UPDATE accounts SET payout_method = $2, payout_detail = $3 WHERE id = $1`,
		accountID, method, detail,
	)
	if err != nil {
		return fmt.Errorf("update payout destination: %w", err)
	}
	if cmdTag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// UpsertStore сохраняет снимок магазина из каталога партнёров.
func (r *PostgresRepository) UpsertStore(ctx context.Context, s model.Store) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO stores (id, name, cashback_type, cashback_value, tracking_url)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET name = EXCLUDED.name,
		     cashback_type = EXCLUDED.cashback_type,
		     cashback_value = EXCLUDED.cashback_value,
		     tracking_url = EXCLUDED.tracking_url`,
		s.ID, s.Name, string(s.CashbackType), s.CashbackValue, s.TrackingURL,
	)
	if err != nil {
		return fmt.Errorf("upsert store: %w", err)
	}
	return nil
}

// GetStore возвращает магазин по идентификатору.
func (r *PostgresRepository) GetStore(ctx context.Context, id int64) (*model.Store, error) {
	var s model.Store
	var rateType string
	err := r.pool.QueryRow(ctx,
		`SELECT id, name, cashback_type, cashback_value, tracking_url FROM stores WHERE id = $1`,
		id,
	).Scan(&s.ID, &s.Name, &rateType, &s.CashbackValue, &s.TrackingURL)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStoreNotFound
		}
		return nil, fmt.Errorf("get store: %w", err)
	}
	s.CashbackType = model.RateType(rateType)
	return &s, nil
}

// CreateClick сохраняет факт перехода в магазин-партнёр.
func (r *PostgresRepository) CreateClick(ctx context.Context, c model.Click) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO clicks (id, account_id, store_id, coupon_id, product_id, destination_url, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.AccountID, c.StoreID, c.CouponID, c.ProductID, c.DestinationURL, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert click: %w", err)
	}
	return nil
}

// GetClick возвращает клик по идентификатору для атрибуции продажи.
func (r *PostgresRepository) GetClick(ctx context.Context, id uuid.UUID) (*model.Click, error) {
	var c model.Click
	err := r.pool.QueryRow(ctx,
		`SELECT id, account_id, store_id, coupon_id, product_id, destination_url, created_at
		 FROM clicks WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.AccountID, &c.StoreID, &c.CouponID, &c.ProductID, &c.DestinationURL, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClickNotFound
		}
		return nil, fmt.Errorf("get click: %w", err)
	}
	return &c, nil
}

// CreateTransaction создаёт транзакцию в статусе pending и увеличивает
// pendingCashback аккаунта в той же транзакции БД. Повторное событие с тем
// же external_ref не создаёт дубликата. Возвращает идентификатор и признак
// того, что транзакция была создана (а не найдена существующая).
func (r *PostgresRepository) CreateTransaction(ctx context.Context, ev model.SaleEvent, cashbackAmount int64) (int64, bool, error) {
	var id int64
	var created bool
	err := r.withRetry(ctx, func() error {
		return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			err := tx.QueryRow(ctx,
				`INSERT INTO transactions
				     (account_id, store_id, click_id, coupon_id, external_ref, sale_amount, cashback_amount, status, transaction_date)
				 VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)
				 ON CONFLICT (external_ref) DO NOTHING
				 RETURNING id`,
				ev.AccountID, ev.StoreID, ev.ClickID, ev.CouponID, ev.ExternalRef,
				ev.SaleAmount, cashbackAmount, string(model.TransactionStatusPending), ev.TransactionDate,
			).Scan(&id)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					// Событие уже обработано ранее — балансы не трогаем.
					created = false
					return tx.QueryRow(ctx,
						`SELECT id FROM transactions WHERE external_ref = $1`, ev.ExternalRef,
					).Scan(&id)
				}
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
					return ErrAccountNotFound
				}
				return fmt.Errorf("insert transaction: %w", err)
			}

			created = true
			return applyDelta(ctx, tx, ev.AccountID, ledger.CreationDelta(cashbackAmount), false)
		})
	})
	if err != nil {
		return 0, false, err
	}
	return id, created, nil
}

// TransitionTransaction переводит транзакцию в новый статус и применяет
// дельту балансов атомарно со сменой статуса. Переход в текущий статус —
// no-op. Статус paid присваивается только при разрешении выплаты.
func (r *PostgresRepository) TransitionTransaction(ctx context.Context, id int64, newStatus model.TransactionStatus, adminNotes string) error {
	return r.withRetry(ctx, func() error {
		return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			var accountID, amount int64
			var curStr string
			var payoutID *int64
			err := tx.QueryRow(ctx,
				`SELECT account_id, cashback_amount, status, payout_id
				 FROM transactions WHERE id = $1 FOR UPDATE`,
				id,
			).Scan(&accountID, &amount, &curStr, &payoutID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrTransactionNotFound
				}
				return fmt.Errorf("lock transaction: %w", err)
			}

			cur := model.TransactionStatus(curStr)
			if cur == newStatus {
				return nil
			}
			if newStatus == model.TransactionStatusPaid {
				return ledger.ErrPaidImmutable
			}
			if payoutID != nil {
				return fmt.Errorf("%w: payout %d", ErrTransactionConsumed, *payoutID)
			}

			delta, err := ledger.TransitionDelta(cur, newStatus, amount)
			if err != nil {
				return err
			}
			if err := applyDelta(ctx, tx, accountID, delta, false); err != nil {
				return err
			}

			return writeTransactionStatus(ctx, tx, id, newStatus, amount, adminNotes, false)
		})
	})
}

// EditTransaction применяет правку оператора: откат эффекта старого статуса
// со старой суммой, затем эффект нового статуса с новой суммой, одной
// атомарной операцией. При clamp=true уменьшение балансов ограничивается
// нулём (санкционированная корректировка после выплаченных средств).
func (r *PostgresRepository) EditTransaction(ctx context.Context, id int64, newStatus model.TransactionStatus, newAmount int64, adminNotes string, clamp bool) error {
	return r.withRetry(ctx, func() error {
		return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			var accountID, curAmount int64
			var curStr string
			var payoutID *int64
			err := tx.QueryRow(ctx,
				`SELECT account_id, cashback_amount, status, payout_id
				 FROM transactions WHERE id = $1 FOR UPDATE`,
				id,
			).Scan(&accountID, &curAmount, &curStr, &payoutID)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrTransactionNotFound
				}
				return fmt.Errorf("lock transaction: %w", err)
			}

			if payoutID != nil {
				return fmt.Errorf("%w: payout %d", ErrTransactionConsumed, *payoutID)
			}

			delta, err := ledger.EditDelta(model.TransactionStatus(curStr), newStatus, curAmount, newAmount)
			if err != nil {
				return err
			}
			if err := applyDelta(ctx, tx, accountID, delta, clamp); err != nil {
				return err
			}

			return writeTransactionStatus(ctx, tx, id, newStatus, newAmount, adminNotes, true)
		})
	})
}

func writeTransactionStatus(ctx context.Context, tx pgx.Tx, id int64, status model.TransactionStatus, amount int64, adminNotes string, withAmount bool) error {
	now := time.Now()

	var confirmedAt, paidAt *time.Time
	if status == model.TransactionStatusConfirmed {
		confirmedAt = &now
	}
	if status == model.TransactionStatusPaid {
		paidAt = &now
	}

	query := `UPDATE transactions
		 SET status = $2,
		     confirmation_date = COALESCE($3, confirmation_date),
		     paid_date = COALESCE($4, paid_date),
		     admin_notes = CASE WHEN $5 <> '' THEN $5 ELSE admin_notes END
		 WHERE id = $1`
	args := []any{id, string(status), confirmedAt, paidAt, adminNotes}
	if withAmount {
		query = `UPDATE transactions
		 SET status = $2,
		     confirmation_date = COALESCE($3, confirmation_date),
		     paid_date = COALESCE($4, paid_date),
		     admin_notes = CASE WHEN $5 <> '' THEN $5 ELSE admin_notes END,
		     cashback_amount = $6
		 WHERE id = $1`
		args = append(args, amount)
	}

	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	return nil
}

// GetTransactionsByAccount возвращает транзакции аккаунта, новые первыми.
func (r *PostgresRepository) GetTransactionsByAccount(ctx context.Context, accountID int64) ([]model.Transaction, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, account_id, store_id, click_id, coupon_id, COALESCE(external_ref, ''),
		        sale_amount, cashback_amount, status, transaction_date,
		        confirmation_date, paid_date, payout_id, admin_notes
		 FROM transactions
		 WHERE account_id = $1
		 ORDER BY transaction_date DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select transactions: %w", err)
	}
	defer rows.Close()

	var res []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var status string
		if err := rows.Scan(
			&t.ID, &t.AccountID, &t.StoreID, &t.ClickID, &t.CouponID, &t.ExternalRef,
			&t.SaleAmount, &t.CashbackAmount, &status, &t.TransactionDate,
			&t.ConfirmationDate, &t.PaidDate, &t.PayoutID, &t.AdminNotes,
		); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Status = model.TransactionStatus(status)
		res = append(res, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// RequestPayout резервирует сумму выплаты: списывает cashbackBalance,
// создаёт заявку в статусе pending со снимком реквизитов и привязывает
// подтверждённые непривязанные транзакции, пока их суммарный кэшбэк
// помещается в запрошенную сумму. Всё — одной транзакцией БД.
func (r *PostgresRepository) RequestPayout(ctx context.Context, accountID, amount int64, method, detail string) (int64, error) {
	var payoutID int64
	err := r.withRetry(ctx, func() error {
		return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			var available int64
			var disabled bool
			var accMethod, accDetail string
			err := tx.QueryRow(ctx,
				`SELECT cashback_balance, is_disabled, payout_method, payout_detail
				 FROM accounts WHERE id = $1 FOR UPDATE`,
				accountID,
			).Scan(&available, &disabled, &accMethod, &accDetail)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrAccountNotFound
				}
				return fmt.Errorf("lock account: %w", err)
			}

			if disabled {
				return ErrAccountDisabled
			}
			if amount > available {
				return fmt.Errorf("%w: requested %d, available %d", ErrInsufficientBalance, amount, available)
			}

			if method == "" {
				method, detail = accMethod, accDetail
			}
			if method == "" {
				return ErrNoPayoutDestination
			}

			if err := applyDelta(ctx, tx, accountID, ledger.Delta{Available: -amount}, false); err != nil {
				return err
			}

			err = tx.QueryRow(ctx,
				`INSERT INTO payouts (account_id, amount, status, method, detail)
				 VALUES ($1, $2, $3, $4, $5)
				 RETURNING id`,
				accountID, amount, string(model.PayoutStatusPending), method, detail,
			).Scan(&payoutID)
			if err != nil {
				return fmt.Errorf("insert payout: %w", err)
			}

			// Привязываем подтверждённые транзакции по возрастанию даты, пока
			// их нарастающая сумма не превышает сумму выплаты.
			_, err = tx.Exec(ctx,
				`UPDATE transactions SET payout_id = $1
				 WHERE id IN (
				     SELECT id FROM (
				         SELECT id, SUM(cashback_amount) OVER (ORDER BY transaction_date, id) AS running
				         FROM transactions
				         WHERE account_id = $2 AND status = $3 AND payout_id IS NULL
				     ) t
				     WHERE running <= $4
				 )`,
				payoutID, accountID, string(model.TransactionStatusConfirmed), amount,
			)
			if err != nil {
				return fmt.Errorf("attach transactions: %w", err)
			}

			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	return payoutID, nil
}

// ResolvePayout переводит заявку на выплату в новый статус. Исход paid
// помечает привязанные транзакции как paid (баланс уже списан при
// резервировании); rejected и failed возвращают зарезервированную сумму
// и отвязывают транзакции. Переход в текущий статус — no-op.
func (r *PostgresRepository) ResolvePayout(ctx context.Context, payoutID int64, outcome model.PayoutStatus) error {
	return r.withRetry(ctx, func() error {
		return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
			var accountID, amount int64
			var curStr string
			err := tx.QueryRow(ctx,
				`SELECT account_id, amount, status FROM payouts WHERE id = $1 FOR UPDATE`,
				payoutID,
			).Scan(&accountID, &amount, &curStr)
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrPayoutNotFound
				}
				return fmt.Errorf("lock payout: %w", err)
			}

			cur := model.PayoutStatus(curStr)
			if cur == outcome {
				return nil
			}
			if err := ledger.ResolvePayoutTransition(cur, outcome); err != nil {
				return err
			}

			now := time.Now()

			switch {
			case outcome == model.PayoutStatusPaid:
				_, err = tx.Exec(ctx,
					`UPDATE transactions SET status = $2, paid_date = $3
					 WHERE payout_id = $1 AND status = $4`,
					payoutID, string(model.TransactionStatusPaid), now, string(model.TransactionStatusConfirmed),
				)
				if err != nil {
					return fmt.Errorf("mark transactions paid: %w", err)
				}
			case ledger.PayoutRestoresBalance(outcome):
				if err := applyDelta(ctx, tx, accountID, ledger.Delta{Available: amount}, false); err != nil {
					return err
				}
				_, err = tx.Exec(ctx,
					`UPDATE transactions SET payout_id = NULL
					 WHERE payout_id = $1 AND status = $2`,
					payoutID, string(model.TransactionStatusConfirmed),
				)
				if err != nil {
					return fmt.Errorf("detach transactions: %w", err)
				}
			}

			var processedAt *time.Time
			if ledger.PayoutTerminal(outcome) {
				processedAt = &now
			}

			_, err = tx.Exec(ctx,
				`UPDATE payouts SET status = $2, processed_at = COALESCE($3, processed_at) WHERE id = $1`,
				payoutID, string(outcome), processedAt,
			)
			if err != nil {
				return fmt.Errorf("update payout: %w", err)
			}

			return nil
		})
	})
}

// GetPayoutsByAccount возвращает заявки на выплату аккаунта, новые первыми.
func (r *PostgresRepository) GetPayoutsByAccount(ctx context.Context, accountID int64) ([]model.Payout, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, account_id, amount, status, method, detail, requested_at, processed_at
		 FROM payouts
		 WHERE account_id = $1
		 ORDER BY requested_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("select payouts: %w", err)
	}
	defer rows.Close()

	var res []model.Payout
	for rows.Next() {
		var p model.Payout
		var status string
		if err := rows.Scan(&p.ID, &p.AccountID, &p.Amount, &status, &p.Method, &p.Detail, &p.RequestedAt, &p.ProcessedAt); err != nil {
			return nil, fmt.Errorf("scan payout: %w", err)
		}
		p.Status = model.PayoutStatus(status)
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
