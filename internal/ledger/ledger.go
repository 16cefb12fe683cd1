// Package ledger содержит правила изменения балансов аккаунта:
// таблицу переходов статусов транзакции, арифметику дельт четырёх
// балансовых полей и расчёт суммы кэшбэка. Пакет не обращается к
// хранилищу — все изменения балансов в системе проходят через него.
package ledger

import (
	"errors"
	"fmt"

	"github.com/akudrin/cashback-engine/internal/model"
)

// ErrInvalidTransition возвращается при переходе, отсутствующем в таблице переходов.
var (
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrUnknownStatus возвращается для статуса вне закрытого перечисления.
	ErrUnknownStatus = errors.New("unknown status")
	// ErrNegativeBalance возвращается, если применение дельты увело бы баланс ниже нуля.
	ErrNegativeBalance = errors.New("balance would go negative")
	// ErrInvalidAmount возвращается для отрицательной или нулевой суммы там, где она недопустима.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrPaidImmutable возвращается при попытке редактирования, затрагивающего статус paid.
	// Перевод в paid выполняется только при разрешении выплаты.
	ErrPaidImmutable = errors.New("paid transactions are managed by payout resolution")
)

// Delta описывает атомарное изменение четырёх балансовых полей аккаунта в копейках.
type Delta struct {
	Pending       int64
	Available     int64
	Lifetime      int64
	ReferralBonus int64
}

// IsZero сообщает, что дельта не меняет ни одно поле.
func (d Delta) IsZero() bool {
	return d.Pending == 0 && d.Available == 0 && d.Lifetime == 0 && d.ReferralBonus == 0
}

// Negate возвращает обратную дельту.
func (d Delta) Negate() Delta {
	return Delta{
		Pending:       -d.Pending,
		Available:     -d.Available,
		Lifetime:      -d.Lifetime,
		ReferralBonus: -d.ReferralBonus,
	}
}

// Add возвращает сумму двух дельт.
func (d Delta) Add(o Delta) Delta {
	return Delta{
		Pending:       d.Pending + o.Pending,
		Available:     d.Available + o.Available,
		Lifetime:      d.Lifetime + o.Lifetime,
		ReferralBonus: d.ReferralBonus + o.ReferralBonus,
	}
}

// Balances содержит четыре балансовых поля аккаунта в копейках.
type Balances struct {
	Pending       int64
	Available     int64
	Lifetime      int64
	ReferralBonus int64
}

// Apply применяет дельту ко всем четырём полям как единое целое.
// Если хотя бы одно поле ушло бы ниже нуля, возвращается ErrNegativeBalance
// и исходные значения остаются без изменений.
func (b Balances) Apply(d Delta) (Balances, error) {
	res := Balances{
		Pending:       b.Pending + d.Pending,
		Available:     b.Available + d.Available,
		Lifetime:      b.Lifetime + d.Lifetime,
		ReferralBonus: b.ReferralBonus + d.ReferralBonus,
	}
	if res.Pending < 0 || res.Available < 0 || res.Lifetime < 0 || res.ReferralBonus < 0 {
		return b, fmt.Errorf("%w: pending=%d available=%d lifetime=%d bonus=%d",
			ErrNegativeBalance, res.Pending, res.Available, res.Lifetime, res.ReferralBonus)
	}
	return res, nil
}

// ApplyClamped применяет дельту, ограничивая каждое поле снизу нулём.
// Используется только для санкционированных корректировок оператора.
func (b Balances) ApplyClamped(d Delta) Balances {
	res := Balances{
		Pending:       b.Pending + d.Pending,
		Available:     b.Available + d.Available,
		Lifetime:      b.Lifetime + d.Lifetime,
		ReferralBonus: b.ReferralBonus + d.ReferralBonus,
	}
	if res.Pending < 0 {
		res.Pending = 0
	}
	if res.Available < 0 {
		res.Available = 0
	}
	if res.Lifetime < 0 {
		res.Lifetime = 0
	}
	if res.ReferralBonus < 0 {
		res.ReferralBonus = 0
	}
	return res
}

// transitions — закрытая таблица допустимых переходов статуса транзакции.
// rejected -> pending — исключительный путь переоткрытия оператором.
var transitions = map[model.TransactionStatus][]model.TransactionStatus{
	model.TransactionStatusPending:   {model.TransactionStatusConfirmed, model.TransactionStatusRejected, model.TransactionStatusCancelled},
	model.TransactionStatusConfirmed: {model.TransactionStatusPaid, model.TransactionStatusRejected},
	model.TransactionStatusRejected:  {model.TransactionStatusPending},
	model.TransactionStatusCancelled: {},
	model.TransactionStatusPaid:      {},
}

// KnownStatus сообщает, входит ли статус в закрытое перечисление.
func KnownStatus(s model.TransactionStatus) bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition сообщает, допустим ли переход по таблице переходов.
func CanTransition(from, to model.TransactionStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CreationDelta возвращает дельту создания транзакции в статусе pending.
func CreationDelta(amount int64) Delta {
	return Delta{Pending: amount}
}

// TransitionDelta возвращает дельту балансов для перехода статуса транзакции.
// Переход в тот же статус обрабатывается вызывающей стороной как no-op
// до обращения сюда; здесь он отклоняется вместе с прочими переходами вне таблицы.
func TransitionDelta(from, to model.TransactionStatus, amount int64) (Delta, error) {
	if amount < 0 {
		return Delta{}, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	if !KnownStatus(from) {
		return Delta{}, fmt.Errorf("%w: %q", ErrUnknownStatus, from)
	}
	if !KnownStatus(to) {
		return Delta{}, fmt.Errorf("%w: %q", ErrUnknownStatus, to)
	}
	if !CanTransition(from, to) {
		return Delta{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	switch {
	case from == model.TransactionStatusPending && to == model.TransactionStatusConfirmed:
		return Delta{Pending: -amount, Available: amount, Lifetime: amount}, nil
	case from == model.TransactionStatusPending:
		// pending -> rejected | cancelled
		return Delta{Pending: -amount}, nil
	case from == model.TransactionStatusConfirmed && to == model.TransactionStatusRejected:
		return Delta{Available: -amount, Lifetime: -amount}, nil
	case from == model.TransactionStatusConfirmed && to == model.TransactionStatusPaid:
		// Баланс списывает выплата, не переход.
		return Delta{}, nil
	case from == model.TransactionStatusRejected && to == model.TransactionStatusPending:
		return Delta{Pending: amount}, nil
	}

	return Delta{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// Effect возвращает совокупный вклад транзакции в балансы аккаунта,
// когда она находится в указанном статусе. Используется алгоритмом
// редактирования: сначала откат эффекта старого статуса, затем
// применение эффекта нового.
func Effect(status model.TransactionStatus, amount int64) (Delta, error) {
	if amount < 0 {
		return Delta{}, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	switch status {
	case model.TransactionStatusPending:
		return Delta{Pending: amount}, nil
	case model.TransactionStatusConfirmed:
		return Delta{Available: amount, Lifetime: amount}, nil
	case model.TransactionStatusRejected, model.TransactionStatusCancelled:
		return Delta{}, nil
	case model.TransactionStatusPaid:
		return Delta{}, ErrPaidImmutable
	}

	return Delta{}, fmt.Errorf("%w: %q", ErrUnknownStatus, status)
}

// EditDelta возвращает дельту редактирования транзакции оператором:
// обратный эффект старого статуса со старой суммой плюс прямой эффект
// нового статуса с новой суммой. Обе части применяются одной атомарной
// операцией вызывающей стороной.
func EditDelta(oldStatus, newStatus model.TransactionStatus, oldAmount, newAmount int64) (Delta, error) {
	revert, err := Effect(oldStatus, oldAmount)
	if err != nil {
		return Delta{}, err
	}
	forward, err := Effect(newStatus, newAmount)
	if err != nil {
		return Delta{}, err
	}
	return revert.Negate().Add(forward), nil
}

// ComputeCashback вычисляет сумму кэшбэка по тарифу магазина на момент
// создания транзакции. Для percentage значение тарифа задано в сотых
// долях процента, для fixed — в копейках независимо от суммы покупки.
func ComputeCashback(rateType model.RateType, rateValue, saleAmount int64) (int64, error) {
	if saleAmount <= 0 {
		return 0, fmt.Errorf("%w: sale amount %d", ErrInvalidAmount, saleAmount)
	}
	if rateValue < 0 {
		return 0, fmt.Errorf("%w: rate value %d", ErrInvalidAmount, rateValue)
	}

	switch rateType {
	case model.RateTypePercentage:
		return saleAmount * rateValue / 10000, nil
	case model.RateTypeFixed:
		return rateValue, nil
	}

	return 0, fmt.Errorf("%w: rate type %q", ErrUnknownStatus, rateType)
}
