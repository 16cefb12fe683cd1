package ledger

import (
	"fmt"

	"github.com/akudrin/cashback-engine/internal/model"
)

// payoutTransitions — закрытая таблица допустимых переходов статуса выплаты.
var payoutTransitions = map[model.PayoutStatus][]model.PayoutStatus{
	model.PayoutStatusPending:    {model.PayoutStatusApproved, model.PayoutStatusProcessing, model.PayoutStatusPaid, model.PayoutStatusRejected},
	model.PayoutStatusApproved:   {model.PayoutStatusProcessing, model.PayoutStatusPaid, model.PayoutStatusRejected, model.PayoutStatusFailed},
	model.PayoutStatusProcessing: {model.PayoutStatusPaid, model.PayoutStatusFailed},
	model.PayoutStatusPaid:       {},
	model.PayoutStatusRejected:   {},
	model.PayoutStatusFailed:     {},
}

// KnownPayoutStatus сообщает, входит ли статус выплаты в закрытое перечисление.
func KnownPayoutStatus(s model.PayoutStatus) bool {
	_, ok := payoutTransitions[s]
	return ok
}

// PayoutTerminal сообщает, что из статуса выплаты нет дальнейших переходов.
func PayoutTerminal(s model.PayoutStatus) bool {
	return len(payoutTransitions[s]) == 0 && KnownPayoutStatus(s)
}

// PayoutRestoresBalance сообщает, возвращает ли исход выплаты
// зарезервированную сумму обратно на доступный баланс.
func PayoutRestoresBalance(s model.PayoutStatus) bool {
	return s == model.PayoutStatusRejected || s == model.PayoutStatusFailed
}

// ResolvePayoutTransition проверяет переход статуса выплаты по таблице.
// Переход в текущий статус обрабатывается вызывающей стороной как no-op.
func ResolvePayoutTransition(from, to model.PayoutStatus) error {
	if !KnownPayoutStatus(from) {
		return fmt.Errorf("%w: payout status %q", ErrUnknownStatus, from)
	}
	if !KnownPayoutStatus(to) {
		return fmt.Errorf("%w: payout status %q", ErrUnknownStatus, to)
	}
	for _, s := range payoutTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: payout %s -> %s", ErrInvalidTransition, from, to)
}
