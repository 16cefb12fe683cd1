package ledger

import (
	"errors"
	"testing"

	"github.com/akudrin/cashback-engine/internal/model"
)

func TestResolvePayoutTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    model.PayoutStatus
		to      model.PayoutStatus
		wantErr error
	}{
		{name: "pending to approved", from: model.PayoutStatusPending, to: model.PayoutStatusApproved},
		{name: "pending straight to paid", from: model.PayoutStatusPending, to: model.PayoutStatusPaid},
		{name: "pending to rejected", from: model.PayoutStatusPending, to: model.PayoutStatusRejected},
		{name: "approved to failed", from: model.PayoutStatusApproved, to: model.PayoutStatusFailed},
		{name: "processing to paid", from: model.PayoutStatusProcessing, to: model.PayoutStatusPaid},
		{
			name:    "paid is terminal",
			from:    model.PayoutStatusPaid,
			to:      model.PayoutStatusFailed,
			wantErr: ErrInvalidTransition,
		},
		{
			name:    "rejected is terminal",
			from:    model.PayoutStatusRejected,
			to:      model.PayoutStatusPending,
			wantErr: ErrInvalidTransition,
		},
		{
			name:    "pending cannot fail before processing",
			from:    model.PayoutStatusPending,
			to:      model.PayoutStatusFailed,
			wantErr: ErrInvalidTransition,
		},
		{
			name:    "unknown outcome",
			from:    model.PayoutStatusPending,
			to:      model.PayoutStatus("settled"),
			wantErr: ErrUnknownStatus,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ResolvePayoutTransition(tt.from, tt.to)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("ResolvePayoutTransition(%s, %s) error = %v, want %v", tt.from, tt.to, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("ResolvePayoutTransition(%s, %s) error: %v", tt.from, tt.to, err)
			}
		})
	}
}

func TestPayoutTerminalAndRestore(t *testing.T) {
	for _, s := range []model.PayoutStatus{model.PayoutStatusPaid, model.PayoutStatusRejected, model.PayoutStatusFailed} {
		if !PayoutTerminal(s) {
			t.Fatalf("PayoutTerminal(%s) = false, want true", s)
		}
	}
	for _, s := range []model.PayoutStatus{model.PayoutStatusPending, model.PayoutStatusApproved, model.PayoutStatusProcessing} {
		if PayoutTerminal(s) {
			t.Fatalf("PayoutTerminal(%s) = true, want false", s)
		}
	}

	if PayoutRestoresBalance(model.PayoutStatusPaid) {
		t.Fatalf("paid must not restore balance")
	}
	if !PayoutRestoresBalance(model.PayoutStatusRejected) || !PayoutRestoresBalance(model.PayoutStatusFailed) {
		t.Fatalf("rejected and failed must restore balance")
	}
}
