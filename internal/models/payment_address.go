package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/payment-forwarder/internal/types"
)

// PaymentAddress is one issued receiving address and its settlement state.
// One row per receiving address; rows are never deleted.
type PaymentAddress struct {
	DestinationAddress string              `json:"destinationAddress" db:"destination_address"`
	PaymentAddress     string              `json:"paymentAddress" db:"payment_address"`
	TargetBalance      types.Satoshi       `json:"targetBalance" db:"target_balance"`
	PayableBalance     types.Satoshi       `json:"payableBalance" db:"payable_balance"`
	Status             types.AddressStatus `json:"status" db:"status"`
	Forwarded          bool                `json:"forwarded" db:"forwarded"`
	ForwardedAmount    types.Satoshi       `json:"forwardedAmount" db:"forwarded_amount"` // observed balance when forwarded flipped
	PaidOut            bool                `json:"paidOut" db:"paid_out"`
	PayoutID           *uuid.UUID          `json:"payoutId,omitempty" db:"payout_id"`
	PayoutTxID         *string             `json:"payoutTxId,omitempty" db:"payout_txid"`
	CreatedAt          time.Time           `json:"createdAt" db:"created_at"`
	UpdatedAt          time.Time           `json:"updatedAt" db:"updated_at"`
	ForwardedAt        *time.Time          `json:"forwardedAt,omitempty" db:"forwarded_at"`
	PaidOutAt          *time.Time          `json:"paidOutAt,omitempty" db:"paid_out_at"`
}

// IsClaimed reports whether a payout has been assigned to this row
func (p *PaymentAddress) IsClaimed() bool {
	return p.PayoutID != nil
}

// IsBanked reports whether the row's value is forwarded but not yet claimed by any payout
func (p *PaymentAddress) IsBanked() bool {
	return p.Forwarded && !p.PaidOut && p.PayoutID == nil
}

// PendingPayout is a claimed payout whose payment has not been confirmed yet
type PendingPayout struct {
	PayoutID           uuid.UUID     `json:"payoutId"`
	DestinationAddress string        `json:"destinationAddress"`
	Amount             types.Satoshi `json:"amount"`
	AddressCount       int           `json:"addressCount"`
}

// LedgerStats summarises the ledger for health reporting
type LedgerStats struct {
	TotalAddresses     int64         `json:"totalAddresses"`
	Unforwarded        int64         `json:"unforwarded"`
	ForwardedUnpaid    int64         `json:"forwardedUnpaid"`
	PaidOut            int64         `json:"paidOut"`
	OutstandingPayable types.Satoshi `json:"outstandingPayable"`
	BankedAmount       types.Satoshi `json:"bankedAmount"`
}

// PayoutEvent is an append-only audit record of one payout attempt
type PayoutEvent struct {
	PayoutID           uuid.UUID     `json:"payoutId"`
	DestinationAddress string        `json:"destinationAddress"`
	Amount             types.Satoshi `json:"amount"`
	AddressCount       int           `json:"addressCount"`
	TxID               string        `json:"txId,omitempty"`
	Result             string        `json:"result"` // sent, failed
	Error              string        `json:"error,omitempty"`
	Network            types.Network `json:"network"`
	OccurredAt         time.Time     `json:"occurredAt"`
}
