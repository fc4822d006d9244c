package models

import (
	"time"
)

// LedgerEntryKind describes the direction of a settlement money movement
type LedgerEntryKind string

const (
	LedgerRefund  LedgerEntryKind = "REFUND"
	LedgerPayout  LedgerEntryKind = "PAYOUT"
	LedgerForfeit LedgerEntryKind = "FORFEIT"
)

// LedgerEntryStatus values
const (
	LedgerPending   = "PENDING"
	LedgerSucceeded = "SUCCEEDED"
	LedgerFailed    = "FAILED"
	LedgerRetained  = "RETAINED"
)

// LedgerEntry is one money movement produced when a deal settles
type LedgerEntry struct {
	ID               string          `json:"id" db:"id"`
	DealID           string          `json:"dealId" db:"deal_id"`
	PaymentID        string          `json:"paymentId,omitempty" db:"payment_id"`
	Party            Party           `json:"party" db:"party"`
	Kind             LedgerEntryKind `json:"kind" db:"kind"`
	AmountMinorUnits int64           `json:"amountMinorUnits" db:"amount"` // in minor units
	Status           string          `json:"status" db:"status"`
	Error            string          `json:"error,omitempty" db:"error"`
	CreatedAt        time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt        time.Time       `json:"updatedAt" db:"updated_at"`
}

// NeedsProcessor reports whether executing the entry moves money at the processor.
func (e LedgerEntry) NeedsProcessor() bool {
	return e.Kind == LedgerRefund || e.Kind == LedgerPayout
}
