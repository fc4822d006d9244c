package models

import "time"

// PaymentPurpose is what a processor charge paid for
type PaymentPurpose string

const (
	PurposeSetupFee     PaymentPurpose = "SETUP_FEE"
	PurposeContribution PaymentPurpose = "CONTRIBUTION"
	PurposeFairnessHold PaymentPurpose = "FAIRNESS_HOLD"
)

// PaymentStatus represents processor transaction status
const (
	PaymentSucceeded = "SUCCEEDED"
	PaymentFailed    = "FAILED"
)

// Payment tracks one processor transaction against a deal.
// PrincipalPortionMinorUnits is the part eligible for refund on cancellation;
// the remainder is fee and is never refunded.
type Payment struct {
	ID                         string         `json:"id"`
	ProcessorRef               string         `json:"processorRef,omitempty"`
	Party                      Party          `json:"party"`
	Purpose                    PaymentPurpose `json:"purpose"`
	AmountMinorUnits           int64          `json:"amountMinorUnits"`
	PrincipalPortionMinorUnits int64          `json:"principalPortionMinorUnits"`
	Status                     string         `json:"status"`
	RecordedAt                 time.Time      `json:"recordedAt"`
}

// FeePortionMinorUnits is the non-refundable remainder of the payment.
func (p Payment) FeePortionMinorUnits() int64 {
	return p.AmountMinorUnits - p.PrincipalPortionMinorUnits
}
