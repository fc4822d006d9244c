package deal

import (
	"time"

	"github.com/moneygood/backend/internal/models"
)

// IsPastDue reports whether the deal date has elapsed at now.
func IsPastDue(dealDate, now time.Time) bool {
	return now.After(dealDate)
}

// SweepAction is what the past-due sweep should do with a deal.
type SweepAction int

const (
	SweepSkip SweepAction = iota
	SweepMarkPastDue
	SweepFlagFundingOverdue
)

// SweepActionFor decides the sweep's treatment of d at now. Active deals go
// past due. Awaiting-funding deals have no pastdue transition, so they are
// flagged once and stay cancellable.
func SweepActionFor(d *models.Deal, now time.Time) SweepAction {
	if !IsPastDue(d.DealDate, now) {
		return SweepSkip
	}
	switch d.Status {
	case models.StatusActive:
		return SweepMarkPastDue
	case models.StatusAwaitingFunding:
		if d.FundingOverdueAt == nil {
			return SweepFlagFundingOverdue
		}
	}
	return SweepSkip
}

// ExtendDealDate returns the deal date pushed out by the extension's days.
func (p FeePolicy) ExtendDealDate(dealDate time.Time, t models.ExtensionType) (time.Time, error) {
	days, err := p.ExtensionDays(t)
	if err != nil {
		return dealDate, err
	}
	return dealDate.AddDate(0, 0, days), nil
}
