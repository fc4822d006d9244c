package deal

import (
	"fmt"

	"github.com/moneygood/backend/internal/models"
)

// FairnessCategory decides what happens to the fairness holds.
type FairnessCategory string

const (
	BothCompleted FairnessCategory = "BOTH_COMPLETED"
	AFailed       FairnessCategory = "A_FAILED"
	BFailed       FairnessCategory = "B_FAILED"
	BothFailed    FairnessCategory = "BOTH_FAILED"
	Cancelled     FairnessCategory = "CANCELLED"
)

// HoldSplit is how each party's fairness hold is divided. For each party
// Refund + Forfeit equals the hold.
type HoldSplit struct {
	RefundA  int64 `json:"refundA"`
	RefundB  int64 `json:"refundB"`
	ForfeitA int64 `json:"forfeitA"`
	ForfeitB int64 `json:"forfeitB"`
}

// CalculateRefunds splits the two holds for category.
func CalculateRefunds(category FairnessCategory, holdA, holdB int64) (HoldSplit, error) {
	switch category {
	case BothCompleted, Cancelled:
		return HoldSplit{RefundA: holdA, RefundB: holdB}, nil
	case AFailed:
		return HoldSplit{ForfeitA: holdA, RefundB: holdB}, nil
	case BFailed:
		return HoldSplit{RefundA: holdA, ForfeitB: holdB}, nil
	case BothFailed:
		return HoldSplit{ForfeitA: holdA, ForfeitB: holdB}, nil
	}
	return HoldSplit{}, Errorf(ErrInvalidArgument, "unknown fairness category %q", category)
}

// ParseOutcome validates an outcome code.
func ParseOutcome(raw string) (models.Outcome, error) {
	switch o := models.Outcome(raw); o {
	case models.OutcomeReleaseToCreator, models.OutcomeReleaseToParticipant, models.OutcomeRefundBoth:
		return o, nil
	}
	return "", Errorf(ErrInvalidArgument, "unknown outcome %q", raw)
}

// ParseFairnessCategory validates a fairness category. CANCELLED is reserved
// for cancellation and is rejected here.
func ParseFairnessCategory(raw string) (FairnessCategory, error) {
	switch c := FairnessCategory(raw); c {
	case BothCompleted, AFailed, BFailed, BothFailed:
		return c, nil
	}
	return "", Errorf(ErrInvalidArgument, "unknown fairness category %q", raw)
}

// SettlementPlan is the list of money movements a settlement produces.
type SettlementPlan struct {
	Holds   HoldSplit            `json:"holds"`
	Entries []models.LedgerEntry `json:"entries"`
}

// Total sums the plan by entry kind.
func (p SettlementPlan) Total(kind models.LedgerEntryKind) int64 {
	var total int64
	for _, e := range p.Entries {
		if e.Kind == kind {
			total += e.AmountMinorUnits
		}
	}
	return total
}

// PlanCompletion routes the principal held per outcome and splits the
// fairness holds per category. Entry IDs are left empty for the store.
func PlanCompletion(d *models.Deal, outcome models.Outcome, category FairnessCategory) (SettlementPlan, error) {
	split, err := CalculateRefunds(category, heldFairness(d, models.PartyA), heldFairness(d, models.PartyB))
	if err != nil {
		return SettlementPlan{}, err
	}
	plan := SettlementPlan{Holds: split}

	contributions := succeeded(d, models.PurposeContribution)
	var principal int64
	for _, p := range contributions {
		principal += p.PrincipalPortionMinorUnits
	}

	switch outcome {
	case models.OutcomeReleaseToCreator:
		plan.add(d.ID, "", models.PartyA, models.LedgerPayout, principal)
	case models.OutcomeReleaseToParticipant:
		plan.add(d.ID, "", models.PartyB, models.LedgerPayout, principal)
	case models.OutcomeRefundBoth:
		for _, p := range contributions {
			plan.add(d.ID, p.ID, p.Party, models.LedgerRefund, p.PrincipalPortionMinorUnits)
		}
	default:
		return SettlementPlan{}, Errorf(ErrInvalidArgument, "unknown outcome %q", outcome)
	}

	for _, p := range succeeded(d, models.PurposeFairnessHold) {
		refund, forfeit := split.RefundA, split.ForfeitA
		if p.Party == models.PartyB {
			refund, forfeit = split.RefundB, split.ForfeitB
		}
		// a hold paid in one payment takes the party's whole share
		if refund > 0 {
			plan.add(d.ID, p.ID, p.Party, models.LedgerRefund, refund)
		}
		if forfeit > 0 {
			plan.add(d.ID, p.ID, p.Party, models.LedgerForfeit, forfeit)
		}
	}

	return plan, nil
}

// PlanCancellation refunds the principal portion of every succeeded payment
// and retains the fee portion.
func PlanCancellation(d *models.Deal) SettlementPlan {
	plan := SettlementPlan{}
	split, _ := CalculateRefunds(Cancelled, heldFairness(d, models.PartyA), heldFairness(d, models.PartyB))
	plan.Holds = split

	for _, p := range d.Payments {
		if p.Status != models.PaymentSucceeded {
			continue
		}
		plan.add(d.ID, p.ID, p.Party, models.LedgerRefund, p.PrincipalPortionMinorUnits)
		plan.add(d.ID, p.ID, p.Party, models.LedgerForfeit, p.FeePortionMinorUnits())
	}
	return plan
}

// Describe renders a one-line summary for audit details.
func (p SettlementPlan) Describe() string {
	return fmt.Sprintf("refund=%d payout=%d forfeit=%d",
		p.Total(models.LedgerRefund), p.Total(models.LedgerPayout), p.Total(models.LedgerForfeit))
}

func (p *SettlementPlan) add(dealID, paymentID string, party models.Party, kind models.LedgerEntryKind, amount int64) {
	if amount <= 0 {
		return
	}
	status := models.LedgerPending
	if kind == models.LedgerForfeit {
		status = models.LedgerRetained
	}
	p.Entries = append(p.Entries, models.LedgerEntry{
		DealID:           dealID,
		PaymentID:        paymentID,
		Party:            party,
		Kind:             kind,
		AmountMinorUnits: amount,
		Status:           status,
	})
}

// heldFairness is the hold actually collected from party, which is zero if
// the hold payment never succeeded.
func heldFairness(d *models.Deal, party models.Party) int64 {
	var held int64
	for _, p := range succeeded(d, models.PurposeFairnessHold) {
		if p.Party == party {
			held += p.PrincipalPortionMinorUnits
		}
	}
	return held
}

func succeeded(d *models.Deal, purpose models.PaymentPurpose) []models.Payment {
	var out []models.Payment
	for _, p := range d.Payments {
		if p.Status == models.PaymentSucceeded && p.Purpose == purpose {
			out = append(out, p)
		}
	}
	return out
}
