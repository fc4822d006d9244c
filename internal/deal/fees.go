package deal

import (
	"math"
	"strings"

	"github.com/moneygood/backend/internal/models"
)

const basisPoints = 10_000

// DefaultMaximumMinorUnits caps a single leg at one billion major units.
const DefaultMaximumMinorUnits int64 = 100_000_000_000

// MaxConfigurableMinorUnits keeps two capped legs plus fees well inside int64.
const MaxConfigurableMinorUnits int64 = 1 << 60

// FeePolicy holds the platform's fee constants. All amounts are minor units.
type FeePolicy struct {
	SetupFeeMinorUnits     int64
	HoldPercentage         float64
	ExtensionFeeMinorUnits int64
	MinimumMinorUnits      int64
	MaximumMinorUnits      int64
	StandardExtensionDays  int
	ExtendedExtensionDays  int
}

// DefaultFeePolicy returns the production defaults.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{
		SetupFeeMinorUnits:     500,
		HoldPercentage:         0.20,
		ExtensionFeeMinorUnits: 300,
		MinimumMinorUnits:      500,
		MaximumMinorUnits:      DefaultMaximumMinorUnits,
		StandardExtensionDays:  7,
		ExtendedExtensionDays:  14,
	}
}

// SetupFee is the flat, non-refundable fee each party pays once per deal.
func (p FeePolicy) SetupFee() int64 {
	return p.SetupFeeMinorUnits
}

// FairnessHold returns declared × HoldPercentage rounded half up. The
// percentage is applied in integer basis points so the result never depends on
// float representation of the amount.
func (p FeePolicy) FairnessHold(declaredValueMinorUnits int64) int64 {
	if declaredValueMinorUnits <= 0 {
		return 0
	}
	bps := int64(math.Round(p.HoldPercentage * basisPoints))
	if bps <= 0 {
		return 0
	}
	// Split on basisPoints so declared*bps never has to fit in an int64.
	q, r := declaredValueMinorUnits/basisPoints, declaredValueMinorUnits%basisPoints
	return q*bps + (r*bps+basisPoints/2)/basisPoints
}

// FeeInput is the data DealFees needs.
type FeeInput struct {
	DealType       models.DealType
	DeclaredValueA int64
	DeclaredValueB int64
}

// DealFees is the fee set computed at creation.
type DealFees struct {
	SetupFeeMinorUnits  int64 `json:"setupFeeMinorUnits"`
	FairnessHoldA       int64 `json:"fairnessHoldA"`
	FairnessHoldB       int64 `json:"fairnessHoldB"`
	TotalFeesMinorUnits int64 `json:"totalFeesMinorUnits"`
}

// DealFees dispatches on the fee bucket. In a MONEY_NONMONEY deal the hold is
// charged to whichever side declared a value.
func (p FeePolicy) DealFees(in FeeInput) (DealFees, error) {
	bucket, err := Classify(in.DealType)
	if err != nil {
		return DealFees{}, err
	}

	fees := DealFees{SetupFeeMinorUnits: p.SetupFee()}
	switch bucket {
	case BucketMoneyMoney:
	case BucketMoneyNonMoney:
		if in.DeclaredValueA > 0 {
			fees.FairnessHoldA = p.FairnessHold(in.DeclaredValueA)
		} else {
			fees.FairnessHoldB = p.FairnessHold(in.DeclaredValueB)
		}
	case BucketNonMoneyNonMoney:
		fees.FairnessHoldA = p.FairnessHold(in.DeclaredValueA)
		fees.FairnessHoldB = p.FairnessHold(in.DeclaredValueB)
	default:
		return DealFees{}, Errorf(ErrInvalidArgument, "unhandled fee bucket %q", bucket)
	}

	total, err := sumMinorUnits(fees.SetupFeeMinorUnits, fees.SetupFeeMinorUnits, fees.FairnessHoldA, fees.FairnessHoldB)
	if err != nil {
		return DealFees{}, err
	}
	fees.TotalFeesMinorUnits = total
	return fees, nil
}

// Breakdown computes the immutable fee breakdown and per-party holds for two legs.
func (p FeePolicy) Breakdown(dt models.DealType, legA, legB models.Leg) (models.FeeBreakdown, DealFees, error) {
	fees, err := p.DealFees(FeeInput{
		DealType:       dt,
		DeclaredValueA: declaredValue(legA),
		DeclaredValueB: declaredValue(legB),
	})
	if err != nil {
		return models.FeeBreakdown{}, DealFees{}, err
	}

	var principals []int64
	for _, l := range []models.Leg{legA, legB} {
		if l.IsMoney() {
			principals = append(principals, l.PrincipalMinorUnits)
		}
	}
	principal, err := sumMinorUnits(principals...)
	if err != nil {
		return models.FeeBreakdown{}, DealFees{}, err
	}
	total, err := sumMinorUnits(principal, fees.TotalFeesMinorUnits)
	if err != nil {
		return models.FeeBreakdown{}, DealFees{}, err
	}

	return models.FeeBreakdown{
		PrincipalMinorUnits:   principal,
		SetupFeeMinorUnits:    fees.SetupFeeMinorUnits,
		TotalChargeMinorUnits: total,
	}, fees, nil
}

// ExtensionFee is the flat fee for either extension type.
func (p FeePolicy) ExtensionFee(t models.ExtensionType) (int64, error) {
	if _, err := p.ExtensionDays(t); err != nil {
		return 0, err
	}
	return p.ExtensionFeeMinorUnits, nil
}

// ExtensionDays returns the days an approved extension adds to the deal date.
func (p FeePolicy) ExtensionDays(t models.ExtensionType) (int, error) {
	switch models.ExtensionType(strings.ToUpper(string(t))) {
	case models.ExtensionStandard:
		return p.StandardExtensionDays, nil
	case models.ExtensionExtended:
		return p.ExtendedExtensionDays, nil
	}
	return 0, Errorf(ErrInvalidArgument, "unknown extension type %q", t)
}

// ValidateLeg enforces leg bounds. Amounts outside [minimum, maximum] are
// rejected, not clamped. A zero MaximumMinorUnits leaves legs uncapped.
func (p FeePolicy) ValidateLeg(name string, l models.Leg) error {
	rule, err := LegRules(l.Kind)
	if err != nil {
		return err
	}

	if rule.RequiresContribution {
		if l.PrincipalMinorUnits < p.MinimumMinorUnits {
			return Errorf(ErrInvalidArgument, "%s principal %d is below the minimum of %d", name, l.PrincipalMinorUnits, p.MinimumMinorUnits)
		}
		if p.exceedsMaximum(l.PrincipalMinorUnits) {
			return Errorf(ErrInvalidArgument, "%s principal %d exceeds the maximum of %d", name, l.PrincipalMinorUnits, p.MaximumMinorUnits)
		}
		if l.DeclaredValueMinorUnits != 0 || l.Description != "" {
			return Errorf(ErrInvalidArgument, "%s is a MONEY leg and cannot carry a description or declared value", name)
		}
	}

	if rule.RequiresDeclaredValue {
		if strings.TrimSpace(l.Description) == "" {
			return Errorf(ErrInvalidArgument, "%s description is required for %s legs", name, l.Kind)
		}
		if l.DeclaredValueMinorUnits < p.MinimumMinorUnits {
			return Errorf(ErrInvalidArgument, "%s declared value %d is below the minimum of %d", name, l.DeclaredValueMinorUnits, p.MinimumMinorUnits)
		}
		if p.exceedsMaximum(l.DeclaredValueMinorUnits) {
			return Errorf(ErrInvalidArgument, "%s declared value %d exceeds the maximum of %d", name, l.DeclaredValueMinorUnits, p.MaximumMinorUnits)
		}
		if l.PrincipalMinorUnits != 0 {
			return Errorf(ErrInvalidArgument, "%s is a %s leg and cannot carry a principal", name, l.Kind)
		}
	}

	return nil
}

// RequiredPayments lists the payment purposes a party must complete before the
// deal can be funded.
func RequiredPayments(d *models.Deal, party models.Party) []models.PaymentPurpose {
	purposes := []models.PaymentPurpose{models.PurposeSetupFee}
	if d.Leg(party).IsMoney() {
		purposes = append(purposes, models.PurposeContribution)
	}
	if d.FairnessHold(party) > 0 {
		purposes = append(purposes, models.PurposeFairnessHold)
	}
	return purposes
}

// ExpectedAmount is what a payment for purpose must cover: the setup fee for
// SETUP_FEE payments, otherwise the refundable principal portion.
func ExpectedAmount(d *models.Deal, party models.Party, purpose models.PaymentPurpose) (int64, error) {
	switch purpose {
	case models.PurposeSetupFee:
		return d.FeeBreakdown.SetupFeeMinorUnits, nil
	case models.PurposeContribution:
		if !d.Leg(party).IsMoney() {
			return 0, Errorf(ErrInvalidArgument, "party %s has no money leg to contribute", party)
		}
		return d.Leg(party).PrincipalMinorUnits, nil
	case models.PurposeFairnessHold:
		if d.FairnessHold(party) == 0 {
			return 0, Errorf(ErrInvalidArgument, "party %s owes no fairness hold", party)
		}
		return d.FairnessHold(party), nil
	}
	return 0, Errorf(ErrInvalidArgument, "unknown payment purpose %q", purpose)
}

// FullyFunded reports whether both parties have completed every required payment.
func FullyFunded(d *models.Deal) bool {
	recorded := d.PaymentsRecorded()
	for _, party := range []models.Party{models.PartyA, models.PartyB} {
		for _, purpose := range RequiredPayments(d, party) {
			if !recorded[party][purpose] {
				return false
			}
		}
	}
	return true
}

func (p FeePolicy) exceedsMaximum(amount int64) bool {
	return p.MaximumMinorUnits > 0 && amount > p.MaximumMinorUnits
}

// sumMinorUnits adds non-negative amounts, failing instead of wrapping.
func sumMinorUnits(amounts ...int64) (int64, error) {
	var total int64
	for _, a := range amounts {
		if a < 0 || total > math.MaxInt64-a {
			return 0, Errorf(ErrInvalidArgument, "amount total is out of range")
		}
		total += a
	}
	return total, nil
}

func declaredValue(l models.Leg) int64 {
	if l.IsMoney() {
		return 0
	}
	return l.DeclaredValueMinorUnits
}
