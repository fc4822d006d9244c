package deal

import (
	"errors"
	"math"
	"testing"

	"github.com/moneygood/backend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeePolicy_FairnessHold(t *testing.T) {
	policy := DefaultFeePolicy()

	cases := []struct {
		name     string
		declared int64
		want     int64
	}{
		{"five dollars", 500, 100},
		{"zero", 0, 0},
		{"negative", -5, 0},
		{"one unit rounds down", 1, 0},
		{"two units rounds down", 2, 0},
		{"three units rounds up", 3, 1},
		{"exact unit", 5, 1},
		{"fifty dollars", 5000, 1000},
		{"odd value", 1234, 247},
		{"at the leg maximum", DefaultMaximumMinorUnits, 20_000_000_000},
		{"large declared value", 5_000_000_000_000_000, 1_000_000_000_000_000},
		{"max int64", math.MaxInt64, 1_844_674_407_370_955_161},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, policy.FairnessHold(tc.declared))
			assert.Equal(t, tc.want, policy.FairnessHold(tc.declared), "must be deterministic")
		})
	}

	t.Run("half up at exact .5", func(t *testing.T) {
		p := policy
		p.HoldPercentage = 0.25
		// 2 * 0.25 = 0.5
		assert.Equal(t, int64(1), p.FairnessHold(2))
		// 6 * 0.25 = 1.5
		assert.Equal(t, int64(2), p.FairnessHold(6))
	})
}

func TestFeePolicy_DealFees(t *testing.T) {
	policy := DefaultFeePolicy()

	t.Run("money money has no holds", func(t *testing.T) {
		fees, err := policy.DealFees(FeeInput{DealType: models.DealMoneyMoney})
		require.NoError(t, err)
		assert.Equal(t, int64(500), fees.SetupFeeMinorUnits)
		assert.Zero(t, fees.FairnessHoldA)
		assert.Zero(t, fees.FairnessHoldB)
		assert.Equal(t, int64(1000), fees.TotalFeesMinorUnits)
	})

	t.Run("money goods holds the goods side", func(t *testing.T) {
		fees, err := policy.DealFees(FeeInput{DealType: models.DealMoneyGoods, DeclaredValueB: 5000})
		require.NoError(t, err)
		assert.Zero(t, fees.FairnessHoldA)
		assert.Equal(t, int64(1000), fees.FairnessHoldB)
		assert.Equal(t, int64(2000), fees.TotalFeesMinorUnits)
	})

	t.Run("goods on the creator side", func(t *testing.T) {
		fees, err := policy.DealFees(FeeInput{DealType: models.DealMoneyService, DeclaredValueA: 2500})
		require.NoError(t, err)
		assert.Equal(t, int64(500), fees.FairnessHoldA)
		assert.Zero(t, fees.FairnessHoldB)
	})

	t.Run("goods service holds both sides", func(t *testing.T) {
		fees, err := policy.DealFees(FeeInput{DealType: models.DealGoodsService, DeclaredValueA: 1000, DeclaredValueB: 3000})
		require.NoError(t, err)
		assert.Equal(t, int64(200), fees.FairnessHoldA)
		assert.Equal(t, int64(600), fees.FairnessHoldB)
	})

	t.Run("unknown type", func(t *testing.T) {
		_, err := policy.DealFees(FeeInput{DealType: "BARTER"})
		assert.True(t, errors.Is(err, ErrInvalidArgument))
	})
}

func TestFeePolicy_Breakdown(t *testing.T) {
	policy := DefaultFeePolicy()

	breakdown, fees, err := policy.Breakdown(models.DealMoneyGoods,
		models.Leg{Kind: models.LegMoney, PrincipalMinorUnits: 10000},
		models.Leg{Kind: models.LegGoods, Description: "bike", DeclaredValueMinorUnits: 5000},
	)
	require.NoError(t, err)

	assert.Equal(t, int64(10000), breakdown.PrincipalMinorUnits)
	assert.Equal(t, int64(500), breakdown.SetupFeeMinorUnits)
	assert.Equal(t, int64(10000+1000+1000), breakdown.TotalChargeMinorUnits)
	assert.Zero(t, fees.FairnessHoldA)
	assert.Equal(t, int64(1000), fees.FairnessHoldB)
}

func TestFeePolicy_BreakdownOutOfRange(t *testing.T) {
	policy := DefaultFeePolicy()
	policy.MaximumMinorUnits = 0

	t.Run("principals overflow", func(t *testing.T) {
		_, _, err := policy.Breakdown(models.DealMoneyMoney,
			models.Leg{Kind: models.LegMoney, PrincipalMinorUnits: math.MaxInt64 - 10},
			models.Leg{Kind: models.LegMoney, PrincipalMinorUnits: 500},
		)
		assert.True(t, errors.Is(err, ErrInvalidArgument))
	})

	t.Run("principal plus fees overflow", func(t *testing.T) {
		_, _, err := policy.Breakdown(models.DealMoneyGoods,
			models.Leg{Kind: models.LegMoney, PrincipalMinorUnits: math.MaxInt64 - 500},
			models.Leg{Kind: models.LegGoods, Description: "bike", DeclaredValueMinorUnits: 5000},
		)
		assert.True(t, errors.Is(err, ErrInvalidArgument))
	})

	t.Run("capped legs stay positive", func(t *testing.T) {
		capped := DefaultFeePolicy()
		breakdown, fees, err := capped.Breakdown(models.DealGoodsService,
			models.Leg{Kind: models.LegGoods, Description: "car", DeclaredValueMinorUnits: capped.MaximumMinorUnits},
			models.Leg{Kind: models.LegService, Description: "build", DeclaredValueMinorUnits: capped.MaximumMinorUnits},
		)
		require.NoError(t, err)
		assert.Equal(t, int64(20_000_000_000), fees.FairnessHoldA)
		assert.Equal(t, int64(20_000_000_000), fees.FairnessHoldB)
		assert.Equal(t, int64(40_000_001_000), breakdown.TotalChargeMinorUnits)
	})
}

func TestFeePolicy_Extension(t *testing.T) {
	policy := DefaultFeePolicy()

	days, err := policy.ExtensionDays(models.ExtensionStandard)
	require.NoError(t, err)
	assert.Equal(t, 7, days)

	days, err = policy.ExtensionDays("extended")
	require.NoError(t, err)
	assert.Equal(t, 14, days)

	fee, err := policy.ExtensionFee(models.ExtensionExtended)
	require.NoError(t, err)
	assert.Equal(t, int64(300), fee)

	_, err = policy.ExtensionFee("FOREVER")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestFeePolicy_ValidateLeg(t *testing.T) {
	policy := DefaultFeePolicy()

	t.Run("valid money leg", func(t *testing.T) {
		assert.NoError(t, policy.ValidateLeg("legA", models.Leg{Kind: models.LegMoney, PrincipalMinorUnits: 500}))
	})

	t.Run("money below minimum", func(t *testing.T) {
		err := policy.ValidateLeg("legA", models.Leg{Kind: models.LegMoney, PrincipalMinorUnits: 499})
		assert.True(t, errors.Is(err, ErrInvalidArgument))
		assert.Contains(t, err.Error(), "below the minimum")
	})

	t.Run("money at maximum", func(t *testing.T) {
		assert.NoError(t, policy.ValidateLeg("legA", models.Leg{Kind: models.LegMoney, PrincipalMinorUnits: policy.MaximumMinorUnits}))
	})

	t.Run("money above maximum", func(t *testing.T) {
		err := policy.ValidateLeg("legA", models.Leg{Kind: models.LegMoney, PrincipalMinorUnits: policy.MaximumMinorUnits + 1})
		assert.True(t, errors.Is(err, ErrInvalidArgument))
		assert.Contains(t, err.Error(), "exceeds the maximum")
	})

	t.Run("declared value above maximum", func(t *testing.T) {
		err := policy.ValidateLeg("legB", models.Leg{Kind: models.LegGoods, Description: "yacht", DeclaredValueMinorUnits: 5_000_000_000_000_000})
		assert.True(t, errors.Is(err, ErrInvalidArgument))
		assert.Contains(t, err.Error(), "exceeds the maximum")
	})

	t.Run("goods without description", func(t *testing.T) {
		err := policy.ValidateLeg("legB", models.Leg{Kind: models.LegGoods, DeclaredValueMinorUnits: 5000})
		assert.True(t, errors.Is(err, ErrInvalidArgument))
	})

	t.Run("service below minimum", func(t *testing.T) {
		err := policy.ValidateLeg("legB", models.Leg{Kind: models.LegService, Description: "lawn", DeclaredValueMinorUnits: 100})
		assert.True(t, errors.Is(err, ErrInvalidArgument))
	})

	t.Run("unknown kind", func(t *testing.T) {
		err := policy.ValidateLeg("legB", models.Leg{Kind: "CRYPTO"})
		assert.True(t, errors.Is(err, ErrInvalidArgument))
	})
}

func TestFullyFunded(t *testing.T) {
	d := &models.Deal{
		LegA:          models.Leg{Kind: models.LegMoney, PrincipalMinorUnits: 10000},
		LegB:          models.Leg{Kind: models.LegGoods, Description: "bike", DeclaredValueMinorUnits: 5000},
		FeeBreakdown:  models.FeeBreakdown{SetupFeeMinorUnits: 500},
		FairnessHoldB: 1000,
	}

	assert.Equal(t, []models.PaymentPurpose{models.PurposeSetupFee, models.PurposeContribution}, RequiredPayments(d, models.PartyA))
	assert.Equal(t, []models.PaymentPurpose{models.PurposeSetupFee, models.PurposeFairnessHold}, RequiredPayments(d, models.PartyB))

	pay := func(party models.Party, purpose models.PaymentPurpose) {
		d.Payments = append(d.Payments, models.Payment{Party: party, Purpose: purpose, Status: models.PaymentSucceeded})
	}

	pay(models.PartyA, models.PurposeSetupFee)
	pay(models.PartyB, models.PurposeSetupFee)
	pay(models.PartyB, models.PurposeFairnessHold)
	assert.False(t, FullyFunded(d))

	pay(models.PartyA, models.PurposeContribution)
	assert.True(t, FullyFunded(d))
}
