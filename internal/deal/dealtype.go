package deal

import (
	"strings"

	"github.com/moneygood/backend/internal/models"
)

// FeeBucket is the canonical three-way classification used for fee rules.
type FeeBucket string

const (
	BucketMoneyMoney       FeeBucket = "MONEY_MONEY"
	BucketMoneyNonMoney    FeeBucket = "MONEY_NONMONEY"
	BucketNonMoneyNonMoney FeeBucket = "NONMONEY_NONMONEY"
)

// dealTypeAliases maps every accepted spelling, legacy and current, onto the
// current enum. Anything absent is rejected.
var dealTypeAliases = map[string]models.DealType{
	// legacy
	"CASH_CASH":   models.DealMoneyMoney,
	"CASH_GOODS":  models.DealMoneyGoods,
	"GOODS_CASH":  models.DealMoneyGoods,
	"GOODS_GOODS": models.DealGoodsGoods,

	// current
	"MONEY_MONEY":     models.DealMoneyMoney,
	"MONEY_GOODS":     models.DealMoneyGoods,
	"GOODS_MONEY":     models.DealMoneyGoods,
	"MONEY_SERVICE":   models.DealMoneyService,
	"SERVICE_MONEY":   models.DealMoneyService,
	"GOODS_SERVICE":   models.DealGoodsService,
	"SERVICE_GOODS":   models.DealGoodsService,
	"SERVICE_SERVICE": models.DealServiceService,
}

var bucketByType = map[models.DealType]FeeBucket{
	models.DealMoneyMoney:     BucketMoneyMoney,
	models.DealMoneyGoods:     BucketMoneyNonMoney,
	models.DealMoneyService:   BucketMoneyNonMoney,
	models.DealGoodsGoods:     BucketNonMoneyNonMoney,
	models.DealGoodsService:   BucketNonMoneyNonMoney,
	models.DealServiceService: BucketNonMoneyNonMoney,
}

// NormalizeDealType accepts the legacy three-way and current six-way
// spellings in any case with "_", "-", "/" or " " separators.
func NormalizeDealType(raw string) (models.DealType, error) {
	key := strings.ToUpper(strings.TrimSpace(raw))
	key = strings.NewReplacer("-", "_", "/", "_", " ", "_").Replace(key)

	dt, ok := dealTypeAliases[key]
	if !ok {
		return "", Errorf(ErrInvalidArgument, "unknown deal type %q", raw)
	}
	return dt, nil
}

// Classify maps a normalized deal type to its fee bucket.
func Classify(dt models.DealType) (FeeBucket, error) {
	b, ok := bucketByType[dt]
	if !ok {
		return "", Errorf(ErrInvalidArgument, "deal type %q has no fee bucket", dt)
	}
	return b, nil
}

// DealTypeForLegs derives the deal type from the two leg kinds, order-independent.
func DealTypeForLegs(a, b models.LegKind) (models.DealType, error) {
	if !validLegKind(a) || !validLegKind(b) {
		return "", Errorf(ErrInvalidArgument, "unknown leg kind combination %s/%s", a, b)
	}
	return NormalizeDealType(string(a) + "_" + string(b))
}

// LegRule lists the payments and values a leg kind requires.
type LegRule struct {
	RequiresContribution  bool
	RequiresDeclaredValue bool
	RequiresFairnessHold  bool
}

// LegRules returns the fee rule for a leg kind. Service is treated exactly like goods.
func LegRules(kind models.LegKind) (LegRule, error) {
	switch kind {
	case models.LegMoney:
		return LegRule{RequiresContribution: true}, nil
	case models.LegGoods, models.LegService:
		return LegRule{RequiresDeclaredValue: true, RequiresFairnessHold: true}, nil
	}
	return LegRule{}, Errorf(ErrInvalidArgument, "unknown leg kind %q", kind)
}

func validLegKind(k models.LegKind) bool {
	return k == models.LegMoney || k == models.LegGoods || k == models.LegService
}
