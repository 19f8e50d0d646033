package escrow

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FeePolicy computes the facilitator fee taken from the cash leg of a release
type FeePolicy struct {
	Rate   decimal.Decimal
	MinFee int64
}

// NewFeePolicy parses a decimal rate such as "0.05"
func NewFeePolicy(rate string, minFee int64) (FeePolicy, error) {
	r, err := decimal.NewFromString(rate)
	if err != nil {
		return FeePolicy{}, fmt.Errorf("invalid facilitator fee rate %q: %w", rate, err)
	}
	if r.IsNegative() || r.GreaterThan(decimal.NewFromInt(1)) {
		return FeePolicy{}, fmt.Errorf("facilitator fee rate %s must be between 0 and 1", r)
	}
	if minFee < 0 {
		return FeePolicy{}, fmt.Errorf("facilitator minimum fee %d is negative", minFee)
	}
	return FeePolicy{Rate: r, MinFee: minFee}, nil
}

// Fee returns max(round(amount * rate), MinFee), never more than amount
func (p FeePolicy) Fee(amount int64) int64 {
	if amount <= 0 {
		return 0
	}

	fee := decimal.NewFromInt(amount).Mul(p.Rate).Round(0).IntPart()
	if fee < p.MinFee {
		fee = p.MinFee
	}
	if fee > amount {
		fee = amount
	}
	return fee
}
