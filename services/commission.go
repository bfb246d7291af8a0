package services

import (
	"math"
	"time"

	"membership-portal/models"

	"github.com/shopspring/decimal"
)

var (
	hundred   = decimal.NewFromInt(100)
	minPayout = decimal.New(1, -2) // 0.01
)

// normalizeRate treats values above 1 as percentages (15 -> 0.15) and anything else as a fraction.
func normalizeRate(value decimal.Decimal) decimal.Decimal {
	if value.GreaterThan(decimal.NewFromInt(1)) {
		return value.Div(hundred)
	}
	return value
}

// ComputeCommissionAmountCents applies per-referral terms to a plan price.
// FIXED values are already cents. PERCENT results are floored so the platform never
// owes more than the exact percentage.
func ComputeCommissionAmountCents(planPriceCents int64, commissionType models.CommissionType, value float64) int64 {
	if planPriceCents <= 0 {
		return 0
	}
	switch commissionType {
	case models.CommissionTypeFixed:
		return max(0, int64(math.Round(value)))
	case models.CommissionTypePercent:
		fraction := normalizeRate(decimal.NewFromFloat(value))
		amount := decimal.NewFromInt(planPriceCents).Mul(fraction).Floor().IntPart()
		return max(0, amount)
	}
	return 0
}

// ComputePayableAt is qualifiedAt plus holdDays calendar days.
func ComputePayableAt(qualifiedAt *time.Time, holdDays int) *time.Time {
	if qualifiedAt == nil {
		return nil
	}
	payable := qualifiedAt.AddDate(0, 0, holdDays)
	return &payable
}

// TieredRates is the platform-default commission applied at payment time.
type TieredRates struct {
	Initial   decimal.Decimal
	Recurring decimal.Decimal
}

var DefaultTieredRates = TieredRates{
	Initial:   decimal.RequireFromString("0.15"),
	Recurring: decimal.RequireFromString("0.10"),
}

// NewTieredRates accepts fractions or percentages, like the per-referral terms.
func NewTieredRates(initial, recurring float64) TieredRates {
	return TieredRates{
		Initial:   normalizeRate(decimal.NewFromFloat(initial)),
		Recurring: normalizeRate(decimal.NewFromFloat(recurring)),
	}
}

// CalculateCommission returns the tiered commission in currency units. The product is
// truncated to 2 decimal places first; a positive amount that truncates below 0.01 is
// raised to 0.01.
func CalculateCommission(amount decimal.Decimal, isInitial bool, rates TieredRates) decimal.Decimal {
	if !amount.IsPositive() {
		return decimal.Zero
	}
	rate := rates.Recurring
	if isInitial {
		rate = rates.Initial
	}
	commission := amount.Mul(normalizeRate(rate)).Truncate(2)
	if commission.LessThan(minPayout) {
		return minPayout
	}
	return commission
}
