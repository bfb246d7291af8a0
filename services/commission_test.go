package services

import (
	"testing"
	"time"

	"membership-portal/models"

	"github.com/shopspring/decimal"
)

func TestComputeCommissionAmountCents(t *testing.T) {
	tests := []struct {
		name  string
		price int64
		typ   models.CommissionType
		value float64
		want  int64
	}{
		{"percent fraction", 10000, models.CommissionTypePercent, 0.15, 1500},
		{"percent whole number", 10000, models.CommissionTypePercent, 15, 1500},
		{"percent floors", 999, models.CommissionTypePercent, 0.15, 149},
		{"whole percent floors", 299, models.CommissionTypePercent, 15, 44},
		{"small price floors to zero", 5, models.CommissionTypePercent, 0.15, 0},
		{"fixed rounds", 10000, models.CommissionTypeFixed, 500.4, 500},
		{"fixed never negative", 10000, models.CommissionTypeFixed, -20, 0},
		{"zero price", 0, models.CommissionTypePercent, 0.15, 0},
		{"negative price", -500, models.CommissionTypeFixed, 100, 0},
		{"unknown type", 10000, models.CommissionType("BONUS"), 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeCommissionAmountCents(tt.price, tt.typ, tt.value); got != tt.want {
				t.Fatalf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestComputePayableAt(t *testing.T) {
	if ComputePayableAt(nil, 30) != nil {
		t.Fatalf("expected nil payableAt without qualification")
	}
	q := time.Date(2025, 1, 31, 8, 0, 0, 0, time.UTC)
	got := ComputePayableAt(&q, 30)
	want := time.Date(2025, 3, 2, 8, 0, 0, 0, time.UTC)
	if got == nil || !got.Equal(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	same := ComputePayableAt(&q, 0)
	if !same.Equal(q) {
		t.Fatalf("zero hold should be payable immediately, got %v", same)
	}
}

func TestCalculateCommission(t *testing.T) {
	tests := []struct {
		name    string
		amount  string
		initial bool
		want    string
	}{
		{"initial tier", "100", true, "15"},
		{"recurring tier", "50", false, "5"},
		{"truncates not rounds", "33.33", true, "4.99"},
		{"sub cent truncation floors to minimum", "0.05", true, "0.01"},
		{"half cent truncates", "0.50", true, "0.07"},
		{"zero amount", "0", true, "0"},
		{"negative amount", "-10", false, "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateCommission(decimal.RequireFromString(tt.amount), tt.initial, DefaultTieredRates)
			if !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNewTieredRatesAcceptsPercentages(t *testing.T) {
	rates := NewTieredRates(25, 0.10)
	if !rates.Initial.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("initial rate %s, want 0.25", rates.Initial)
	}
	if !rates.Recurring.Equal(decimal.RequireFromString("0.1")) {
		t.Fatalf("recurring rate %s, want 0.1", rates.Recurring)
	}
	if got := CalculateCommission(decimal.NewFromInt(100), true, rates); !got.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("got %s, want 25", got)
	}
}
