package pricing

import (
	"math"
	"testing"
)

func TestRatesCost(t *testing.T) {
	r := Rates{InputPer1M: 3.00, OutputPer1M: 15.00}
	got := r.Cost(1_000_000, 1_000_000)
	if math.Abs(got-18.00) > 1e-9 {
		t.Fatalf("cost = %v, want 18.00", got)
	}
	if got := r.Cost(0, 0); got != 0 {
		t.Fatalf("zero tokens cost = %v, want 0", got)
	}
}

func TestTickCostSumsTiers(t *testing.T) {
	table := Table{
		Triage: Rates{InputPer1M: 0.80, OutputPer1M: 4.00},
		Action: Rates{InputPer1M: 3.00, OutputPer1M: 15.00},
	}
	// Triage 100 in / 20 out, action 500 in / 300 out.
	want := table.Triage.Cost(100, 20) + table.Action.Cost(500, 300)
	got := table.TickCost(100, 20, 500, 300)
	if math.Abs(got-want) > 1e-12 {
		t.Fatalf("tick cost = %v, want %v", got, want)
	}
	// Reproducible against the hand computation.
	hand := 100*0.80/1e6 + 20*4.00/1e6 + 500*3.00/1e6 + 300*15.00/1e6
	if math.Abs(got-hand) > 1e-12 {
		t.Fatalf("tick cost = %v, want %v", got, hand)
	}
}
