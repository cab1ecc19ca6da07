package auction

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/goldenbook/auctiond/internal/models"
)

func decayRound() *models.Round {
	return &models.Round{
		ID:           "r-decay",
		StartAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		EndAt:        time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
		TargetAmount: 1_000_000,
		BaseRate:     decimal.RequireFromString("0.065"),
		DeltaMax:     decimal.RequireFromString("0.004"),
		DeltaFloor:   decimal.RequireFromString("0.001"),
		TimeWeight:   decimal.RequireFromString("0.6"),
		CoverWeight:  decimal.RequireFromString("0.4"),
		LotSize:      1_000,
		CapPercent:   decimal.RequireFromString("1"),
	}
}

func TestCurrentDelta(t *testing.T) {
	r := decayRound()

	tests := []struct {
		name          string
		timeProgress  float64
		coverProgress float64
		expect        string
	}{
		{
			name:   "StartOfRound",
			expect: "0.004",
		},
		{
			name:         "FullTimeNoCover",
			timeProgress: 1,
			expect:       "0.0016", // 0.004 * (1 - 0.6)
		},
		{
			name:          "HalfTimeHalfCover",
			timeProgress:  0.5,
			coverProgress: 0.5,
			expect:        "0.00224", // 0.004 * 0.7 * 0.8
		},
		{
			name:          "FloorWins",
			timeProgress:  1,
			coverProgress: 1,
			expect:        "0.001", // raw 0.00096 clamped up to the floor
		},
		{
			name:          "ProgressClampedAboveOne",
			timeProgress:  2,
			coverProgress: 3,
			expect:        "0.001",
		},
		{
			name:         "NegativeProgressClampedToZero",
			timeProgress: -1,
			expect:       "0.004",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CurrentDelta(r, tt.timeProgress, tt.coverProgress)
			if got.String() != tt.expect {
				t.Errorf("expected delta %s, got %s", tt.expect, got.String())
			}
		})
	}
}

func TestCurrentDelta_StaysWithinBounds(t *testing.T) {
	r := decayRound()
	for tp := 0.0; tp <= 1.0; tp += 0.05 {
		for cp := 0.0; cp <= 1.2; cp += 0.1 {
			d := CurrentDelta(r, tp, cp)
			if d.LessThan(r.DeltaFloor) || d.GreaterThan(r.DeltaMax) {
				t.Fatalf("delta %s outside [%s, %s] at tp=%f cp=%f",
					d, r.DeltaFloor, r.DeltaMax, tp, cp)
			}
		}
	}
}

func TestOfferRate(t *testing.T) {
	r := decayRound()
	rate := OfferRate(r, decimal.RequireFromString("0.004"))
	if rate.String() != "0.069" {
		t.Errorf("expected offer rate 0.069, got %s", rate.String())
	}

	// The floor delta still boosts the base rate.
	rate = OfferRate(r, r.DeltaFloor)
	if rate.String() != "0.066" {
		t.Errorf("expected offer rate 0.066, got %s", rate.String())
	}
}

func TestTimeProgress(t *testing.T) {
	r := decayRound()

	tests := []struct {
		name   string
		now    time.Time
		expect float64
	}{
		{"BeforeStart", r.StartAt.Add(-time.Hour), 0},
		{"AtStart", r.StartAt, 0},
		{"Midway", r.StartAt.Add(12 * time.Hour), 0.5},
		{"AtEnd", r.EndAt, 1},
		{"AfterEnd", r.EndAt.Add(time.Hour), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TimeProgress(r, tt.now); got != tt.expect {
				t.Errorf("expected progress %f, got %f", tt.expect, got)
			}
		})
	}
}

func TestIsOpenAndTimeRemaining(t *testing.T) {
	r := decayRound()
	r.Status = models.RoundOpen

	if IsOpen(r, r.StartAt.Add(-time.Minute)) {
		t.Error("round should not be open before its window")
	}
	if !IsOpen(r, r.StartAt.Add(time.Hour)) {
		t.Error("round should be open inside its window")
	}
	if IsOpen(r, r.EndAt) {
		t.Error("round should not be open at its end instant")
	}

	r.Status = models.RoundClearing
	if IsOpen(r, r.StartAt.Add(time.Hour)) {
		t.Error("clearing round should not report open")
	}

	if got := TimeRemaining(r, r.EndAt.Add(-time.Hour)); got != time.Hour {
		t.Errorf("expected 1h remaining, got %v", got)
	}
	if got := TimeRemaining(r, r.EndAt.Add(time.Hour)); got != 0 {
		t.Errorf("expected 0 remaining after end, got %v", got)
	}
}
