package auction

import (
	"github.com/shopspring/decimal"

	"github.com/goldenbook/auctiond/internal/models"
)

const ratePrecision int32 = 6 // 6 decimal places for rates and deltas

var one = decimal.NewFromInt(1)

// CurrentDelta computes the concession offered to bidders right now:
//
//	deltaMax * (1 - a*timeProgress) * (1 - b*coverProgress)
//
// clamped to [deltaFloor, deltaMax]. The concession shrinks both as time
// elapses and as coverage grows; the floor always wins the clamp so the round
// never offers less than it guaranteed already-placed limit bids.
func CurrentDelta(r *models.Round, timeProgress, coverProgress float64) decimal.Decimal {
	tp := decimal.NewFromFloat(clamp01(timeProgress))
	cp := decimal.NewFromFloat(clamp01(coverProgress))

	d := r.DeltaMax.
		Mul(one.Sub(r.TimeWeight.Mul(tp))).
		Mul(one.Sub(r.CoverWeight.Mul(cp))).
		Round(ratePrecision)

	if d.LessThan(r.DeltaFloor) {
		return r.DeltaFloor
	}
	if d.GreaterThan(r.DeltaMax) {
		return r.DeltaMax
	}
	return d
}

// OfferRate derives the effective rate shown to bidders for a given delta.
// Convention: the delta is a rate boost to the investor, added to the base.
func OfferRate(r *models.Round, delta decimal.Decimal) decimal.Decimal {
	return r.BaseRate.Add(delta).Round(ratePrecision)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
