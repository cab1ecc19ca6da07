package auction

import (
	"time"

	"github.com/goldenbook/auctiond/internal/models"
)

// TimeProgress returns how far through its window a round is, in [0,1].
// 0 before the window opens, 1 at or after the end, linear in between.
// Degenerate windows are rejected at round creation, not here.
func TimeProgress(r *models.Round, now time.Time) float64 {
	if !now.After(r.StartAt) {
		return 0
	}
	if !now.Before(r.EndAt) {
		return 1
	}
	elapsed := now.Sub(r.StartAt).Seconds()
	window := r.EndAt.Sub(r.StartAt).Seconds()
	return elapsed / window
}

// IsOpen reports whether the round is accepting bids at the given instant.
func IsOpen(r *models.Round, now time.Time) bool {
	if r.Status != models.RoundOpen {
		return false
	}
	return !now.Before(r.StartAt) && now.Before(r.EndAt)
}

// TimeRemaining returns the time left in the round window, never negative.
func TimeRemaining(r *models.Round, now time.Time) time.Duration {
	rem := r.EndAt.Sub(now)
	if rem < 0 {
		return 0
	}
	return rem
}
