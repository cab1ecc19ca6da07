package auction

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/goldenbook/auctiond/internal/models"
	"github.com/goldenbook/auctiond/internal/notary"
	"github.com/goldenbook/auctiond/internal/notify"
)

// Clear computes the clearing result for a round. Calling it on a closed
// round is a no-op returning the stored result. A round still inside its
// window (and not early-closeable) cannot be cleared.
func (e *Engine) Clear(ctx context.Context, roundID string) (*models.ClearingResult, []models.Allocation, error) {
	rs := e.state(roundID)
	if rs == nil {
		return nil, nil, ErrRoundNotFound
	}

	rs.mu.Lock()
	r := rs.round
	switch r.Status {
	case models.RoundClosed:
		rs.mu.Unlock()
		return e.ClearingResult(roundID)
	case models.RoundOpen:
		now := e.now()
		covered := r.EarlyClose && r.Raised >= r.TargetAmount
		if now.Before(r.EndAt) && !covered {
			rs.mu.Unlock()
			return nil, nil, fmt.Errorf("%w: round %s still open", ErrRoundNotOpen, roundID)
		}
		r.Status = models.RoundClearing
		e.saveRound(r)
	case models.RoundPending:
		rs.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: round %s never opened", ErrRoundNotOpen, roundID)
	}
	rs.mu.Unlock()

	if err := e.clearRound(ctx, rs); err != nil {
		return nil, nil, err
	}
	return e.ClearingResult(roundID)
}

// clearRound runs (or resumes) the clearing computation for a round in the
// clearing state. Allocation is idempotent per bid: a collaborator failure
// leaves the round in clearing, and the next attempt skips bids already
// allocated. The round is closed only once every eligible bid is settled.
func (e *Engine) clearRound(ctx context.Context, rs *roundState) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	r := rs.round
	if r.Status == models.RoundClosed {
		return nil
	}
	if r.Status != models.RoundClearing {
		return fmt.Errorf("%w: round %s is %s", ErrRoundNotOpen, r.ID, r.Status)
	}

	// Freeze the decay value at the clearing instant.
	deltaClear := r.DeltaNow
	rateClear := OfferRate(r, deltaClear)
	now := e.now()

	eligible := e.eligibleBidsLocked(rs)
	var totalRequested int64
	for _, b := range eligible {
		totalRequested += b.Amount
	}

	proRata := one
	if totalRequested > r.TargetAmount {
		proRata = decimal.NewFromInt(r.TargetAmount).
			Div(decimal.NewFromInt(totalRequested))
	}

	fills := computeFills(eligible, r.TargetAmount, totalRequested)

	var totalFilled int64
	for i, b := range eligible {
		filled := fills[i]
		refund := b.Amount - filled
		totalFilled += filled

		if _, done := rs.allocs[b.ID]; done {
			continue
		}

		// Release the refund, then convert the rest into a contribution.
		// Both steps are guarded so a resumed clearing never repeats them.
		if refund > 0 && !rs.refunded[b.ID] {
			if err := e.wallet.Release(ctx, b.HoldTxID, refund); err != nil {
				return fmt.Errorf("%w: release refund for bid %s: %v", ErrClearingIncomplete, b.ID, err)
			}
			rs.refunded[b.ID] = true
		}
		// A zero fill was refunded in full above; its hold is gone, so there
		// is nothing to confirm and no certificate to mint.
		var certID string
		if filled > 0 {
			var err error
			certID, err = e.wallet.Confirm(ctx, b.HoldTxID)
			if err != nil {
				return fmt.Errorf("%w: confirm contribution for bid %s: %v", ErrClearingIncomplete, b.ID, err)
			}
		}

		alloc := models.Allocation{
			ID:            uuid.NewString(),
			BidID:         b.ID,
			RoundID:       r.ID,
			BidderID:      b.BidderID,
			Requested:     b.Amount,
			Filled:        filled,
			Refund:        refund,
			ProRata:       proRata,
			CertificateID: certID,
			CreatedAt:     now,
		}
		alloc.ReceiptHash = notary.ReceiptHash(&alloc)

		// filled + refund must reconstruct the request exactly; anything
		// else is an internal invariant violation. The round stays in
		// clearing and an operator has to step in.
		if alloc.Filled+alloc.Refund != alloc.Requested {
			e.log.DPanic("allocation invariant broken",
				zap.String("bid", b.ID), zap.Int64("filled", alloc.Filled),
				zap.Int64("refund", alloc.Refund), zap.Int64("requested", alloc.Requested))
			return fmt.Errorf("%w: allocation invariant broken for bid %s", ErrClearingIncomplete, b.ID)
		}

		rs.allocs[b.ID] = alloc
		rs.allocOrder = append(rs.allocOrder, b.ID)

		if refund == 0 {
			b.Status = models.BidFilled
		} else {
			b.Status = models.BidPartial
		}
		b.ReceiptHash = alloc.ReceiptHash
		e.saveBid(b)
		e.emit(notify.Event{
			ID: uuid.NewString(), Kind: notify.EventBidFilled,
			RoundID: r.ID, BidID: b.ID, BidderID: b.BidderID, At: now.UTC(),
		})
	}

	if totalFilled > r.TargetAmount {
		e.log.DPanic("round overallocated",
			zap.String("round", r.ID), zap.Int64("filled", totalFilled),
			zap.Int64("target", r.TargetAmount))
		return fmt.Errorf("%w: round %s overallocated", ErrClearingIncomplete, r.ID)
	}

	result := &models.ClearingResult{
		RoundID:        r.ID,
		ClearedAt:      now,
		ClearingDelta:  deltaClear,
		ClearingRate:   rateClear,
		ProRata:        proRata,
		TotalRequested: totalRequested,
		TotalFilled:    totalFilled,
	}
	allocs := make([]models.Allocation, 0, len(rs.allocOrder))
	for _, id := range rs.allocOrder {
		allocs = append(allocs, rs.allocs[id])
	}
	result.DocumentHash = notary.DocumentHash(result, allocs)

	rs.result = result
	r.Status = models.RoundClosed
	r.Raised = totalFilled
	r.DeltaNow = deltaClear

	if e.store != nil {
		if err := e.store.SaveClearing(context.Background(), result, allocs); err != nil {
			e.log.Error("failed to persist clearing result", zap.String("round", r.ID), zap.Error(err))
		}
	}
	e.saveRound(r)
	if e.notary != nil {
		e.notary.Submit(result.DocumentHash)
	}
	e.emit(notify.NewEvent(notify.EventRoundCleared, r.ID))
	e.log.Info("round cleared",
		zap.String("round", r.ID),
		zap.String("delta", deltaClear.String()),
		zap.String("rate", rateClear.String()),
		zap.Int64("requested", totalRequested),
		zap.Int64("filled", totalFilled),
		zap.Int("allocations", len(allocs)))
	return nil
}

// eligibleBidsLocked returns the bids whose holds succeeded, in acceptance
// order (hold-success time, bid id as final tiebreak). Bids already allocated
// by an earlier clearing attempt stay in the set so the fill math is stable
// across resumes.
func (e *Engine) eligibleBidsLocked(rs *roundState) []*models.Bid {
	var out []*models.Bid
	for _, id := range rs.accepted {
		b := rs.bids[id]
		switch b.Status {
		case models.BidTriggeredHold, models.BidFilled, models.BidPartial:
			out = append(out, b)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AcceptedAt.Equal(out[j].AcceptedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AcceptedAt.Before(out[j].AcceptedAt)
	})
	return out
}

// computeFills applies pro-rata scaling when demand exceeds the target:
// each fill is floored to a minor currency unit and the residual units are
// assigned to the earliest-accepted bids, keeping the outcome deterministic.
func computeFills(eligible []*models.Bid, target, totalRequested int64) []int64 {
	fills := make([]int64, len(eligible))
	if totalRequested <= target {
		for i, b := range eligible {
			fills[i] = b.Amount
		}
		return fills
	}

	targetD := decimal.NewFromInt(target)
	totalD := decimal.NewFromInt(totalRequested)
	var sum int64
	for i, b := range eligible {
		fills[i] = decimal.NewFromInt(b.Amount).Mul(targetD).Div(totalD).Floor().IntPart()
		sum += fills[i]
	}
	residual := target - sum
	for i := 0; residual > 0 && i < len(eligible); i++ {
		if fills[i] < eligible[i].Amount {
			fills[i]++
			residual--
		}
	}
	return fills
}
