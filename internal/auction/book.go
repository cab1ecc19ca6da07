package auction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/goldenbook/auctiond/internal/models"
	"github.com/goldenbook/auctiond/internal/notify"
)

// SubmitBid validates and records a bid. The bool result reports whether a new
// bid was created; an idempotent replay returns the original bid and false.
// Market bids hold funds before returning; limit bids hold only once the
// decaying delta reaches their minimum.
func (e *Engine) SubmitBid(ctx context.Context, roundID string, bidderID int, amount int64, typ models.BidType, deltaMin decimal.Decimal, idempotencyKey string) (*models.Bid, bool, error) {
	if typ != models.BidMarket && typ != models.BidLimit {
		return nil, false, fmt.Errorf("unknown bid type %q", typ)
	}
	if idempotencyKey == "" {
		return nil, false, fmt.Errorf("idempotency key required")
	}
	rs := e.state(roundID)
	if rs == nil {
		return nil, false, ErrRoundNotFound
	}

	now := e.now()
	rs.mu.Lock()
	r := rs.round

	// At-most-once: a replayed key returns the original bid untouched.
	if existingID, ok := rs.byIdem[idemKey(bidderID, idempotencyKey)]; ok {
		existing := rs.bids[existingID]
		if existing.Amount != amount || existing.Type != typ || !existing.DeltaMin.Equal(deltaMin) {
			rs.mu.Unlock()
			return nil, false, ErrIdempotencyConflict
		}
		cp := *existing
		rs.mu.Unlock()
		return &cp, false, nil
	}

	// Validation chain, first failure wins.
	if err := e.validateBidLocked(rs, bidderID, amount, typ, deltaMin, now); err != nil {
		rs.mu.Unlock()
		return nil, false, err
	}

	bid := &models.Bid{
		ID:             uuid.NewString(),
		RoundID:        r.ID,
		BidderID:       bidderID,
		Amount:         amount,
		Type:           typ,
		DeltaMin:       deltaMin,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
	}
	// A limit bid whose minimum is already met behaves like a market bid.
	holdNow := typ == models.BidMarket || r.DeltaNow.LessThanOrEqual(deltaMin)
	if holdNow {
		bid.Status = models.BidPendingHold
	} else {
		bid.Status = models.BidActive
	}

	rs.bids[bid.ID] = bid
	rs.byIdem[idemKey(bidderID, idempotencyKey)] = bid.ID
	e.mu.Lock()
	e.bidIndex[bid.ID] = r.ID
	e.mu.Unlock()
	e.saveBid(bid)
	rs.mu.Unlock()

	if holdNow {
		if err := e.placeHold(ctx, rs, bid.ID); err != nil {
			cp := e.bidCopy(rs, bid.ID)
			return cp, true, err
		}
	}
	return e.bidCopy(rs, bid.ID), true, nil
}

func (e *Engine) validateBidLocked(rs *roundState, bidderID int, amount int64, typ models.BidType, deltaMin decimal.Decimal, now time.Time) error {
	r := rs.round
	if !IsOpen(r, now) {
		return ErrRoundNotOpen
	}
	if amount <= 0 {
		return ErrAmountNotPositive
	}
	if amount < r.LotSize {
		return ErrBelowLotSize
	}
	if amount > r.Remaining() {
		return ErrExceedsRemaining
	}
	capAmount := r.CapPercent.Mul(decimal.NewFromInt(r.TargetAmount)).Floor().IntPart()
	if e.bidderCommittedLocked(rs, bidderID)+amount > capAmount {
		return ErrCapExceeded
	}
	if typ == models.BidLimit {
		if deltaMin.LessThan(r.DeltaFloor) || deltaMin.GreaterThan(r.DeltaNow) {
			return ErrDeltaMinOutOfRange
		}
	}
	return nil
}

// bidderCommittedLocked sums the bidder's live exposure in this round:
// everything not yet terminally rejected, cancelled or expired.
func (e *Engine) bidderCommittedLocked(rs *roundState, bidderID int) int64 {
	var total int64
	for _, b := range rs.bids {
		if b.BidderID != bidderID {
			continue
		}
		switch b.Status {
		case models.BidPendingHold, models.BidActive, models.BidTriggeredHold:
			total += b.Amount
		}
	}
	return total
}

func (e *Engine) bidCopy(rs *roundState, bidID string) *models.Bid {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	b, ok := rs.bids[bidID]
	if !ok {
		return nil
	}
	cp := *b
	return &cp
}

// placeHold reserves funds for one pending_hold bid. The wallet call happens
// outside the round lock; the resulting state transition is committed under it
// so a concurrent expiry cannot race the hold confirmation.
func (e *Engine) placeHold(ctx context.Context, rs *roundState, bidID string) error {
	rs.mu.Lock()
	b, ok := rs.bids[bidID]
	if !ok || b.Status != models.BidPendingHold {
		rs.mu.Unlock()
		return nil
	}
	bidderID, amount := b.BidderID, b.Amount
	rs.mu.Unlock()

	hctx, cancel := context.WithTimeout(ctx, e.holdTimeout)
	holdTx, err := e.wallet.Hold(hctx, bidderID, amount)
	cancel()

	rs.mu.Lock()
	b, ok = rs.bids[bidID]
	if !ok || b.Status != models.BidPendingHold {
		// The bid expired or was cancelled while the hold was in flight;
		// a late success must not resurrect it.
		rs.mu.Unlock()
		if err == nil {
			if rerr := e.wallet.Release(context.Background(), holdTx, amount); rerr != nil {
				e.log.Error("failed to release late hold", zap.String("bid", bidID), zap.Error(rerr))
			}
		}
		return nil
	}
	if err != nil {
		b.Status = models.BidRejected
		e.saveBid(b)
		rs.mu.Unlock()
		e.log.Warn("wallet hold rejected",
			zap.String("bid", bidID), zap.Int("bidder", bidderID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrHoldFailed, err)
	}

	now := e.now()
	r := rs.round
	if r.Status != models.RoundOpen {
		// The round left its bidding window while the hold was in flight; a
		// closed book never takes new holds, so the funds go straight back.
		b.Status = models.BidExpired
		e.saveBid(b)
		rs.mu.Unlock()
		if rerr := e.wallet.Release(context.Background(), holdTx, amount); rerr != nil {
			e.log.Error("failed to release late hold", zap.String("bid", bidID), zap.Error(rerr))
		}
		e.emit(notify.Event{
			ID: uuid.NewString(), Kind: notify.EventBidExpired,
			RoundID: r.ID, BidID: bidID, BidderID: bidderID, At: now.UTC(),
		})
		return nil
	}
	b.Status = models.BidTriggeredHold
	b.HoldTxID = holdTx
	b.AcceptedAt = now
	rs.accepted = append(rs.accepted, b.ID)
	r.Raised += b.Amount
	r.DeltaNow = CurrentDelta(r, TimeProgress(r, now), r.Cover())
	e.saveBid(b)
	e.saveRound(r)
	// A coverage jump can shrink the delta enough to trigger more limit bids.
	cascade := e.collectTriggersLocked(rs)
	rs.mu.Unlock()

	e.emit(notify.Event{
		ID: uuid.NewString(), Kind: notify.EventBidTriggered,
		RoundID: r.ID, BidID: bidID, BidderID: bidderID, At: now.UTC(),
	})
	e.settleHolds(ctx, rs, cascade)
	return nil
}

// collectTriggersLocked marks every active limit bid whose minimum the current
// delta has reached as pending_hold and returns their ids. Callers place the
// actual holds after releasing the lock.
func (e *Engine) collectTriggersLocked(rs *roundState) []string {
	r := rs.round
	if r.Status != models.RoundOpen {
		return nil
	}
	var ids []string
	for _, b := range rs.bids {
		if b.Status == models.BidActive && b.Type == models.BidLimit && r.DeltaNow.LessThanOrEqual(b.DeltaMin) {
			b.Status = models.BidPendingHold
			// The hold-timeout window restarts at the trigger instant.
			b.TriggeredAt = e.now()
			ids = append(ids, b.ID)
		}
	}
	return ids
}

func (e *Engine) settleHolds(ctx context.Context, rs *roundState, ids []string) {
	for _, id := range ids {
		if err := e.placeHold(ctx, rs, id); err != nil {
			e.log.Warn("limit trigger hold failed", zap.String("bid", id), zap.Error(err))
		}
	}
}

// expireStaleHoldsLocked expires pending_hold bids whose hold has not
// confirmed within the timeout. The transition happens under the round lock,
// so a late hold success sees the terminal state and releases itself.
func (e *Engine) expireStaleHoldsLocked(rs *roundState, now time.Time) {
	for _, b := range rs.bids {
		if b.Status != models.BidPendingHold {
			continue
		}
		start := b.CreatedAt
		if b.TriggeredAt.After(start) {
			start = b.TriggeredAt
		}
		if now.Sub(start) > e.holdTimeout {
			b.Status = models.BidExpired
			e.saveBid(b)
			e.emit(notify.Event{
				ID: uuid.NewString(), Kind: notify.EventBidExpired,
				RoundID: rs.round.ID, BidID: b.ID, BidderID: b.BidderID, At: now.UTC(),
			})
		}
	}
}

// CancelBid cancels a bid while its round is still open. Held bids have their
// hold released before turning cancelled; in-flight holds are not cancellable.
func (e *Engine) CancelBid(ctx context.Context, bidID string, bidderID int) error {
	e.mu.RLock()
	roundID, ok := e.bidIndex[bidID]
	e.mu.RUnlock()
	if !ok {
		return ErrBidNotFound
	}
	rs := e.state(roundID)
	if rs == nil {
		return ErrBidNotFound
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()
	b, ok := rs.bids[bidID]
	if !ok || b.BidderID != bidderID {
		return ErrBidNotFound
	}
	r := rs.round
	if r.Status != models.RoundOpen {
		return ErrBidNotCancellable
	}

	switch b.Status {
	case models.BidActive:
		b.Status = models.BidCancelled
	case models.BidTriggeredHold:
		if err := e.wallet.Release(ctx, b.HoldTxID, b.Amount); err != nil {
			return fmt.Errorf("release hold: %w", err)
		}
		b.Status = models.BidCancelled
		r.Raised -= b.Amount
		r.DeltaNow = CurrentDelta(r, TimeProgress(r, e.now()), r.Cover())
		rs.accepted = removeID(rs.accepted, b.ID)
		e.saveRound(r)
	default:
		return ErrBidNotCancellable
	}
	e.saveBid(b)
	return nil
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
