package auction

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/goldenbook/auctiond/internal/models"
	"github.com/goldenbook/auctiond/internal/notify"
	"github.com/goldenbook/auctiond/internal/wallet"
)

// Store durably records engine state changes. The engine's in-memory state is
// authoritative; store failures are logged and do not roll back transitions.
type Store interface {
	SaveRound(ctx context.Context, r *models.Round) error
	SaveBid(ctx context.Context, b *models.Bid) error
	SaveClearing(ctx context.Context, res *models.ClearingResult, allocs []models.Allocation) error
}

// DocumentAnchorer queues an allocation-document hash for notarization.
type DocumentAnchorer interface {
	Submit(hash string)
}

// Config wires the engine's collaborators.
type Config struct {
	Wallet       wallet.Service
	Store        Store            // optional
	Bus          *notify.Bus      // optional
	Notary       DocumentAnchorer // optional
	HoldTimeout  time.Duration    // pending_hold bids older than this expire
	EndingNotice time.Duration    // lead time for round_ending events
	Logger       *zap.Logger
}

// roundState is the single authoritative owner of one round's mutable state.
// Every mutation of raised, cover and deltaNow goes through its mutex.
type roundState struct {
	mu         sync.Mutex
	round      *models.Round
	bids       map[string]*models.Bid
	byIdem     map[string]string // bidderID|idempotencyKey -> bid id
	accepted   []string          // bid ids in hold-acceptance order
	allocs     map[string]models.Allocation
	allocOrder []string
	refunded   map[string]bool // per-bid refund progress for clearing resume
	result     *models.ClearingResult
	endingSent bool
}

// Engine runs every round: it owns the order books, drives the price decay on
// ticks, and clears rounds when their windows close. Rounds are fully
// independent and are serialized only against themselves.
type Engine struct {
	mu       sync.RWMutex
	rounds   map[string]*roundState
	bidIndex map[string]string // bid id -> round id

	wallet       wallet.Service
	store        Store
	bus          *notify.Bus
	notary       DocumentAnchorer
	holdTimeout  time.Duration
	endingNotice time.Duration
	log          *zap.Logger

	now func() time.Time
}

func New(cfg Config) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.HoldTimeout <= 0 {
		cfg.HoldTimeout = 30 * time.Second
	}
	if cfg.EndingNotice <= 0 {
		cfg.EndingNotice = 5 * time.Minute
	}
	return &Engine{
		rounds:       make(map[string]*roundState),
		bidIndex:     make(map[string]string),
		wallet:       cfg.Wallet,
		store:        cfg.Store,
		bus:          cfg.Bus,
		notary:       cfg.Notary,
		holdTimeout:  cfg.HoldTimeout,
		endingNotice: cfg.EndingNotice,
		log:          cfg.Logger,
		now:          time.Now,
	}
}

// AddRound registers a new round. Degenerate definitions are rejected here so
// the clock and decay functions never see them.
func (e *Engine) AddRound(r *models.Round) error {
	if err := validateRound(r); err != nil {
		return err
	}
	if r.Status == "" {
		r.Status = models.RoundPending
	}
	r.DeltaNow = CurrentDelta(r, TimeProgress(r, e.now()), r.Cover())

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rounds[r.ID]; exists {
		return fmt.Errorf("%w: duplicate round id %s", ErrInvalidRound, r.ID)
	}
	e.rounds[r.ID] = newRoundState(r)
	e.saveRound(r)
	return nil
}

// RestoreRound rehydrates a round and its bids, typically at server startup.
func (e *Engine) RestoreRound(r *models.Round, bids []models.Bid) error {
	if err := validateRound(r); err != nil {
		return err
	}
	rs := newRoundState(r)
	for i := range bids {
		b := bids[i]
		rs.bids[b.ID] = &b
		rs.byIdem[idemKey(b.BidderID, b.IdempotencyKey)] = b.ID
		if b.Held() {
			rs.accepted = append(rs.accepted, b.ID)
		}
	}
	sort.Slice(rs.accepted, func(i, j int) bool {
		a, b := rs.bids[rs.accepted[i]], rs.bids[rs.accepted[j]]
		if a.AcceptedAt.Equal(b.AcceptedAt) {
			return a.ID < b.ID
		}
		return a.AcceptedAt.Before(b.AcceptedAt)
	})

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rounds[r.ID]; exists {
		return fmt.Errorf("%w: duplicate round id %s", ErrInvalidRound, r.ID)
	}
	e.rounds[r.ID] = rs
	for id := range rs.bids {
		e.bidIndex[id] = r.ID
	}
	return nil
}

func newRoundState(r *models.Round) *roundState {
	return &roundState{
		round:    r,
		bids:     make(map[string]*models.Bid),
		byIdem:   make(map[string]string),
		allocs:   make(map[string]models.Allocation),
		refunded: make(map[string]bool),
	}
}

func validateRound(r *models.Round) error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidRound)
	case !r.EndAt.After(r.StartAt):
		return fmt.Errorf("%w: window must end after it starts", ErrInvalidRound)
	case r.TargetAmount <= 0:
		return fmt.Errorf("%w: target must be positive", ErrInvalidRound)
	case r.LotSize <= 0 || r.LotSize > r.TargetAmount:
		return fmt.Errorf("%w: lot size must be in (0, target]", ErrInvalidRound)
	case r.DeltaFloor.IsNegative() || r.DeltaFloor.GreaterThan(r.DeltaMax):
		return fmt.Errorf("%w: need 0 <= deltaFloor <= deltaMax", ErrInvalidRound)
	case r.CapPercent.IsNegative() || r.CapPercent.IsZero() || r.CapPercent.GreaterThan(one):
		return fmt.Errorf("%w: cap percent must be in (0, 1]", ErrInvalidRound)
	}
	return nil
}

func idemKey(bidderID int, key string) string {
	return fmt.Sprintf("%d|%s", bidderID, key)
}

func (e *Engine) state(roundID string) *roundState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rounds[roundID]
}

// Snapshot returns a read-only view of one round.
func (e *Engine) Snapshot(roundID string) (models.RoundSnapshot, error) {
	rs := e.state(roundID)
	if rs == nil {
		return models.RoundSnapshot{}, ErrRoundNotFound
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return e.snapshotLocked(rs), nil
}

// Snapshots returns views of every round, ordered by start time.
func (e *Engine) Snapshots() []models.RoundSnapshot {
	e.mu.RLock()
	states := make([]*roundState, 0, len(e.rounds))
	for _, rs := range e.rounds {
		states = append(states, rs)
	}
	e.mu.RUnlock()

	snaps := make([]models.RoundSnapshot, 0, len(states))
	for _, rs := range states {
		rs.mu.Lock()
		snaps = append(snaps, e.snapshotLocked(rs))
		rs.mu.Unlock()
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].StartAt.Before(snaps[j].StartAt) })
	return snaps
}

func (e *Engine) snapshotLocked(rs *roundState) models.RoundSnapshot {
	r := rs.round
	now := e.now()
	var active, held int
	for _, b := range rs.bids {
		switch b.Status {
		case models.BidActive:
			active++
		case models.BidTriggeredHold:
			held++
		}
	}
	return models.RoundSnapshot{
		ID:            r.ID,
		OpportunityID: r.OpportunityID,
		Status:        r.Status,
		StartAt:       r.StartAt,
		EndAt:         r.EndAt,
		TargetAmount:  r.TargetAmount,
		Raised:        r.Raised,
		Cover:         r.Cover(),
		DeltaNow:      r.DeltaNow,
		OfferRate:     OfferRate(r, r.DeltaNow),
		LotSize:       r.LotSize,
		TimeRemaining: TimeRemaining(r, now).Seconds(),
		ActiveBids:    active,
		HeldBids:      held,
	}
}

// BidSummary is a bidder's view of their participation in one round.
type BidSummary struct {
	Bids           []models.Bid `json:"bids"`
	TotalRequested int64        `json:"total_requested"`
	TotalHeld      int64        `json:"total_held"`
}

// UserBidSummary returns copies of the bidder's bids in a round.
func (e *Engine) UserBidSummary(roundID string, bidderID int) (BidSummary, error) {
	rs := e.state(roundID)
	if rs == nil {
		return BidSummary{}, ErrRoundNotFound
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()

	var sum BidSummary
	for _, b := range rs.bids {
		if b.BidderID != bidderID {
			continue
		}
		sum.Bids = append(sum.Bids, *b)
		sum.TotalRequested += b.Amount
		if b.Held() {
			sum.TotalHeld += b.Amount
		}
	}
	sort.Slice(sum.Bids, func(i, j int) bool { return sum.Bids[i].CreatedAt.Before(sum.Bids[j].CreatedAt) })
	return sum, nil
}

// ClearingResult returns the stored result and allocations of a cleared round.
func (e *Engine) ClearingResult(roundID string) (*models.ClearingResult, []models.Allocation, error) {
	rs := e.state(roundID)
	if rs == nil {
		return nil, nil, ErrRoundNotFound
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.result == nil {
		return nil, nil, ErrRoundNotFound
	}
	res := *rs.result
	allocs := make([]models.Allocation, 0, len(rs.allocOrder))
	for _, id := range rs.allocOrder {
		allocs = append(allocs, rs.allocs[id])
	}
	return &res, allocs, nil
}

// Tick advances every round's clock: it recomputes deltaNow, triggers limit
// bids, expires stale holds, and clears rounds whose windows closed.
func (e *Engine) Tick(ctx context.Context) {
	e.mu.RLock()
	states := make([]*roundState, 0, len(e.rounds))
	for _, rs := range e.rounds {
		states = append(states, rs)
	}
	e.mu.RUnlock()

	for _, rs := range states {
		e.tickRound(ctx, rs)
	}
}

func (e *Engine) tickRound(ctx context.Context, rs *roundState) {
	now := e.now()
	rs.mu.Lock()
	r := rs.round

	switch r.Status {
	case models.RoundPending:
		if !now.Before(r.StartAt) && now.Before(r.EndAt) {
			r.Status = models.RoundOpen
			r.DeltaNow = CurrentDelta(r, TimeProgress(r, now), r.Cover())
			e.saveRound(r)
			e.emit(notify.NewEvent(notify.EventRoundOpened, r.ID))
		}
		rs.mu.Unlock()

	case models.RoundOpen:
		e.expireStaleHoldsLocked(rs, now)
		r.DeltaNow = CurrentDelta(r, TimeProgress(r, now), r.Cover())
		triggered := e.collectTriggersLocked(rs)

		if !rs.endingSent && TimeRemaining(r, now) <= e.endingNotice {
			rs.endingSent = true
			e.emit(notify.NewEvent(notify.EventRoundEnding, r.ID))
		}

		closing := !now.Before(r.EndAt) || (r.EarlyClose && r.Raised >= r.TargetAmount)
		rs.mu.Unlock()

		// Triggers from the final tick settle while the round is still open;
		// only once they have landed does the round leave the open state.
		e.settleHolds(ctx, rs, triggered)
		if closing {
			rs.mu.Lock()
			if rs.round.Status == models.RoundOpen {
				rs.round.Status = models.RoundClearing
				e.saveRound(rs.round)
			}
			rs.mu.Unlock()
			if err := e.clearRound(ctx, rs); err != nil {
				e.log.Error("clearing failed, will retry", zap.String("round", r.ID), zap.Error(err))
			}
		}

	case models.RoundClearing:
		rs.mu.Unlock()
		if err := e.clearRound(ctx, rs); err != nil {
			e.log.Error("clearing retry failed", zap.String("round", r.ID), zap.Error(err))
		}

	default:
		rs.mu.Unlock()
	}
}

// Run drives Tick on a fixed interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

func (e *Engine) emit(ev notify.Event) {
	if e.bus != nil {
		e.bus.Emit(ev)
	}
}

func (e *Engine) saveRound(r *models.Round) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveRound(context.Background(), r); err != nil {
		e.log.Error("failed to persist round", zap.String("round", r.ID), zap.Error(err))
	}
}

func (e *Engine) saveBid(b *models.Bid) {
	if e.store == nil {
		return
	}
	if err := e.store.SaveBid(context.Background(), b); err != nil {
		e.log.Error("failed to persist bid", zap.String("bid", b.ID), zap.Error(err))
	}
}
