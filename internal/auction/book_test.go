package auction

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/goldenbook/auctiond/internal/models"
	"github.com/goldenbook/auctiond/internal/notify"
	"github.com/goldenbook/auctiond/internal/wallet"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

var testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openRound(id string, target, lot int64) *models.Round {
	return &models.Round{
		ID:           id,
		StartAt:      testStart,
		EndAt:        testStart.Add(24 * time.Hour),
		TargetAmount: target,
		BaseRate:     decimal.RequireFromString("0.065"),
		DeltaMax:     decimal.RequireFromString("0.004"),
		DeltaFloor:   decimal.RequireFromString("0.001"),
		TimeWeight:   decimal.RequireFromString("0.6"),
		CoverWeight:  decimal.RequireFromString("0.4"),
		LotSize:      lot,
		CapPercent:   decimal.RequireFromString("0.5"),
		Status:       models.RoundOpen,
	}
}

func newTestEngine(t *testing.T, w wallet.Service) (*Engine, *fakeClock, *notify.Bus) {
	t.Helper()
	clock := &fakeClock{t: testStart}
	bus := notify.NewBus()
	e := New(Config{
		Wallet:      w,
		Bus:         bus,
		HoldTimeout: 30 * time.Second,
	})
	e.now = clock.Now
	return e, clock, bus
}

func TestSubmitBid_MarketHoldsImmediately(t *testing.T) {
	w := wallet.NewMemoryWallet(10_000_000)
	e, _, _ := newTestEngine(t, w)
	if err := e.AddRound(openRound("r1", 1_000_000, 10_000)); err != nil {
		t.Fatalf("AddRound: %v", err)
	}

	bid, created, err := e.SubmitBid(context.Background(), "r1", 1, 200_000, models.BidMarket, decimal.Zero, "key-1")
	if err != nil {
		t.Fatalf("SubmitBid: %v", err)
	}
	if !created {
		t.Error("expected a new bid")
	}
	if bid.Status != models.BidTriggeredHold {
		t.Errorf("expected triggered_hold, got %s", bid.Status)
	}
	if bid.HoldTxID == "" {
		t.Error("expected a hold tx id")
	}

	snap, err := e.Snapshot("r1")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Raised != 200_000 {
		t.Errorf("expected raised 200000, got %d", snap.Raised)
	}
	if w.Balance(1) != 10_000_000-200_000 {
		t.Errorf("expected hold to reduce balance, got %d", w.Balance(1))
	}
}

func TestSubmitBid_ValidationChain(t *testing.T) {
	w := wallet.NewMemoryWallet(100_000_000)
	e, clock, _ := newTestEngine(t, w)
	r := openRound("r1", 1_000_000, 100_000)
	if err := e.AddRound(r); err != nil {
		t.Fatalf("AddRound: %v", err)
	}
	// Occupy 300k of capacity so the remaining-capacity check has teeth.
	if _, _, err := e.SubmitBid(context.Background(), "r1", 9, 300_000, models.BidMarket, decimal.Zero, "setup"); err != nil {
		t.Fatalf("setup bid: %v", err)
	}

	tests := []struct {
		name      string
		amount    int64
		typ       models.BidType
		deltaMin  string
		expectErr error
	}{
		{
			name:      "NegativeAmount",
			amount:    -5,
			typ:       models.BidMarket,
			expectErr: ErrAmountNotPositive,
		},
		{
			name:      "BelowLotSize",
			amount:    50_000,
			typ:       models.BidMarket,
			expectErr: ErrBelowLotSize,
		},
		{
			name:      "ExceedsRemaining",
			amount:    800_000,
			typ:       models.BidMarket,
			expectErr: ErrExceedsRemaining,
		},
		{
			name:      "DeltaMinBelowFloor",
			amount:    100_000,
			typ:       models.BidLimit,
			deltaMin:  "0.0005",
			expectErr: ErrDeltaMinOutOfRange,
		},
		{
			name:      "DeltaMinAboveCurrent",
			amount:    100_000,
			typ:       models.BidLimit,
			deltaMin:  "0.005",
			expectErr: ErrDeltaMinOutOfRange,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deltaMin := decimal.Zero
			if tt.deltaMin != "" {
				deltaMin = decimal.RequireFromString(tt.deltaMin)
			}
			_, _, err := e.SubmitBid(context.Background(), "r1", 2, tt.amount, tt.typ, deltaMin, "k-"+tt.name)
			if !errors.Is(err, tt.expectErr) {
				t.Errorf("expected %v, got %v", tt.expectErr, err)
			}
		})
	}

	// An amount that is both negative and below the lot size must report the
	// positivity failure: first failure in the chain wins.
	_, _, err := e.SubmitBid(context.Background(), "r1", 2, -1, models.BidMarket, decimal.Zero, "k-order")
	if !errors.Is(err, ErrAmountNotPositive) {
		t.Errorf("expected ErrAmountNotPositive, got %v", err)
	}

	// Cap: bidder 9 already committed 300k; cap is 50% of 1M.
	_, _, err = e.SubmitBid(context.Background(), "r1", 9, 300_000, models.BidMarket, decimal.Zero, "k-cap")
	if !errors.Is(err, ErrCapExceeded) {
		t.Errorf("expected ErrCapExceeded, got %v", err)
	}

	// Closed window: submissions after endAt are rejected before anything else.
	clock.Advance(25 * time.Hour)
	_, _, err = e.SubmitBid(context.Background(), "r1", 2, 100_000, models.BidMarket, decimal.Zero, "k-late")
	if !errors.Is(err, ErrRoundNotOpen) {
		t.Errorf("expected ErrRoundNotOpen, got %v", err)
	}
}

func TestSubmitBid_Idempotency(t *testing.T) {
	w := wallet.NewMemoryWallet(10_000_000)
	e, _, _ := newTestEngine(t, w)
	if err := e.AddRound(openRound("r1", 1_000_000, 10_000)); err != nil {
		t.Fatalf("AddRound: %v", err)
	}

	first, created, err := e.SubmitBid(context.Background(), "r1", 1, 100_000, models.BidMarket, decimal.Zero, "same-key")
	if err != nil || !created {
		t.Fatalf("first submit: created=%v err=%v", created, err)
	}
	balanceAfterFirst := w.Balance(1)

	second, created, err := e.SubmitBid(context.Background(), "r1", 1, 100_000, models.BidMarket, decimal.Zero, "same-key")
	if err != nil {
		t.Fatalf("replay submit: %v", err)
	}
	if created {
		t.Error("replay must not create a second bid")
	}
	if second.ID != first.ID {
		t.Errorf("replay returned different bid: %s vs %s", second.ID, first.ID)
	}
	if w.Balance(1) != balanceAfterFirst {
		t.Error("replay must not place a second hold")
	}

	sum, err := e.UserBidSummary("r1", 1)
	if err != nil {
		t.Fatalf("UserBidSummary: %v", err)
	}
	if len(sum.Bids) != 1 {
		t.Errorf("expected exactly one bid record, got %d", len(sum.Bids))
	}

	// Same key with different parameters is a conflict, not a replay.
	_, _, err = e.SubmitBid(context.Background(), "r1", 1, 200_000, models.BidMarket, decimal.Zero, "same-key")
	if !errors.Is(err, ErrIdempotencyConflict) {
		t.Errorf("expected ErrIdempotencyConflict, got %v", err)
	}
}

func TestLimitBid_TriggersOnDecay(t *testing.T) {
	w := wallet.NewMemoryWallet(10_000_000)
	e, clock, _ := newTestEngine(t, w)
	r := openRound("r1", 10_000_000, 10_000)
	// deltaNow starts at 0.0028 with these coefficients.
	r.DeltaMax = decimal.RequireFromString("0.0028")
	if err := e.AddRound(r); err != nil {
		t.Fatalf("AddRound: %v", err)
	}

	bid, _, err := e.SubmitBid(context.Background(), "r1", 1, 100_000, models.BidLimit,
		decimal.RequireFromString("0.0025"), "lim-1")
	if err != nil {
		t.Fatalf("SubmitBid: %v", err)
	}
	if bid.Status != models.BidActive {
		t.Fatalf("expected active untriggered limit bid, got %s", bid.Status)
	}
	if w.Balance(1) != 10_000_000 {
		t.Error("untriggered limit bid must not hold funds")
	}

	// One tick later the delta has not decayed enough yet.
	clock.Advance(time.Hour)
	e.Tick(context.Background())
	sum, _ := e.UserBidSummary("r1", 1)
	if sum.Bids[0].Status != models.BidActive {
		t.Fatalf("bid triggered too early: %s", sum.Bids[0].Status)
	}

	// Half the window: delta = 0.0028 * (1 - 0.6*0.5) = 0.00196 <= 0.0025.
	clock.Advance(11 * time.Hour)
	e.Tick(context.Background())

	sum, _ = e.UserBidSummary("r1", 1)
	if got := sum.Bids[0].Status; got != models.BidTriggeredHold {
		t.Fatalf("expected triggered_hold after decay, got %s", got)
	}
	if w.Balance(1) != 10_000_000-100_000 {
		t.Error("triggered limit bid must hold funds")
	}
	snap, _ := e.Snapshot("r1")
	if snap.Raised != 100_000 {
		t.Errorf("expected raised 100000 after trigger, got %d", snap.Raised)
	}
}

func TestCancelBid(t *testing.T) {
	w := wallet.NewMemoryWallet(10_000_000)
	e, _, _ := newTestEngine(t, w)
	if err := e.AddRound(openRound("r1", 1_000_000, 10_000)); err != nil {
		t.Fatalf("AddRound: %v", err)
	}

	held, _, err := e.SubmitBid(context.Background(), "r1", 1, 100_000, models.BidMarket, decimal.Zero, "m-1")
	if err != nil {
		t.Fatalf("market bid: %v", err)
	}
	limit, _, err := e.SubmitBid(context.Background(), "r1", 2, 100_000, models.BidLimit,
		decimal.RequireFromString("0.001"), "l-1")
	if err != nil {
		t.Fatalf("limit bid: %v", err)
	}

	// Cancelling an untriggered limit bid needs no wallet involvement.
	if err := e.CancelBid(context.Background(), limit.ID, 2); err != nil {
		t.Fatalf("cancel limit: %v", err)
	}

	// Cancelling a held bid releases the hold and rolls back raised.
	if err := e.CancelBid(context.Background(), held.ID, 1); err != nil {
		t.Fatalf("cancel held: %v", err)
	}
	if w.Balance(1) != 10_000_000 {
		t.Errorf("expected full balance after release, got %d", w.Balance(1))
	}
	snap, _ := e.Snapshot("r1")
	if snap.Raised != 0 {
		t.Errorf("expected raised rolled back to 0, got %d", snap.Raised)
	}

	// Terminal bids are not cancellable, and ownership is enforced.
	if err := e.CancelBid(context.Background(), held.ID, 1); !errors.Is(err, ErrBidNotCancellable) {
		t.Errorf("expected ErrBidNotCancellable, got %v", err)
	}
	if err := e.CancelBid(context.Background(), limit.ID, 1); !errors.Is(err, ErrBidNotFound) {
		t.Errorf("expected ErrBidNotFound for foreign bid, got %v", err)
	}
}

type deniedWallet struct{}

func (deniedWallet) Hold(ctx context.Context, bidderID int, amount int64) (string, error) {
	return "", wallet.ErrInsufficientFunds
}
func (deniedWallet) Release(ctx context.Context, holdTxID string, amount int64) error { return nil }
func (deniedWallet) Confirm(ctx context.Context, holdTxID string) (string, error)     { return "", nil }

func TestSubmitBid_HoldFailureRejectsBid(t *testing.T) {
	e, _, _ := newTestEngine(t, deniedWallet{})
	if err := e.AddRound(openRound("r1", 1_000_000, 10_000)); err != nil {
		t.Fatalf("AddRound: %v", err)
	}

	bid, _, err := e.SubmitBid(context.Background(), "r1", 1, 100_000, models.BidMarket, decimal.Zero, "k1")
	if !errors.Is(err, ErrHoldFailed) {
		t.Fatalf("expected ErrHoldFailed, got %v", err)
	}
	if bid.Status != models.BidRejected {
		t.Errorf("expected rejected bid, got %s", bid.Status)
	}
	snap, _ := e.Snapshot("r1")
	if snap.Raised != 0 {
		t.Error("failed hold must not count toward raised")
	}
}

// blockingWallet parks Hold calls until the test releases them, so the
// hold-timeout expiry can race a late confirmation.
type blockingWallet struct {
	inner       *wallet.MemoryWallet
	holdStarted chan struct{}
	proceed     chan struct{}
}

func (w *blockingWallet) Hold(ctx context.Context, bidderID int, amount int64) (string, error) {
	w.holdStarted <- struct{}{}
	<-w.proceed
	return w.inner.Hold(ctx, bidderID, amount)
}
func (w *blockingWallet) Release(ctx context.Context, holdTxID string, amount int64) error {
	return w.inner.Release(ctx, holdTxID, amount)
}
func (w *blockingWallet) Confirm(ctx context.Context, holdTxID string) (string, error) {
	return w.inner.Confirm(ctx, holdTxID)
}

func TestHoldTimeout_LateHoldDoesNotResurrectBid(t *testing.T) {
	inner := wallet.NewMemoryWallet(10_000_000)
	w := &blockingWallet{inner: inner, holdStarted: make(chan struct{}), proceed: make(chan struct{})}
	e, clock, _ := newTestEngine(t, w)
	if err := e.AddRound(openRound("r1", 1_000_000, 10_000)); err != nil {
		t.Fatalf("AddRound: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.SubmitBid(context.Background(), "r1", 1, 100_000, models.BidMarket, decimal.Zero, "slow")
	}()

	<-w.holdStarted
	// The hold is in flight past its timeout; the tick expires the bid.
	clock.Advance(31 * time.Second)
	e.Tick(context.Background())

	// Now the wallet finally answers. The engine must release the late hold.
	close(w.proceed)
	<-done

	sum, _ := e.UserBidSummary("r1", 1)
	if got := sum.Bids[0].Status; got != models.BidExpired {
		t.Fatalf("expected expired bid, got %s", got)
	}
	if inner.Balance(1) != 10_000_000 {
		t.Errorf("late hold must be released, balance %d", inner.Balance(1))
	}
	snap, _ := e.Snapshot("r1")
	if snap.Raised != 0 {
		t.Error("expired bid must not count toward raised")
	}
}

func TestLateHold_AfterRoundClosesIsReleased(t *testing.T) {
	inner := wallet.NewMemoryWallet(10_000_000)
	w := &blockingWallet{inner: inner, holdStarted: make(chan struct{}), proceed: make(chan struct{})}
	e, clock, _ := newTestEngine(t, w)
	r := openRound("r1", 1_000_000, 10_000)
	r.EndAt = testStart.Add(10 * time.Second)
	if err := e.AddRound(r); err != nil {
		t.Fatalf("AddRound: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		e.SubmitBid(context.Background(), "r1", 1, 100_000, models.BidMarket, decimal.Zero, "slow")
	}()

	<-w.holdStarted
	// The window ends while the hold is still in flight. The tick closes
	// and clears the round with no bids.
	clock.Advance(11 * time.Second)
	e.Tick(context.Background())

	snap, _ := e.Snapshot("r1")
	if snap.Status != models.RoundClosed {
		t.Fatalf("expected closed round, got %s", snap.Status)
	}

	// The wallet finally answers. A closed book takes no holds, so the
	// funds must go straight back.
	close(w.proceed)
	<-done

	sum, _ := e.UserBidSummary("r1", 1)
	if got := sum.Bids[0].Status; got != models.BidExpired {
		t.Fatalf("expected expired bid, got %s", got)
	}
	if inner.Balance(1) != 10_000_000 {
		t.Errorf("late hold must be released, balance %d", inner.Balance(1))
	}
	snap, _ = e.Snapshot("r1")
	if snap.Raised != 0 {
		t.Errorf("closed round must not count the late hold, raised %d", snap.Raised)
	}
	res, _, err := e.ClearingResult("r1")
	if err != nil {
		t.Fatalf("ClearingResult: %v", err)
	}
	if res.TotalFilled != 0 {
		t.Errorf("expected empty clearing, total filled %d", res.TotalFilled)
	}
}

func TestLimitTrigger_PreservesCreationTime(t *testing.T) {
	e, clock, _ := newTestEngine(t, wallet.NewMemoryWallet(10_000_000))
	if err := e.AddRound(openRound("r1", 1_000_000, 10_000)); err != nil {
		t.Fatalf("AddRound: %v", err)
	}

	_, _, err := e.SubmitBid(context.Background(), "r1", 1, 100_000, models.BidLimit,
		decimal.RequireFromString("0.0028"), "l-1")
	if err != nil {
		t.Fatalf("SubmitBid: %v", err)
	}

	// Halfway through the window the decay reaches the bid's threshold:
	// 0.004 * (1 - 0.6*0.5) = 0.0028.
	clock.Advance(12 * time.Hour)
	e.Tick(context.Background())

	sum, _ := e.UserBidSummary("r1", 1)
	b := sum.Bids[0]
	if b.Status != models.BidTriggeredHold {
		t.Fatalf("expected triggered bid, got %s", b.Status)
	}
	if !b.CreatedAt.Equal(testStart) {
		t.Errorf("trigger must not rewrite creation time, got %s", b.CreatedAt)
	}
	if !b.TriggeredAt.Equal(testStart.Add(12 * time.Hour)) {
		t.Errorf("expected trigger stamp at +12h, got %s", b.TriggeredAt)
	}
}
