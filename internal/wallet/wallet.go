package wallet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrInsufficientFunds = errors.New("insufficient available balance")
	ErrHoldNotFound      = errors.New("hold not found")
	ErrHoldConfirmed     = errors.New("hold already confirmed")
)

// Service reserves, releases and converts bidder funds. The auction engine
// only ever touches balances through these three calls.
type Service interface {
	// Hold reserves amount from the bidder's available balance and returns
	// a hold transaction id.
	Hold(ctx context.Context, bidderID int, amount int64) (string, error)
	// Release returns amount from a hold to the bidder's available balance.
	Release(ctx context.Context, holdTxID string, amount int64) error
	// Confirm converts the remaining held amount into a contribution and
	// returns the minted certificate id.
	Confirm(ctx context.Context, holdTxID string) (string, error)
}

type hold struct {
	bidderID  int
	remaining int64
	confirmed bool
}

// MemoryWallet is an in-process Service used by the dev server and tests.
// Bidders not seen before start with the configured opening balance.
type MemoryWallet struct {
	mu             sync.Mutex
	openingBalance int64
	balances       map[int]int64
	holds          map[string]*hold
	seen           map[int]bool
}

func NewMemoryWallet(openingBalance int64) *MemoryWallet {
	return &MemoryWallet{
		openingBalance: openingBalance,
		balances:       make(map[int]int64),
		holds:          make(map[string]*hold),
		seen:           make(map[int]bool),
	}
}

// Deposit credits a bidder's available balance.
func (w *MemoryWallet) Deposit(bidderID int, amount int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ensure(bidderID)
	w.balances[bidderID] += amount
}

// Balance returns the bidder's available (unheld) balance.
func (w *MemoryWallet) Balance(bidderID int) int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ensure(bidderID)
	return w.balances[bidderID]
}

func (w *MemoryWallet) ensure(bidderID int) {
	if !w.seen[bidderID] {
		w.seen[bidderID] = true
		w.balances[bidderID] = w.openingBalance
	}
}

func (w *MemoryWallet) Hold(ctx context.Context, bidderID int, amount int64) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("hold amount must be positive, got %d", amount)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ensure(bidderID)
	if w.balances[bidderID] < amount {
		return "", ErrInsufficientFunds
	}
	w.balances[bidderID] -= amount
	id := uuid.NewString()
	w.holds[id] = &hold{bidderID: bidderID, remaining: amount}
	return id, nil
}

func (w *MemoryWallet) Release(ctx context.Context, holdTxID string, amount int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.holds[holdTxID]
	if !ok {
		return ErrHoldNotFound
	}
	if h.confirmed {
		return ErrHoldConfirmed
	}
	if amount > h.remaining {
		return fmt.Errorf("release %d exceeds held %d", amount, h.remaining)
	}
	h.remaining -= amount
	w.balances[h.bidderID] += amount
	if h.remaining == 0 {
		delete(w.holds, holdTxID)
	}
	return nil
}

func (w *MemoryWallet) Confirm(ctx context.Context, holdTxID string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.holds[holdTxID]
	if !ok {
		return "", ErrHoldNotFound
	}
	if h.confirmed {
		return "", ErrHoldConfirmed
	}
	h.confirmed = true
	h.remaining = 0
	return uuid.NewString(), nil
}
