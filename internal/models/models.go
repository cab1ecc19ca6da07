package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User represents a registered investor
type User struct {
	ID           int
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// RoundStatus is the lifecycle state of an auction round.
// Transitions are monotonic: pending -> open -> clearing -> closed.
type RoundStatus string

const (
	RoundPending  RoundStatus = "pending"
	RoundOpen     RoundStatus = "open"
	RoundClearing RoundStatus = "clearing"
	RoundClosed   RoundStatus = "closed"
)

// BidType distinguishes market bids (held immediately at the current offer)
// from limit bids (held only once the decaying delta reaches the bidder's minimum).
type BidType string

const (
	BidMarket BidType = "market"
	BidLimit  BidType = "limit"
)

// BidStatus is the lifecycle state of a bid.
type BidStatus string

const (
	BidPendingHold   BidStatus = "pending_hold"   // waiting on wallet hold confirmation
	BidActive        BidStatus = "active"         // limit bid, not yet triggered
	BidTriggeredHold BidStatus = "triggered_hold" // funds held, awaiting clearing
	BidFilled        BidStatus = "filled"
	BidPartial       BidStatus = "partial"
	BidCancelled     BidStatus = "cancelled"
	BidExpired       BidStatus = "expired"
	BidRejected      BidStatus = "rejected" // wallet hold failed
)

// Round is one time-boxed descending-price auction for a funding opportunity.
// Amounts are int64 minor currency units; rates and deltas are decimals.
// The delta is an investor-side rate boost: offer rate = base rate + delta.
type Round struct {
	ID            string
	OpportunityID string
	StartAt       time.Time
	EndAt         time.Time
	TargetAmount  int64
	Raised        int64
	BaseRate      decimal.Decimal
	DeltaMax      decimal.Decimal
	DeltaFloor    decimal.Decimal
	TimeWeight    decimal.Decimal // time-pressure coefficient of the decay
	CoverWeight   decimal.Decimal // coverage-pressure coefficient of the decay
	LotSize       int64           // minimum bid increment
	CapPercent    decimal.Decimal // max fraction of target a single bidder may claim
	EarlyClose    bool            // clear as soon as cover reaches 1.0
	Status        RoundStatus
	DeltaNow      decimal.Decimal
	CreatedAt     time.Time
}

// Cover returns the fraction of the target raised so far.
func (r *Round) Cover() float64 {
	if r.TargetAmount <= 0 {
		return 0
	}
	return float64(r.Raised) / float64(r.TargetAmount)
}

// Remaining returns the unraised capacity in minor units.
func (r *Round) Remaining() int64 {
	rem := r.TargetAmount - r.Raised
	if rem < 0 {
		return 0
	}
	return rem
}

// Bid is one request to participate in a round.
type Bid struct {
	ID             string
	RoundID        string
	BidderID       int
	Amount         int64
	Type           BidType
	DeltaMin       decimal.Decimal // limit bids only; zero for market
	Status         BidStatus
	IdempotencyKey string
	HoldTxID       string
	ReceiptHash    string
	CreatedAt      time.Time
	TriggeredAt    time.Time // limit bids: when the decay reached deltaMin
	AcceptedAt     time.Time // when the hold succeeded; acceptance-order tiebreak
}

// Held reports whether the bid currently has funds reserved.
func (b *Bid) Held() bool {
	return b.Status == BidTriggeredHold && b.HoldTxID != ""
}

// Allocation is the immutable clearing outcome for one bid.
// Invariant: Filled + Refund == Requested.
type Allocation struct {
	ID            string
	BidID         string
	RoundID       string
	BidderID      int
	Requested     int64
	Filled        int64
	Refund        int64
	ProRata       decimal.Decimal
	CertificateID string
	ReceiptHash   string
	CreatedAt     time.Time
}

// ClearingResult is the round-level clearing summary. Exactly one per round.
type ClearingResult struct {
	RoundID        string
	ClearedAt      time.Time
	ClearingDelta  decimal.Decimal
	ClearingRate   decimal.Decimal
	ProRata        decimal.Decimal
	TotalRequested int64
	TotalFilled    int64
	DocumentHash   string
}

// RoundSnapshot is the read-only view of a round handed to the API and the
// websocket feed. Readers never touch live engine state.
type RoundSnapshot struct {
	ID            string          `json:"id"`
	OpportunityID string          `json:"opportunity_id"`
	Status        RoundStatus     `json:"status"`
	StartAt       time.Time       `json:"start_at"`
	EndAt         time.Time       `json:"end_at"`
	TargetAmount  int64           `json:"target_amount"`
	Raised        int64           `json:"raised"`
	Cover         float64         `json:"cover"`
	DeltaNow      decimal.Decimal `json:"delta_now"`
	OfferRate     decimal.Decimal `json:"offer_rate"`
	LotSize       int64           `json:"lot_size"`
	TimeRemaining float64         `json:"time_remaining_sec"`
	ActiveBids    int             `json:"active_bids"`
	HeldBids      int             `json:"held_bids"`
}
