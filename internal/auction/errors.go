package auction

import "errors"

// Typed rejection reasons surfaced to the caller. Validation failures are
// returned synchronously and never retried.
var (
	ErrRoundNotFound       = errors.New("round not found")
	ErrRoundNotOpen        = errors.New("round not open")
	ErrAmountNotPositive   = errors.New("amount must be positive")
	ErrBelowLotSize        = errors.New("amount below minimum lot size")
	ErrExceedsRemaining    = errors.New("amount exceeds remaining capacity")
	ErrCapExceeded         = errors.New("bidder cap exceeded for this round")
	ErrDeltaMinOutOfRange  = errors.New("limit delta outside [floor, current delta]")
	ErrIdempotencyConflict = errors.New("idempotency key reused with different parameters")
	ErrBidNotFound         = errors.New("bid not found")
	ErrBidNotCancellable   = errors.New("bid can no longer be cancelled")
	ErrHoldFailed          = errors.New("wallet hold failed")
	ErrInvalidRound        = errors.New("invalid round definition")
	ErrClearingIncomplete  = errors.New("clearing could not complete")
)
