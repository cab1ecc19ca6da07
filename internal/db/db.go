package db

import (
	"context"
	"fmt"

	"github.com/goldenbook/auctiond/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// DB wraps a PostgreSQL connection pool. Rates and deltas are stored as text
// and parsed back into decimals on the way out.
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, password_hash) VALUES ($1, $2) RETURNING id, username, password_hash, created_at",
		username, passwordHash).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByUsername retrieves a user by username
func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = $1",
		username).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

const roundColumns = `id, opportunity_id, start_at, end_at, target_amount, raised,
	base_rate, delta_max, delta_floor, time_weight, cover_weight,
	lot_size, cap_percent, early_close, status, delta_now, created_at`

// SaveRound upserts a round. The engine owns round state; the row mirrors it.
func (db *DB) SaveRound(ctx context.Context, r *models.Round) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO rounds (`+roundColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, now())
		ON CONFLICT (id) DO UPDATE SET
			raised = EXCLUDED.raised,
			status = EXCLUDED.status,
			delta_now = EXCLUDED.delta_now`,
		r.ID, r.OpportunityID, r.StartAt, r.EndAt, r.TargetAmount, r.Raised,
		r.BaseRate.String(), r.DeltaMax.String(), r.DeltaFloor.String(),
		r.TimeWeight.String(), r.CoverWeight.String(),
		r.LotSize, r.CapPercent.String(), r.EarlyClose, string(r.Status), r.DeltaNow.String())
	if err != nil {
		return fmt.Errorf("failed to save round: %w", err)
	}
	return nil
}

func scanRound(row pgx.Row) (*models.Round, error) {
	r := &models.Round{}
	var baseRate, deltaMax, deltaFloor, timeWeight, coverWeight, capPercent, deltaNow, status string
	err := row.Scan(&r.ID, &r.OpportunityID, &r.StartAt, &r.EndAt, &r.TargetAmount, &r.Raised,
		&baseRate, &deltaMax, &deltaFloor, &timeWeight, &coverWeight,
		&r.LotSize, &capPercent, &r.EarlyClose, &status, &deltaNow, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.Status = models.RoundStatus(status)
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&r.BaseRate, baseRate}, {&r.DeltaMax, deltaMax}, {&r.DeltaFloor, deltaFloor},
		{&r.TimeWeight, timeWeight}, {&r.CoverWeight, coverWeight},
		{&r.CapPercent, capPercent}, {&r.DeltaNow, deltaNow},
	} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, fmt.Errorf("bad decimal %q in round %s: %w", f.src, r.ID, err)
		}
		*f.dst = d
	}
	return r, nil
}

// GetRound retrieves one round by id.
func (db *DB) GetRound(ctx context.Context, roundID string) (*models.Round, error) {
	r, err := scanRound(db.Pool.QueryRow(ctx,
		"SELECT "+roundColumns+" FROM rounds WHERE id = $1", roundID))
	if err != nil {
		return nil, fmt.Errorf("failed to get round: %w", err)
	}
	return r, nil
}

// ListUnfinishedRounds retrieves every round that has not closed yet,
// oldest first. Used to rehydrate the engine at startup.
func (db *DB) ListUnfinishedRounds(ctx context.Context) ([]*models.Round, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+roundColumns+" FROM rounds WHERE status != 'closed' ORDER BY created_at ASC")
	if err != nil {
		return nil, fmt.Errorf("failed to list rounds: %w", err)
	}
	defer rows.Close()

	var rounds []*models.Round
	for rows.Next() {
		r, err := scanRound(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan round: %w", err)
		}
		rounds = append(rounds, r)
	}
	return rounds, rows.Err()
}

const bidColumns = `id, round_id, bidder_id, amount, type, delta_min, status,
	idempotency_key, hold_tx_id, receipt_hash, created_at, triggered_at, accepted_at`

// SaveBid upserts a bid.
func (db *DB) SaveBid(ctx context.Context, b *models.Bid) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO bids (`+bidColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			hold_tx_id = EXCLUDED.hold_tx_id,
			receipt_hash = EXCLUDED.receipt_hash,
			triggered_at = EXCLUDED.triggered_at,
			accepted_at = EXCLUDED.accepted_at`,
		b.ID, b.RoundID, b.BidderID, b.Amount, string(b.Type), b.DeltaMin.String(),
		string(b.Status), b.IdempotencyKey, b.HoldTxID, b.ReceiptHash, b.CreatedAt, b.TriggeredAt, b.AcceptedAt)
	if err != nil {
		return fmt.Errorf("failed to save bid: %w", err)
	}
	return nil
}

// GetRoundBids retrieves all bids for a round, oldest first.
func (db *DB) GetRoundBids(ctx context.Context, roundID string) ([]models.Bid, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+bidColumns+" FROM bids WHERE round_id = $1 ORDER BY created_at ASC", roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to get round bids: %w", err)
	}
	defer rows.Close()
	return scanBids(rows)
}

// GetUserBids retrieves a bidder's bids in one round, oldest first.
func (db *DB) GetUserBids(ctx context.Context, roundID string, bidderID int) ([]models.Bid, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+bidColumns+" FROM bids WHERE round_id = $1 AND bidder_id = $2 ORDER BY created_at ASC",
		roundID, bidderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user bids: %w", err)
	}
	defer rows.Close()
	return scanBids(rows)
}

func scanBids(rows pgx.Rows) ([]models.Bid, error) {
	var bids []models.Bid
	for rows.Next() {
		var b models.Bid
		var typ, deltaMin, status string
		if err := rows.Scan(&b.ID, &b.RoundID, &b.BidderID, &b.Amount, &typ, &deltaMin,
			&status, &b.IdempotencyKey, &b.HoldTxID, &b.ReceiptHash,
			&b.CreatedAt, &b.TriggeredAt, &b.AcceptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan bid: %w", err)
		}
		b.Type = models.BidType(typ)
		b.Status = models.BidStatus(status)
		d, err := decimal.NewFromString(deltaMin)
		if err != nil {
			return nil, fmt.Errorf("bad delta_min %q for bid %s: %w", deltaMin, b.ID, err)
		}
		b.DeltaMin = d
		bids = append(bids, b)
	}
	return bids, rows.Err()
}

// SaveClearing records a clearing result and its allocations in one
// transaction. Allocations are append-only and keyed by bid id, so replaying
// the same clearing inserts nothing new.
func (db *DB) SaveClearing(ctx context.Context, res *models.ClearingResult, allocs []models.Allocation) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO clearing_results
			(round_id, cleared_at, clearing_delta, clearing_rate, pro_rata,
			 total_requested, total_filled, document_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (round_id) DO NOTHING`,
		res.RoundID, res.ClearedAt, res.ClearingDelta.String(), res.ClearingRate.String(),
		res.ProRata.String(), res.TotalRequested, res.TotalFilled, res.DocumentHash)
	if err != nil {
		return fmt.Errorf("failed to save clearing result: %w", err)
	}

	for _, a := range allocs {
		_, err = tx.Exec(ctx, `
			INSERT INTO allocations
				(id, bid_id, round_id, bidder_id, requested, filled, refund,
				 pro_rata, certificate_id, receipt_hash, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (bid_id) DO NOTHING`,
			a.ID, a.BidID, a.RoundID, a.BidderID, a.Requested, a.Filled, a.Refund,
			a.ProRata.String(), a.CertificateID, a.ReceiptHash, a.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to save allocation for bid %s: %w", a.BidID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit clearing: %w", err)
	}
	return nil
}

// GetClearingResult retrieves the clearing result for a round.
func (db *DB) GetClearingResult(ctx context.Context, roundID string) (*models.ClearingResult, error) {
	res := &models.ClearingResult{}
	var delta, rate, proRata string
	err := db.Pool.QueryRow(ctx, `
		SELECT round_id, cleared_at, clearing_delta, clearing_rate, pro_rata,
		       total_requested, total_filled, document_hash
		FROM clearing_results WHERE round_id = $1`, roundID).Scan(
		&res.RoundID, &res.ClearedAt, &delta, &rate, &proRata,
		&res.TotalRequested, &res.TotalFilled, &res.DocumentHash)
	if err != nil {
		return nil, fmt.Errorf("failed to get clearing result: %w", err)
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&res.ClearingDelta, delta}, {&res.ClearingRate, rate}, {&res.ProRata, proRata}} {
		d, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, fmt.Errorf("bad decimal %q in clearing result %s: %w", f.src, roundID, err)
		}
		*f.dst = d
	}
	return res, nil
}

const allocColumns = `id, bid_id, round_id, bidder_id, requested, filled, refund,
	pro_rata, certificate_id, receipt_hash, created_at`

// GetAllocationsForRound reads the allocation ledger for one round.
func (db *DB) GetAllocationsForRound(ctx context.Context, roundID string) ([]models.Allocation, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+allocColumns+" FROM allocations WHERE round_id = $1 ORDER BY created_at ASC, id ASC",
		roundID)
	if err != nil {
		return nil, fmt.Errorf("failed to get round allocations: %w", err)
	}
	defer rows.Close()
	return scanAllocations(rows)
}

// GetAllocationsForBidder reads the allocation ledger for one bidder across rounds.
func (db *DB) GetAllocationsForBidder(ctx context.Context, bidderID int) ([]models.Allocation, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+allocColumns+" FROM allocations WHERE bidder_id = $1 ORDER BY created_at ASC, id ASC",
		bidderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get bidder allocations: %w", err)
	}
	defer rows.Close()
	return scanAllocations(rows)
}

func scanAllocations(rows pgx.Rows) ([]models.Allocation, error) {
	var allocs []models.Allocation
	for rows.Next() {
		var a models.Allocation
		var proRata string
		if err := rows.Scan(&a.ID, &a.BidID, &a.RoundID, &a.BidderID, &a.Requested,
			&a.Filled, &a.Refund, &proRata, &a.CertificateID, &a.ReceiptHash, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan allocation: %w", err)
		}
		d, err := decimal.NewFromString(proRata)
		if err != nil {
			return nil, fmt.Errorf("bad pro_rata %q for allocation %s: %w", proRata, a.ID, err)
		}
		a.ProRata = d
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}
