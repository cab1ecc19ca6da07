// Package notary anchors allocation documents on an external notarization
// service. Anchoring is fire-and-forget from the engine's point of view:
// failures never block clearing and are retried in the background until
// the anchor is confirmed.
package notary

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"lukechampine.com/blake3"

	"github.com/goldenbook/auctiond/internal/models"
)

// Anchorer is the external notarization collaborator.
type Anchorer interface {
	// Anchor records the hash and returns the chain transaction reference.
	Anchor(ctx context.Context, hash string) (string, error)
}

// DocumentHash computes the allocation-document hash for a clearing result:
// a blake3 digest over the result fields and every allocation line, in
// acceptance order, so re-clearing an identical round yields the same hash.
func DocumentHash(res *models.ClearingResult, allocs []models.Allocation) string {
	h := blake3.New(32, nil)
	fmt.Fprintf(h, "round=%s delta=%s rate=%s prorata=%s requested=%d filled=%d\n",
		res.RoundID, res.ClearingDelta.String(), res.ClearingRate.String(),
		res.ProRata.String(), res.TotalRequested, res.TotalFilled)
	for _, a := range allocs {
		fmt.Fprintf(h, "bid=%s bidder=%d requested=%d filled=%d refund=%d cert=%s\n",
			a.BidID, a.BidderID, a.Requested, a.Filled, a.Refund, a.CertificateID)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ReceiptHash computes the per-bid receipt hash issued with an allocation.
func ReceiptHash(a *models.Allocation) string {
	sum := blake3.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d|%d|%s",
		a.RoundID, a.BidID, a.Requested, a.Filled, a.Refund, a.CertificateID)))
	return hex.EncodeToString(sum[:])
}

type job struct {
	hash     string
	attempts int
}

// Service queues document hashes for anchoring and retries with doubling
// backoff until the anchorer confirms each one.
type Service struct {
	anchorer  Anchorer
	log       *zap.Logger
	baseDelay time.Duration
	maxDelay  time.Duration
	jobs      chan job

	mu       sync.Mutex
	anchored map[string]string // hash -> chain tx
}

func NewService(anchorer Anchorer, log *zap.Logger) *Service {
	return &Service{
		anchorer:  anchorer,
		log:       log,
		baseDelay: time.Second,
		maxDelay:  time.Minute,
		jobs:      make(chan job, 256),
		anchored:  make(map[string]string),
	}
}

// Submit queues a hash for anchoring. Never blocks the caller; if the queue
// is full the hash is dropped and will be resubmitted by the operator.
func (s *Service) Submit(hash string) {
	select {
	case s.jobs <- job{hash: hash}:
	default:
		s.log.Warn("notary queue full, dropping hash", zap.String("hash", hash))
	}
}

// AnchoredTx returns the chain transaction for a confirmed hash, if any.
func (s *Service) AnchoredTx(hash string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.anchored[hash]
	return tx, ok
}

// Run drains the queue until ctx is done, retrying failed anchors.
func (s *Service) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.jobs:
			s.process(ctx, j)
		}
	}
}

func (s *Service) process(ctx context.Context, j job) {
	tx, err := s.anchorer.Anchor(ctx, j.hash)
	if err == nil {
		s.mu.Lock()
		s.anchored[j.hash] = tx
		s.mu.Unlock()
		s.log.Info("document anchored", zap.String("hash", j.hash), zap.String("tx", tx))
		return
	}

	delay := s.baseDelay << uint(j.attempts)
	if delay > s.maxDelay {
		delay = s.maxDelay
	}
	s.log.Warn("anchor failed, retrying",
		zap.String("hash", j.hash), zap.Int("attempt", j.attempts+1),
		zap.Duration("delay", delay), zap.Error(err))

	j.attempts++
	go func() {
		select {
		case <-ctx.Done():
		case <-time.After(delay):
			select {
			case s.jobs <- j:
			default:
			}
		}
	}()
}

// ChainStub is a local Anchorer that fabricates chain transaction ids.
// The dev server uses it in place of the real notarization endpoint.
type ChainStub struct{}

func (ChainStub) Anchor(ctx context.Context, hash string) (string, error) {
	return "0x" + uuid.NewString(), nil
}
