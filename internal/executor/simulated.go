package executor

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/solwatch/rules-engine/internal/types"
)

// Simulated executes orders against an in-memory account. It models network
// latency and a configurable success rate so that scheduler behaviour under
// execution failure can be exercised without a venue.
type Simulated struct {
	mu             sync.Mutex
	positions      map[string]*types.Position
	freeCollateral float64

	minLatency  time.Duration
	maxLatency  time.Duration
	successRate float64 // 0-1, probability an order is accepted
	failNext    int     // force the next n submissions to fail
}

func NewSimulated() *Simulated {
	return &Simulated{
		positions:      make(map[string]*types.Position),
		freeCollateral: 10_000,
		minLatency:     5 * time.Millisecond,
		maxLatency:     30 * time.Millisecond,
		successRate:    1.0,
	}
}

// SetPosition seeds an open position.
func (s *Simulated) SetPosition(market string, direction types.Direction, size, entryPrice float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if size == 0 {
		delete(s.positions, market)
		return
	}
	s.positions[market] = &types.Position{
		Market:     market,
		Direction:  direction,
		Size:       size,
		EntryPrice: entryPrice,
	}
}

// SetFreeCollateral seeds the available balance.
func (s *Simulated) SetFreeCollateral(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.freeCollateral = v
}

// SetSuccessRate sets the probability that an order is accepted.
func (s *Simulated) SetSuccessRate(rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successRate = rate
}

// FailNext forces the next n submissions to be rejected.
func (s *Simulated) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *Simulated) GetPosition(_ context.Context, market string) (*types.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pos, ok := s.positions[market]
	if !ok {
		return nil, nil
	}
	copied := *pos
	return &copied, nil
}

func (s *Simulated) GetFreeCollateral(_ context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.freeCollateral, nil
}

func (s *Simulated) SubmitOrder(ctx context.Context, order types.OrderRequest) (string, error) {
	logger := log.With().
		Str("component", "simulated_executor").
		Str("market", order.Market).
		Str("direction", string(order.Direction)).
		Float64("size", order.Size).
		Bool("reduce_only", order.ReduceOnly).
		Logger()

	latency := s.randomLatency()
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %s", ErrExecutorUnavailable, ctx.Err())
	case <-time.After(latency):
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext > 0 {
		s.failNext--
		logger.Warn().Msg("order rejected (forced failure)")
		return "", ErrExecutionFailed
	}
	if rand.Float64() > s.successRate {
		logger.Warn().Float64("success_rate", s.successRate).Msg("order rejected")
		return "", ErrExecutionFailed
	}

	s.applyFill(order)

	receipt := "SIM_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:16]
	logger.Info().Str("receipt_id", receipt).Dur("latency", latency).Msg("order filled")
	return receipt, nil
}

// applyFill mutates the in-memory position book. Called with the lock held.
func (s *Simulated) applyFill(order types.OrderRequest) {
	pos, ok := s.positions[order.Market]
	if !ok {
		if order.ReduceOnly {
			return // nothing to reduce
		}
		s.positions[order.Market] = &types.Position{
			Market:    order.Market,
			Direction: order.Direction,
			Size:      order.Size,
		}
		return
	}

	if order.Direction == pos.Direction {
		pos.Size += order.Size
		return
	}

	remaining := pos.Size - order.Size
	switch {
	case remaining > 0:
		pos.Size = remaining
	case remaining == 0 || order.ReduceOnly:
		delete(s.positions, order.Market)
	default:
		// Flipped through zero on a non-reduce-only order.
		s.positions[order.Market] = &types.Position{
			Market:    order.Market,
			Direction: order.Direction,
			Size:      -remaining,
		}
	}
}

func (s *Simulated) randomLatency() time.Duration {
	spread := s.maxLatency - s.minLatency
	if spread <= 0 {
		return s.minLatency
	}
	return s.minLatency + time.Duration(rand.Int63n(int64(spread)))
}
