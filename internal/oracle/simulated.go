package oracle

import (
	"context"
	"math/rand"
	"sync"
)

// Simulated is an in-process oracle for tests and the simulation binary.
// Scripted prices are consumed one per call; when the script for a market is
// exhausted the last price is held with a small random walk applied.
type Simulated struct {
	mu          sync.Mutex
	prices      map[string]float64
	scripts     map[string][]float64
	unavailable bool
	drift       float64 // random walk amplitude as a fraction of price
}

func NewSimulated() *Simulated {
	return &Simulated{
		prices:  make(map[string]float64),
		scripts: make(map[string][]float64),
	}
}

// SetPrice pins the current price for a market.
func (s *Simulated) SetPrice(market string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[market] = price
}

// PushPrices appends a scripted price series; each GetPrice call consumes
// one value before the oracle falls back to the held price.
func (s *Simulated) PushPrices(market string, prices ...float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[market] = append(s.scripts[market], prices...)
}

// SetUnavailable makes every subsequent call fail until cleared.
func (s *Simulated) SetUnavailable(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = v
}

// SetDrift enables a random walk of the given relative amplitude once a
// market's script is exhausted.
func (s *Simulated) SetDrift(amplitude float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drift = amplitude
}

func (s *Simulated) GetPrice(_ context.Context, market string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return 0, ErrPriceUnavailable
	}

	if script := s.scripts[market]; len(script) > 0 {
		price := script[0]
		s.scripts[market] = script[1:]
		s.prices[market] = price
		return price, nil
	}

	price, ok := s.prices[market]
	if !ok {
		return 0, ErrUnknownMarket
	}

	if s.drift > 0 {
		price *= 1 + (rand.Float64()*2-1)*s.drift
		s.prices[market] = price
	}

	return price, nil
}
