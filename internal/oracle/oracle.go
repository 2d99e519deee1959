package oracle

import (
	"context"
	"errors"
)

var (
	// ErrUnknownMarket means the market symbol has no price source mapping.
	ErrUnknownMarket = errors.New("unknown market")

	// ErrPriceUnavailable means the feed could not produce a price right now.
	// Callers treat it as transient and retry on their next tick.
	ErrPriceUnavailable = errors.New("price unavailable")
)

// PriceOracle is the external price-feed collaborator. Implementations are
// selected once at startup, never swapped inside business logic.
type PriceOracle interface {
	GetPrice(ctx context.Context, market string) (float64, error)
}
