package executor

import (
	"context"
	"errors"

	"github.com/solwatch/rules-engine/internal/types"
)

var (
	// ErrExecutionFailed means the venue rejected or dropped the order.
	ErrExecutionFailed = errors.New("order execution failed")

	// ErrExecutorUnavailable means the trade settlement service could not
	// be reached at all.
	ErrExecutorUnavailable = errors.New("trade executor unavailable")
)

// TradeExecutor is the trade-settlement collaborator. The implementation is
// chosen once at startup; business logic never falls back between them.
type TradeExecutor interface {
	// GetPosition returns the open position for a market, or (nil, nil)
	// when no position is open.
	GetPosition(ctx context.Context, market string) (*types.Position, error)

	// GetFreeCollateral returns the balance available for opening
	// positions, in USD.
	GetFreeCollateral(ctx context.Context) (float64, error)

	// SubmitOrder places a market order and returns the venue receipt id.
	SubmitOrder(ctx context.Context, order types.OrderRequest) (string, error)
}
