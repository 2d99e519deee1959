package rules

import (
	"errors"
	"fmt"

	"github.com/solwatch/rules-engine/internal/types"
)

var (
	// ErrInvalidPrice is returned when a notional buy cannot be sized
	// because the current price is zero or negative.
	ErrInvalidPrice = errors.New("invalid price for order sizing")

	// ErrUnsizedAction is returned when an action carries neither a
	// percentage nor a notional amount where one is required.
	ErrUnsizedAction = errors.New("action has no amount to size the order from")
)

// Action is a rule's trade action, detached from persistence.
type Action struct {
	Type           ActionType
	AmountPercent  *float64
	AmountNotional *float64
}

// Resolve translates an action into a concrete order request against the
// current market state. A nil request with a nil error means there is
// nothing to do (for example closing when no position is open); submission
// is the caller's responsibility.
//
// position may be nil when no position is open. freeBalance is the
// executor-reported free collateral, used only for percentage-sized buys.
func Resolve(action Action, market string, currentPrice float64, position *types.Position, freeBalance float64) (*types.OrderRequest, error) {
	switch action.Type {
	case ActionClosePosition:
		if position == nil || position.Size == 0 {
			return nil, nil
		}
		return &types.OrderRequest{
			Market:     market,
			Direction:  position.Direction.Opposite(),
			Size:       abs(position.Size),
			ReduceOnly: true,
		}, nil

	case ActionSell:
		if position == nil || position.Size == 0 {
			return nil, nil
		}
		pct := 100.0
		if action.AmountPercent != nil {
			pct = *action.AmountPercent
		}
		return &types.OrderRequest{
			Market:     market,
			Direction:  position.Direction.Opposite(),
			Size:       abs(position.Size) * pct / 100,
			ReduceOnly: true,
		}, nil

	case ActionBuy:
		if action.AmountNotional != nil {
			if currentPrice <= 0 {
				return nil, ErrInvalidPrice
			}
			return &types.OrderRequest{
				Market:    market,
				Direction: types.DirectionLong,
				Size:      *action.AmountNotional / currentPrice,
			}, nil
		}
		if action.AmountPercent != nil {
			// Percentage buys are sized against free collateral rather
			// than any standing position.
			if currentPrice <= 0 {
				return nil, ErrInvalidPrice
			}
			notional := freeBalance * *action.AmountPercent / 100
			if notional <= 0 {
				return nil, nil
			}
			return &types.OrderRequest{
				Market:    market,
				Direction: types.DirectionLong,
				Size:      notional / currentPrice,
			}, nil
		}
		return nil, ErrUnsizedAction
	}

	return nil, fmt.Errorf("unsupported action type: %s", action.Type)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
