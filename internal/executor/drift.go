package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/solwatch/rules-engine/internal/types"
)

// Drift talks to the drift-trader sidecar, which owns the wallet and all
// blockchain transaction construction. The engine only sees market orders
// and receipts.
type Drift struct {
	http *resty.Client
}

// NewDrift builds a client for the sidecar at baseURL. Blockchain
// confirmation is slow, so timeout should be generous relative to the
// oracle timeout.
func NewDrift(baseURL string, timeout time.Duration) *Drift {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout)

	return &Drift{http: httpClient}
}

type driftTradeRequest struct {
	Market     string  `json:"market"`
	Side       string  `json:"side"`
	Size       float64 `json:"size"`
	OrderType  string  `json:"order_type"`
	ReduceOnly bool    `json:"reduce_only"`
}

type driftTradeResult struct {
	Success   bool   `json:"success"`
	Signature string `json:"signature"`
	Message   string `json:"message"`
	Error     string `json:"error"`
}

type driftPosition struct {
	Market     string  `json:"market"`
	Size       float64 `json:"size"`
	Side       string  `json:"side"`
	EntryPrice float64 `json:"entry_price"`
}

type driftAccount struct {
	FreeCollateral float64 `json:"free_collateral"`
}

func (d *Drift) GetPosition(ctx context.Context, market string) (*types.Position, error) {
	var pos driftPosition
	resp, err := d.http.R().
		SetContext(ctx).
		SetResult(&pos).
		Get("/position/" + market)

	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrExecutorUnavailable, err)
	}
	if resp.StatusCode() == 404 {
		return nil, nil
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("%w: status %d", ErrExecutorUnavailable, resp.StatusCode())
	}
	if pos.Size == 0 {
		return nil, nil
	}

	direction := types.DirectionLong
	if pos.Side == "short" {
		direction = types.DirectionShort
	}
	return &types.Position{
		Market:     pos.Market,
		Direction:  direction,
		Size:       pos.Size,
		EntryPrice: pos.EntryPrice,
	}, nil
}

func (d *Drift) GetFreeCollateral(ctx context.Context) (float64, error) {
	var account driftAccount
	resp, err := d.http.R().
		SetContext(ctx).
		SetResult(&account).
		Get("/account")

	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrExecutorUnavailable, err)
	}
	if resp.StatusCode() != 200 {
		return 0, fmt.Errorf("%w: status %d", ErrExecutorUnavailable, resp.StatusCode())
	}
	return account.FreeCollateral, nil
}

func (d *Drift) SubmitOrder(ctx context.Context, order types.OrderRequest) (string, error) {
	var result driftTradeResult
	resp, err := d.http.R().
		SetContext(ctx).
		SetBody(driftTradeRequest{
			Market:     order.Market,
			Side:       string(order.Direction),
			Size:       order.Size,
			OrderType:  "market",
			ReduceOnly: order.ReduceOnly,
		}).
		SetResult(&result).
		Post("/trade")

	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrExecutorUnavailable, err)
	}
	if resp.StatusCode() != 200 {
		return "", fmt.Errorf("%w: status %d", ErrExecutionFailed, resp.StatusCode())
	}
	if !result.Success {
		log.Warn().
			Str("market", order.Market).
			Str("error", result.Error).
			Msg("drift trade rejected")
		return "", fmt.Errorf("%w: %s", ErrExecutionFailed, result.Error)
	}

	return result.Signature, nil
}
