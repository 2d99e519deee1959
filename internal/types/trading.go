package types

// Direction is the side of an order or position on a perp market.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// Opposite returns the reducing direction for a position held in d.
func (d Direction) Opposite() Direction {
	if d == DirectionLong {
		return DirectionShort
	}
	return DirectionLong
}

// Position is an open position as reported by the trade executor.
// Size is always positive; Direction carries the sign.
type Position struct {
	Market     string    `json:"market"`
	Direction  Direction `json:"direction"`
	Size       float64   `json:"size"`
	EntryPrice float64   `json:"entry_price"`
}

// OrderRequest is a concrete market order ready for submission.
type OrderRequest struct {
	Market     string    `json:"market"`
	Direction  Direction `json:"direction"`
	Size       float64   `json:"size"`
	ReduceOnly bool      `json:"reduce_only"`
}
