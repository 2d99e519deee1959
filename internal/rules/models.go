package rules

import (
	"time"
)

// RuleStatus is the lifecycle state of a monitoring rule.
// Triggered and Expired are terminal: no further ticks occur once reached.
type RuleStatus string

const (
	StatusActive    RuleStatus = "active"
	StatusPaused    RuleStatus = "paused"
	StatusTriggered RuleStatus = "triggered"
	StatusExpired   RuleStatus = "expired"
)

// ConditionType selects the comparison a rule performs against the market.
type ConditionType string

const (
	PriceAbove          ConditionType = "price_above"
	PriceBelow          ConditionType = "price_below"
	PriceChangePercent  ConditionType = "price_change_percent"
	PriceChangeAbsolute ConditionType = "price_change_absolute"
)

// ActionType is the trade action performed when a condition fires.
type ActionType string

const (
	ActionBuy           ActionType = "buy"
	ActionSell          ActionType = "sell"
	ActionClosePosition ActionType = "close_position"
)

// Rule is a persisted monitoring directive: watch one market until the
// condition holds, then perform the action exactly once.
type Rule struct {
	ID uint `gorm:"primarykey" json:"id"`

	// Original natural-language input and its parsed summary, supplied by
	// the API layer. The engine never interprets these.
	UserInput     string `json:"user_input"`
	ParsedSummary string `json:"parsed_summary,omitempty"`

	Market         string        `gorm:"index" json:"market"`
	ConditionType  ConditionType `json:"condition_type"`
	ConditionValue float64       `json:"condition_value"`
	// Snapshot taken at rule creation for change-based conditions.
	// Never mutated by the engine.
	ReferencePrice *float64 `json:"reference_price,omitempty"`

	ActionType ActionType `json:"action_type"`
	// Exactly one of the two drives sizing for a buy; sell and close derive
	// size from the live position.
	AmountPercent  *float64 `json:"amount_percent,omitempty"`
	AmountNotional *float64 `json:"amount_notional,omitempty"`

	Status RuleStatus `gorm:"index;default:active" json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
}

// Condition is the evaluator's view of a rule.
func (r *Rule) Condition() Condition {
	return Condition{
		Type:           r.ConditionType,
		Value:          r.ConditionValue,
		ReferencePrice: r.ReferencePrice,
	}
}

// Action is the resolver's view of a rule.
func (r *Rule) Action() Action {
	return Action{
		Type:           r.ActionType,
		AmountPercent:  r.AmountPercent,
		AmountNotional: r.AmountNotional,
	}
}

// ExecutionLogEntry is one append-only audit row per evaluation tick.
// Entries are never updated or deleted except by rule deletion.
type ExecutionLogEntry struct {
	ID     uint `gorm:"primarykey" json:"id"`
	RuleID uint `gorm:"index" json:"rule_id"`

	CheckedAt     time.Time `json:"checked_at"`
	ObservedPrice *float64  `json:"observed_price,omitempty"` // nil when the oracle failed
	ConditionMet  bool      `json:"condition_met"`
	Message       string    `json:"message,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Trade outcome states.
const (
	TradeConfirmed = "confirmed"
	TradeFailed    = "failed"
)

// TradeRecord is the outcome of a triggered action. At most one record is
// created per rule lifetime, regardless of retries within the tick.
type TradeRecord struct {
	ID     uint  `gorm:"primarykey" json:"id"`
	RuleID *uint `gorm:"index" json:"rule_id,omitempty"` // nil for manually placed trades

	Market     string    `json:"market"`
	Side       string    `json:"side"` // long or short
	Size       float64   `json:"size"`
	Price      float64   `json:"price"`
	ReceiptID  string    `json:"receipt_id,omitempty"` // executor receipt, empty on failure
	Status     string    `json:"status"`               // confirmed or failed
	ExecutedAt time.Time `json:"executed_at"`
}
