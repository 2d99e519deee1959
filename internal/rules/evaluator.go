package rules

// Condition is a rule's trigger condition, detached from persistence so the
// evaluator stays pure.
type Condition struct {
	Type           ConditionType
	Value          float64
	ReferencePrice *float64
}

// Evaluate reports whether the condition holds at the current price.
// Pure and deterministic: conditions are validated at rule creation, so an
// unknown type simply evaluates false here.
//
// Absolute-price conditions compare strictly; change-based conditions compare
// non-strictly. The asymmetry is deliberate and covered by boundary tests.
func Evaluate(c Condition, currentPrice float64) bool {
	// Change-based conditions fall back to the current price when no
	// reference was snapshotted, which makes them unsatisfiable (zero
	// change from itself). Kept as-is; see DESIGN.md.
	ref := currentPrice
	if c.ReferencePrice != nil {
		ref = *c.ReferencePrice
	}

	switch c.Type {
	case PriceAbove:
		return currentPrice > c.Value

	case PriceBelow:
		return currentPrice < c.Value

	case PriceChangePercent:
		if ref == 0 {
			return false
		}
		pct := (currentPrice - ref) / ref * 100
		if c.Value > 0 {
			return pct >= c.Value
		}
		return pct <= c.Value

	case PriceChangeAbsolute:
		delta := currentPrice - ref
		if c.Value > 0 {
			return delta >= c.Value
		}
		return delta <= c.Value
	}

	return false
}
