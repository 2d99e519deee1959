package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func ref(v float64) *float64 {
	return &v
}

func TestEvaluatePriceAbove(t *testing.T) {
	cond := Condition{Type: PriceAbove, Value: 100}

	tests := []struct {
		name  string
		price float64
		want  bool
	}{
		{"well above", 150, true},
		{"just above", 100.01, true},
		{"exactly at threshold", 100, false}, // strict comparison
		{"below", 99.99, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(cond, tt.price))
		})
	}
}

func TestEvaluatePriceBelow(t *testing.T) {
	cond := Condition{Type: PriceBelow, Value: 80}

	tests := []struct {
		name  string
		price float64
		want  bool
	}{
		{"well below", 50, true},
		{"just below", 79.99, true},
		{"exactly at threshold", 80, false}, // strict comparison
		{"above", 85, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(cond, tt.price))
		})
	}
}

func TestEvaluatePriceChangePercentRise(t *testing.T) {
	cond := Condition{Type: PriceChangePercent, Value: 5, ReferencePrice: ref(100)}

	tests := []struct {
		name  string
		price float64
		want  bool
	}{
		{"above target", 110, true},
		{"exactly at target", 105, true}, // non-strict comparison
		{"just under target", 104.999, false},
		{"unchanged", 100, false},
		{"fell", 90, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(cond, tt.price))
		})
	}
}

func TestEvaluatePriceChangePercentDrop(t *testing.T) {
	cond := Condition{Type: PriceChangePercent, Value: -5, ReferencePrice: ref(100)}

	tests := []struct {
		name  string
		price float64
		want  bool
	}{
		{"below target", 90, true},
		{"exactly at target", 95, true}, // non-strict comparison
		{"just above target", 95.001, false},
		{"rose", 110, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(cond, tt.price))
		})
	}
}

func TestEvaluatePriceChangePercentZeroReference(t *testing.T) {
	// Division-by-zero guard: a zero reference never satisfies the condition.
	cond := Condition{Type: PriceChangePercent, Value: 5, ReferencePrice: ref(0)}

	assert.False(t, Evaluate(cond, 0))
	assert.False(t, Evaluate(cond, 100))
	assert.False(t, Evaluate(cond, 1e9))
}

func TestEvaluatePriceChangePercentNilReference(t *testing.T) {
	// With no reference the current price is its own reference, so the
	// change is always zero and the condition can never fire.
	cond := Condition{Type: PriceChangePercent, Value: 5}

	assert.False(t, Evaluate(cond, 100))
	assert.False(t, Evaluate(cond, 500))
}

func TestEvaluatePriceChangeAbsolute(t *testing.T) {
	tests := []struct {
		name  string
		cond  Condition
		price float64
		want  bool
	}{
		{"rise above delta", Condition{Type: PriceChangeAbsolute, Value: 10, ReferencePrice: ref(100)}, 115, true},
		{"rise exactly delta", Condition{Type: PriceChangeAbsolute, Value: 10, ReferencePrice: ref(100)}, 110, true},
		{"rise under delta", Condition{Type: PriceChangeAbsolute, Value: 10, ReferencePrice: ref(100)}, 109, false},
		{"drop beyond delta", Condition{Type: PriceChangeAbsolute, Value: -10, ReferencePrice: ref(100)}, 85, true},
		{"drop exactly delta", Condition{Type: PriceChangeAbsolute, Value: -10, ReferencePrice: ref(100)}, 90, true},
		{"drop under delta", Condition{Type: PriceChangeAbsolute, Value: -10, ReferencePrice: ref(100)}, 91, false},
		{"nil reference never fires", Condition{Type: PriceChangeAbsolute, Value: 10}, 500, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.cond, tt.price))
		})
	}
}

func TestEvaluateUnknownConditionType(t *testing.T) {
	assert.False(t, Evaluate(Condition{Type: "take_over_the_world", Value: 1}, 100))
}
