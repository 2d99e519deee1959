package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/solwatch/rules-engine/internal/executor"
	"github.com/solwatch/rules-engine/internal/oracle"
	"github.com/solwatch/rules-engine/internal/rules"
	"github.com/solwatch/rules-engine/internal/types"
)

const (
	testInterval = 20 * time.Millisecond
	testTimeout  = time.Second
	waitDeadline = 3 * time.Second
)

func newTestStore(t *testing.T) *rules.Database {
	store, _ := newTestStoreDB(t)
	return store
}

func newTestStoreDB(t *testing.T) (*rules.Database, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&rules.Rule{}, &rules.ExecutionLogEntry{}, &rules.TradeRecord{}))

	return rules.NewDatabase(db), db
}

func ref(v float64) *float64 {
	return &v
}

func createRule(t *testing.T, store *rules.Database, rule rules.Rule) uint {
	t.Helper()
	if rule.Status == "" {
		rule.Status = rules.StatusActive
	}
	require.NoError(t, store.CreateRule(&rule))
	return rule.ID
}

func sellBelow80() rules.Rule {
	return rules.Rule{
		Market:         "SOL-PERP",
		ConditionType:  rules.PriceBelow,
		ConditionValue: 80,
		ActionType:     rules.ActionSell,
		AmountPercent:  ref(100),
	}
}

func waitForStatus(t *testing.T, store *rules.Database, id uint, want rules.RuleStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		rule, err := store.GetRule(id)
		return err == nil && rule != nil && rule.Status == want
	}, waitDeadline, testInterval/2, "rule %d never reached status %s", id, want)
}

// Scenario A: the oracle reports 85 then 79 for a sell-below-80 rule. One
// miss is logged, then the trade confirms and the rule retires.
func TestTriggerOnFallingPrice(t *testing.T) {
	store := newTestStore(t)

	priceOracle := oracle.NewSimulated()
	// One miss at 85, then 79 is held until the trigger commits.
	priceOracle.PushPrices("SOL-PERP", 85, 79)

	tradeExecutor := executor.NewSimulated()
	tradeExecutor.SetPosition("SOL-PERP", types.DirectionLong, 10, 92)

	sched := New(store, priceOracle, tradeExecutor, testInterval, testTimeout)
	defer sched.Stop()

	id := createRule(t, store, sellBelow80())
	sched.Add(id)

	waitForStatus(t, store, id, rules.StatusTriggered)

	rule, err := store.GetRule(id)
	require.NoError(t, err)
	require.NotNil(t, rule.TriggeredAt)

	trades, err := store.ListTrades(id)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, rules.TradeConfirmed, trades[0].Status)
	assert.Equal(t, "short", trades[0].Side)
	assert.Equal(t, 10.0, trades[0].Size)
	assert.Equal(t, 79.0, trades[0].Price)
	assert.NotEmpty(t, trades[0].ReceiptID)

	entries, err := store.ListLogEntries(id, 0)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	// Oldest entry is the miss at 85, newest is the trigger at 79.
	first := entries[len(entries)-1]
	require.NotNil(t, first.ObservedPrice)
	assert.Equal(t, 85.0, *first.ObservedPrice)
	assert.False(t, first.ConditionMet)

	last := entries[0]
	require.NotNil(t, last.ObservedPrice)
	assert.Equal(t, 79.0, *last.ObservedPrice)
	assert.True(t, last.ConditionMet)

	// The schedule is gone; no further ticks occur.
	assert.Eventually(t, func() bool { return !sched.IsScheduled(id) }, waitDeadline, testInterval)
}

// Scenario B: the oracle stays dark for several ticks. Each tick logs a
// null-price entry and the rule stays Active.
func TestOracleOutageKeepsRuleActive(t *testing.T) {
	store := newTestStore(t)

	priceOracle := oracle.NewSimulated()
	priceOracle.SetUnavailable(true)

	sched := New(store, priceOracle, executor.NewSimulated(), testInterval, testTimeout)
	defer sched.Stop()

	id := createRule(t, store, sellBelow80())
	sched.Add(id)

	require.Eventually(t, func() bool {
		entries, err := store.ListLogEntries(id, 0)
		return err == nil && len(entries) >= 3
	}, waitDeadline, testInterval/2)

	entries, err := store.ListLogEntries(id, 0)
	require.NoError(t, err)
	for _, entry := range entries {
		assert.Nil(t, entry.ObservedPrice)
		assert.False(t, entry.ConditionMet)
		assert.NotEmpty(t, entry.Error)
	}

	rule, err := store.GetRule(id)
	require.NoError(t, err)
	assert.Equal(t, rules.StatusActive, rule.Status)
	assert.True(t, sched.IsScheduled(id))
}

// Scenario C: the condition fires but the venue rejects the order. A failed
// trade is recorded and monitoring still terminates.
func TestFailedExecutionStillRetiresRule(t *testing.T) {
	store := newTestStore(t)

	priceOracle := oracle.NewSimulated()
	priceOracle.SetPrice("SOL-PERP", 75)

	tradeExecutor := executor.NewSimulated()
	tradeExecutor.SetPosition("SOL-PERP", types.DirectionLong, 10, 92)
	tradeExecutor.SetSuccessRate(0)

	sched := New(store, priceOracle, tradeExecutor, testInterval, testTimeout)
	defer sched.Stop()

	id := createRule(t, store, sellBelow80())
	sched.Add(id)

	waitForStatus(t, store, id, rules.StatusTriggered)

	trades, err := store.ListTrades(id)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, rules.TradeFailed, trades[0].Status)
	assert.Empty(t, trades[0].ReceiptID)

	assert.Eventually(t, func() bool { return !sched.IsScheduled(id) }, waitDeadline, testInterval)
}

// A close with no open position resolves to nothing; the rule still retires
// with a failed trade on record.
func TestTriggerWithNoPosition(t *testing.T) {
	store := newTestStore(t)

	priceOracle := oracle.NewSimulated()
	priceOracle.SetPrice("SOL-PERP", 75)

	sched := New(store, priceOracle, executor.NewSimulated(), testInterval, testTimeout)
	defer sched.Stop()

	rule := sellBelow80()
	rule.ActionType = rules.ActionClosePosition
	rule.AmountPercent = nil
	id := createRule(t, store, rule)
	sched.Add(id)

	waitForStatus(t, store, id, rules.StatusTriggered)

	trades, err := store.ListTrades(id)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, rules.TradeFailed, trades[0].Status)
	assert.Zero(t, trades[0].Size)
}

// countingOracle tracks concurrent GetPrice calls to verify single-flight.
// With ignoreCancel set, a call holds for the full delay even when its
// context is cancelled, modelling a tick that cannot be interrupted.
type countingOracle struct {
	delay         time.Duration
	ignoreCancel  bool
	inFlight      atomic.Int32
	maxInFlight   atomic.Int32
	totalRequests atomic.Int32
}

func (o *countingOracle) GetPrice(ctx context.Context, market string) (float64, error) {
	current := o.inFlight.Add(1)
	defer o.inFlight.Add(-1)
	o.totalRequests.Add(1)

	for {
		max := o.maxInFlight.Load()
		if current <= max || o.maxInFlight.CompareAndSwap(max, current) {
			break
		}
	}

	if o.ignoreCancel {
		time.Sleep(o.delay)
		return 100, nil
	}

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(o.delay):
	}
	return 100, nil // never satisfies sellBelow80
}

// With an oracle far slower than the tick interval, overlapping fires must
// coalesce: at most one tick per rule in flight, and far fewer completed
// ticks than elapsed intervals.
func TestSingleFlightPerRule(t *testing.T) {
	store := newTestStore(t)

	slowOracle := &countingOracle{delay: 100 * time.Millisecond}

	sched := New(store, slowOracle, executor.NewSimulated(), 10*time.Millisecond, testTimeout)

	id := createRule(t, store, sellBelow80())
	sched.Add(id)

	time.Sleep(500 * time.Millisecond)
	sched.Stop()

	assert.Equal(t, int32(1), slowOracle.maxInFlight.Load(), "ticks for one rule must never overlap")

	// ~50 intervals elapsed but each tick holds the loop for ~100ms, so
	// only a handful of requests can have happened.
	assert.LessOrEqual(t, slowOracle.totalRequests.Load(), int32(10))

	entries, err := store.ListLogEntries(id, 0)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(entries), 10)
}

// When the trigger commit cannot be persisted, the tick must leave no
// partial rows behind: the rule stays Active and scheduled, and a later tick
// re-attempts the whole trigger until exactly one trade commits.
func TestTriggerCommitFailureKeepsRuleActive(t *testing.T) {
	store, db := newTestStoreDB(t)

	priceOracle := oracle.NewSimulated()
	priceOracle.SetPrice("SOL-PERP", 75)

	tradeExecutor := executor.NewSimulated()

	// Break the commit: the transaction writes the rule, the trade and the
	// audit entry together, so a missing trade table rolls all three back.
	require.NoError(t, db.Migrator().DropTable(&rules.TradeRecord{}))

	sched := New(store, priceOracle, tradeExecutor, testInterval, testTimeout)
	defer sched.Stop()

	id := createRule(t, store, rules.Rule{
		Market:         "SOL-PERP",
		ConditionType:  rules.PriceBelow,
		ConditionValue: 80,
		ActionType:     rules.ActionBuy,
		AmountNotional: ref(500),
	})
	sched.Add(id)

	// Wait until at least one trigger attempt has submitted its order and
	// exhausted the commit retries.
	require.Eventually(t, func() bool {
		pos, err := tradeExecutor.GetPosition(context.Background(), "SOL-PERP")
		return err == nil && pos != nil
	}, waitDeadline, testInterval/2)

	require.Eventually(t, func() bool {
		rule, err := store.GetRule(id)
		return err == nil && rule != nil && rule.Status == rules.StatusActive
	}, waitDeadline, testInterval/2)

	rule, err := store.GetRule(id)
	require.NoError(t, err)
	assert.Equal(t, rules.StatusActive, rule.Status, "failed commit must not leave the rule Triggered")
	assert.Nil(t, rule.TriggeredAt)
	assert.True(t, sched.IsScheduled(id), "failed commit must leave the job registered")

	entries, err := store.ListLogEntries(id, 0)
	require.NoError(t, err)
	assert.Empty(t, entries, "rolled-back triggers must not leave audit rows")

	// Restore persistence; the next tick re-runs the trigger and commits.
	require.NoError(t, db.AutoMigrate(&rules.TradeRecord{}))

	waitForStatus(t, store, id, rules.StatusTriggered)

	trades, err := store.ListTrades(id)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, rules.TradeConfirmed, trades[0].Status)
	assert.NotEmpty(t, trades[0].ReceiptID)

	entries, err = store.ListLogEntries(id, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].ConditionMet)

	assert.Eventually(t, func() bool { return !sched.IsScheduled(id) }, waitDeadline, testInterval)
}

func TestRestoreFromStore(t *testing.T) {
	store := newTestStore(t)

	activeA := createRule(t, store, sellBelow80())
	activeB := createRule(t, store, rules.Rule{
		Market:         "BTC-PERP",
		ConditionType:  rules.PriceAbove,
		ConditionValue: 70000,
		ActionType:     rules.ActionClosePosition,
	})

	paused := sellBelow80()
	paused.Status = rules.StatusPaused
	pausedID := createRule(t, store, paused)

	triggered := sellBelow80()
	triggered.Status = rules.StatusTriggered
	triggeredID := createRule(t, store, triggered)

	expired := sellBelow80()
	expired.Status = rules.StatusExpired
	expiredID := createRule(t, store, expired)

	priceOracle := oracle.NewSimulated()
	priceOracle.SetPrice("SOL-PERP", 100)
	priceOracle.SetPrice("BTC-PERP", 60000)

	sched := New(store, priceOracle, executor.NewSimulated(), testInterval, testTimeout)
	defer sched.Stop()

	require.NoError(t, sched.RestoreFromStore())

	assert.True(t, sched.IsScheduled(activeA))
	assert.True(t, sched.IsScheduled(activeB))
	assert.False(t, sched.IsScheduled(pausedID))
	assert.False(t, sched.IsScheduled(triggeredID))
	assert.False(t, sched.IsScheduled(expiredID))
}

// Once Triggered, a rule is terminal: re-adding it by mistake must not
// produce any further log entries.
func TestTriggeredRuleIsNeverReevaluated(t *testing.T) {
	store := newTestStore(t)

	priceOracle := oracle.NewSimulated()
	priceOracle.SetPrice("SOL-PERP", 75)

	tradeExecutor := executor.NewSimulated()
	tradeExecutor.SetPosition("SOL-PERP", types.DirectionLong, 10, 92)

	sched := New(store, priceOracle, tradeExecutor, testInterval, testTimeout)
	defer sched.Stop()

	id := createRule(t, store, sellBelow80())
	sched.Add(id)
	waitForStatus(t, store, id, rules.StatusTriggered)

	entries, err := store.ListLogEntries(id, 0)
	require.NoError(t, err)
	count := len(entries)

	sched.Add(id)
	time.Sleep(5 * testInterval)

	entries, err = store.ListLogEntries(id, 0)
	require.NoError(t, err)
	assert.Len(t, entries, count, "no entries may be written after the terminal transition")

	trades, err := store.ListTrades(id)
	require.NoError(t, err)
	assert.Len(t, trades, 1)
}

func TestPauseAndResume(t *testing.T) {
	store := newTestStore(t)

	priceOracle := oracle.NewSimulated()
	priceOracle.SetPrice("SOL-PERP", 100) // condition never met

	sched := New(store, priceOracle, executor.NewSimulated(), testInterval, testTimeout)
	defer sched.Stop()

	id := createRule(t, store, sellBelow80())
	sched.Add(id)

	require.Eventually(t, func() bool {
		entries, err := store.ListLogEntries(id, 0)
		return err == nil && len(entries) >= 1
	}, waitDeadline, testInterval/2)

	sched.Pause(id)
	time.Sleep(2 * testInterval) // drain any in-flight tick

	entries, err := store.ListLogEntries(id, 0)
	require.NoError(t, err)
	count := len(entries)

	time.Sleep(5 * testInterval)
	entries, err = store.ListLogEntries(id, 0)
	require.NoError(t, err)
	assert.Len(t, entries, count, "paused rules must not tick")
	assert.True(t, sched.IsScheduled(id), "pause keeps the registration")

	sched.Resume(id)
	require.Eventually(t, func() bool {
		entries, err := store.ListLogEntries(id, 0)
		return err == nil && len(entries) > count
	}, waitDeadline, testInterval/2)
}

func TestRemoveUnknownRuleIsNoop(t *testing.T) {
	store := newTestStore(t)
	sched := New(store, oracle.NewSimulated(), executor.NewSimulated(), testInterval, testTimeout)
	defer sched.Stop()

	sched.Remove(999)
	sched.Pause(999)
	sched.Resume(999)
}

// A tick in flight when its job is removed must drain before a re-added job
// for the same rule starts ticking.
func TestAddAfterRemoveWaitsForInFlightTick(t *testing.T) {
	store := newTestStore(t)

	slowOracle := &countingOracle{delay: 100 * time.Millisecond, ignoreCancel: true}
	sched := New(store, slowOracle, executor.NewSimulated(), 10*time.Millisecond, testTimeout)

	id := createRule(t, store, sellBelow80())
	sched.Add(id)

	require.Eventually(t, func() bool {
		return slowOracle.totalRequests.Load() > 0
	}, waitDeadline, time.Millisecond)

	sched.Remove(id)
	sched.Add(id)

	time.Sleep(300 * time.Millisecond)
	sched.Stop()

	assert.Equal(t, int32(1), slowOracle.maxInFlight.Load(), "removed job's tick must drain before the new job runs")
}

// Add on an already scheduled rule replaces the job instead of stacking a
// second timer.
func TestAddIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	slowOracle := &countingOracle{delay: 30 * time.Millisecond}
	sched := New(store, slowOracle, executor.NewSimulated(), testInterval, testTimeout)

	id := createRule(t, store, sellBelow80())
	sched.Add(id)
	sched.Add(id)
	sched.Add(id)

	time.Sleep(300 * time.Millisecond)
	sched.Stop()

	assert.Equal(t, int32(1), slowOracle.maxInFlight.Load(), "replaced jobs must not run in parallel")
}
