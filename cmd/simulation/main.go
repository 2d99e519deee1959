package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/solwatch/rules-engine/internal/database"
	"github.com/solwatch/rules-engine/internal/executor"
	"github.com/solwatch/rules-engine/internal/oracle"
	"github.com/solwatch/rules-engine/internal/rules"
	"github.com/solwatch/rules-engine/internal/scheduler"
	"github.com/solwatch/rules-engine/internal/types"
)

const (
	tickInterval = 200 * time.Millisecond
	callTimeout  = 2 * time.Second
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// main drives the rule engine end to end against simulated collaborators:
// a stop-loss that fires on a falling price, a rule that rides out a flaky
// price feed, and a rule whose trade is rejected by the venue.
func main() {
	db, err := database.NewDatabase("file::memory:?cache=shared")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open in-memory database")
	}

	priceOracle := oracle.NewSimulated()
	tradeExecutor := executor.NewSimulated()

	store := rules.NewDatabase(db)
	sched := scheduler.New(store, priceOracle, tradeExecutor, tickInterval, callTimeout)
	defer sched.Stop()

	// Scenario A: long 10 SOL, stop-loss below $80. Price drifts down and
	// the sell fills.
	tradeExecutor.SetPosition("SOL-PERP", types.DirectionLong, 10, 92)
	priceOracle.PushPrices("SOL-PERP", 85, 83, 79)
	stopLoss := createRule(store, rules.Rule{
		UserInput:      "sell all my SOL if it drops below $80",
		Market:         "SOL-PERP",
		ConditionType:  rules.PriceBelow,
		ConditionValue: 80,
		ActionType:     rules.ActionSell,
		AmountPercent:  ptr(100.0),
	})
	sched.Add(stopLoss)

	// Scenario C: take-profit whose order the venue rejects. The engine
	// still retires the rule with a failed trade on record.
	tradeExecutor.SetPosition("ETH-PERP", types.DirectionLong, 2, 3000)
	tradeExecutor.FailNext(1)
	priceOracle.SetPrice("ETH-PERP", 3250)
	takeProfit := createRule(store, rules.Rule{
		UserInput:      "close my ETH position above $3200",
		Market:         "ETH-PERP",
		ConditionType:  rules.PriceAbove,
		ConditionValue: 3200,
		ActionType:     rules.ActionClosePosition,
	})
	sched.Add(takeProfit)

	waitForTerminal(store, 5*time.Second, stopLoss, takeProfit)

	// Scenario B: the price feed goes dark for a few ticks. The rule keeps
	// retrying and stays active.
	priceOracle.SetPrice("BTC-PERP", 60000)
	priceOracle.SetUnavailable(true)
	dipBuy := createRule(store, rules.Rule{
		UserInput:      "buy $500 of BTC if it drops 5%",
		Market:         "BTC-PERP",
		ConditionType:  rules.PriceChangePercent,
		ConditionValue: -5,
		ReferencePrice: ptr(60000.0),
		ActionType:     rules.ActionBuy,
		AmountNotional: ptr(500.0),
	})
	sched.Add(dipBuy)

	time.Sleep(4 * tickInterval)
	priceOracle.SetUnavailable(false)
	time.Sleep(2 * tickInterval)

	report(store, stopLoss, takeProfit, dipBuy)
}

func createRule(store *rules.Database, rule rules.Rule) uint {
	rule.Status = rules.StatusActive
	if err := store.CreateRule(&rule); err != nil {
		log.Fatal().Err(err).Msg("failed to create rule")
	}
	return rule.ID
}

// waitForTerminal polls until every given rule has left Active or the
// deadline passes.
func waitForTerminal(store *rules.Database, deadline time.Duration, ids ...uint) {
	timeout := time.After(deadline)
	for {
		select {
		case <-timeout:
			log.Warn().Msg("timed out waiting for rules to trigger")
			return
		case <-time.After(tickInterval):
			pending := false
			for _, id := range ids {
				rule, err := store.GetRule(id)
				if err != nil || rule == nil {
					continue
				}
				if rule.Status == rules.StatusActive {
					pending = true
				}
			}
			if !pending {
				return
			}
		}
	}
}

func report(store *rules.Database, ids ...uint) {
	fmt.Println()
	fmt.Println("=== Simulation Results ===")

	for _, id := range ids {
		rule, err := store.GetRule(id)
		if err != nil || rule == nil {
			log.Error().Err(err).Uint("rule_id", id).Msg("rule disappeared")
			continue
		}

		entries, _ := store.ListLogEntries(id, 0)
		trades, _ := store.ListTrades(id)

		fmt.Printf("\nRule %d: %q\n", rule.ID, rule.UserInput)
		fmt.Printf("  status=%s checks=%d trades=%d\n", rule.Status, len(entries), len(trades))

		for _, trade := range trades {
			fmt.Printf("  trade: %s %s %.4f @ $%.2f status=%s receipt=%s\n",
				trade.Side, trade.Market, trade.Size, trade.Price, trade.Status, trade.ReceiptID)
		}
		for i := len(entries) - 1; i >= 0; i-- {
			entry := entries[i]
			price := "n/a"
			if entry.ObservedPrice != nil {
				price = fmt.Sprintf("$%.2f", *entry.ObservedPrice)
			}
			fmt.Printf("  check: price=%s met=%v %s\n", price, entry.ConditionMet, entry.Message)
		}
	}
}

func ptr(v float64) *float64 {
	return &v
}
