package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/solwatch/rules-engine/internal/executor"
	"github.com/solwatch/rules-engine/internal/oracle"
	"github.com/solwatch/rules-engine/internal/rules"
	"github.com/solwatch/rules-engine/internal/types"
)

// triggerCommitAttempts bounds retries of the triggering transaction. Once a
// trade has been submitted, losing the Triggered transition would leave the
// engine monitoring a market after the position already changed, so the
// commit is retried rather than best-effort.
const triggerCommitAttempts = 3

// Scheduler owns one recurring monitoring job per active rule. It holds no
// durable state of its own: schedules are reconstructed from the store on
// startup via RestoreFromStore.
type Scheduler struct {
	db       *rules.Database
	oracle   oracle.PriceOracle
	executor executor.TradeExecutor
	interval time.Duration
	timeout  time.Duration

	mu   sync.Mutex
	jobs map[uint]*job
	// done channels of removed jobs that may still be mid-tick; a re-Add
	// chains on these the same way it chains on a replaced job.
	draining map[uint]chan struct{}

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// job is the in-memory schedule for one rule. Each job runs a single loop
// goroutine, so ticks for one rule are strictly sequential and overlapping
// fires coalesce on the ticker channel.
type job struct {
	cancel context.CancelFunc
	paused atomic.Bool
	done   chan struct{}
}

// New builds a scheduler. interval is the shared tick cadence; timeout
// bounds every oracle and executor call made inside a tick.
func New(db *rules.Database, priceOracle oracle.PriceOracle, tradeExecutor executor.TradeExecutor, interval, timeout time.Duration) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		db:         db,
		oracle:     priceOracle,
		executor:   tradeExecutor,
		interval:   interval,
		timeout:    timeout,
		jobs:       make(map[uint]*job),
		draining:   make(map[uint]chan struct{}),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Add registers a recurring monitoring job for the rule. An existing job for
// the same id is replaced; the new loop waits for the old one (or a removed
// job still mid-tick) to finish so at most one tick per rule is ever running.
// Add returns immediately and never evaluates synchronously.
func (s *Scheduler) Add(ruleID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prevDone chan struct{}
	if prev := s.jobs[ruleID]; prev != nil {
		prev.cancel()
		prevDone = prev.done
	} else if drain, ok := s.draining[ruleID]; ok {
		prevDone = drain
		delete(s.draining, ruleID)
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	j := &job{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.jobs[ruleID] = j

	go s.run(ctx, ruleID, j, prevDone)

	log.Info().Uint("rule_id", ruleID).Msg("added monitoring job")
}

// Remove cancels and discards the rule's job. No-op for unknown ids.
func (s *Scheduler) Remove(ruleID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[ruleID]
	if !ok {
		return
	}
	j.cancel()
	delete(s.jobs, ruleID)

	// The loop may still be mid-tick; keep its done channel so a re-Add
	// chains on it, and drop the entry once the loop exits.
	s.draining[ruleID] = j.done
	go func() {
		<-j.done
		s.mu.Lock()
		if s.draining[ruleID] == j.done {
			delete(s.draining, ruleID)
		}
		s.mu.Unlock()
	}()

	log.Info().Uint("rule_id", ruleID).Msg("removed monitoring job")
}

// Pause suspends firing without discarding the registration. No-op if the
// rule is not scheduled.
func (s *Scheduler) Pause(ruleID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[ruleID]; ok {
		j.paused.Store(true)
		log.Info().Uint("rule_id", ruleID).Msg("paused monitoring job")
	}
}

// Resume continues a paused job. No-op if the rule is not scheduled.
func (s *Scheduler) Resume(ruleID uint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if j, ok := s.jobs[ruleID]; ok {
		j.paused.Store(false)
		log.Info().Uint("rule_id", ruleID).Msg("resumed monitoring job")
	}
}

// IsScheduled reports whether a monitoring job is registered for the rule.
func (s *Scheduler) IsScheduled(ruleID uint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[ruleID]
	return ok
}

// RestoreFromStore registers a job for every rule persisted as Active.
// Called once at process startup; this is the only way schedules survive a
// restart.
func (s *Scheduler) RestoreFromStore() error {
	active, err := s.db.ListActiveRules()
	if err != nil {
		return fmt.Errorf("failed to load active rules: %w", err)
	}

	for _, rule := range active {
		s.Add(rule.ID)
	}

	log.Info().Int("count", len(active)).Msg("restored monitoring jobs from store")
	return nil
}

// Stop cancels every job and waits for in-flight ticks to finish.
func (s *Scheduler) Stop() {
	s.baseCancel()

	s.mu.Lock()
	pending := make([]chan struct{}, 0, len(s.jobs)+len(s.draining))
	for id, j := range s.jobs {
		pending = append(pending, j.done)
		delete(s.jobs, id)
	}
	for id, done := range s.draining {
		pending = append(pending, done)
		delete(s.draining, id)
	}
	s.mu.Unlock()

	for _, done := range pending {
		<-done
	}

	log.Info().Msg("rule scheduler stopped")
}

// run is the per-rule loop. Ticks execute inline, so a slow tick simply
// delays the next one; the ticker drops intermediate fires.
func (s *Scheduler) run(ctx context.Context, ruleID uint, j *job, prevDone chan struct{}) {
	defer close(j.done)

	// Predecessor may still be mid-tick; honour single-flight across the
	// handover.
	if prevDone != nil {
		<-prevDone
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if j.paused.Load() {
				continue
			}
			s.checkRule(ctx, ruleID)
		}
	}
}

// checkRule performs one evaluation tick for a rule.
func (s *Scheduler) checkRule(ctx context.Context, ruleID uint) {
	logger := log.With().
		Str("component", "rule_scheduler").
		Uint("rule_id", ruleID).
		Logger()

	rule, err := s.db.GetRule(ruleID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load rule, skipping tick")
		return
	}
	if rule == nil || rule.Status != rules.StatusActive {
		// Another actor paused or deleted the rule between scheduling and
		// firing. Expected, not an error.
		logger.Debug().Msg("rule missing or not active, skipping tick")
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	price, err := s.oracle.GetPrice(callCtx, rule.Market)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Str("market", rule.Market).Msg("price unavailable")
		s.writeLog(logger, &rules.ExecutionLogEntry{
			RuleID:       ruleID,
			CheckedAt:    time.Now(),
			ConditionMet: false,
			Message:      "price unavailable",
			Error:        err.Error(),
		})
		return
	}

	if !rules.Evaluate(rule.Condition(), price) {
		s.writeLog(logger, &rules.ExecutionLogEntry{
			RuleID:        ruleID,
			CheckedAt:     time.Now(),
			ObservedPrice: &price,
			ConditionMet:  false,
			Message:       fmt.Sprintf("condition not met at $%.2f", price),
		})
		return
	}

	logger.Info().Float64("price", price).Msg("condition met, executing trade")
	s.trigger(ctx, rule, price, logger)
}

// trigger resolves and submits the rule's action, then commits the terminal
// transition. A failed or skipped execution still terminates monitoring;
// see DESIGN.md for the policy discussion.
func (s *Scheduler) trigger(ctx context.Context, rule *rules.Rule, price float64, logger zerolog.Logger) {
	order, receipt, execErr := s.executeAction(ctx, rule, price)

	now := time.Now()
	trade := &rules.TradeRecord{
		RuleID:     &rule.ID,
		Market:     rule.Market,
		Price:      price,
		ExecutedAt: now,
	}
	if order != nil {
		trade.Side = string(order.Direction)
		trade.Size = order.Size
	} else if rule.ActionType == rules.ActionBuy {
		trade.Side = string(types.DirectionLong)
	} else {
		trade.Side = string(types.DirectionShort)
	}

	entry := &rules.ExecutionLogEntry{
		RuleID:        rule.ID,
		CheckedAt:     now,
		ObservedPrice: &price,
		ConditionMet:  true,
	}

	if execErr != nil {
		trade.Status = rules.TradeFailed
		entry.Message = "condition met but trade execution failed"
		entry.Error = execErr.Error()
		logger.Error().Err(execErr).Msg("trade execution failed")
	} else if order == nil {
		// Nothing to act on (e.g. closing with no open position).
		trade.Status = rules.TradeFailed
		entry.Message = "condition met but no position to act on"
		logger.Warn().Msg("condition met but action resolved to nothing")
	} else {
		trade.Status = rules.TradeConfirmed
		trade.ReceiptID = receipt
		entry.Message = fmt.Sprintf("condition met, trade executed, receipt %s", receipt)
		logger.Info().Str("receipt_id", receipt).Msg("trade executed")
	}

	rule.Status = rules.StatusTriggered
	rule.TriggeredAt = &now

	var commitErr error
	for attempt := 1; attempt <= triggerCommitAttempts; attempt++ {
		if commitErr = s.db.CommitTrigger(rule, trade, entry); commitErr == nil {
			break
		}
		logger.Error().Err(commitErr).Int("attempt", attempt).Msg("failed to commit trigger")
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	if commitErr != nil {
		// Leave the schedule registered; the rule is still Active in the
		// store and the next tick will retry the whole evaluation.
		return
	}

	s.Remove(rule.ID)
}

// executeAction resolves the rule's action against live market state and
// submits the resulting order, if any.
func (s *Scheduler) executeAction(ctx context.Context, rule *rules.Rule, price float64) (*types.OrderRequest, string, error) {
	var (
		position *types.Position
		balance  float64
		err      error
	)

	switch rule.ActionType {
	case rules.ActionSell, rules.ActionClosePosition:
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		position, err = s.executor.GetPosition(callCtx, rule.Market)
		cancel()
		if err != nil {
			return nil, "", fmt.Errorf("position lookup failed: %w", err)
		}
	case rules.ActionBuy:
		if rule.AmountNotional == nil && rule.AmountPercent != nil {
			callCtx, cancel := context.WithTimeout(ctx, s.timeout)
			balance, err = s.executor.GetFreeCollateral(callCtx)
			cancel()
			if err != nil {
				return nil, "", fmt.Errorf("balance lookup failed: %w", err)
			}
		}
	}

	order, err := rules.Resolve(rule.Action(), rule.Market, price, position, balance)
	if err != nil {
		return nil, "", fmt.Errorf("failed to resolve action: %w", err)
	}
	if order == nil {
		return nil, "", nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	receipt, err := s.executor.SubmitOrder(callCtx, *order)
	cancel()
	if err != nil {
		return order, "", err
	}

	return order, receipt, nil
}

// writeLog appends an audit entry. Log-write failures are reported but never
// abort the tick; losing an audit row is preferable to wedging the rule.
func (s *Scheduler) writeLog(logger zerolog.Logger, entry *rules.ExecutionLogEntry) {
	if err := s.db.CreateLogEntry(entry); err != nil {
		logger.Error().Err(err).Msg("failed to write execution log entry")
	}
}
