package rules

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/solwatch/rules-engine/internal/oracle"
	"github.com/solwatch/rules-engine/pkg/response"
)

var (
	ErrNotToggleable = errors.New("rule is not in a toggleable state")
	ErrInvalidRule   = errors.New("invalid rule definition")
)

// ScheduleManager is the slice of the scheduler the rule service drives.
// The scheduler instance is injected at startup; the service never owns it.
type ScheduleManager interface {
	Add(ruleID uint)
	Remove(ruleID uint)
	Pause(ruleID uint)
	Resume(ruleID uint)
	IsScheduled(ruleID uint) bool
}

// Service handles rule lifecycle on behalf of the API layer: persistence,
// validation and keeping the scheduler in sync with rule status.
type Service struct {
	db      *Database
	oracle  oracle.PriceOracle
	sched   ScheduleManager
	timeout time.Duration
}

func NewService(gormDB *gorm.DB, priceOracle oracle.PriceOracle, sched ScheduleManager, timeout time.Duration) *Service {
	return &Service{
		db:      NewDatabase(gormDB),
		oracle:  priceOracle,
		sched:   sched,
		timeout: timeout,
	}
}

// GetDB exposes the underlying database wrapper for engine wiring.
func (s *Service) GetDB() *Database {
	return s.db
}

// CreateRuleRequest is a fully parsed rule definition. Natural-language
// parsing happens upstream; by the time a rule reaches the engine it is
// structured and validated.
type CreateRuleRequest struct {
	UserInput      string        `json:"user_input"`
	ParsedSummary  string        `json:"parsed_summary"`
	Market         string        `json:"market" binding:"required"`
	ConditionType  ConditionType `json:"condition_type" binding:"required"`
	ConditionValue float64       `json:"condition_value"`
	ReferencePrice *float64      `json:"reference_price"`
	ActionType     ActionType    `json:"action_type" binding:"required"`
	AmountPercent  *float64      `json:"amount_percent"`
	AmountNotional *float64      `json:"amount_notional"`
}

func (r *CreateRuleRequest) validate() error {
	switch r.ConditionType {
	case PriceAbove, PriceBelow, PriceChangePercent, PriceChangeAbsolute:
	default:
		return fmt.Errorf("%w: unknown condition type %q", ErrInvalidRule, r.ConditionType)
	}

	switch r.ActionType {
	case ActionBuy:
		// Exactly one of the two drives sizing for a buy.
		if (r.AmountPercent == nil) == (r.AmountNotional == nil) {
			return fmt.Errorf("%w: buy requires exactly one of amount_percent or amount_notional", ErrInvalidRule)
		}
	case ActionSell:
		if r.AmountPercent != nil && (*r.AmountPercent <= 0 || *r.AmountPercent > 100) {
			return fmt.Errorf("%w: amount_percent must be in (0, 100]", ErrInvalidRule)
		}
	case ActionClosePosition:
	default:
		return fmt.Errorf("%w: unknown action type %q", ErrInvalidRule, r.ActionType)
	}

	return nil
}

// CreateRule validates, persists and schedules a new Active rule. For
// change-based conditions without an explicit reference, the current price
// is snapshotted as the reference; the snapshot is best-effort and the rule
// is created either way.
func (s *Service) CreateRule(ctx context.Context, req CreateRuleRequest) (*Rule, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	reference := req.ReferencePrice
	if reference == nil && (req.ConditionType == PriceChangePercent || req.ConditionType == PriceChangeAbsolute) {
		callCtx, cancel := context.WithTimeout(ctx, s.timeout)
		price, err := s.oracle.GetPrice(callCtx, req.Market)
		cancel()
		if err != nil {
			log.Warn().Err(err).Str("market", req.Market).Msg("could not snapshot reference price")
		} else {
			reference = &price
		}
	}

	rule := &Rule{
		UserInput:      req.UserInput,
		ParsedSummary:  req.ParsedSummary,
		Market:         req.Market,
		ConditionType:  req.ConditionType,
		ConditionValue: req.ConditionValue,
		ReferencePrice: reference,
		ActionType:     req.ActionType,
		AmountPercent:  req.AmountPercent,
		AmountNotional: req.AmountNotional,
		Status:         StatusActive,
	}

	if err := s.db.CreateRule(rule); err != nil {
		return nil, err
	}

	s.sched.Add(rule.ID)

	log.Info().
		Uint("rule_id", rule.ID).
		Str("market", rule.Market).
		Str("condition", string(rule.ConditionType)).
		Str("action", string(rule.ActionType)).
		Msg("rule created and scheduled")

	return rule, nil
}

func (s *Service) GetRule(id uint) (*Rule, error) {
	rule, err := s.db.GetRule(id)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, gorm.ErrRecordNotFound
	}
	return rule, nil
}

func (s *Service) ListRules(status RuleStatus) ([]Rule, error) {
	return s.db.ListRules(status)
}

// DeleteRule removes the schedule and the rule with its logs and trades.
func (s *Service) DeleteRule(id uint) error {
	rule, err := s.db.GetRule(id)
	if err != nil {
		return err
	}
	if rule == nil {
		return gorm.ErrRecordNotFound
	}

	s.sched.Remove(id)
	return s.db.DeleteRule(id)
}

// ToggleRule flips a rule between Active and Paused, keeping the scheduler
// in step. Terminal rules cannot be toggled.
func (s *Service) ToggleRule(id uint) (*Rule, error) {
	rule, err := s.db.GetRule(id)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, gorm.ErrRecordNotFound
	}

	switch rule.Status {
	case StatusActive:
		rule.Status = StatusPaused
		if err := s.db.UpdateRule(rule); err != nil {
			return nil, err
		}
		s.sched.Pause(id)
	case StatusPaused:
		rule.Status = StatusActive
		if err := s.db.UpdateRule(rule); err != nil {
			return nil, err
		}
		// A rule paused before the last restart has no registered job, so
		// Resume alone would leave it Active but unmonitored.
		if s.sched.IsScheduled(id) {
			s.sched.Resume(id)
		} else {
			s.sched.Add(id)
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrNotToggleable, rule.Status)
	}

	return rule, nil
}

func (s *Service) GetRuleLogs(id uint, limit int) ([]ExecutionLogEntry, error) {
	return s.db.ListLogEntries(id, limit)
}

func (s *Service) GetRuleTrades(id uint) ([]TradeRecord, error) {
	return s.db.ListTrades(id)
}

// MarketPrice looks up the current price through the oracle.
func (s *Service) MarketPrice(ctx context.Context, market string) (float64, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.oracle.GetPrice(callCtx, market)
}

// GinHandlers contains HTTP handlers for rule management endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

// CreateRuleHandler handles POST requests to create new monitoring rules
func (h *GinHandlers) CreateRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateRuleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		rule, err := h.service.CreateRule(c.Request.Context(), req)
		if errors.Is(err, ErrInvalidRule) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, rule, err)
	}
}

// ListRulesHandler handles GET requests to list rules, optionally filtered
// by status
func (h *GinHandlers) ListRulesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := RuleStatus(c.Query("status"))
		rules, err := h.service.ListRules(status)
		response.Handle(c, rules, err)
	}
}

// GetRuleHandler handles GET requests for a single rule
func (h *GinHandlers) GetRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := ruleIDParam(c)
		if !ok {
			return
		}

		rule, err := h.service.GetRule(id)
		response.Handle(c, rule, err)
	}
}

// DeleteRuleHandler handles DELETE requests; removes the schedule and
// cascades logs and trades
func (h *GinHandlers) DeleteRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := ruleIDParam(c)
		if !ok {
			return
		}

		if err := h.service.DeleteRule(id); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"message": "rule deleted"})
	}
}

// ToggleRuleHandler handles POST requests to flip a rule between active and
// paused
func (h *GinHandlers) ToggleRuleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := ruleIDParam(c)
		if !ok {
			return
		}

		rule, err := h.service.ToggleRule(id)
		if errors.Is(err, ErrNotToggleable) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, rule, err)
	}
}

// GetRuleLogsHandler handles GET requests for a rule's execution log
func (h *GinHandlers) GetRuleLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := ruleIDParam(c)
		if !ok {
			return
		}

		limit := 50
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				response.BadRequest(c, "limit must be a positive integer")
				return
			}
			limit = parsed
		}

		entries, err := h.service.GetRuleLogs(id, limit)
		response.Handle(c, entries, err)
	}
}

// GetRuleTradesHandler handles GET requests for trades produced by a rule
func (h *GinHandlers) GetRuleTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := ruleIDParam(c)
		if !ok {
			return
		}

		trades, err := h.service.GetRuleTrades(id)
		response.Handle(c, trades, err)
	}
}

// MarketPriceHandler handles GET requests for a current market price
func (h *GinHandlers) MarketPriceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		market := c.Param("market")
		if market == "" {
			response.BadRequest(c, "market is required")
			return
		}

		price, err := h.service.MarketPrice(c.Request.Context(), market)
		if errors.Is(err, oracle.ErrUnknownMarket) {
			response.NotFound(c, err.Error())
			return
		}
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, gin.H{"market": market, "price": price})
	}
}

func ruleIDParam(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("rule_id"), 10, 32)
	if err != nil {
		response.BadRequest(c, "rule ID must be an integer")
		return 0, false
	}
	return uint(id), true
}
