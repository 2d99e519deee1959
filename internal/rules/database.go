package rules

import (
	"errors"

	"gorm.io/gorm"
)

// Database wraps all persistence for rules, execution logs and trades.
// It is the engine's single source of truth for rule state.
type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) CreateRule(rule *Rule) error {
	return d.db.Create(rule).Error
}

// GetRule returns the rule or (nil, nil) when it does not exist.
func (d *Database) GetRule(id uint) (*Rule, error) {
	var rule Rule
	if err := d.db.First(&rule, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &rule, nil
}

// ListRules returns rules newest first, optionally filtered by status.
func (d *Database) ListRules(status RuleStatus) ([]Rule, error) {
	var rules []Rule
	query := d.db.Order("created_at DESC")
	if status != "" {
		query = query.Where("status = ?", status)
	}
	if err := query.Find(&rules).Error; err != nil {
		return nil, err
	}
	return rules, nil
}

// ListActiveRules returns every rule the scheduler should be monitoring.
func (d *Database) ListActiveRules() ([]Rule, error) {
	return d.ListRules(StatusActive)
}

func (d *Database) UpdateRule(rule *Rule) error {
	return d.db.Save(rule).Error
}

// DeleteRule removes the rule together with its logs and trades in a single
// transaction. Deletion is a user action; the engine itself never deletes.
func (d *Database) DeleteRule(id uint) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Where("rule_id = ?", id).Delete(&ExecutionLogEntry{}).Error; err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Where("rule_id = ?", id).Delete(&TradeRecord{}).Error; err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Delete(&Rule{}, id).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}

// CreateLogEntry appends one audit row. Entries are never updated.
func (d *Database) CreateLogEntry(entry *ExecutionLogEntry) error {
	return d.db.Create(entry).Error
}

// ListLogEntries returns the most recent entries for a rule, newest first.
func (d *Database) ListLogEntries(ruleID uint, limit int) ([]ExecutionLogEntry, error) {
	var entries []ExecutionLogEntry
	query := d.db.Where("rule_id = ?", ruleID).Order("checked_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (d *Database) ListTrades(ruleID uint) ([]TradeRecord, error) {
	var trades []TradeRecord
	if err := d.db.Where("rule_id = ?", ruleID).Order("executed_at DESC").Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

// CommitTrigger persists the whole outcome of a triggering tick as one
// atomic unit: the rule's status transition, the trade record and the audit
// entry. A failure rolls everything back so the rule is never left
// Triggered without its trade row or vice versa.
func (d *Database) CommitTrigger(rule *Rule, trade *TradeRecord, entry *ExecutionLogEntry) error {
	tx := d.db.Begin()
	if err := tx.Error; err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	if err := tx.Save(rule).Error; err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Create(trade).Error; err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Create(entry).Error; err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit().Error
}
