package database

import (
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/solwatch/rules-engine/internal/rules"
)

// NewDatabase opens the sqlite store at path and migrates the engine schema.
func NewDatabase(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Auto-migrate engine schemas
	if err := db.AutoMigrate(
		&rules.Rule{},
		&rules.ExecutionLogEntry{},
		&rules.TradeRecord{},
	); err != nil {
		return nil, err
	}

	return db, nil
}
