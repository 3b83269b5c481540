package db

import (
	"stockpilot/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.User{},
		&models.Pattern{},
		&models.Rule{},
		&models.Trade{},
	)
}
