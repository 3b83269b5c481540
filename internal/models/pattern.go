package models

import (
	"time"
)

// Pattern is a reusable boolean condition template over quote fields. The
// query is a JSON predicate that may contain {{field}} placeholders which
// are substituted with live quote values before compilation.
type Pattern struct {
	ID    uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Name  string `gorm:"type:varchar(100);not null;uniqueIndex" json:"name"`
	Query string `gorm:"type:text;not null" json:"query"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime" json:"updated_at"`
}

func (Pattern) TableName() string {
	return "patterns"
}
