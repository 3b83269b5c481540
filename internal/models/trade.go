package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Trade is one open-to-close position lifecycle for one rule. At most one
// incomplete trade may exist per rule, enforced by a partial unique index.
type Trade struct {
	ID     uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	RuleID uint64 `gorm:"not null;index;uniqueIndex:uniq_open_trade_per_rule,where:completed = false" json:"rule_id"`
	UserID uint64 `gorm:"not null;index" json:"user_id"`

	BuyOrderID   string           `gorm:"type:varchar(64)" json:"buy_order_id"`
	BuyPrice     *decimal.Decimal `gorm:"type:numeric(20,6)" json:"buy_price,omitempty"`
	BuyDate      *time.Time       `gorm:"type:timestamptz" json:"buy_date,omitempty"`
	BoughtShares int              `gorm:"not null;default:0" json:"bought_shares"`

	SellOrderID string           `gorm:"type:varchar(64)" json:"sell_order_id"`
	SellPrice   *decimal.Decimal `gorm:"type:numeric(20,6)" json:"sell_price,omitempty"`
	SellDate    *time.Time       `gorm:"type:timestamptz" json:"sell_date,omitempty"`
	SoldShares  int              `gorm:"not null;default:0" json:"sold_shares"`

	Completed bool `gorm:"not null;default:false;index" json:"completed"`

	// RiskValue is the absolute price below which a protective sell fires.
	// ProfitValue, when set, is the absolute price above which a
	// profit-taking sell fires.
	RiskValue   decimal.Decimal  `gorm:"type:numeric(20,6);not null;default:0" json:"risk_value"`
	ProfitValue *decimal.Decimal `gorm:"type:numeric(20,6)" json:"profit_value,omitempty"`

	// TargetReached flips once follow-price gains pass the configured target
	// percentage; the tighter post-target risk percentage applies from then on.
	TargetReached bool `gorm:"not null;default:false" json:"target_reached"`

	GainPercent *float64 `json:"gain_percent,omitempty"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime" json:"updated_at"`
}

func (Trade) TableName() string {
	return "trades"
}

// LastOrderID returns the most recent relevant broker order id: the sell id
// once a sell has been placed, else the buy id.
func (t Trade) LastOrderID() string {
	if t.SellOrderID != "" {
		return t.SellOrderID
	}
	return t.BuyOrderID
}
