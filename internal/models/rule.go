package models

import (
	"time"
)

// Rule is a standing trading instruction bound to one symbol. The engine
// mutates it after creation (instrument resolution, refId assignment,
// lastOrderId) and disables it when its strategy is exhausted.
type Rule struct {
	ID   uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	Name string `gorm:"type:varchar(100);not null" json:"name"`

	Symbol   string `gorm:"type:varchar(12);not null;index;uniqueIndex:uniq_symbol_entry,priority:1" json:"symbol"`
	Exchange string `gorm:"type:varchar(12);not null" json:"exchange"`

	// Broker instrument identifiers, resolved lazily on the first refresh
	// cycle after the rule is saved.
	InstrumentID  string `gorm:"type:varchar(64)" json:"instrument_id"`
	InstrumentURL string `gorm:"type:text" json:"instrument_url"`

	UserID uint64 `gorm:"not null;index" json:"user_id"`
	User   *User  `gorm:"foreignKey:UserID" json:"user,omitempty"`

	Enabled   bool   `gorm:"not null;default:false;index" json:"enabled"`
	Frequency string `gorm:"type:varchar(10);not null;default:'fast';index" json:"frequency"`

	NumberOfShares int `gorm:"not null" json:"number_of_shares"`

	RiskPercentage   float64  `gorm:"not null" json:"risk_percentage"`
	ProfitPercentage *float64 `json:"profit_percentage,omitempty"`

	FollowPriceEnabled     bool    `gorm:"not null;default:false" json:"follow_price_enabled"`
	FollowTargetPercentage float64 `json:"follow_target_percentage"`
	// Risk percentage applied once the follow-price target has been reached.
	RiskPercentageAfterTarget float64 `json:"risk_percentage_after_target"`

	HoldOvernight          bool `gorm:"not null;default:false" json:"hold_overnight"`
	DisableAfterSold       bool `gorm:"not null;default:false" json:"disable_after_sold"`
	OverrideDayTradeChecks bool `gorm:"not null;default:false" json:"override_day_trade_checks"`

	EntryPatternID *uint64  `gorm:"uniqueIndex:uniq_symbol_entry,priority:2" json:"entry_pattern_id,omitempty"`
	EntryPattern   *Pattern `gorm:"foreignKey:EntryPatternID" json:"entry_pattern,omitempty"`
	ExitPatternID  *uint64  `json:"exit_pattern_id,omitempty"`
	ExitPattern    *Pattern `gorm:"foreignKey:ExitPatternID" json:"exit_pattern,omitempty"`

	// RefID is the fragment embedded into broker order reference ids so the
	// rule's orders can be retrieved later by suffix match.
	RefID       string `gorm:"type:varchar(12);index" json:"ref_id"`
	LastOrderID string `gorm:"type:varchar(64)" json:"last_order_id"`

	CreatedAt time.Time `gorm:"type:timestamptz;autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"type:timestamptz;autoUpdateTime" json:"updated_at"`
}

func (Rule) TableName() string {
	return "rules"
}

// SymbolKey is the quote-feed key for the rule, e.g. "NASDAQ:AAPL".
func (r Rule) SymbolKey() string {
	return r.Exchange + ":" + r.Symbol
}

// HasEntryStrategy reports whether the rule can re-enter a position after a
// completed sell. Rules without an entry pattern are one-shot exits.
func (r Rule) HasEntryStrategy() bool {
	return r.EntryPatternID != nil
}

const (
	FrequencyFast = "fast"
	FrequencySlow = "slow"
)
