package repository

import (
	"context"

	"stockpilot/internal/models"
)

// Repository is the persistence boundary for rules, patterns, trades and
// users. The engine only uses the query helpers plus the save methods;
// everything else serves the admin API.
type Repository interface {
	// Engine queries.
	FindActiveRulesByFrequency(ctx context.Context, frequency string) ([]models.Rule, error)
	FindIncompleteTrades(ctx context.Context) ([]models.Trade, error)

	// Rules.
	CreateRule(ctx context.Context, item *models.Rule) error
	GetRuleByID(ctx context.Context, id uint64) (*models.Rule, error)
	ListRules(ctx context.Context, params ListParams) ([]models.Rule, error)
	CountRules(ctx context.Context, params ListParams) (int64, error)
	SaveRule(ctx context.Context, item *models.Rule) error
	DeleteRule(ctx context.Context, id uint64) error

	// Patterns.
	CreatePattern(ctx context.Context, item *models.Pattern) error
	GetPatternByID(ctx context.Context, id uint64) (*models.Pattern, error)
	ListPatterns(ctx context.Context, params ListParams) ([]models.Pattern, error)
	CountPatterns(ctx context.Context, params ListParams) (int64, error)
	SavePattern(ctx context.Context, item *models.Pattern) error
	DeletePattern(ctx context.Context, id uint64) error

	// Trades.
	CreateTrade(ctx context.Context, item *models.Trade) error
	GetTradeByID(ctx context.Context, id uint64) (*models.Trade, error)
	ListTrades(ctx context.Context, params ListTradesParams) ([]models.Trade, error)
	CountTrades(ctx context.Context, params ListTradesParams) (int64, error)
	SaveTrade(ctx context.Context, item *models.Trade) error
	DeleteTrade(ctx context.Context, id uint64) error

	// Users.
	CreateUser(ctx context.Context, item *models.User) error
	GetUserByID(ctx context.Context, id uint64) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	ListUsers(ctx context.Context, params ListParams) ([]models.User, error)
	CountUsers(ctx context.Context, params ListParams) (int64, error)
	SaveUser(ctx context.Context, item *models.User) error
	DeleteUser(ctx context.Context, id uint64) error
}

// ListParams carries the admin API pagination contract: limit/skip, a sort
// expression ("field" or "-field" for descending) and a free-text search.
type ListParams struct {
	Limit  int
	Skip   int
	Sort   string
	Search string
}

type ListTradesParams struct {
	ListParams
	RuleID    *uint64
	UserID    *uint64
	Completed *bool
}
