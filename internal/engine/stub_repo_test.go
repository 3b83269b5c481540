package engine

import (
	"context"
	"fmt"
	"sync"

	"stockpilot/internal/models"
	"stockpilot/internal/repository"
)

// stubRepo is a test-only in-memory implementation of repository.Repository.
// It implements the full interface but engine tests only exercise the query
// helpers and the save/create/delete paths.
type stubRepo struct {
	mu     sync.Mutex
	rules  []models.Rule
	trades []models.Trade

	savedRules    []models.Rule
	savedTrades   []models.Trade
	deletedTrades []uint64
	nextTradeID   uint64
}

func (s *stubRepo) FindActiveRulesByFrequency(ctx context.Context, frequency string) ([]models.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Rule
	for _, r := range s.rules {
		if r.Enabled && r.Frequency == frequency {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *stubRepo) FindIncompleteTrades(ctx context.Context) ([]models.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Trade
	for _, t := range s.trades {
		if !t.Completed {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *stubRepo) CreateRule(ctx context.Context, item *models.Rule) error { return nil }
func (s *stubRepo) GetRuleByID(ctx context.Context, id uint64) (*models.Rule, error) {
	return nil, nil
}
func (s *stubRepo) ListRules(ctx context.Context, params repository.ListParams) ([]models.Rule, error) {
	return nil, nil
}
func (s *stubRepo) CountRules(ctx context.Context, params repository.ListParams) (int64, error) {
	return 0, nil
}

func (s *stubRepo) SaveRule(ctx context.Context, item *models.Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savedRules = append(s.savedRules, *item)
	return nil
}

func (s *stubRepo) DeleteRule(ctx context.Context, id uint64) error { return nil }

func (s *stubRepo) CreatePattern(ctx context.Context, item *models.Pattern) error { return nil }
func (s *stubRepo) GetPatternByID(ctx context.Context, id uint64) (*models.Pattern, error) {
	return nil, nil
}
func (s *stubRepo) ListPatterns(ctx context.Context, params repository.ListParams) ([]models.Pattern, error) {
	return nil, nil
}
func (s *stubRepo) CountPatterns(ctx context.Context, params repository.ListParams) (int64, error) {
	return 0, nil
}
func (s *stubRepo) SavePattern(ctx context.Context, item *models.Pattern) error { return nil }
func (s *stubRepo) DeletePattern(ctx context.Context, id uint64) error          { return nil }

// CreateTrade enforces the one-incomplete-trade-per-rule invariant the
// real store backs with a partial unique index.
func (s *stubRepo) CreateTrade(ctx context.Context, item *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.trades {
		if t.RuleID == item.RuleID && !t.Completed {
			return fmt.Errorf("duplicate incomplete trade for rule %d", item.RuleID)
		}
	}
	s.nextTradeID++
	item.ID = s.nextTradeID
	s.trades = append(s.trades, *item)
	return nil
}

func (s *stubRepo) GetTradeByID(ctx context.Context, id uint64) (*models.Trade, error) {
	return nil, nil
}
func (s *stubRepo) ListTrades(ctx context.Context, params repository.ListTradesParams) ([]models.Trade, error) {
	return nil, nil
}
func (s *stubRepo) CountTrades(ctx context.Context, params repository.ListTradesParams) (int64, error) {
	return 0, nil
}

func (s *stubRepo) SaveTrade(ctx context.Context, item *models.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.savedTrades = append(s.savedTrades, *item)
	for i := range s.trades {
		if s.trades[i].ID == item.ID {
			s.trades[i] = *item
		}
	}
	return nil
}

func (s *stubRepo) DeleteTrade(ctx context.Context, id uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletedTrades = append(s.deletedTrades, id)
	kept := s.trades[:0]
	for _, t := range s.trades {
		if t.ID != id {
			kept = append(kept, t)
		}
	}
	s.trades = kept
	return nil
}

func (s *stubRepo) CreateUser(ctx context.Context, item *models.User) error { return nil }
func (s *stubRepo) GetUserByID(ctx context.Context, id uint64) (*models.User, error) {
	return nil, nil
}
func (s *stubRepo) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return nil, nil
}
func (s *stubRepo) ListUsers(ctx context.Context, params repository.ListParams) ([]models.User, error) {
	return nil, nil
}
func (s *stubRepo) CountUsers(ctx context.Context, params repository.ListParams) (int64, error) {
	return 0, nil
}
func (s *stubRepo) SaveUser(ctx context.Context, item *models.User) error { return nil }
func (s *stubRepo) DeleteUser(ctx context.Context, id uint64) error       { return nil }

func (s *stubRepo) lastSavedTrade() *models.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.savedTrades) == 0 {
		return nil
	}
	t := s.savedTrades[len(s.savedTrades)-1]
	return &t
}

func (s *stubRepo) lastSavedRule() *models.Rule {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.savedRules) == 0 {
		return nil
	}
	r := s.savedRules[len(s.savedRules)-1]
	return &r
}
