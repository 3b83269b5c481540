package gormrepository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"stockpilot/internal/models"
	"stockpilot/internal/repository"
)

type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// --- engine queries ----------------------------------------------------------

func (s *Store) FindActiveRulesByFrequency(ctx context.Context, frequency string) ([]models.Rule, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Rule
	err := s.db.WithContext(ctx).
		Model(&models.Rule{}).
		Where("enabled = ?", true).
		Where("frequency = ?", frequency).
		Preload("User").
		Preload("EntryPattern").
		Preload("ExitPattern").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) FindIncompleteTrades(ctx context.Context) ([]models.Trade, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var items []models.Trade
	err := s.db.WithContext(ctx).
		Model(&models.Trade{}).
		Where("completed = ?", false).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// --- rules -------------------------------------------------------------------

func (s *Store) CreateRule(ctx context.Context, item *models.Rule) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetRuleByID(ctx context.Context, id uint64) (*models.Rule, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Rule
	err := s.db.WithContext(ctx).
		Preload("User").
		Preload("EntryPattern").
		Preload("ExitPattern").
		First(&item, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListRules(ctx context.Context, params repository.ListParams) ([]models.Rule, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.Rule{})
	if search := strings.TrimSpace(params.Search); search != "" {
		pat := "%" + search + "%"
		query = query.Where("name ILIKE ? OR symbol ILIKE ?", pat, pat)
	}
	query = applySort(query, params.Sort, "id")
	var items []models.Rule
	err := query.Limit(normalizeLimit(params.Limit, 100)).Offset(normalizeSkip(params.Skip)).Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountRules(ctx context.Context, params repository.ListParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	query := s.db.WithContext(ctx).Model(&models.Rule{})
	if search := strings.TrimSpace(params.Search); search != "" {
		pat := "%" + search + "%"
		query = query.Where("name ILIKE ? OR symbol ILIKE ?", pat, pat)
	}
	var count int64
	err := query.Count(&count).Error
	return count, err
}

func (s *Store) SaveRule(ctx context.Context, item *models.Rule) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	// Omit preloaded associations so engine saves never touch users/patterns.
	return s.db.WithContext(ctx).Omit("User", "EntryPattern", "ExitPattern").Save(item).Error
}

func (s *Store) DeleteRule(ctx context.Context, id uint64) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Delete(&models.Rule{}, id).Error
}

// --- patterns ----------------------------------------------------------------

func (s *Store) CreatePattern(ctx context.Context, item *models.Pattern) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetPatternByID(ctx context.Context, id uint64) (*models.Pattern, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Pattern
	err := s.db.WithContext(ctx).First(&item, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListPatterns(ctx context.Context, params repository.ListParams) ([]models.Pattern, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.Pattern{})
	if search := strings.TrimSpace(params.Search); search != "" {
		query = query.Where("name ILIKE ?", "%"+search+"%")
	}
	query = applySort(query, params.Sort, "id")
	var items []models.Pattern
	err := query.Limit(normalizeLimit(params.Limit, 100)).Offset(normalizeSkip(params.Skip)).Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountPatterns(ctx context.Context, params repository.ListParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	query := s.db.WithContext(ctx).Model(&models.Pattern{})
	if search := strings.TrimSpace(params.Search); search != "" {
		query = query.Where("name ILIKE ?", "%"+search+"%")
	}
	var count int64
	err := query.Count(&count).Error
	return count, err
}

func (s *Store) SavePattern(ctx context.Context, item *models.Pattern) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Save(item).Error
}

func (s *Store) DeletePattern(ctx context.Context, id uint64) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Delete(&models.Pattern{}, id).Error
}

// --- trades ------------------------------------------------------------------

func (s *Store) CreateTrade(ctx context.Context, item *models.Trade) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetTradeByID(ctx context.Context, id uint64) (*models.Trade, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.Trade
	err := s.db.WithContext(ctx).First(&item, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListTrades(ctx context.Context, params repository.ListTradesParams) ([]models.Trade, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := applyTradeFilters(s.db.WithContext(ctx).Model(&models.Trade{}), params)
	query = applySort(query, params.Sort, "id")
	var items []models.Trade
	err := query.Limit(normalizeLimit(params.Limit, 100)).Offset(normalizeSkip(params.Skip)).Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountTrades(ctx context.Context, params repository.ListTradesParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var count int64
	err := applyTradeFilters(s.db.WithContext(ctx).Model(&models.Trade{}), params).Count(&count).Error
	return count, err
}

func (s *Store) SaveTrade(ctx context.Context, item *models.Trade) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Save(item).Error
}

func (s *Store) DeleteTrade(ctx context.Context, id uint64) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Delete(&models.Trade{}, id).Error
}

func applyTradeFilters(query *gorm.DB, params repository.ListTradesParams) *gorm.DB {
	if params.RuleID != nil {
		query = query.Where("rule_id = ?", *params.RuleID)
	}
	if params.UserID != nil {
		query = query.Where("user_id = ?", *params.UserID)
	}
	if params.Completed != nil {
		query = query.Where("completed = ?", *params.Completed)
	}
	return query
}

// --- users -------------------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, item *models.User) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Create(item).Error
}

func (s *Store) GetUserByID(ctx context.Context, id uint64) (*models.User, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.User
	err := s.db.WithContext(ctx).First(&item, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var item models.User
	err := s.db.WithContext(ctx).Where("username = ?", strings.TrimSpace(username)).First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (s *Store) ListUsers(ctx context.Context, params repository.ListParams) ([]models.User, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.User{})
	if search := strings.TrimSpace(params.Search); search != "" {
		query = query.Where("username ILIKE ?", "%"+search+"%")
	}
	query = applySort(query, params.Sort, "id")
	var items []models.User
	err := query.Limit(normalizeLimit(params.Limit, 100)).Offset(normalizeSkip(params.Skip)).Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Store) CountUsers(ctx context.Context, params repository.ListParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	query := s.db.WithContext(ctx).Model(&models.User{})
	if search := strings.TrimSpace(params.Search); search != "" {
		query = query.Where("username ILIKE ?", "%"+search+"%")
	}
	var count int64
	err := query.Count(&count).Error
	return count, err
}

func (s *Store) SaveUser(ctx context.Context, item *models.User) error {
	if s == nil || s.db == nil || item == nil {
		return nil
	}
	return s.db.WithContext(ctx).Save(item).Error
}

func (s *Store) DeleteUser(ctx context.Context, id uint64) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).Delete(&models.User{}, id).Error
}

// --- helpers -----------------------------------------------------------------

var sortColumns = map[string]string{
	"id":         "id",
	"name":       "name",
	"symbol":     "symbol",
	"username":   "username",
	"enabled":    "enabled",
	"completed":  "completed",
	"created_at": "created_at",
	"updated_at": "updated_at",
}

// applySort accepts "field" (ascending) or "-field" (descending); unknown
// fields fall back to the default column to keep the sort expression out of
// raw SQL.
func applySort(query *gorm.DB, sort, fallback string) *gorm.DB {
	sort = strings.TrimSpace(sort)
	desc := strings.HasPrefix(sort, "-")
	sort = strings.TrimPrefix(sort, "-")
	col, ok := sortColumns[sort]
	if !ok {
		col = fallback
	}
	if desc {
		return query.Order(col + " desc")
	}
	return query.Order(col + " asc")
}

func normalizeLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}

func normalizeSkip(skip int) int {
	if skip < 0 {
		return 0
	}
	return skip
}
