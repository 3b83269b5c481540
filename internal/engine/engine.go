// Package engine is the rule/trade reconciliation core: it refreshes broker
// state on a slow cycle, evaluates every active rule against live quotes on
// a fast cycle, and reconciles trade records with broker order truth.
package engine

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"stockpilot/internal/auth"
	"stockpilot/internal/broker"
	"stockpilot/internal/models"
	"stockpilot/internal/notify"
	"stockpilot/internal/quote"
	"stockpilot/internal/repository"
)

// Broker is the subset of the broker REST surface the engine consumes.
type Broker interface {
	Authenticate(ctx context.Context, creds broker.Credentials) (string, error)
	GetAccount(ctx context.Context, token string) (*broker.Account, error)
	GetPositions(ctx context.Context, token string) ([]broker.Position, error)
	GetOrders(ctx context.Context, token string, filter url.Values) ([]broker.Order, error)
	GetOrder(ctx context.Context, id, token string) (*broker.Order, error)
	PlaceOrder(ctx context.Context, token string, req broker.OrderRequest) (*broker.Order, error)
	CancelOrder(ctx context.Context, token, cancelURL string) error
	GetInstrumentBySymbol(ctx context.Context, symbol string) (*broker.Instrument, error)
	GetMarketHours(ctx context.Context, mic string, date time.Time) (*broker.MarketHours, error)
}

// QuoteSource fetches batched quotes for EXCHANGE:SYMBOL keys.
type QuoteSource interface {
	GetQuotes(ctx context.Context, symbols ...string) ([]quote.Quote, error)
}

type Config struct {
	TokenTTL           time.Duration
	AccountTTL         time.Duration
	SellAllBeforeClose time.Duration
	// OverrideMarketClose keeps the cycles running while the market is
	// closed; testing only.
	OverrideMarketClose bool
	// ManuallySellAll liquidates every held position on the next tick.
	ManuallySellAll bool
	ExtendedHours   bool
	DebugTicks      bool
	MarketMIC       string
	StartupPoll     time.Duration
	// CredentialKey decrypts stored broker passwords. Empty means passwords
	// are stored in the clear (dev only).
	CredentialKey string
}

// Engine reconciles rule state against live broker orders and quotes. The
// only persisted position state is the Trade record; everything else is
// re-derived from broker truth every tick, which is also the recovery path
// after a failed save.
type Engine struct {
	Repo     repository.Repository
	Broker   Broker
	Quotes   QuoteSource
	Notifier notify.Notifier
	Logger   *zap.Logger
	Clock    Clock
	Config   Config

	initOnce sync.Once

	mu          sync.RWMutex
	rules       map[string][]*models.Rule
	marketHours *broker.MarketHours
	tokens      map[uint64]*CachedValue[string]
	accounts    map[uint64]*CachedValue[broker.Account]
	positions   map[uint64][]broker.Position
	ruleOrders  map[uint64][]broker.Order

	pendingMu sync.Mutex
	pending   map[uint64]struct{}
}

func (e *Engine) init() {
	e.initOnce.Do(func() {
		e.rules = map[string][]*models.Rule{}
		e.tokens = map[uint64]*CachedValue[string]{}
		e.accounts = map[uint64]*CachedValue[broker.Account]{}
		e.positions = map[uint64][]broker.Position{}
		e.ruleOrders = map[uint64][]broker.Order{}
		e.pending = map[uint64]struct{}{}
	})
}

func (e *Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock.Now()
	}
	return time.Now()
}

// RefreshMarketHours pulls today's session for the configured exchange.
func (e *Engine) RefreshMarketHours(ctx context.Context) error {
	e.init()
	if e.Broker == nil {
		return nil
	}
	hours, err := e.Broker.GetMarketHours(ctx, e.Config.MarketMIC, e.now())
	if err != nil {
		if e.Logger != nil {
			e.Logger.Warn("market hours refresh failed", zap.Error(err))
		}
		return err
	}
	e.mu.Lock()
	e.marketHours = hours
	e.mu.Unlock()
	return nil
}

// marketClosed treats missing hours as closed; nothing trades before the
// first successful hours refresh.
func (e *Engine) marketClosed() bool {
	e.mu.RLock()
	hours := e.marketHours
	e.mu.RUnlock()
	if hours == nil {
		return true
	}
	return hours.ClosedAt(e.now(), e.Config.ExtendedHours)
}

func (e *Engine) secondsToClose() float64 {
	e.mu.RLock()
	hours := e.marketHours
	e.mu.RUnlock()
	if hours == nil {
		return math.Inf(1)
	}
	return hours.SecondsToClose(e.now(), e.Config.ExtendedHours)
}

// Refresh is the slow cycle: reload active rules for one frequency,
// bootstrap newly created rules, and refresh per-user tokens, accounts,
// positions and per-rule order sets. A single user's failure skips that
// user's rules for this cycle and nothing else.
func (e *Engine) Refresh(ctx context.Context, frequency string) error {
	e.init()
	if e.Repo == nil || e.Broker == nil {
		return nil
	}
	if e.marketClosed() && !e.Config.OverrideMarketClose {
		return nil
	}

	rules, err := e.Repo.FindActiveRulesByFrequency(ctx, frequency)
	if err != nil {
		return fmt.Errorf("load rules: %w", err)
	}

	list := make([]*models.Rule, 0, len(rules))
	for i := range rules {
		rule := &rules[i]
		if rule.User == nil {
			if e.Logger != nil {
				e.Logger.Warn("rule without user", zap.Uint64("rule_id", rule.ID), zap.Uint64("user_id", rule.UserID))
			}
			continue
		}
		if err := e.bootstrapRule(ctx, rule); err != nil {
			if e.Logger != nil {
				e.Logger.Warn("rule bootstrap failed", zap.String("rule", rule.Name), zap.Error(err))
			}
			continue
		}
		list = append(list, rule)
	}

	failed := map[uint64]bool{}
	seen := map[uint64]bool{}
	for _, rule := range list {
		uid := rule.UserID
		if seen[uid] {
			continue
		}
		seen[uid] = true
		token, err := e.token(ctx, rule.User)
		if err != nil {
			if e.Logger != nil {
				e.Logger.Warn("token refresh failed", zap.Uint64("user_id", uid), zap.Error(err))
			}
			failed[uid] = true
			continue
		}
		if _, err := e.account(ctx, rule.User); err != nil {
			if e.Logger != nil {
				e.Logger.Warn("account refresh failed", zap.Uint64("user_id", uid), zap.Error(err))
			}
			failed[uid] = true
			continue
		}
		positions, err := e.Broker.GetPositions(ctx, token)
		if err != nil {
			if e.Logger != nil {
				e.Logger.Warn("position refresh failed", zap.Uint64("user_id", uid), zap.Error(err))
			}
		} else {
			e.mu.Lock()
			e.positions[uid] = positions
			e.mu.Unlock()
		}
	}

	for _, rule := range list {
		if failed[rule.UserID] {
			continue
		}
		token, err := e.token(ctx, rule.User)
		if err != nil {
			continue
		}
		if orders := e.fetchRuleOrders(ctx, token, rule); orders != nil {
			e.mu.Lock()
			e.ruleOrders[rule.ID] = orders
			e.mu.Unlock()
		}
	}

	e.mu.Lock()
	e.rules[frequency] = list
	e.mu.Unlock()
	return nil
}

// bootstrapRule assigns the order-tag fragment and resolves broker
// instrument identifiers for rules saved through the admin API.
func (e *Engine) bootstrapRule(ctx context.Context, rule *models.Rule) error {
	changed := false
	if rule.RefID == "" {
		rule.RefID = string(NewOrderTag())
		changed = true
	}
	if rule.InstrumentID == "" || rule.InstrumentURL == "" {
		instrument, err := e.Broker.GetInstrumentBySymbol(ctx, rule.Symbol)
		if err != nil {
			return fmt.Errorf("resolve instrument %s: %w", rule.Symbol, err)
		}
		if instrument == nil {
			return fmt.Errorf("instrument %s not found", rule.Symbol)
		}
		rule.InstrumentID = instrument.ID
		rule.InstrumentURL = instrument.URL
		changed = true
	}
	if !changed {
		return nil
	}
	return e.Repo.SaveRule(ctx, rule)
}

// token returns the user's broker token, authenticating only when the
// cached entry is missing or older than the TTL. A failed refresh leaves
// the stale entry in place and propagates the error, so the user's rules
// are skipped this cycle without forcing a reauthentication storm.
func (e *Engine) token(ctx context.Context, user *models.User) (string, error) {
	if user == nil {
		return "", fmt.Errorf("user not loaded")
	}
	now := e.now()
	e.mu.RLock()
	cached := e.tokens[user.ID]
	e.mu.RUnlock()
	if cached.Fresh(now) {
		return cached.Value, nil
	}
	creds, err := e.brokerCredentials(user)
	if err != nil {
		return "", err
	}
	token, err := e.Broker.Authenticate(ctx, creds)
	if err != nil {
		return "", fmt.Errorf("authenticate user %d: %w", user.ID, err)
	}
	e.mu.Lock()
	e.tokens[user.ID] = NewCachedValue(token, now, e.tokenTTL())
	e.mu.Unlock()
	return token, nil
}

func (e *Engine) account(ctx context.Context, user *models.User) (broker.Account, error) {
	now := e.now()
	e.mu.RLock()
	cached := e.accounts[user.ID]
	e.mu.RUnlock()
	if cached.Fresh(now) {
		return cached.Value, nil
	}
	token, err := e.token(ctx, user)
	if err != nil {
		return broker.Account{}, err
	}
	account, err := e.Broker.GetAccount(ctx, token)
	if err != nil {
		return broker.Account{}, fmt.Errorf("fetch account for user %d: %w", user.ID, err)
	}
	if account == nil {
		return broker.Account{}, fmt.Errorf("no account for user %d", user.ID)
	}
	e.mu.Lock()
	e.accounts[user.ID] = NewCachedValue(*account, now, e.accountTTL())
	e.mu.Unlock()
	return *account, nil
}

func (e *Engine) brokerCredentials(user *models.User) (broker.Credentials, error) {
	creds, err := user.BrokerCredentials()
	if err != nil {
		return broker.Credentials{}, fmt.Errorf("decode broker config for user %d: %w", user.ID, err)
	}
	password := creds.Password
	if e.Config.CredentialKey != "" && password != "" {
		password, err = auth.DecryptCredential(e.Config.CredentialKey, creds.Password)
		if err != nil {
			return broker.Credentials{}, fmt.Errorf("decrypt broker password for user %d: %w", user.ID, err)
		}
	}
	return broker.Credentials{Username: creds.Username, Password: password, ClientID: creds.ClientID}, nil
}

// fetchRuleOrders pulls the user's orders and keeps the ones tagged with the
// rule's reference fragment. A throttled response yields an empty set rather
// than an error; the cache refills on a later cycle.
func (e *Engine) fetchRuleOrders(ctx context.Context, token string, rule *models.Rule) []broker.Order {
	orders, err := e.Broker.GetOrders(ctx, token, nil)
	if err != nil {
		if broker.IsThrottled(err) {
			return []broker.Order{}
		}
		if e.Logger != nil {
			e.Logger.Warn("order fetch failed", zap.String("rule", rule.Name), zap.Error(err))
		}
		return nil
	}
	tag := OrderTag(rule.RefID)
	tagged := make([]broker.Order, 0, len(orders))
	for _, o := range orders {
		if tag.BelongsTo(o.RefID) {
			tagged = append(tagged, o)
		}
	}
	return tagged
}

func (e *Engine) cachedOrder(ruleID uint64, orderID string) *broker.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := range e.ruleOrders[ruleID] {
		if e.ruleOrders[ruleID][i].ID == orderID {
			o := e.ruleOrders[ruleID][i]
			return &o
		}
	}
	return nil
}

func (e *Engine) positionShares(rule *models.Rule) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, p := range e.positions[rule.UserID] {
		if p.InstrumentURL == rule.InstrumentURL || (p.InstrumentID != "" && p.InstrumentID == rule.InstrumentID) {
			return p.Shares()
		}
	}
	return 0
}

func (e *Engine) activeRules(frequency string) []*models.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	list := make([]*models.Rule, 0, len(e.rules[frequency]))
	for _, rule := range e.rules[frequency] {
		if rule.Enabled && !e.orderPending(rule.ID) {
			list = append(list, rule)
		}
	}
	return list
}

func (e *Engine) activeSymbols(frequency string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	seen := map[string]bool{}
	symbols := make([]string, 0, len(e.rules[frequency]))
	for _, rule := range e.rules[frequency] {
		key := rule.SymbolKey()
		if !seen[key] {
			seen[key] = true
			symbols = append(symbols, key)
		}
	}
	return symbols
}

func (e *Engine) orderPending(ruleID uint64) bool {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	_, ok := e.pending[ruleID]
	return ok
}

func (e *Engine) acquire(ruleID uint64) bool {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	if _, ok := e.pending[ruleID]; ok {
		return false
	}
	e.pending[ruleID] = struct{}{}
	return true
}

func (e *Engine) release(ruleID uint64) {
	e.pendingMu.Lock()
	defer e.pendingMu.Unlock()
	delete(e.pending, ruleID)
}

func (e *Engine) publish(ctx context.Context, event notify.Event) {
	if e.Notifier != nil {
		e.Notifier.Publish(ctx, event)
	}
}

// WaitForPriceMovement blocks until the quote feed reports a close price
// that differs from the first sample, so the engine never trades on a
// stale cached snapshot right after startup.
func (e *Engine) WaitForPriceMovement(ctx context.Context) error {
	e.init()
	if e.Quotes == nil {
		return nil
	}
	ticker := time.NewTicker(e.startupPoll())
	defer ticker.Stop()

	var first []float64
	for {
		symbols := e.activeSymbols(models.FrequencyFast)
		if len(symbols) == 0 {
			return nil
		}
		quotes, err := e.Quotes.GetQuotes(ctx, symbols...)
		if err != nil {
			if e.Logger != nil {
				e.Logger.Warn("startup quote poll failed", zap.Error(err))
			}
		} else {
			prices := make([]float64, len(quotes))
			for i, q := range quotes {
				prices[i] = q.Close
			}
			if first == nil {
				first = prices
			} else if pricesChanged(first, prices) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func pricesChanged(a, b []float64) bool {
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if a[i] != b[i] {
			return true
		}
	}
	return false
}

func (e *Engine) tokenTTL() time.Duration {
	if e.Config.TokenTTL > 0 {
		return e.Config.TokenTTL
	}
	return 5 * time.Hour
}

func (e *Engine) accountTTL() time.Duration {
	if e.Config.AccountTTL > 0 {
		return e.Config.AccountTTL
	}
	return 10 * time.Minute
}

func (e *Engine) sellAllWindow() time.Duration {
	if e.Config.SellAllBeforeClose > 0 {
		return e.Config.SellAllBeforeClose
	}
	return 30 * time.Second
}

func (e *Engine) startupPoll() time.Duration {
	if e.Config.StartupPoll > 0 {
		return e.Config.StartupPoll
	}
	return 5 * time.Second
}
