package engine

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stockpilot/internal/broker"
	"stockpilot/internal/models"
	"stockpilot/internal/notify"
	"stockpilot/internal/quote"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type stubBroker struct {
	mu           sync.Mutex
	authCalls    int
	accountCalls int
	authErr      error
	accountErr   error
	orders       []broker.Order
	placed       []broker.OrderRequest
	placeErr     error
	canceled     []string
	positions    []broker.Position
	hours        *broker.MarketHours
	nextID       int
}

func (b *stubBroker) Authenticate(ctx context.Context, creds broker.Credentials) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.authCalls++
	if b.authErr != nil {
		return "", b.authErr
	}
	return fmt.Sprintf("token-%d", b.authCalls), nil
}

func (b *stubBroker) GetAccount(ctx context.Context, token string) (*broker.Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.accountCalls++
	if b.accountErr != nil {
		return nil, b.accountErr
	}
	return &broker.Account{AccountNumber: "ACC1", URL: "https://broker/accounts/ACC1/"}, nil
}

func (b *stubBroker) GetPositions(ctx context.Context, token string) ([]broker.Position, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.positions, nil
}

func (b *stubBroker) GetOrders(ctx context.Context, token string, filter url.Values) ([]broker.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broker.Order, len(b.orders))
	copy(out, b.orders)
	return out, nil
}

func (b *stubBroker) GetOrder(ctx context.Context, id, token string) (*broker.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.orders {
		if b.orders[i].ID == id {
			o := b.orders[i]
			return &o, nil
		}
	}
	return nil, fmt.Errorf("order %s not found", id)
}

func (b *stubBroker) PlaceOrder(ctx context.Context, token string, req broker.OrderRequest) (*broker.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.placeErr != nil {
		return nil, b.placeErr
	}
	b.nextID++
	cancelURL := fmt.Sprintf("https://broker/orders/order-%d/cancel/", b.nextID)
	order := broker.Order{
		ID:        fmt.Sprintf("order-%d", b.nextID),
		Side:      req.Side,
		State:     broker.StateConfirmed,
		Price:     req.Price,
		RefID:     req.RefID,
		CancelURL: &cancelURL,
	}
	b.placed = append(b.placed, req)
	b.orders = append(b.orders, order)
	return &order, nil
}

func (b *stubBroker) CancelOrder(ctx context.Context, token, cancelURL string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.canceled = append(b.canceled, cancelURL)
	return nil
}

func (b *stubBroker) GetInstrumentBySymbol(ctx context.Context, symbol string) (*broker.Instrument, error) {
	return &broker.Instrument{ID: "inst-1", URL: "https://broker/instruments/inst-1/", Symbol: symbol}, nil
}

func (b *stubBroker) GetMarketHours(ctx context.Context, mic string, date time.Time) (*broker.MarketHours, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hours, nil
}

func (b *stubBroker) placedOrders() []broker.OrderRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]broker.OrderRequest, len(b.placed))
	copy(out, b.placed)
	return out
}

type stubQuotes struct {
	mu     sync.Mutex
	quotes []quote.Quote
	series [][]quote.Quote
}

func (s *stubQuotes) GetQuotes(ctx context.Context, symbols ...string) ([]quote.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.series) > 0 {
		q := s.series[0]
		if len(s.series) > 1 {
			s.series = s.series[1:]
		}
		return q, nil
	}
	return s.quotes, nil
}

type stubNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *stubNotifier) Publish(ctx context.Context, event notify.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *stubNotifier) byType(eventType string) []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []notify.Event
	for _, e := range n.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

func decPtr(f float64) *decimal.Decimal {
	d := decimal.NewFromFloat(f)
	return &d
}

func testUser() *models.User {
	return &models.User{ID: 1, Username: "trader"}
}

func testRule(entryQuery, exitQuery string) models.Rule {
	r := models.Rule{
		ID:             1,
		Name:           "Momentum",
		Symbol:         "AAPL",
		Exchange:       "NASDAQ",
		InstrumentID:   "inst-1",
		InstrumentURL:  "https://broker/instruments/inst-1/",
		UserID:         1,
		User:           testUser(),
		Enabled:        true,
		Frequency:      models.FrequencyFast,
		NumberOfShares: 10,
		RiskPercentage: 1,
		RefID:          "abcd1234",
	}
	if entryQuery != "" {
		id := uint64(1)
		r.EntryPatternID = &id
		r.EntryPattern = &models.Pattern{ID: id, Name: "entry", Query: entryQuery}
	}
	if exitQuery != "" {
		id := uint64(2)
		r.ExitPatternID = &id
		r.ExitPattern = &models.Pattern{ID: id, Name: "exit", Query: exitQuery}
	}
	return r
}

func newTestEngine(repo *stubRepo, b *stubBroker, q *stubQuotes, n *stubNotifier, clk *fakeClock) *Engine {
	e := &Engine{
		Repo:     repo,
		Broker:   b,
		Quotes:   q,
		Notifier: n,
		Clock:    clk,
		Config:   Config{OverrideMarketClose: true},
	}
	e.init()
	return e
}

func mustRefreshAndTick(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()
	if err := e.Refresh(ctx, models.FrequencyFast); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if err := e.Tick(ctx, models.FrequencyFast); err != nil {
		t.Fatalf("tick: %v", err)
	}
}

func TestEntryMatchPlacesBuy(t *testing.T) {
	repo := &stubRepo{rules: []models.Rule{testRule(`{"rsi": {"$lt": 30}}`, "")}}
	b := &stubBroker{}
	q := &stubQuotes{quotes: []quote.Quote{{Symbol: "NASDAQ:AAPL", Close: 10.5, RSI: 25}}}
	n := &stubNotifier{}
	e := newTestEngine(repo, b, q, n, &fakeClock{t: time.Now()})

	mustRefreshAndTick(t, e)

	placed := b.placedOrders()
	if len(placed) != 1 {
		t.Fatalf("expected one order, got %d", len(placed))
	}
	req := placed[0]
	if req.Side != broker.SideBuy || req.Quantity != 10 {
		t.Fatalf("unexpected order: %+v", req)
	}
	if req.Price != "10.50" {
		t.Fatalf("expected buy at 10.50, got %s", req.Price)
	}
	if req.Type != "limit" || req.TimeInForce != "gtc" || req.Trigger != "immediate" {
		t.Fatalf("unexpected order options: %+v", req)
	}
	if !OrderTag("abcd1234").BelongsTo(req.RefID) {
		t.Fatalf("order ref %q not tagged with rule fragment", req.RefID)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.trades) != 1 || repo.trades[0].BuyOrderID != "order-1" {
		t.Fatalf("expected trade with buy order id, got %+v", repo.trades)
	}
	if events := n.byType(notify.EventOrderPlaced); len(events) != 1 {
		t.Fatalf("expected one placed event, got %d", len(events))
	}
}

func TestEntryDoesNotFireWithoutMatch(t *testing.T) {
	repo := &stubRepo{rules: []models.Rule{testRule(`{"rsi": {"$lt": 30}}`, "")}}
	b := &stubBroker{}
	q := &stubQuotes{quotes: []quote.Quote{{Symbol: "NASDAQ:AAPL", Close: 10.5, RSI: 55}}}
	e := newTestEngine(repo, b, q, &stubNotifier{}, &fakeClock{t: time.Now()})

	mustRefreshAndTick(t, e)

	if placed := b.placedOrders(); len(placed) != 0 {
		t.Fatalf("expected no orders, got %+v", placed)
	}
}

func TestRiskReachedPlacesSell(t *testing.T) {
	now := time.Now()
	rule := testRule(`{"rsi": {"$lt": 30}}`, "")
	repo := &stubRepo{
		rules: []models.Rule{rule},
		trades: []models.Trade{{
			ID: 1, RuleID: 1, UserID: 1,
			BuyOrderID: "buy-1", BuyPrice: decPtr(100), BuyDate: &now,
			BoughtShares: 10, RiskValue: dec(99),
		}},
		nextTradeID: 1,
	}
	b := &stubBroker{orders: []broker.Order{{
		ID: "buy-1", Side: broker.SideBuy, State: broker.StateFilled,
		AveragePrice: "100.00", CumulativeQuantity: "10", RefID: "xyz-abcd1234", UpdatedAt: now,
	}}}
	q := &stubQuotes{quotes: []quote.Quote{{Symbol: "NASDAQ:AAPL", Close: 98, RSI: 50}}}
	n := &stubNotifier{}
	e := newTestEngine(repo, b, q, n, &fakeClock{t: now})

	mustRefreshAndTick(t, e)

	placed := b.placedOrders()
	if len(placed) != 1 {
		t.Fatalf("expected one sell, got %d", len(placed))
	}
	if placed[0].Side != broker.SideSell || placed[0].Quantity != 10 {
		t.Fatalf("unexpected order: %+v", placed[0])
	}
	if placed[0].Price != "97.99" {
		t.Fatalf("expected sell at 97.99, got %s", placed[0].Price)
	}
	events := n.byType(notify.EventOrderPlaced)
	if len(events) != 1 || events[0].Rule != "Momentum(Risk reached)" {
		t.Fatalf("expected risk-reached label, got %+v", events)
	}
	trade := repo.lastSavedTrade()
	if trade == nil || trade.SellOrderID != "order-1" {
		t.Fatalf("expected sell order id on trade, got %+v", trade)
	}
}

func TestProfitReachedPlacesSell(t *testing.T) {
	now := time.Now()
	repo := &stubRepo{
		rules: []models.Rule{testRule(`{"rsi": {"$lt": 30}}`, "")},
		trades: []models.Trade{{
			ID: 1, RuleID: 1, UserID: 1,
			BuyOrderID: "buy-1", BuyPrice: decPtr(100), BuyDate: &now,
			BoughtShares: 10, RiskValue: dec(95), ProfitValue: decPtr(105),
		}},
		nextTradeID: 1,
	}
	b := &stubBroker{orders: []broker.Order{{
		ID: "buy-1", Side: broker.SideBuy, State: broker.StateFilled,
		AveragePrice: "100.00", CumulativeQuantity: "10", RefID: "x-abcd1234", UpdatedAt: now,
	}}}
	q := &stubQuotes{quotes: []quote.Quote{{Symbol: "NASDAQ:AAPL", Close: 106, RSI: 50}}}
	n := &stubNotifier{}
	e := newTestEngine(repo, b, q, n, &fakeClock{t: now})

	mustRefreshAndTick(t, e)

	events := n.byType(notify.EventOrderPlaced)
	if len(events) != 1 || events[0].Rule != "Momentum(Profit reached)" {
		t.Fatalf("expected profit-reached label, got %+v", events)
	}
}

func TestSellFillCompletesTradeAndDisablesRule(t *testing.T) {
	now := time.Now()
	rule := testRule(`{"rsi": {"$lt": 30}}`, "")
	rule.DisableAfterSold = true
	repo := &stubRepo{
		rules: []models.Rule{rule},
		trades: []models.Trade{{
			ID: 1, RuleID: 1, UserID: 1,
			BuyOrderID: "buy-1", SellOrderID: "sell-1",
			BuyPrice: decPtr(100), BoughtShares: 10, RiskValue: dec(99),
		}},
		nextTradeID: 1,
	}
	b := &stubBroker{orders: []broker.Order{{
		ID: "sell-1", Side: broker.SideSell, State: broker.StateFilled,
		AveragePrice: "110.00", CumulativeQuantity: "10", RefID: "x-abcd1234", UpdatedAt: now,
	}}}
	q := &stubQuotes{quotes: []quote.Quote{{Symbol: "NASDAQ:AAPL", Close: 110, RSI: 50}}}
	e := newTestEngine(repo, b, q, &stubNotifier{}, &fakeClock{t: now})

	mustRefreshAndTick(t, e)

	trade := repo.lastSavedTrade()
	if trade == nil || !trade.Completed {
		t.Fatalf("expected completed trade, got %+v", trade)
	}
	if trade.GainPercent == nil || *trade.GainPercent < 9.99 || *trade.GainPercent > 10.01 {
		t.Fatalf("expected ~10%% gain, got %+v", trade.GainPercent)
	}
	if trade.SellPrice == nil || !trade.SellPrice.Equal(dec(110)) {
		t.Fatalf("expected sell price 110, got %+v", trade.SellPrice)
	}
	savedRule := repo.lastSavedRule()
	if savedRule == nil || savedRule.Enabled {
		t.Fatalf("expected rule disabled after sold, got %+v", savedRule)
	}
	if placed := b.placedOrders(); len(placed) != 0 {
		t.Fatalf("expected no new orders, got %+v", placed)
	}
}

func TestSellAllBeforeMarketClose(t *testing.T) {
	now := time.Now()
	open := now.Add(-6 * time.Hour)
	closeAt := now.Add(20 * time.Second)
	rule := testRule(`{"rsi": {"$gt": 0}}`, `{"rsi": {"$gt": 0}}`)
	repo := &stubRepo{
		rules: []models.Rule{rule},
		trades: []models.Trade{{
			ID: 1, RuleID: 1, UserID: 1,
			BuyOrderID: "buy-1", BuyPrice: decPtr(100), BoughtShares: 10, RiskValue: dec(95),
		}},
		nextTradeID: 1,
	}
	b := &stubBroker{
		orders: []broker.Order{{
			ID: "buy-1", Side: broker.SideBuy, State: broker.StateFilled,
			AveragePrice: "100.00", CumulativeQuantity: "10", RefID: "x-abcd1234", UpdatedAt: now,
		}},
		hours: &broker.MarketHours{IsOpenToday: true, OpensAt: &open, ClosesAt: &closeAt},
	}
	q := &stubQuotes{quotes: []quote.Quote{{Symbol: "NASDAQ:AAPL", Close: 100, RSI: 50}}}
	n := &stubNotifier{}
	e := newTestEngine(repo, b, q, n, &fakeClock{t: now})
	e.Config.OverrideMarketClose = false

	ctx := context.Background()
	if err := e.RefreshMarketHours(ctx); err != nil {
		t.Fatalf("market hours: %v", err)
	}
	mustRefreshAndTick(t, e)

	placed := b.placedOrders()
	if len(placed) != 1 || placed[0].Side != broker.SideSell {
		t.Fatalf("expected exactly one sell, got %+v", placed)
	}
	events := n.byType(notify.EventOrderPlaced)
	if len(events) != 1 || events[0].Rule != "Momentum(Sell before market is closed)" {
		t.Fatalf("expected market-close label, got %+v", events)
	}
}

func TestFillHandlingIsIdempotent(t *testing.T) {
	now := time.Now()
	repo := &stubRepo{
		rules: []models.Rule{testRule(`{"rsi": {"$lt": 30}}`, "")},
		trades: []models.Trade{{
			ID: 1, RuleID: 1, UserID: 1,
			BuyOrderID: "buy-1", BuyPrice: decPtr(100), BuyDate: &now,
			BoughtShares: 10, RiskValue: dec(90),
		}},
		nextTradeID: 1,
	}
	b := &stubBroker{orders: []broker.Order{{
		ID: "buy-1", Side: broker.SideBuy, State: broker.StateFilled,
		AveragePrice: "100.00", CumulativeQuantity: "10", RefID: "x-abcd1234", UpdatedAt: now,
	}}}
	q := &stubQuotes{quotes: []quote.Quote{{Symbol: "NASDAQ:AAPL", Close: 100, RSI: 50}}}
	e := newTestEngine(repo, b, q, &stubNotifier{}, &fakeClock{t: now})

	mustRefreshAndTick(t, e)
	if err := e.Tick(context.Background(), models.FrequencyFast); err != nil {
		t.Fatalf("second tick: %v", err)
	}

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.savedTrades) != 0 {
		t.Fatalf("unchanged fill must not rewrite the trade, got %d saves", len(repo.savedTrades))
	}
	if len(b.placedOrders()) != 0 {
		t.Fatalf("no orders expected")
	}
}

func TestPartialBuyFillCancelsRemainder(t *testing.T) {
	now := time.Now()
	cancelURL := "https://broker/orders/buy-1/cancel/"
	rule := testRule(`{"rsi": {"$lt": 30}}`, "")
	rule.RiskPercentage = 5
	repo := &stubRepo{
		rules:       []models.Rule{rule},
		trades:      []models.Trade{{ID: 1, RuleID: 1, UserID: 1, BuyOrderID: "buy-1"}},
		nextTradeID: 1,
	}
	b := &stubBroker{orders: []broker.Order{{
		ID: "buy-1", Side: broker.SideBuy, State: broker.StatePartiallyFilled,
		AveragePrice: "100.00", CumulativeQuantity: "6", RefID: "x-abcd1234",
		UpdatedAt: now, CancelURL: &cancelURL,
	}}}
	q := &stubQuotes{quotes: []quote.Quote{{Symbol: "NASDAQ:AAPL", Close: 100, RSI: 50}}}
	e := newTestEngine(repo, b, q, &stubNotifier{}, &fakeClock{t: now})

	mustRefreshAndTick(t, e)

	trade := repo.lastSavedTrade()
	if trade == nil || trade.BuyPrice == nil || !trade.BuyPrice.Equal(dec(100)) {
		t.Fatalf("expected recorded buy price, got %+v", trade)
	}
	if trade.BoughtShares != 6 {
		t.Fatalf("expected 6 bought shares, got %d", trade.BoughtShares)
	}
	if !trade.RiskValue.Equal(dec(95)) {
		t.Fatalf("expected risk value 95, got %s", trade.RiskValue)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.canceled) != 1 || b.canceled[0] != cancelURL {
		t.Fatalf("expected remainder canceled, got %+v", b.canceled)
	}
}

func TestPendingBuyCanceledAndTradeDeleted(t *testing.T) {
	now := time.Now()
	cancelURL := "https://broker/orders/buy-1/cancel/"
	repo := &stubRepo{
		rules:       []models.Rule{testRule(`{"rsi": {"$lt": 30}}`, "")},
		trades:      []models.Trade{{ID: 1, RuleID: 1, UserID: 1, BuyOrderID: "buy-1"}},
		nextTradeID: 1,
	}
	b := &stubBroker{orders: []broker.Order{{
		ID: "buy-1", Side: broker.SideBuy, State: broker.StateConfirmed,
		RefID: "x-abcd1234", CancelURL: &cancelURL,
	}}}
	q := &stubQuotes{quotes: []quote.Quote{{Symbol: "NASDAQ:AAPL", Close: 100, RSI: 50}}}
	e := newTestEngine(repo, b, q, &stubNotifier{}, &fakeClock{t: now})

	mustRefreshAndTick(t, e)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.deletedTrades) != 1 || repo.deletedTrades[0] != 1 {
		t.Fatalf("expected trade deleted, got %+v", repo.deletedTrades)
	}
	if len(repo.trades) != 0 {
		t.Fatalf("trade record should be gone, got %+v", repo.trades)
	}
}

func TestCanceledSellReopensHolding(t *testing.T) {
	now := time.Now()
	repo := &stubRepo{
		rules: []models.Rule{testRule(`{"rsi": {"$lt": 30}}`, "")},
		trades: []models.Trade{{
			ID: 1, RuleID: 1, UserID: 1,
			BuyOrderID: "buy-1", SellOrderID: "sell-1",
			BuyPrice: decPtr(100), BoughtShares: 10, RiskValue: dec(95),
		}},
		nextTradeID: 1,
	}
	b := &stubBroker{orders: []broker.Order{{
		ID: "sell-1", Side: broker.SideSell, State: broker.StateCanceled, RefID: "x-abcd1234",
	}}}
	q := &stubQuotes{quotes: []quote.Quote{{Symbol: "NASDAQ:AAPL", Close: 100, RSI: 50}}}
	e := newTestEngine(repo, b, q, &stubNotifier{}, &fakeClock{t: now})

	mustRefreshAndTick(t, e)

	trade := repo.lastSavedTrade()
	if trade == nil || trade.SellOrderID != "" || trade.Completed {
		t.Fatalf("expected reopened holding trade, got %+v", trade)
	}
}

func TestNotEnoughSharesClosesBooks(t *testing.T) {
	now := time.Now()
	rule := testRule(`{"rsi": {"$lt": 30}}`, "")
	rule.DisableAfterSold = true
	repo := &stubRepo{
		rules: []models.Rule{rule},
		trades: []models.Trade{{
			ID: 1, RuleID: 1, UserID: 1,
			BuyOrderID: "buy-1", BuyPrice: decPtr(100), BoughtShares: 10, RiskValue: dec(99),
		}},
		nextTradeID: 1,
	}
	b := &stubBroker{
		orders: []broker.Order{{
			ID: "buy-1", Side: broker.SideBuy, State: broker.StateFilled,
			AveragePrice: "100.00", CumulativeQuantity: "10", RefID: "x-abcd1234", UpdatedAt: now,
		}},
		placeErr: &broker.APIError{Status: 400, Body: `{"detail": "Not enough shares to sell."}`},
	}
	q := &stubQuotes{quotes: []quote.Quote{{Symbol: "NASDAQ:AAPL", Close: 98, RSI: 50}}}
	e := newTestEngine(repo, b, q, &stubNotifier{}, &fakeClock{t: now})

	mustRefreshAndTick(t, e)

	trade := repo.lastSavedTrade()
	if trade == nil || !trade.Completed || trade.SellOrderID != "not-captured" {
		t.Fatalf("expected force-completed trade, got %+v", trade)
	}
	if trade.SellPrice == nil || !trade.SellPrice.Equal(dec(98)) {
		t.Fatalf("expected attempted price as sell price, got %+v", trade.SellPrice)
	}
	savedRule := repo.lastSavedRule()
	if savedRule == nil || savedRule.Enabled {
		t.Fatalf("expected rule disabled, got %+v", savedRule)
	}
}

func TestUntradeableInstrumentDisablesRule(t *testing.T) {
	repo := &stubRepo{rules: []models.Rule{testRule(`{"rsi": {"$lt": 30}}`, "")}}
	b := &stubBroker{
		placeErr: &broker.APIError{Status: 400, Body: `{"detail": "Instrument cannot be traded."}`},
	}
	q := &stubQuotes{quotes: []quote.Quote{{Symbol: "NASDAQ:AAPL", Close: 10, RSI: 25}}}
	e := newTestEngine(repo, b, q, &stubNotifier{}, &fakeClock{t: time.Now()})

	mustRefreshAndTick(t, e)

	savedRule := repo.lastSavedRule()
	if savedRule == nil || savedRule.Enabled {
		t.Fatalf("expected rule disabled, got %+v", savedRule)
	}
}

func TestInFlightGuardSkipsRule(t *testing.T) {
	repo := &stubRepo{rules: []models.Rule{testRule(`{"rsi": {"$lt": 30}}`, "")}}
	b := &stubBroker{}
	q := &stubQuotes{quotes: []quote.Quote{{Symbol: "NASDAQ:AAPL", Close: 10, RSI: 25}}}
	e := newTestEngine(repo, b, q, &stubNotifier{}, &fakeClock{t: time.Now()})

	if !e.acquire(1) {
		t.Fatalf("first acquire should succeed")
	}
	if e.acquire(1) {
		t.Fatalf("second acquire should fail while in flight")
	}

	mustRefreshAndTick(t, e)
	if placed := b.placedOrders(); len(placed) != 0 {
		t.Fatalf("pending rule must be skipped, got %+v", placed)
	}

	e.release(1)
	if !e.acquire(1) {
		t.Fatalf("acquire should succeed after release")
	}
}

func TestTokenAndAccountCacheTTL(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	b := &stubBroker{}
	e := newTestEngine(&stubRepo{}, b, &stubQuotes{}, &stubNotifier{}, clk)
	user := testUser()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := e.token(ctx, user); err != nil {
			t.Fatalf("token: %v", err)
		}
		if _, err := e.account(ctx, user); err != nil {
			t.Fatalf("account: %v", err)
		}
	}
	if b.authCalls != 1 || b.accountCalls != 1 {
		t.Fatalf("expected single refresh, got auth=%d account=%d", b.authCalls, b.accountCalls)
	}

	clk.advance(11 * time.Minute)
	if _, err := e.account(ctx, user); err != nil {
		t.Fatalf("account: %v", err)
	}
	if b.authCalls != 1 || b.accountCalls != 2 {
		t.Fatalf("account should refresh after 10m, token should not: auth=%d account=%d", b.authCalls, b.accountCalls)
	}

	clk.advance(5 * time.Hour)
	if _, err := e.token(ctx, user); err != nil {
		t.Fatalf("token: %v", err)
	}
	if b.authCalls != 2 {
		t.Fatalf("token should refresh after 5h, got %d auths", b.authCalls)
	}
}

func TestAuthFailureKeepsStaleTokenAndSkipsUser(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	repo := &stubRepo{rules: []models.Rule{testRule(`{"rsi": {"$lt": 30}}`, "")}}
	b := &stubBroker{}
	q := &stubQuotes{quotes: []quote.Quote{{Symbol: "NASDAQ:AAPL", Close: 10.5, RSI: 25}}}
	e := newTestEngine(repo, b, q, &stubNotifier{}, clk)
	user := testUser()
	ctx := context.Background()

	first, err := e.token(ctx, user)
	if err != nil {
		t.Fatalf("token: %v", err)
	}

	clk.advance(6 * time.Hour)
	b.mu.Lock()
	b.authErr = fmt.Errorf("broker unavailable")
	b.mu.Unlock()

	if _, err := e.token(ctx, user); err == nil {
		t.Fatal("expected an error from the failed token refresh")
	}
	e.mu.RLock()
	cached := e.tokens[user.ID]
	e.mu.RUnlock()
	if cached == nil || cached.Value != first {
		t.Fatalf("stale token should survive a failed refresh, got %+v", cached)
	}

	if err := e.Refresh(ctx, models.FrequencyFast); err != nil {
		t.Fatalf("refresh should absorb a per-user auth failure, got %v", err)
	}
	if err := e.Tick(ctx, models.FrequencyFast); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if placed := b.placedOrders(); len(placed) != 0 {
		t.Fatalf("no orders should be placed while auth is failing, got %+v", placed)
	}

	b.mu.Lock()
	b.authErr = nil
	b.mu.Unlock()
	mustRefreshAndTick(t, e)
	if placed := b.placedOrders(); len(placed) != 1 {
		t.Fatalf("expected one order after auth recovers, got %d", len(placed))
	}
}

func TestAccountFailureKeepsStaleEntry(t *testing.T) {
	clk := &fakeClock{t: time.Now()}
	b := &stubBroker{}
	e := newTestEngine(&stubRepo{}, b, &stubQuotes{}, &stubNotifier{}, clk)
	user := testUser()
	ctx := context.Background()

	account, err := e.account(ctx, user)
	if err != nil {
		t.Fatalf("account: %v", err)
	}

	clk.advance(11 * time.Minute)
	b.mu.Lock()
	b.accountErr = fmt.Errorf("account fetch failed")
	b.mu.Unlock()

	if _, err := e.account(ctx, user); err == nil {
		t.Fatal("expected an error from the failed account refresh")
	}
	e.mu.RLock()
	cached := e.accounts[user.ID]
	e.mu.RUnlock()
	if cached == nil || cached.Value.AccountNumber != account.AccountNumber {
		t.Fatalf("stale account should survive a failed refresh, got %+v", cached)
	}
}

func TestMissingCollaboratorsAreNoops(t *testing.T) {
	ctx := context.Background()
	e := &Engine{}
	if err := e.Refresh(ctx, models.FrequencyFast); err != nil {
		t.Fatalf("refresh without collaborators: %v", err)
	}
	if err := e.Tick(ctx, models.FrequencyFast); err != nil {
		t.Fatalf("tick without collaborators: %v", err)
	}
	if err := e.RefreshMarketHours(ctx); err != nil {
		t.Fatalf("market hours without broker: %v", err)
	}
}

func TestRuleFailureDoesNotAbortSiblings(t *testing.T) {
	ruleA := testRule(`{"rsi": {"$lt": 30}}`, "")
	ruleB := testRule(`{"rsi": {"$lt": 30}}`, "")
	ruleB.ID = 2
	ruleB.Name = "Breakout"
	ruleB.Symbol = "GE"
	ruleB.Exchange = "NYSE"
	ruleB.InstrumentID = "inst-2"
	ruleB.InstrumentURL = "https://broker/instruments/inst-2/"
	ruleB.RefID = "efgh5678"
	repo := &stubRepo{rules: []models.Rule{ruleA, ruleB}}
	b := &stubBroker{}
	q := &stubQuotes{quotes: []quote.Quote{{Symbol: "NASDAQ:AAPL", Close: 10.5, RSI: 25}}}
	n := &stubNotifier{}
	e := newTestEngine(repo, b, q, n, &fakeClock{t: time.Now()})

	mustRefreshAndTick(t, e)

	placed := b.placedOrders()
	if len(placed) != 1 {
		t.Fatalf("expected the quoted rule to trade, got %d orders", len(placed))
	}
	if !OrderTag("abcd1234").BelongsTo(placed[0].RefID) {
		t.Fatalf("order should carry the quoted rule's fragment, got ref %q", placed[0].RefID)
	}
	errs := n.byType(notify.EventEngineError)
	if len(errs) != 1 || errs[0].Rule != "Breakout" {
		t.Fatalf("expected one engine error for the unquoted rule, got %+v", errs)
	}
}

func TestFollowPriceRatchet(t *testing.T) {
	rule := testRule(`{"rsi": {"$lt": 30}}`, "")
	rule.FollowPriceEnabled = true
	rule.RiskPercentage = 4
	rule.FollowTargetPercentage = 5
	rule.RiskPercentageAfterTarget = 1
	trade := &models.Trade{BuyPrice: decPtr(100), RiskValue: dec(96)}
	e := newTestEngine(&stubRepo{}, &stubBroker{}, &stubQuotes{}, &stubNotifier{}, &fakeClock{t: time.Now()})

	// Pre-target: gains above half the risk restate the stop from the
	// current price.
	if !e.followPrice(&rule, trade, 103) {
		t.Fatalf("expected ratchet at 3%% gain")
	}
	if trade.TargetReached {
		t.Fatalf("target should not be reached at 3%%")
	}
	if !trade.RiskValue.Equal(dec(98.88)) {
		t.Fatalf("expected risk 98.88, got %s", trade.RiskValue)
	}

	if !e.followPrice(&rule, trade, 106) {
		t.Fatalf("expected ratchet at 6%% gain")
	}
	if !trade.TargetReached {
		t.Fatalf("target should be reached at 6%%")
	}
	if !trade.RiskValue.Equal(dec(104.94)) {
		t.Fatalf("expected post-target risk 104.94, got %s", trade.RiskValue)
	}

	// Price pullback must never lower the stop.
	e.followPrice(&rule, trade, 105)
	if !trade.RiskValue.Equal(dec(104.94)) {
		t.Fatalf("risk value decreased to %s", trade.RiskValue)
	}
}

func TestWaitForPriceMovement(t *testing.T) {
	repo := &stubRepo{rules: []models.Rule{testRule(`{"rsi": {"$lt": 30}}`, "")}}
	q := &stubQuotes{series: [][]quote.Quote{
		{{Symbol: "NASDAQ:AAPL", Close: 10}},
		{{Symbol: "NASDAQ:AAPL", Close: 10}},
		{{Symbol: "NASDAQ:AAPL", Close: 10.01}},
	}}
	e := newTestEngine(repo, &stubBroker{}, q, &stubNotifier{}, &fakeClock{t: time.Now()})
	e.Config.StartupPoll = time.Millisecond

	ctx := context.Background()
	if err := e.Refresh(ctx, models.FrequencyFast); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := e.WaitForPriceMovement(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestDuplicateIncompleteTradeRejected(t *testing.T) {
	repo := &stubRepo{}
	ctx := context.Background()
	if err := repo.CreateTrade(ctx, &models.Trade{RuleID: 1, UserID: 1}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := repo.CreateTrade(ctx, &models.Trade{RuleID: 1, UserID: 1}); err == nil {
		t.Fatalf("expected uniqueness violation")
	}
}

func TestRuleBootstrapAssignsRefIDAndInstrument(t *testing.T) {
	rule := testRule(`{"rsi": {"$lt": 30}}`, "")
	rule.RefID = ""
	rule.InstrumentID = ""
	rule.InstrumentURL = ""
	repo := &stubRepo{rules: []models.Rule{rule}}
	b := &stubBroker{}
	e := newTestEngine(repo, b, &stubQuotes{}, &stubNotifier{}, &fakeClock{t: time.Now()})

	if err := e.Refresh(context.Background(), models.FrequencyFast); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	saved := repo.lastSavedRule()
	if saved == nil {
		t.Fatalf("expected bootstrap save")
	}
	if len(saved.RefID) != tagFragmentLength {
		t.Fatalf("expected %d-char fragment, got %q", tagFragmentLength, saved.RefID)
	}
	if saved.InstrumentID != "inst-1" || saved.InstrumentURL == "" {
		t.Fatalf("expected resolved instrument, got %+v", saved)
	}
}
