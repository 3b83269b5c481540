package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"stockpilot/internal/broker"
	"stockpilot/internal/models"
	"stockpilot/internal/notify"
	"stockpilot/internal/pattern"
	"stockpilot/internal/quote"
)

// Tick is the fast cycle: one batched quote fetch for the frequency's rule
// set, then a concurrent per-rule evaluation. One failing rule never aborts
// its siblings.
func (e *Engine) Tick(ctx context.Context, frequency string) error {
	e.init()
	if e.Repo == nil || e.Broker == nil || e.Quotes == nil {
		return nil
	}
	if e.marketClosed() && !e.Config.OverrideMarketClose {
		return nil
	}

	rules := e.activeRules(frequency)
	if len(rules) == 0 {
		return nil
	}

	seen := map[string]bool{}
	symbols := make([]string, 0, len(rules))
	for _, rule := range rules {
		if key := rule.SymbolKey(); !seen[key] {
			seen[key] = true
			symbols = append(symbols, key)
		}
	}

	quotes, err := e.Quotes.GetQuotes(ctx, symbols...)
	if err != nil {
		return fmt.Errorf("fetch quotes: %w", err)
	}
	trades, err := e.Repo.FindIncompleteTrades(ctx)
	if err != nil {
		return fmt.Errorf("load open trades: %w", err)
	}

	quoteBySymbol := make(map[string]quote.Quote, len(quotes))
	for _, q := range quotes {
		quoteBySymbol[q.Symbol] = q
	}
	tradeByRule := make(map[uint64]*models.Trade, len(trades))
	for i := range trades {
		tradeByRule[trades[i].RuleID] = &trades[i]
	}

	var wg sync.WaitGroup
	for _, rule := range rules {
		rule := rule
		wg.Add(1)
		go func() {
			defer wg.Done()
			var err error
			q, ok := quoteBySymbol[rule.SymbolKey()]
			if !ok {
				err = fmt.Errorf("quote for %s not found", rule.SymbolKey())
			} else {
				err = e.evaluate(ctx, rule, q, tradeByRule[rule.ID])
			}
			if err != nil {
				if e.Logger != nil {
					e.Logger.Error("rule evaluation failed",
						zap.String("rule", rule.Name), zap.Uint64("rule_id", rule.ID), zap.Error(err))
				}
				e.publish(ctx, notify.Event{
					Type: notify.EventEngineError, Rule: rule.Name, Symbol: rule.Symbol,
					Detail: err.Error(), At: e.now(),
				})
			}
		}()
	}
	wg.Wait()
	return nil
}

// evaluate runs one rule through the per-tick flow: reconcile the open
// trade against its latest order, then force-sell near the close, then
// entry pattern, then exit conditions, then the follow-price ratchet.
func (e *Engine) evaluate(ctx context.Context, rule *models.Rule, q quote.Quote, trade *models.Trade) error {
	user := rule.User
	if user == nil {
		return fmt.Errorf("user %d not loaded for rule %d", rule.UserID, rule.ID)
	}
	token, err := e.token(ctx, user)
	if err != nil {
		return err
	}

	dirty := false
	var lastOrder *broker.Order

	if trade != nil {
		lastOrderID := trade.LastOrderID()
		if lastOrderID == "" {
			return fmt.Errorf("trade %d has neither buy nor sell order id", trade.ID)
		}
		lastOrder = e.cachedOrder(rule.ID, lastOrderID)
		if lastOrder == nil {
			// Cache miss: refill the rule's tagged orders and ask for the
			// order directly.
			if orders := e.fetchRuleOrders(ctx, token, rule); orders != nil {
				e.mu.Lock()
				e.ruleOrders[rule.ID] = orders
				e.mu.Unlock()
			}
			lastOrder, err = e.Broker.GetOrder(ctx, lastOrderID, token)
			if err != nil {
				return fmt.Errorf("fetch order %s: %w", lastOrderID, err)
			}
		}
		if lastOrder == nil {
			return fmt.Errorf("order %s not found for trade %d", lastOrderID, trade.ID)
		}

		isSell := trade.SellOrderID != "" && lastOrderID == trade.SellOrderID

		switch {
		case lastOrder.Filled():
			price := lastOrder.AvgPrice()
			date := lastOrder.UpdatedAt
			if !isSell && trade.BuyPrice == nil {
				trade.BuyPrice = &price
				trade.BuyDate = &date
				trade.BoughtShares = lastOrder.FilledShares()
				trade.RiskValue = riskValueFrom(price, rule.RiskPercentage)
				trade.ProfitValue = profitValueFrom(price, rule.ProfitPercentage)
				dirty = true
				// A partially filled buy keeps what it got; the rest is
				// canceled.
				if trade.BoughtShares < rule.NumberOfShares {
					if err := e.cancelOrder(ctx, token, lastOrder, rule, "partial buy fill"); err != nil {
						return fmt.Errorf("cancel partial buy %s: %w", lastOrder.ID, err)
					}
				}
			} else if isSell {
				trade.SoldShares = lastOrder.FilledShares()
				dirty = true
				if trade.SoldShares < trade.BoughtShares {
					// Cancel the unfilled remainder; the leftover shares are
					// resold on a later tick.
					if err := e.cancelOrder(ctx, token, lastOrder, rule, "partial sell fill"); err != nil {
						return fmt.Errorf("cancel partial sell %s: %w", lastOrder.ID, err)
					}
				} else {
					trade.SellPrice = &price
					trade.SellDate = &date
					trade.Completed = true
					if trade.BuyPrice != nil && !trade.BuyPrice.IsZero() {
						gain, _ := price.Sub(*trade.BuyPrice).Div(*trade.BuyPrice).Mul(decimal.NewFromInt(100)).Float64()
						trade.GainPercent = &gain
					}
					if err := e.Repo.SaveTrade(ctx, trade); err != nil {
						return fmt.Errorf("save trade %d: %w", trade.ID, err)
					}
					trade = nil
					lastOrder = nil
					dirty = false
					if rule.DisableAfterSold || !rule.HasEntryStrategy() {
						rule.Enabled = false
						if err := e.Repo.SaveRule(ctx, rule); err != nil {
							return fmt.Errorf("save rule %d: %w", rule.ID, err)
						}
						return nil
					}
				}
			}
		case !lastOrder.Canceled():
			// Pending from a previous tick; cancel and fall through to the
			// canceled cleanup.
			if err := e.cancelOrder(ctx, token, lastOrder, rule, "pending order"); err != nil {
				return fmt.Errorf("cancel order %s: %w", lastOrder.ID, err)
			}
			fallthrough
		default:
			if !isSell {
				// A buy that never filled; the trade never happened.
				if err := e.Repo.DeleteTrade(ctx, trade.ID); err != nil {
					return fmt.Errorf("delete trade %d: %w", trade.ID, err)
				}
				trade = nil
				dirty = false
			} else {
				// A canceled sell reopens the holding state.
				trade.SellOrderID = ""
				trade.SellPrice = nil
				trade.SellDate = nil
				trade.Completed = false
				dirty = true
			}
		}
	}

	state := DeriveState(trade, lastOrder)

	shares := rule.NumberOfShares
	if trade != nil {
		if trade.SoldShares > 0 && trade.SoldShares < trade.BoughtShares {
			shares = trade.BoughtShares - trade.SoldShares
		} else if trade.BoughtShares > 0 {
			shares = trade.BoughtShares
		}
	}

	metadata := e.metadata(rule, user, q, trade)
	entry := pattern.Never()
	if rule.EntryPattern != nil {
		if entry, err = pattern.Compile(rule.EntryPattern.Query, metadata); err != nil {
			return fmt.Errorf("entry pattern %q: %w", rule.EntryPattern.Name, err)
		}
	}
	exit := pattern.Never()
	if rule.ExitPattern != nil {
		if exit, err = pattern.Compile(rule.ExitPattern.Query, metadata); err != nil {
			return fmt.Errorf("exit pattern %q: %w", rule.ExitPattern.Name, err)
		}
	}
	if entry.Empty() && exit.Empty() {
		return fmt.Errorf("rule %d has no strategy", rule.ID)
	}

	if e.Config.DebugTicks && e.Logger != nil {
		e.Logger.Debug("tick",
			zap.String("rule", rule.Name), zap.String("state", state.String()),
			zap.Float64("close", q.Close), zap.Int("shares", shares))
	}

	closePrice := decimal.NewFromFloat(q.Close)
	riskReached := trade != nil && trade.RiskValue.GreaterThan(closePrice)
	profitReached := trade != nil && trade.ProfitValue != nil && trade.ProfitValue.LessThan(closePrice)

	// Liquidation window: everything not held overnight goes out in the
	// final seconds of the session, and nothing else runs this tick.
	if e.Config.ManuallySellAll ||
		(!e.Config.OverrideMarketClose && e.secondsToClose() < e.sellAllWindow().Seconds() && !rule.HoldOvernight) {
		if state == StateHolding {
			label := rule.Name + "(Sell before market is closed)"
			if e.Config.ManuallySellAll {
				label = rule.Name + "(Manual sell)"
			}
			return e.placeOrder(ctx, rule, user, trade, q, broker.SideSell, shares, label)
		}
		if dirty && trade != nil {
			if err := e.Repo.SaveTrade(ctx, trade); err != nil {
				return fmt.Errorf("save trade %d: %w", trade.ID, err)
			}
		}
		return nil
	}

	switch {
	case state == StateNoTrade && entry.Test(metadata):
		return e.placeOrder(ctx, rule, user, trade, q, broker.SideBuy, rule.NumberOfShares, rule.Name)

	case state == StateHolding && (riskReached || profitReached || exit.Test(metadata)):
		label := rule.Name
		if riskReached {
			label += "(Risk reached)"
		} else if profitReached {
			label += "(Profit reached)"
		}
		return e.placeOrder(ctx, rule, user, trade, q, broker.SideSell, shares, label)

	case state == StateHolding && trade != nil && trade.BuyPrice != nil && rule.FollowPriceEnabled:
		if e.followPrice(rule, trade, q.Close) {
			dirty = true
		}
	}

	if dirty && trade != nil {
		if err := e.Repo.SaveTrade(ctx, trade); err != nil {
			return fmt.Errorf("save trade %d: %w", trade.ID, err)
		}
	}
	return nil
}

// followPrice drags the protective stop upward as the position gains. The
// risk value only ever raises.
func (e *Engine) followPrice(rule *models.Rule, trade *models.Trade, close float64) bool {
	buyPrice, _ := trade.BuyPrice.Float64()
	if buyPrice == 0 {
		return false
	}
	realizedGain := (close - buyPrice) / buyPrice * 100
	changed := false
	if !trade.TargetReached && rule.FollowTargetPercentage <= realizedGain {
		trade.TargetReached = true
		changed = true
	}

	price := decimal.NewFromFloat(close)
	if trade.TargetReached {
		// Tighter stop once the target has been reached.
		if next := riskValueFrom(price, rule.RiskPercentageAfterTarget); next.GreaterThan(trade.RiskValue) {
			trade.RiskValue = next
			changed = true
		}
	} else if realizedGain > rule.RiskPercentage/2 {
		// Gains cover half the configured risk; restate the stop from the
		// current price.
		if next := riskValueFrom(price, rule.RiskPercentage); next.GreaterThan(trade.RiskValue) {
			trade.RiskValue = next
			changed = true
		}
	}
	return changed
}

// placeOrder submits one limit order for the rule, guarded so a rule never
// has two placements in flight. Known broker rejections trigger
// compensating state transitions; everything else is retried next tick
// with no state mutation.
func (e *Engine) placeOrder(ctx context.Context, rule *models.Rule, user *models.User, trade *models.Trade, q quote.Quote, side string, shares int, label string) error {
	if !e.acquire(rule.ID) {
		return nil
	}
	defer e.release(rule.ID)

	token, err := e.token(ctx, user)
	if err != nil {
		return err
	}
	account, err := e.account(ctx, user)
	if err != nil {
		return err
	}

	limit := limitPrice(side, q.Close)
	req := broker.OrderRequest{
		Account:                account.URL,
		Instrument:             rule.InstrumentURL,
		Symbol:                 rule.Symbol,
		Side:                   side,
		Quantity:               shares,
		Price:                  limit.StringFixed(2),
		Type:                   "limit",
		TimeInForce:            "gtc",
		Trigger:                "immediate",
		RefID:                  OrderTag(rule.RefID).Encode(),
		OverrideDayTradeChecks: rule.OverrideDayTradeChecks,
	}
	order, err := e.Broker.PlaceOrder(ctx, token, req)
	if err != nil {
		return e.handlePlacementError(ctx, rule, trade, q, side, label, err)
	}

	if e.Logger != nil {
		e.Logger.Info("order placed",
			zap.String("rule", label), zap.String("side", side), zap.String("symbol", rule.Symbol),
			zap.Int("shares", shares), zap.String("price", req.Price), zap.String("order_id", order.ID))
	}
	e.publish(ctx, notify.Event{
		Type: notify.EventOrderPlaced, Rule: label, Symbol: rule.Symbol,
		Side: side, Price: req.Price, Shares: shares, At: e.now(),
	})

	if side == broker.SideBuy {
		if trade == nil {
			trade = &models.Trade{RuleID: rule.ID, UserID: user.ID}
		}
		trade.BuyOrderID = order.ID
	} else {
		if trade == nil {
			return fmt.Errorf("sell order %s placed with no trade for rule %d", order.ID, rule.ID)
		}
		trade.SellOrderID = order.ID
	}

	rule.LastOrderID = order.ID
	if err := e.Repo.SaveRule(ctx, rule); err != nil && e.Logger != nil {
		e.Logger.Warn("save rule failed", zap.Uint64("rule_id", rule.ID), zap.Error(err))
	}
	if trade.ID == 0 {
		if err := e.Repo.CreateTrade(ctx, trade); err != nil {
			return fmt.Errorf("create trade for rule %d: %w", rule.ID, err)
		}
		return nil
	}
	if err := e.Repo.SaveTrade(ctx, trade); err != nil {
		return fmt.Errorf("save trade %d: %w", trade.ID, err)
	}
	return nil
}

func (e *Engine) handlePlacementError(ctx context.Context, rule *models.Rule, trade *models.Trade, q quote.Quote, side, label string, placeErr error) error {
	var apiErr *broker.APIError
	if errors.As(placeErr, &apiErr) {
		switch {
		case apiErr.Is(broker.ErrNotEnoughShares):
			// The broker says there is nothing left to sell. If the local
			// position confirms that, close the books with the attempted
			// price; the sell happened outside our sight.
			if trade != nil && e.positionShares(rule) == 0 {
				if rule.DisableAfterSold || !rule.HasEntryStrategy() {
					rule.Enabled = false
					if err := e.Repo.SaveRule(ctx, rule); err != nil && e.Logger != nil {
						e.Logger.Warn("save rule failed", zap.Uint64("rule_id", rule.ID), zap.Error(err))
					}
				}
				now := e.now()
				price := decimal.NewFromFloat(q.Close)
				trade.SellOrderID = "not-captured"
				trade.SellPrice = &price
				trade.SellDate = &now
				trade.Completed = true
				if err := e.Repo.SaveTrade(ctx, trade); err != nil {
					return fmt.Errorf("save trade %d: %w", trade.ID, err)
				}
				return nil
			}
		case apiErr.Is(broker.ErrInstrumentNotTraded):
			rule.Enabled = false
			if err := e.Repo.SaveRule(ctx, rule); err != nil {
				return fmt.Errorf("save rule %d: %w", rule.ID, err)
			}
			return nil
		}
	}
	return fmt.Errorf("place %s order for %s: %w", side, label, placeErr)
}

// cancelOrder cancels a live order via its cancel handle. Already-canceled
// orders are a no-op.
func (e *Engine) cancelOrder(ctx context.Context, token string, order *broker.Order, rule *models.Rule, reason string) error {
	if order.Canceled() {
		return nil
	}
	if order.State == broker.StateFilled || order.CancelURL == nil || *order.CancelURL == "" {
		return fmt.Errorf("order %s is not cancelable", order.ID)
	}
	if err := e.Broker.CancelOrder(ctx, token, *order.CancelURL); err != nil {
		return err
	}
	if e.Logger != nil {
		e.Logger.Info("order canceled",
			zap.String("rule", rule.Name), zap.String("order_id", order.ID), zap.String("reason", reason))
	}
	e.publish(ctx, notify.Event{
		Type: notify.EventOrderCanceled, Rule: rule.Name, Symbol: rule.Symbol,
		Side: order.Side, Detail: reason, At: e.now(),
	})
	return nil
}

// metadata merges quote, rule and trade fields into the record patterns are
// compiled against and tested with.
func (e *Engine) metadata(rule *models.Rule, user *models.User, q quote.Quote, trade *models.Trade) map[string]any {
	m := q.Fields()
	m["name"] = rule.Name
	m["exchange"] = rule.Exchange
	m["numberOfShares"] = rule.NumberOfShares
	m["riskPercentage"] = rule.RiskPercentage
	if rule.ProfitPercentage != nil {
		m["profitPercentage"] = *rule.ProfitPercentage
	}
	m["holdOvernight"] = rule.HoldOvernight
	m["username"] = user.Username
	if trade != nil {
		m["riskValue"], _ = trade.RiskValue.Float64()
		if trade.ProfitValue != nil {
			m["profitValue"], _ = trade.ProfitValue.Float64()
		}
		if trade.BuyPrice != nil {
			m["buyPrice"], _ = trade.BuyPrice.Float64()
		}
		m["boughtShares"] = trade.BoughtShares
		m["targetReached"] = trade.TargetReached
	}
	return m
}

// Buy slightly above and sell slightly below market for an easier fill.
func limitPrice(side string, close float64) decimal.Decimal {
	price := decimal.NewFromFloat(close)
	if side == broker.SideBuy {
		return price.Mul(decimal.NewFromFloat(1.0001)).Round(2)
	}
	return price.Mul(decimal.NewFromFloat(0.9999)).Round(2)
}

func riskValueFrom(price decimal.Decimal, percentage float64) decimal.Decimal {
	return price.Sub(price.Mul(decimal.NewFromFloat(percentage / 100)))
}

func profitValueFrom(price decimal.Decimal, percentage *float64) *decimal.Decimal {
	if percentage == nil {
		return nil
	}
	v := price.Add(price.Mul(decimal.NewFromFloat(*percentage / 100)))
	return &v
}
