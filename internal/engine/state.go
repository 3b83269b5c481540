package engine

import (
	"stockpilot/internal/broker"
	"stockpilot/internal/models"
)

// State is the position state of one rule, re-derived every tick from the
// open trade record and the live status of its most recent order. Nothing
// backs it in storage.
type State int

const (
	StateNoTrade State = iota
	StateAwaitingBuyFill
	StateHolding
	StateAwaitingSellFill
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNoTrade:
		return "no_trade"
	case StateAwaitingBuyFill:
		return "awaiting_buy_fill"
	case StateHolding:
		return "holding"
	case StateAwaitingSellFill:
		return "awaiting_sell_fill"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// DeriveState infers the rule's position state. A partially sold trade
// counts as holding the remainder, so the leftover shares get resold.
func DeriveState(trade *models.Trade, lastOrder *broker.Order) State {
	if trade == nil {
		return StateNoTrade
	}
	if trade.Completed {
		return StateClosed
	}
	if trade.SoldShares > 0 && trade.SoldShares < trade.BoughtShares {
		return StateHolding
	}
	if trade.SellOrderID != "" {
		if lastOrder != nil && lastOrder.ID == trade.SellOrderID && lastOrder.State == broker.StateFilled {
			return StateClosed
		}
		return StateAwaitingSellFill
	}
	if trade.BuyPrice != nil {
		return StateHolding
	}
	return StateAwaitingBuyFill
}
