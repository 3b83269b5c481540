package engine

import (
	"testing"

	"stockpilot/internal/broker"
	"stockpilot/internal/models"
)

func TestDeriveState(t *testing.T) {
	tests := []struct {
		name  string
		trade *models.Trade
		order *broker.Order
		want  State
	}{
		{"no trade", nil, nil, StateNoTrade},
		{"completed", &models.Trade{Completed: true}, nil, StateClosed},
		{"awaiting buy fill", &models.Trade{BuyOrderID: "b1"}, nil, StateAwaitingBuyFill},
		{"holding", &models.Trade{BuyOrderID: "b1", BuyPrice: decPtr(100), BoughtShares: 10}, nil, StateHolding},
		{
			"awaiting sell fill",
			&models.Trade{BuyOrderID: "b1", BuyPrice: decPtr(100), BoughtShares: 10, SellOrderID: "s1"},
			&broker.Order{ID: "s1", State: broker.StateConfirmed},
			StateAwaitingSellFill,
		},
		{
			"sell filled",
			&models.Trade{BuyOrderID: "b1", BuyPrice: decPtr(100), BoughtShares: 10, SellOrderID: "s1"},
			&broker.Order{ID: "s1", State: broker.StateFilled},
			StateClosed,
		},
		{
			"partial sell holds the remainder",
			&models.Trade{BuyOrderID: "b1", BuyPrice: decPtr(100), BoughtShares: 10, SoldShares: 4, SellOrderID: "s1"},
			&broker.Order{ID: "s1", State: broker.StateFilled},
			StateHolding,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := DeriveState(tc.trade, tc.order); got != tc.want {
				t.Fatalf("got %s, want %s", got, tc.want)
			}
		})
	}
}
