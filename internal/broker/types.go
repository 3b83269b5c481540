package broker

import (
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Order states reported by the broker.
const (
	StateConfirmed       = "confirmed"
	StatePartiallyFilled = "partially_filled"
	StateFilled          = "filled"
	StateCanceled        = "canceled"
)

const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Order is the broker's order resource. Numeric fields arrive as strings on
// the wire and are exposed through typed accessors.
type Order struct {
	ID                 string    `json:"id"`
	Side               string    `json:"side"`
	State              string    `json:"state"`
	Symbol             string    `json:"symbol,omitempty"`
	Price              string    `json:"price"`
	Quantity           string    `json:"quantity"`
	AveragePrice       string    `json:"average_price"`
	CumulativeQuantity string    `json:"cumulative_quantity"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	// CancelURL is nil once the order can no longer be canceled.
	CancelURL     *string `json:"cancel"`
	RefID         string  `json:"ref_id"`
	InstrumentURL string  `json:"instrument"`
}

// Filled reports whether any shares have executed.
func (o Order) Filled() bool {
	return o.State == StateFilled || o.State == StatePartiallyFilled
}

func (o Order) Canceled() bool {
	// Some broker deployments spell it with a double l.
	return o.State == StateCanceled || o.State == "cancelled"
}

func (o Order) AvgPrice() decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(o.AveragePrice))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (o Order) FilledShares() int {
	f, err := strconv.ParseFloat(strings.TrimSpace(o.CumulativeQuantity), 64)
	if err != nil {
		return 0
	}
	return int(f)
}

// OrderRequest is the order placement payload.
type OrderRequest struct {
	Account                string `json:"account"`
	Instrument             string `json:"instrument"`
	Symbol                 string `json:"symbol"`
	Side                   string `json:"side"`
	Quantity               int    `json:"quantity"`
	Price                  string `json:"price"`
	Type                   string `json:"type"`
	TimeInForce            string `json:"time_in_force"`
	Trigger                string `json:"trigger"`
	RefID                  string `json:"ref_id"`
	OverrideDayTradeChecks bool   `json:"override_day_trade_checks"`
}

type Account struct {
	AccountNumber string `json:"account_number"`
	URL           string `json:"url"`
	Cash          string `json:"cash"`
	BuyingPower   string `json:"buying_power"`
	MarginBalance string `json:"margin_balance,omitempty"`
}

type Position struct {
	InstrumentID    string `json:"instrument_id"`
	InstrumentURL   string `json:"instrument"`
	Quantity        string `json:"quantity"`
	AverageBuyPrice string `json:"average_buy_price"`
}

func (p Position) Shares() int {
	f, err := strconv.ParseFloat(strings.TrimSpace(p.Quantity), 64)
	if err != nil {
		return 0
	}
	return int(f)
}

type Instrument struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	Symbol      string `json:"symbol"`
	Market      string `json:"market"`
	Tradability string `json:"tradability"`
}

// MarketHours is one trading day's session bounds. Times are nil on
// non-trading days.
type MarketHours struct {
	Date             string     `json:"date"`
	IsOpenToday      bool       `json:"is_open"`
	OpensAt          *time.Time `json:"opens_at"`
	ClosesAt         *time.Time `json:"closes_at"`
	ExtendedOpensAt  *time.Time `json:"extended_opens_at"`
	ExtendedClosesAt *time.Time `json:"extended_closes_at"`
}

type Credentials struct {
	Username string
	Password string
	ClientID string
}
