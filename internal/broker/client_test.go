package broker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

func TestAuthenticate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/oauth2/token/" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "password" || r.PostForm.Get("username") != "trader" {
			t.Errorf("unexpected form: %v", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token": "abc123", "token_type": "Bearer"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL)
	token, err := c.Authenticate(context.Background(), Credentials{Username: "trader", Password: "pw", ClientID: "cid"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if token != "Bearer abc123" {
		t.Fatalf("got token %q", token)
	}
}

func TestAuthenticateRejectsEmptyToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL)
	if _, err := c.Authenticate(context.Background(), Credentials{}); err == nil {
		t.Fatalf("expected error for empty access token")
	}
}

func TestGetAccountUsesFirstResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer abc123" {
			t.Errorf("missing auth header, got %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"results": [
			{"account_number": "A1", "url": "https://broker/accounts/A1/"},
			{"account_number": "A2", "url": "https://broker/accounts/A2/"}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL)
	account, err := c.GetAccount(context.Background(), "Bearer abc123")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if account.AccountNumber != "A1" {
		t.Fatalf("expected first account, got %+v", account)
	}
}

func TestGetOrdersForwardsFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("updated_at[gte]"); got != "2026-08-01" {
			t.Errorf("filter not forwarded, got %q", got)
		}
		w.Write([]byte(`{"results": [{"id": "o1", "side": "buy", "state": "filled"}]}`))
	}))
	defer srv.Close()

	filter := url.Values{}
	filter.Set("updated_at[gte]", "2026-08-01")
	c := NewClient(srv.Client(), srv.URL)
	orders, err := c.GetOrders(context.Background(), "Bearer x", filter)
	if err != nil {
		t.Fatalf("get orders: %v", err)
	}
	if len(orders) != 1 || orders[0].ID != "o1" || !orders[0].Filled() {
		t.Fatalf("unexpected orders: %+v", orders)
	}
}

func TestPlaceOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/orders/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("missing json content type")
		}
		w.Write([]byte(`{"id": "o1", "state": "confirmed", "cancel": "https://broker/orders/o1/cancel/"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL)
	order, err := c.PlaceOrder(context.Background(), "Bearer x", OrderRequest{Symbol: "AAPL", Side: SideBuy, Quantity: 5, Price: "10.00"})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if order.ID != "o1" || order.CancelURL == nil {
		t.Fatalf("unexpected order: %+v", order)
	}
}

func TestAPIErrorClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail": "Not enough shares to sell."}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL)
	_, err := c.PlaceOrder(context.Background(), "Bearer x", OrderRequest{})
	if err == nil {
		t.Fatalf("expected rejection")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Status != http.StatusBadRequest || !apiErr.Is(ErrNotEnoughShares) {
		t.Fatalf("misclassified: %+v", apiErr)
	}
	if apiErr.Is(ErrInstrumentNotTraded) {
		t.Fatalf("matched the wrong message")
	}
}

func TestIsThrottled(t *testing.T) {
	err := &APIError{Status: 429, Body: `{"detail": "Request was throttled."}`}
	if !IsThrottled(err) {
		t.Fatalf("throttle rejection not recognized")
	}
	if IsThrottled(&APIError{Status: 400, Body: "bad request"}) || IsThrottled(nil) {
		t.Fatalf("false positive")
	}
}

func TestCancelOrderHitsAbsoluteURL(t *testing.T) {
	var hit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		if r.URL.Path != "/orders/o1/cancel/" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), "https://unused.example")
	if err := c.CancelOrder(context.Background(), "Bearer x", srv.URL+"/orders/o1/cancel/"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !hit {
		t.Fatalf("cancel handle was not called")
	}
}

func TestGetInstrumentBySymbol(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("symbol"); got != "AAPL" {
			t.Errorf("symbol not uppercased, got %q", got)
		}
		w.Write([]byte(`{"results": [{"id": "inst-1", "url": "https://broker/instruments/inst-1/", "symbol": "AAPL"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL)
	instrument, err := c.GetInstrumentBySymbol(context.Background(), " aapl ")
	if err != nil {
		t.Fatalf("get instrument: %v", err)
	}
	if instrument.ID != "inst-1" {
		t.Fatalf("unexpected instrument: %+v", instrument)
	}
}

func TestGetMarketHours(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets/XNAS/hours/2026-08-28/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Write([]byte(`{
			"is_open": true,
			"opens_at": "2026-08-28T13:30:00Z",
			"closes_at": "2026-08-28T20:00:00Z"
		}`))
	}))
	defer srv.Close()

	c := NewClient(srv.Client(), srv.URL)
	date := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	hours, err := c.GetMarketHours(context.Background(), "XNAS", date)
	if err != nil {
		t.Fatalf("get market hours: %v", err)
	}
	if !hours.IsOpenToday || hours.ClosesAt == nil {
		t.Fatalf("unexpected hours: %+v", hours)
	}
}
