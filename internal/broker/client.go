package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the brokerage REST API. Auth tokens are per-user and
// passed explicitly; the client itself is stateless and safe for concurrent
// use.
type Client struct {
	httpClient *http.Client
	host       string
}

func NewClient(httpClient *http.Client, host string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		host:       strings.TrimRight(strings.TrimSpace(host), "/"),
	}
}

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker api status %d: %s", e.Status, e.Body)
}

// Is reports whether the broker rejection matches a known error message,
// e.g. "Not enough shares to sell" or "Instrument cannot be traded".
func (e *APIError) Is(message string) bool {
	return strings.Contains(strings.ToLower(e.Body), strings.ToLower(message))
}

const (
	ErrNotEnoughShares     = "not enough shares to sell"
	ErrInstrumentNotTraded = "instrument cannot be traded"
	ErrRequestThrottled    = "request was throttled"
)

// IsThrottled reports whether err is a broker rate-limit rejection.
func IsThrottled(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Is(ErrRequestThrottled)
}

type resultsEnvelope[T any] struct {
	Results []T `json:"results"`
}

// Authenticate exchanges credentials for a bearer token ("Bearer xxx"),
// ready for the Authorization header.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (string, error) {
	form := url.Values{}
	form.Set("username", creds.Username)
	form.Set("password", creds.Password)
	form.Set("client_id", creds.ClientID)
	form.Set("grant_type", "password")
	form.Set("scope", "internal")

	body, err := c.doForm(ctx, http.MethodPost, "/oauth2/token/", form)
	if err != nil {
		return "", err
	}
	var resp struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("empty access token in auth response")
	}
	return resp.TokenType + " " + resp.AccessToken, nil
}

// GetAccount returns the user's primary brokerage account. The broker
// supports multiple accounts per user; only the first is used.
func (c *Client) GetAccount(ctx context.Context, token string) (*Account, error) {
	body, err := c.doJSON(ctx, http.MethodGet, "/accounts/", nil, nil, token)
	if err != nil {
		return nil, err
	}
	var env resultsEnvelope[Account]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	if len(env.Results) == 0 {
		return nil, fmt.Errorf("no brokerage account in response")
	}
	return &env.Results[0], nil
}

// GetPositions returns all nonzero positions for the account.
func (c *Client) GetPositions(ctx context.Context, token string) ([]Position, error) {
	query := url.Values{}
	query.Set("nonzero", "true")
	body, err := c.doJSON(ctx, http.MethodGet, "/positions/", query, nil, token)
	if err != nil {
		return nil, err
	}
	var env resultsEnvelope[Position]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	return env.Results, nil
}

// GetOrders lists recent orders, optionally filtered (e.g. updated_at[gte]).
func (c *Client) GetOrders(ctx context.Context, token string, filter url.Values) ([]Order, error) {
	body, err := c.doJSON(ctx, http.MethodGet, "/orders/", filter, nil, token)
	if err != nil {
		return nil, err
	}
	var env resultsEnvelope[Order]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	return env.Results, nil
}

func (c *Client) GetOrder(ctx context.Context, id, token string) (*Order, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("order id is required")
	}
	body, err := c.doJSON(ctx, http.MethodGet, "/orders/"+url.PathEscape(id)+"/", nil, nil, token)
	if err != nil {
		return nil, err
	}
	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *Client) PlaceOrder(ctx context.Context, token string, req OrderRequest) (*Order, error) {
	body, err := c.doJSON(ctx, http.MethodPost, "/orders/", nil, req, token)
	if err != nil {
		return nil, err
	}
	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, err
	}
	if order.ID == "" {
		return nil, fmt.Errorf("order id missing in response")
	}
	return &order, nil
}

// CancelOrder posts to the order's cancel handle, an absolute URL returned
// by the broker on the order resource.
func (c *Client) CancelOrder(ctx context.Context, token, cancelURL string) error {
	cancelURL = strings.TrimSpace(cancelURL)
	if cancelURL == "" {
		return fmt.Errorf("cancel url is required")
	}
	_, err := c.doRaw(ctx, http.MethodPost, cancelURL, nil, token, "application/json")
	return err
}

// GetInstrumentBySymbol resolves the broker's instrument record for a
// symbol. No auth required.
func (c *Client) GetInstrumentBySymbol(ctx context.Context, symbol string) (*Instrument, error) {
	query := url.Values{}
	query.Set("symbol", strings.ToUpper(strings.TrimSpace(symbol)))
	body, err := c.doJSON(ctx, http.MethodGet, "/instruments/", query, nil, "")
	if err != nil {
		return nil, err
	}
	var env resultsEnvelope[Instrument]
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	if len(env.Results) == 0 {
		return nil, fmt.Errorf("instrument not found for symbol %s", symbol)
	}
	return &env.Results[0], nil
}

// GetMarketHours fetches the session bounds for one market and date
// (YYYY-MM-DD).
func (c *Client) GetMarketHours(ctx context.Context, mic string, date time.Time) (*MarketHours, error) {
	path := "/markets/" + url.PathEscape(mic) + "/hours/" + date.Format("2006-01-02") + "/"
	body, err := c.doJSON(ctx, http.MethodGet, path, nil, nil, "")
	if err != nil {
		return nil, err
	}
	var hours MarketHours
	if err := json.Unmarshal(body, &hours); err != nil {
		return nil, err
	}
	return &hours, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, query url.Values, payload any, token string) ([]byte, error) {
	if c == nil || c.httpClient == nil {
		return nil, fmt.Errorf("client is nil")
	}
	fullURL := c.host + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, token)
}

func (c *Client) doForm(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.host+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.send(req, "")
}

// doRaw hits an absolute URL (cancel handles point outside the configured
// host path layout).
func (c *Client) doRaw(ctx context.Context, method, fullURL string, body io.Reader, token, contentType string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.send(req, token)
}

func (c *Client) send(req *http.Request, token string) ([]byte, error) {
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}
