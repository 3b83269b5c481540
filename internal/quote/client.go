package quote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Quote is one symbol's snapshot for a single evaluation tick. Indicator
// values come precomputed from the feed; the engine never derives them.
type Quote struct {
	Symbol     string  `json:"symbol"`
	Close      float64 `json:"close"`
	Open       float64 `json:"open"`
	Volume     float64 `json:"volume"`
	RSI        float64 `json:"rsi"`
	MACD       float64 `json:"macd"`
	MACDSignal float64 `json:"macd_signal"`
	EMA        float64 `json:"ema"`
}

// Fields returns the quote as a flat record for pattern evaluation.
func (q Quote) Fields() map[string]any {
	return map[string]any{
		"symbol":     q.Symbol,
		"close":      q.Close,
		"open":       q.Open,
		"volume":     q.Volume,
		"rsi":        q.RSI,
		"macd":       q.MACD,
		"macdSignal": q.MACDSignal,
		"ema":        q.EMA,
	}
}

// Client fetches batched quotes from the scan endpoint. The feed refreshes
// its data roughly every 10 seconds; one POST covers every symbol the engine
// needs for a tick.
type Client struct {
	httpClient *http.Client
	host       string
	region     string
}

func NewClient(httpClient *http.Client, host, region string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if region == "" {
		region = "america"
	}
	return &Client{
		httpClient: httpClient,
		host:       strings.TrimRight(strings.TrimSpace(host), "/"),
		region:     region,
	}
}

// scanColumns is the fixed column order requested from the feed; scanRow.D
// is positionally aligned with it.
var scanColumns = []string{"close", "open", "volume", "RSI|1", "MACD.macd", "MACD.signal", "EMA20"}

type scanRequest struct {
	Symbols scanSymbols `json:"symbols"`
	Columns []string    `json:"columns"`
}

type scanSymbols struct {
	Tickers []string `json:"tickers"`
}

type scanResponse struct {
	Data []scanRow `json:"data"`
}

type scanRow struct {
	S string    `json:"s"`
	D []float64 `json:"d"`
}

// GetQuotes fetches quotes for symbol keys of the form "EXCHANGE:SYMBOL".
func (c *Client) GetQuotes(ctx context.Context, symbols ...string) ([]Quote, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	payload := scanRequest{
		Symbols: scanSymbols{Tickers: symbols},
		Columns: scanColumns,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	fullURL := c.host + "/" + c.region + "/scan"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fullURL, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("quote scan failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("quote scan status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var scan scanResponse
	if err := json.Unmarshal(body, &scan); err != nil {
		return nil, err
	}
	quotes := make([]Quote, 0, len(scan.Data))
	for _, row := range scan.Data {
		quotes = append(quotes, rowToQuote(row))
	}
	return quotes, nil
}

// GetQuote fetches a single symbol key.
func (c *Client) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	quotes, err := c.GetQuotes(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if len(quotes) == 0 {
		return nil, fmt.Errorf("no quote returned for %s", symbol)
	}
	return &quotes[0], nil
}

func rowToQuote(row scanRow) Quote {
	q := Quote{Symbol: row.S}
	get := func(i int) float64 {
		if i < len(row.D) {
			return row.D[i]
		}
		return 0
	}
	q.Close = get(0)
	q.Open = get(1)
	q.Volume = get(2)
	q.RSI = get(3)
	q.MACD = get(4)
	q.MACDSignal = get(5)
	q.EMA = get(6)
	return q
}
