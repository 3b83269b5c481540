package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Webhook posts events as JSON to a chat webhook endpoint.
type Webhook struct {
	URL    string
	Token  string
	HTTP   *http.Client
	Logger *zap.Logger
}

func (w *Webhook) Publish(ctx context.Context, event Event) {
	if w == nil || strings.TrimSpace(w.URL) == "" {
		return
	}
	body, err := json.Marshal(event)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if w.Token != "" {
		req.Header.Set("Authorization", "Bearer "+w.Token)
	}
	resp, err := w.httpClient().Do(req)
	if err != nil {
		if w.Logger != nil {
			w.Logger.Warn("webhook delivery failed", zap.String("type", event.Type), zap.Error(err))
		}
		return
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if w.Logger != nil {
			w.Logger.Warn("webhook delivery rejected", zap.String("type", event.Type), zap.Int("status", resp.StatusCode))
		}
	}
}

func (w *Webhook) httpClient() *http.Client {
	if w.HTTP != nil {
		return w.HTTP
	}
	return http.DefaultClient
}
