package order

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

// Credentials authenticate against the trading API.
type Credentials struct {
	APIKey     string
	Secret     string
	Passphrase string
}

// TraderError is a non-2xx response from the trading API.
type TraderError struct {
	StatusCode int
	Body       string
}

func (e *TraderError) Error() string {
	return fmt.Sprintf("trading api error %d: %s", e.StatusCode, e.Body)
}

// HTTPTrader posts orders as JSON to {apiURL}/orders.
type HTTPTrader struct {
	apiURL     string
	creds      Credentials
	httpClient *http.Client
}

// NewHTTPTrader creates an HTTPTrader.
func NewHTTPTrader(apiURL string, creds Credentials, timeout time.Duration) *HTTPTrader {
	return &HTTPTrader{
		apiURL:     strings.TrimRight(apiURL, "/"),
		creds:      creds,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type orderResponse struct {
	OrderID string `json:"orderID"`
	ID      string `json:"id"`
}

// PlaceOrder submits req and returns the venue's order ID.
func (t *HTTPTrader) PlaceOrder(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal order: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.apiURL+"/orders", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("API-KEY", t.creds.APIKey)
	httpReq.Header.Set("API-SECRET", t.creds.Secret)
	httpReq.Header.Set("API-PASSPHRASE", t.creds.Passphrase)

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("send order: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read order response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &TraderError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var out orderResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode order response: %w", err)
	}
	if out.OrderID != "" {
		return out.OrderID, nil
	}
	if out.ID != "" {
		return out.ID, nil
	}
	return "", fmt.Errorf("order response carries no order ID")
}
