// Package polymarket provides a read-only client for the Polymarket Gamma API.
package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/polyalert/internal/logger"
	"github.com/rewired-gh/polyalert/internal/models"
	"github.com/shopspring/decimal"
)

// maxIDsPerRequest bounds the query string of FetchMarketsByID.
const maxIDsPerRequest = 50

// Client provides access to the Polymarket Gamma API. It holds no mutable
// state and is safe for concurrent use. It never retries; callers own the
// retry policy.
type Client struct {
	gammaAPIURL string
	limit       int
	httpClient  *http.Client
}

// ClientConfig holds HTTP transport tuning.
type ClientConfig struct {
	Limit               int
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
}

// APIError is a non-2xx response from the Gamma API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gamma api error %d: %s", e.StatusCode, e.Body)
}

// gammaMarket is the wire shape of a Gamma market. Several list fields are
// JSON documents encoded as strings.
type gammaMarket struct {
	ID            string           `json:"id"`
	Question      string           `json:"question"`
	Slug          string           `json:"slug"`
	Description   string           `json:"description"`
	Active        bool             `json:"active"`
	Closed        bool             `json:"closed"`
	Liquidity     string           `json:"liquidity"`
	LiquidityNum  *decimal.Decimal `json:"liquidityNum"`
	Outcomes      string           `json:"outcomes"`      // "[\"Yes\", \"No\"]"
	OutcomePrices string           `json:"outcomePrices"` // "[\"0.75\", \"0.25\"]"
	EndDate       string           `json:"endDate"`
	StartDate     string           `json:"startDate"`
	CreatedAt     string           `json:"createdAt"`
}

// NewClient creates a new Gamma API client.
func NewClient(gammaAPIURL string, timeout time.Duration, cfg ClientConfig) *Client {
	if cfg.Limit <= 0 {
		cfg.Limit = 50
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 100
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = 10
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = 90 * time.Second
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
	}

	return &Client{
		gammaAPIURL: strings.TrimRight(gammaAPIURL, "/"),
		limit:       cfg.Limit,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}
}

// FetchMarkets returns the newest active markets, newest first.
func (c *Client) FetchMarkets(ctx context.Context) ([]models.Market, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(c.limit))
	q.Set("active", "true")
	q.Set("archived", "false")
	q.Set("closed", "false")
	q.Set("order", "startDate")
	q.Set("ascending", "false")

	var raw []gammaMarket
	if err := c.get(ctx, "/markets", q, &raw); err != nil {
		return nil, err
	}
	return convertMarkets(raw), nil
}

// FetchMarketsByID returns the current state of the given markets, including
// closed ones. IDs unknown upstream are absent from the result.
func (c *Client) FetchMarketsByID(ctx context.Context, ids []string) ([]models.Market, error) {
	var markets []models.Market
	for start := 0; start < len(ids); start += maxIDsPerRequest {
		end := min(start+maxIDsPerRequest, len(ids))

		q := url.Values{}
		for _, id := range ids[start:end] {
			q.Add("id", id)
		}
		q.Set("limit", strconv.Itoa(end-start))

		var raw []gammaMarket
		if err := c.get(ctx, "/markets", q, &raw); err != nil {
			return nil, err
		}
		markets = append(markets, convertMarkets(raw)...)
	}
	return markets, nil
}

// FetchMarket looks up a single market. A 404 maps to models.ErrUnknownMarket.
func (c *Client) FetchMarket(ctx context.Context, id string) (models.Market, error) {
	var raw gammaMarket
	err := c.get(ctx, "/markets/"+url.PathEscape(id), nil, &raw)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusUnprocessableEntity) {
		return models.Market{}, fmt.Errorf("%w: %s", models.ErrUnknownMarket, id)
	}
	if err != nil {
		return models.Market{}, err
	}
	if raw.ID == "" {
		return models.Market{}, fmt.Errorf("%w: %s", models.ErrUnknownMarket, id)
	}
	return convertMarket(raw)
}

// get performs a GET request and decodes the JSON body into result.
func (c *Client) get(ctx context.Context, path string, query url.Values, result any) error {
	fullURL := c.gammaAPIURL + path
	if len(query) > 0 {
		fullURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %w", models.ErrUpstreamUnavailable, err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: %w", models.ErrUpstreamUnavailable, &APIError{
			StatusCode: resp.StatusCode,
			Body:       truncate(string(body), 256),
		})
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("%w: decode %s: %w", models.ErrUpstreamMalformed, path, err)
	}
	return nil
}

// convertMarkets skips and logs entries that fail conversion.
func convertMarkets(raw []gammaMarket) []models.Market {
	markets := make([]models.Market, 0, len(raw))
	for _, gm := range raw {
		m, err := convertMarket(gm)
		if err != nil {
			logger.Warn("Skipping market: %v", err)
			continue
		}
		markets = append(markets, m)
	}
	return markets
}

func convertMarket(gm gammaMarket) (models.Market, error) {
	if gm.ID == "" {
		return models.Market{}, fmt.Errorf("%w: market without id", models.ErrUpstreamMalformed)
	}

	liquidity, err := parseLiquidity(gm)
	if err != nil {
		return models.Market{}, fmt.Errorf("%w: market %s liquidity: %w", models.ErrUpstreamMalformed, gm.ID, err)
	}

	m := models.Market{
		ID:          gm.ID,
		Question:    gm.Question,
		Slug:        gm.Slug,
		Description: gm.Description,
		Liquidity:   liquidity,
		Status:      marketStatus(gm),
		EndDate:     parseTime(gm.EndDate),
		CreatedAt:   parseTime(gm.StartDate),
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = parseTime(gm.CreatedAt)
	}

	// Outcome lists are decorative; a bad encoding only drops them.
	if gm.Outcomes != "" && gm.OutcomePrices != "" {
		var outcomes, prices []string
		if json.Unmarshal([]byte(gm.Outcomes), &outcomes) == nil &&
			json.Unmarshal([]byte(gm.OutcomePrices), &prices) == nil {
			m.Outcomes = outcomes
			m.OutcomePrices = prices
		}
	}

	if err := m.Validate(); err != nil {
		return models.Market{}, fmt.Errorf("%w: %w", models.ErrUpstreamMalformed, err)
	}
	return m, nil
}

func parseLiquidity(gm gammaMarket) (decimal.Decimal, error) {
	if gm.LiquidityNum != nil {
		return *gm.LiquidityNum, nil
	}
	if gm.Liquidity == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(gm.Liquidity)
}

func marketStatus(gm gammaMarket) models.MarketStatus {
	switch {
	case gm.Closed:
		return models.MarketClosed
	case gm.Active:
		return models.MarketActive
	default:
		return models.MarketUnknown
	}
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05Z07", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
