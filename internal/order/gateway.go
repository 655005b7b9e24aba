// Package order forwards validated order requests to an external trading API.
// Signing and execution belong to the trading API; the gateway only checks
// that an order is well formed and targets a known, open market.
package order

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rewired-gh/polyalert/internal/logger"
	"github.com/rewired-gh/polyalert/internal/metrics"
	"github.com/rewired-gh/polyalert/internal/models"
	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Type is the execution style of an order.
type Type string

const (
	Market Type = "market"
	Limit  Type = "limit"
)

// Request is an order as submitted by a user. Price is required for limit
// orders and is a probability in [0, 1].
type Request struct {
	UserID   string          `json:"user_id,omitempty"`
	MarketID string          `json:"market_id"`
	TokenID  string          `json:"token_id,omitempty"`
	Outcome  string          `json:"outcome"`
	Side     Side            `json:"side"`
	Type     Type            `json:"type"`
	Amount   decimal.Decimal `json:"amount"`
	Price    decimal.Decimal `json:"price"`
}

// Validate checks the shape of the request.
func (r Request) Validate() error {
	if strings.TrimSpace(r.MarketID) == "" {
		return fmt.Errorf("%w: market ID is required", models.ErrInvalidOrder)
	}
	if strings.TrimSpace(r.Outcome) == "" {
		return fmt.Errorf("%w: outcome is required", models.ErrInvalidOrder)
	}
	if r.Side != Buy && r.Side != Sell {
		return fmt.Errorf("%w: side must be BUY or SELL, got %q", models.ErrInvalidOrder, r.Side)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", models.ErrInvalidOrder)
	}
	switch r.Type {
	case Market:
	case Limit:
		if r.Price.IsNegative() || r.Price.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%w: limit price must be between 0 and 1, got %s", models.ErrInvalidOrder, r.Price)
		}
	default:
		return fmt.Errorf("%w: type must be market or limit, got %q", models.ErrInvalidOrder, r.Type)
	}
	return nil
}

// Trader places orders on the trading venue.
type Trader interface {
	PlaceOrder(ctx context.Context, req Request) (string, error)
}

// MarketLookup resolves a market by ID.
type MarketLookup interface {
	FetchMarket(ctx context.Context, id string) (models.Market, error)
}

// Gateway validates orders and hands them to a Trader.
type Gateway struct {
	markets MarketLookup
	trader  Trader
	metrics *metrics.Registry
}

// NewGateway creates a Gateway.
func NewGateway(markets MarketLookup, trader Trader, m *metrics.Registry) *Gateway {
	return &Gateway{markets: markets, trader: trader, metrics: m}
}

// SubmitOrder validates req, checks that its market exists and is open, then
// forwards it unchanged. The trader's order ID and error are returned as is.
func (g *Gateway) SubmitOrder(ctx context.Context, req Request) (string, error) {
	if err := req.Validate(); err != nil {
		g.metrics.RecordOrder("rejected")
		return "", err
	}

	m, err := g.markets.FetchMarket(ctx, req.MarketID)
	if err != nil {
		if errors.Is(err, models.ErrUnknownMarket) {
			g.metrics.RecordOrder("rejected")
		} else {
			g.metrics.RecordOrder("error")
		}
		return "", err
	}
	if m.Status != models.MarketActive {
		g.metrics.RecordOrder("rejected")
		return "", fmt.Errorf("%w: %s", models.ErrMarketClosed, req.MarketID)
	}

	orderID, err := g.trader.PlaceOrder(ctx, req)
	if err != nil {
		g.metrics.RecordOrder("error")
		logger.Warn("Order on market %s failed: %v", req.MarketID, err)
		return orderID, err
	}
	g.metrics.RecordOrder("placed")
	logger.Info("Placed %s %s order %s on market %s for %s", req.Type, req.Side, orderID, req.MarketID, req.Amount)
	return orderID, nil
}
