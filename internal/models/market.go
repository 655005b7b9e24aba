// Package models defines the core domain entities: markets, subscriptions,
// watermarks, alert events and the error taxonomy shared across packages.
package models

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// MarketStatus is the trading status of a market as reported upstream.
type MarketStatus string

const (
	MarketActive  MarketStatus = "active"
	MarketClosed  MarketStatus = "closed"
	MarketUnknown MarketStatus = "unknown"
)

// Market is a single Polymarket market as seen in one poll.
// Only Liquidity and Status change between polls.
type Market struct {
	ID            string          `json:"id"`
	Question      string          `json:"question"`
	Slug          string          `json:"slug"`
	Description   string          `json:"description,omitempty"`
	Liquidity     decimal.Decimal `json:"liquidity"`
	Status        MarketStatus    `json:"status"`
	Outcomes      []string        `json:"outcomes,omitempty"`
	OutcomePrices []string        `json:"outcome_prices,omitempty"`
	EndDate       time.Time       `json:"end_date,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// IsActive reports whether the market is open for trading.
func (m *Market) IsActive() bool {
	return m.Status == MarketActive
}

// URL returns the public market page.
func (m *Market) URL() string {
	if m.Slug == "" {
		return ""
	}
	return "https://polymarket.com/market/" + m.Slug
}

// Validate checks market field constraints.
func (m *Market) Validate() error {
	if m.ID == "" {
		return errors.New("market ID must not be empty")
	}
	if m.Liquidity.IsNegative() {
		return errors.New("liquidity must not be negative")
	}
	switch m.Status {
	case MarketActive, MarketClosed, MarketUnknown:
	default:
		return errors.New("market status must be active, closed or unknown")
	}
	return nil
}
