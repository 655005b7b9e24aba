package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionKind selects which polling domain a subscription belongs to.
type SubscriptionKind string

const (
	KindNewMarket          SubscriptionKind = "new_market"
	KindLiquidityThreshold SubscriptionKind = "liquidity_threshold"
)

// ParseKind converts user input into a SubscriptionKind.
func ParseKind(s string) (SubscriptionKind, error) {
	switch SubscriptionKind(strings.ToLower(strings.TrimSpace(s))) {
	case KindNewMarket:
		return KindNewMarket, nil
	case KindLiquidityThreshold:
		return KindLiquidityThreshold, nil
	}
	return "", fmt.Errorf("%w: unknown subscription kind %q", ErrInvalidSubscriptionRequest, s)
}

// Messaging channels with a built-in sink.
const (
	ChannelTelegram = "telegram"
	ChannelDiscord  = "discord"
)

// SubscriptionKey uniquely identifies a subscription.
// MarketID is empty for new-market subscriptions.
type SubscriptionKey struct {
	UserID   string           `json:"user_id"`
	Channel  string           `json:"channel"`
	Kind     SubscriptionKind `json:"kind"`
	MarketID string           `json:"market_id,omitempty"`
}

func (k SubscriptionKey) String() string {
	return strings.Join([]string{k.Channel, k.UserID, string(k.Kind), k.MarketID}, "|")
}

// Subscription is a user's request to be alerted.
type Subscription struct {
	UserID    string           `json:"user_id"`
	Channel   string           `json:"channel"`
	Kind      SubscriptionKind `json:"kind"`
	MarketID  string           `json:"market_id,omitempty"`
	Threshold decimal.Decimal  `json:"threshold"`
	CreatedAt time.Time        `json:"created_at"`
}

// Key returns the subscription's identity.
func (s *Subscription) Key() SubscriptionKey {
	return SubscriptionKey{UserID: s.UserID, Channel: s.Channel, Kind: s.Kind, MarketID: s.MarketID}
}

// Recipient returns where alerts for this subscription are delivered.
func (s *Subscription) Recipient() Recipient {
	return Recipient{UserID: s.UserID, Channel: s.Channel}
}

// Validate checks the shape of a subscription. It does not check that the
// market exists.
func (s *Subscription) Validate() error {
	if s.UserID == "" {
		return fmt.Errorf("%w: user ID must not be empty", ErrInvalidSubscriptionRequest)
	}
	if s.Channel == "" {
		return fmt.Errorf("%w: channel must not be empty", ErrInvalidSubscriptionRequest)
	}
	switch s.Kind {
	case KindNewMarket:
		if s.MarketID != "" {
			return fmt.Errorf("%w: new-market subscriptions take no market ID", ErrInvalidSubscriptionRequest)
		}
	case KindLiquidityThreshold:
		if s.MarketID == "" {
			return fmt.Errorf("%w: market ID is required", ErrInvalidSubscriptionRequest)
		}
		if !s.Threshold.IsPositive() {
			return fmt.Errorf("%w: threshold must be positive", ErrInvalidSubscriptionRequest)
		}
	default:
		return fmt.Errorf("%w: unknown subscription kind %q", ErrInvalidSubscriptionRequest, s.Kind)
	}
	return nil
}
