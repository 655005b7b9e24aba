package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Recipient is a delivery address on one messaging channel. UserID is the
// channel-native address: a chat ID for Telegram, a channel ID for Discord.
type Recipient struct {
	UserID  string `json:"user_id"`
	Channel string `json:"channel"`
}

// AlertPayload carries what a rendered alert needs.
type AlertPayload struct {
	MarketID       string
	Question       string
	Slug           string
	Description    string
	EndDate        time.Time
	Outcomes       []string
	OutcomePrices  []string
	Liquidity      decimal.Decimal
	Threshold      decimal.Decimal
	PriorLiquidity decimal.Decimal
}

// AlertEvent is produced by the detector and consumed by the dispatcher.
// It is never persisted.
type AlertEvent struct {
	Recipient Recipient
	Kind      SubscriptionKind
	Payload   AlertPayload
}

// SubscriptionKey returns the subscription that produced the event.
func (e AlertEvent) SubscriptionKey() SubscriptionKey {
	key := SubscriptionKey{UserID: e.Recipient.UserID, Channel: e.Recipient.Channel, Kind: e.Kind}
	if e.Kind == KindLiquidityThreshold {
		key.MarketID = e.Payload.MarketID
	}
	return key
}

// DeliveryResult is the outcome of delivering one event.
type DeliveryResult int

const (
	Delivered DeliveryResult = iota
	ChannelUnavailable
	RecipientInvalid
)

func (r DeliveryResult) String() string {
	switch r {
	case Delivered:
		return "delivered"
	case ChannelUnavailable:
		return "channel_unavailable"
	case RecipientInvalid:
		return "recipient_invalid"
	}
	return "unknown"
}

// DeliveryFailure records an alert dropped after exhausting retries.
type DeliveryFailure struct {
	ID        string           `json:"id"`
	Recipient Recipient        `json:"recipient"`
	Kind      SubscriptionKind `json:"kind"`
	MarketID  string           `json:"market_id"`
	Reason    string           `json:"reason"`
	Attempts  int              `json:"attempts"`
	FailedAt  time.Time        `json:"failed_at"`
}
