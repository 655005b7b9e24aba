// Package command validates inbound subscription commands and applies them to
// the subscription store.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rewired-gh/polyalert/internal/logger"
	"github.com/rewired-gh/polyalert/internal/metrics"
	"github.com/rewired-gh/polyalert/internal/models"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Store is the subscription side of the store.
type Store interface {
	AddSubscription(ctx context.Context, sub models.Subscription) error
	RemoveSubscription(ctx context.Context, key models.SubscriptionKey) error
	ListUserSubscriptions(ctx context.Context, userID string) ([]models.Subscription, error)
}

// MarketLookup resolves a market by ID.
type MarketLookup interface {
	FetchMarket(ctx context.Context, id string) (models.Market, error)
}

// Request is a subscribe command.
type Request struct {
	UserID    string                  `json:"user_id"`
	Channel   string                  `json:"channel"`
	Kind      models.SubscriptionKind `json:"kind"`
	MarketID  string                  `json:"market_id,omitempty"`
	Threshold decimal.Decimal         `json:"threshold"`
}

// Service handles subscribe, unsubscribe and list commands.
type Service struct {
	store    Store
	markets  MarketLookup
	channels []string
	metrics  *metrics.Registry
}

// NewService creates a Service accepting subscriptions on the given channels.
func NewService(store Store, markets MarketLookup, channels []string, m *metrics.Registry) *Service {
	return &Service{store: store, markets: markets, channels: channels, metrics: m}
}

// ParseThreshold parses user input as a positive decimal.
func ParseThreshold(s string) (decimal.Decimal, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "$")
	s = strings.ReplaceAll(s, ",", "")
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: threshold %q is not a number", models.ErrInvalidSubscriptionRequest, s)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: threshold must be positive", models.ErrInvalidSubscriptionRequest)
	}
	return d, nil
}

// Subscribe validates req and stores the subscription. Threshold
// subscriptions must reference a known, open market.
func (s *Service) Subscribe(ctx context.Context, req Request) (models.Subscription, error) {
	if !lo.Contains(s.channels, req.Channel) {
		return models.Subscription{}, fmt.Errorf("%w: unsupported channel %q", models.ErrInvalidSubscriptionRequest, req.Channel)
	}

	sub := models.Subscription{
		UserID:   strings.TrimSpace(req.UserID),
		Channel:  req.Channel,
		Kind:     req.Kind,
		MarketID: strings.TrimSpace(req.MarketID),
	}
	if req.Kind == models.KindLiquidityThreshold {
		sub.Threshold = req.Threshold
	}
	if err := sub.Validate(); err != nil {
		return models.Subscription{}, err
	}

	if sub.Kind == models.KindLiquidityThreshold {
		if err := s.checkMarket(ctx, sub.MarketID); err != nil {
			return models.Subscription{}, err
		}
	}

	if err := s.store.AddSubscription(ctx, sub); err != nil {
		return models.Subscription{}, err
	}
	logger.Info("User %s subscribed on %s: %s", sub.UserID, sub.Channel, sub.Key())
	return sub, nil
}

func (s *Service) checkMarket(ctx context.Context, marketID string) error {
	m, err := s.markets.FetchMarket(ctx, marketID)
	switch {
	case errors.Is(err, models.ErrUnknownMarket):
		return fmt.Errorf("%w: %w", models.ErrInvalidSubscriptionRequest, err)
	case err != nil:
		return fmt.Errorf("look up market %s: %w", marketID, err)
	case m.Status == models.MarketClosed:
		return fmt.Errorf("%w: %w: %s", models.ErrInvalidSubscriptionRequest, models.ErrMarketClosed, marketID)
	}
	return nil
}

// Unsubscribe removes the subscription identified by key.
func (s *Service) Unsubscribe(ctx context.Context, key models.SubscriptionKey) error {
	if key.UserID == "" || key.Channel == "" {
		return fmt.Errorf("%w: user ID and channel are required", models.ErrInvalidSubscriptionRequest)
	}
	if _, err := models.ParseKind(string(key.Kind)); err != nil {
		return err
	}
	if err := s.store.RemoveSubscription(ctx, key); err != nil {
		return err
	}
	logger.Info("User %s unsubscribed on %s: %s", key.UserID, key.Channel, key)
	return nil
}

// List returns every subscription held by userID.
func (s *Service) List(ctx context.Context, userID string) ([]models.Subscription, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user ID is required", models.ErrInvalidSubscriptionRequest)
	}
	return s.store.ListUserSubscriptions(ctx, userID)
}

// HandleInvalidRecipient drops every subscription of the event's recipient on
// that channel. It is the dispatcher's pruning callback.
func (s *Service) HandleInvalidRecipient(ctx context.Context, event models.AlertEvent) {
	subs, err := s.store.ListUserSubscriptions(ctx, event.Recipient.UserID)
	if err != nil {
		logger.Warn("Failed to list subscriptions of invalid recipient %s: %v", event.Recipient.UserID, err)
		return
	}
	removed := 0
	for _, sub := range subs {
		if sub.Channel != event.Recipient.Channel {
			continue
		}
		err := s.store.RemoveSubscription(ctx, sub.Key())
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			logger.Warn("Failed to prune subscription %s: %v", sub.Key(), err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info("Pruned %d subscription(s) of unreachable recipient %s on %s", removed, event.Recipient.UserID, event.Recipient.Channel)
	}
	s.metrics.AddPruned("recipient_invalid", removed)
}
