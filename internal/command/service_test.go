package command

import (
	"context"
	"fmt"
	"testing"

	"github.com/rewired-gh/polyalert/internal/models"
	"github.com/rewired-gh/polyalert/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMarkets map[string]models.Market

func (f fakeMarkets) FetchMarket(_ context.Context, id string) (models.Market, error) {
	if id == "flaky" {
		return models.Market{}, fmt.Errorf("%w: 503", models.ErrUpstreamUnavailable)
	}
	m, ok := f[id]
	if !ok {
		return models.Market{}, fmt.Errorf("%w: %s", models.ErrUnknownMarket, id)
	}
	return m, nil
}

func newTestService(t *testing.T) (*Service, *storage.Storage) {
	t.Helper()
	st, err := storage.New(100, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	markets := fakeMarkets{
		"open":   {ID: "open", Status: models.MarketActive},
		"closed": {ID: "closed", Status: models.MarketClosed},
	}
	return NewService(st, markets, []string{models.ChannelTelegram, models.ChannelDiscord}, nil), st
}

func TestParseThreshold(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"1000", "1000", false},
		{" $2,500.50 ", "2500.5", false},
		{"0", "", true},
		{"-5", "", true},
		{"lots", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseThreshold(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, models.ErrInvalidSubscriptionRequest)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)), "got %s", got)
		})
	}
}

func TestSubscribe(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	sub, err := svc.Subscribe(ctx, Request{UserID: "42", Channel: models.ChannelTelegram, Kind: models.KindNewMarket})
	require.NoError(t, err)
	assert.Equal(t, models.KindNewMarket, sub.Kind)

	_, err = svc.Subscribe(ctx, Request{UserID: "42", Channel: models.ChannelTelegram, Kind: models.KindNewMarket})
	assert.ErrorIs(t, err, models.ErrDuplicateSubscription)

	sub, err = svc.Subscribe(ctx, Request{
		UserID:    "42",
		Channel:   models.ChannelTelegram,
		Kind:      models.KindLiquidityThreshold,
		MarketID:  "open",
		Threshold: decimal.NewFromInt(5000),
	})
	require.NoError(t, err)
	assert.True(t, sub.Threshold.Equal(decimal.NewFromInt(5000)))

	subs, err := svc.List(ctx, "42")
	require.NoError(t, err)
	assert.Len(t, subs, 2)
}

func TestSubscribe_Rejections(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{
			name:    "unknown channel",
			req:     Request{UserID: "1", Channel: "sms", Kind: models.KindNewMarket},
			wantErr: models.ErrInvalidSubscriptionRequest,
		},
		{
			name:    "missing user",
			req:     Request{Channel: models.ChannelTelegram, Kind: models.KindNewMarket},
			wantErr: models.ErrInvalidSubscriptionRequest,
		},
		{
			name:    "unknown kind",
			req:     Request{UserID: "1", Channel: models.ChannelTelegram, Kind: "volume"},
			wantErr: models.ErrInvalidSubscriptionRequest,
		},
		{
			name: "non-positive threshold",
			req: Request{UserID: "1", Channel: models.ChannelTelegram, Kind: models.KindLiquidityThreshold,
				MarketID: "open", Threshold: decimal.Zero},
			wantErr: models.ErrInvalidSubscriptionRequest,
		},
		{
			name: "unknown market",
			req: Request{UserID: "1", Channel: models.ChannelTelegram, Kind: models.KindLiquidityThreshold,
				MarketID: "nope", Threshold: decimal.NewFromInt(1)},
			wantErr: models.ErrUnknownMarket,
		},
		{
			name: "closed market",
			req: Request{UserID: "1", Channel: models.ChannelTelegram, Kind: models.KindLiquidityThreshold,
				MarketID: "closed", Threshold: decimal.NewFromInt(1)},
			wantErr: models.ErrMarketClosed,
		},
		{
			name: "upstream failure is not a validation error",
			req: Request{UserID: "1", Channel: models.ChannelTelegram, Kind: models.KindLiquidityThreshold,
				MarketID: "flaky", Threshold: decimal.NewFromInt(1)},
			wantErr: models.ErrUpstreamUnavailable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Subscribe(ctx, tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	subs, err := st.ListUserSubscriptions(ctx, "1")
	require.NoError(t, err)
	assert.Empty(t, subs, "rejected commands must not change state")

	_, err = svc.Subscribe(ctx, Request{UserID: "1", Channel: models.ChannelTelegram, Kind: models.KindLiquidityThreshold,
		MarketID: "nope", Threshold: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, models.ErrInvalidSubscriptionRequest, "unknown market is an invalid request")
}

func TestUnsubscribe(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Subscribe(ctx, Request{UserID: "7", Channel: models.ChannelDiscord, Kind: models.KindNewMarket})
	require.NoError(t, err)

	key := models.SubscriptionKey{UserID: "7", Channel: models.ChannelDiscord, Kind: models.KindNewMarket}
	require.NoError(t, svc.Unsubscribe(ctx, key))
	assert.ErrorIs(t, svc.Unsubscribe(ctx, key), models.ErrNotFound)

	assert.ErrorIs(t, svc.Unsubscribe(ctx, models.SubscriptionKey{UserID: "7"}), models.ErrInvalidSubscriptionRequest)
	assert.ErrorIs(t, svc.Unsubscribe(ctx, models.SubscriptionKey{UserID: "7", Channel: "discord", Kind: "bogus"}),
		models.ErrInvalidSubscriptionRequest)
}

func TestList_RequiresUser(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.List(context.Background(), " ")
	assert.ErrorIs(t, err, models.ErrInvalidSubscriptionRequest)
}

func TestHandleInvalidRecipient(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	for _, req := range []Request{
		{UserID: "9", Channel: models.ChannelTelegram, Kind: models.KindNewMarket},
		{UserID: "9", Channel: models.ChannelTelegram, Kind: models.KindLiquidityThreshold, MarketID: "open", Threshold: decimal.NewFromInt(10)},
		{UserID: "9", Channel: models.ChannelDiscord, Kind: models.KindNewMarket},
	} {
		_, err := svc.Subscribe(ctx, req)
		require.NoError(t, err)
	}

	svc.HandleInvalidRecipient(ctx, models.AlertEvent{
		Recipient: models.Recipient{UserID: "9", Channel: models.ChannelTelegram},
		Kind:      models.KindNewMarket,
	})

	subs, err := st.ListUserSubscriptions(ctx, "9")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, models.ChannelDiscord, subs[0].Channel, "other channels are untouched")
}
