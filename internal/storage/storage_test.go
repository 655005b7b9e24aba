package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rewired-gh/polyalert/internal/models"
	"github.com/shopspring/decimal"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := New(100, ":memory:")
	if err != nil {
		t.Fatalf("failed to create test storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func thresholdSub(user, market string, threshold int64) models.Subscription {
	return models.Subscription{
		UserID:    user,
		Channel:   models.ChannelTelegram,
		Kind:      models.KindLiquidityThreshold,
		MarketID:  market,
		Threshold: decimal.NewFromInt(threshold),
	}
}

func newMarketSub(user string) models.Subscription {
	return models.Subscription{
		UserID:  user,
		Channel: models.ChannelTelegram,
		Kind:    models.KindNewMarket,
	}
}

func TestStorage_AddAndListSubscriptions(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for _, sub := range []models.Subscription{
		thresholdSub("u1", "m1", 1000),
		thresholdSub("u2", "m1", 2000),
		newMarketSub("u1"),
	} {
		if err := s.AddSubscription(ctx, sub); err != nil {
			t.Fatalf("AddSubscription: %v", err)
		}
	}

	subs, err := s.ListSubscriptions(ctx, models.KindLiquidityThreshold)
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 2 {
		t.Fatalf("got %d threshold subs, want 2", len(subs))
	}
	if !subs[1].Threshold.Equal(decimal.NewFromInt(2000)) {
		t.Errorf("threshold = %s, want 2000", subs[1].Threshold)
	}
	if subs[0].CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}

	subs, err = s.ListSubscriptions(ctx, models.KindNewMarket)
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 1 || subs[0].UserID != "u1" {
		t.Errorf("unexpected new-market subs: %+v", subs)
	}

	subs, err = s.ListUserSubscriptions(ctx, "u1")
	if err != nil {
		t.Fatalf("ListUserSubscriptions: %v", err)
	}
	if len(subs) != 2 {
		t.Errorf("got %d subs for u1, want 2", len(subs))
	}
}

func TestStorage_AddSubscription_Duplicate(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	if err := s.AddSubscription(ctx, thresholdSub("u1", "m1", 1000)); err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}
	err := s.AddSubscription(ctx, thresholdSub("u1", "m1", 5000))
	if !errors.Is(err, models.ErrDuplicateSubscription) {
		t.Fatalf("expected ErrDuplicateSubscription, got %v", err)
	}

	subs, _ := s.ListSubscriptions(ctx, models.KindLiquidityThreshold)
	if len(subs) != 1 || !subs[0].Threshold.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("duplicate insert must not overwrite: %+v", subs)
	}
}

func TestStorage_AddSubscription_Invalid(t *testing.T) {
	s := newTestStorage(t)
	err := s.AddSubscription(context.Background(), thresholdSub("u1", "m1", 0))
	if !errors.Is(err, models.ErrInvalidSubscriptionRequest) {
		t.Errorf("expected ErrInvalidSubscriptionRequest, got %v", err)
	}
}

func TestStorage_RemoveSubscription(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	sub := thresholdSub("u1", "m1", 1000)

	if err := s.AddSubscription(ctx, sub); err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}
	if err := s.RemoveSubscription(ctx, sub.Key()); err != nil {
		t.Fatalf("RemoveSubscription: %v", err)
	}
	if err := s.RemoveSubscription(ctx, sub.Key()); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound on second remove, got %v", err)
	}

	subs, _ := s.ListSubscriptions(ctx, models.KindLiquidityThreshold)
	if len(subs) != 0 {
		t.Errorf("expected no subs, got %d", len(subs))
	}
}

func TestStorage_RemoveMarketSubscriptions(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.AddSubscription(ctx, thresholdSub(fmt.Sprintf("u%d", i), "closed-market", 100)); err != nil {
			t.Fatalf("AddSubscription: %v", err)
		}
	}
	if err := s.AddSubscription(ctx, thresholdSub("u0", "open-market", 100)); err != nil {
		t.Fatalf("AddSubscription: %v", err)
	}

	n, err := s.RemoveMarketSubscriptions(ctx, "closed-market")
	if err != nil {
		t.Fatalf("RemoveMarketSubscriptions: %v", err)
	}
	if n != 3 {
		t.Errorf("removed %d, want 3", n)
	}

	subs, _ := s.ListSubscriptions(ctx, models.KindLiquidityThreshold)
	if len(subs) != 1 || subs[0].MarketID != "open-market" {
		t.Errorf("unexpected remaining subs: %+v", subs)
	}
}

func TestStorage_WatermarkRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	wm, err := s.LoadWatermark(ctx, models.DomainLiquidity)
	if err != nil {
		t.Fatalf("LoadWatermark: %v", err)
	}
	if wm.Version != 0 || len(wm.Seen) != 0 {
		t.Fatalf("expected empty watermark, got %+v", wm)
	}

	wm.Seen["m1"] = struct{}{}
	wm.LastLiquidity["m1"] = decimal.RequireFromString("1200.5")
	if err := s.CommitWatermark(ctx, models.DomainLiquidity, wm); err != nil {
		t.Fatalf("CommitWatermark: %v", err)
	}

	got, err := s.LoadWatermark(ctx, models.DomainLiquidity)
	if err != nil {
		t.Fatalf("LoadWatermark: %v", err)
	}
	if got.Version != 1 {
		t.Errorf("version = %d, want 1", got.Version)
	}
	if !got.HasSeen("m1") {
		t.Error("expected m1 to be seen")
	}
	if !got.LastLiquidity["m1"].Equal(decimal.RequireFromString("1200.5")) {
		t.Errorf("liquidity = %s, want 1200.5", got.LastLiquidity["m1"])
	}

	// Domains are independent.
	other, _ := s.LoadWatermark(ctx, models.DomainNewMarket)
	if other.Version != 0 {
		t.Errorf("new_market version = %d, want 0", other.Version)
	}
}

func TestStorage_CommitWatermark_StaleVersion(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	base, _ := s.LoadWatermark(ctx, models.DomainNewMarket)
	first := base.Clone()
	first.Seen["a"] = struct{}{}
	if err := s.CommitWatermark(ctx, models.DomainNewMarket, first); err != nil {
		t.Fatalf("CommitWatermark: %v", err)
	}

	// A second writer that read the same base loses.
	second := base.Clone()
	second.Seen["b"] = struct{}{}
	err := s.CommitWatermark(ctx, models.DomainNewMarket, second)
	if !errors.Is(err, models.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}

	got, _ := s.LoadWatermark(ctx, models.DomainNewMarket)
	if got.HasSeen("b") || !got.HasSeen("a") {
		t.Errorf("losing commit must not be visible: %+v", got.Seen)
	}

	// Reloading and retrying succeeds.
	got.Seen["b"] = struct{}{}
	if err := s.CommitWatermark(ctx, models.DomainNewMarket, got); err != nil {
		t.Fatalf("CommitWatermark after reload: %v", err)
	}
	final, _ := s.LoadWatermark(ctx, models.DomainNewMarket)
	if final.Version != 2 {
		t.Errorf("version = %d, want 2", final.Version)
	}
}

func TestStorage_DeliveryFailureCap(t *testing.T) {
	s, err := New(3, ":memory:")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 5; i++ {
		f := models.DeliveryFailure{
			Recipient: models.Recipient{UserID: "u1", Channel: models.ChannelTelegram},
			Kind:      models.KindNewMarket,
			MarketID:  fmt.Sprintf("m%d", i),
			Reason:    "channel_unavailable",
			Attempts:  3,
			FailedAt:  base.Add(time.Duration(i) * time.Second),
		}
		if err := s.RecordDeliveryFailure(ctx, f); err != nil {
			t.Fatalf("RecordDeliveryFailure: %v", err)
		}
	}

	failures, err := s.ListDeliveryFailures(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeliveryFailures: %v", err)
	}
	if len(failures) != 3 {
		t.Fatalf("got %d failures, want 3", len(failures))
	}
	if failures[0].MarketID != "m4" {
		t.Errorf("newest failure = %s, want m4", failures[0].MarketID)
	}
	if failures[0].ID == "" {
		t.Error("expected generated ID")
	}
}
