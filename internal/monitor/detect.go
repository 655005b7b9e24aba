package monitor

import (
	"sort"
	"time"

	"github.com/rewired-gh/polyalert/internal/models"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// DetectOptions tunes Detect. The zero value applies no age filter.
type DetectOptions struct {
	// MaxMarketAge marks unseen markets created longer ago than this as seen
	// without alerting. Zero disables the filter.
	MaxMarketAge time.Duration
	// Now is the reference time for MaxMarketAge. Zero means time.Now().
	Now time.Time
}

// Detection is the result of comparing a snapshot against a watermark.
type Detection struct {
	Events    []models.AlertEvent
	Watermark models.Watermark
	// Closed lists closed markets present in the snapshot, sorted.
	Closed []string
}

// Detect computes alert events for snapshot against prior. It does not mutate
// prior; the returned watermark carries prior's Version so it can be committed
// with compare-and-swap.
func Detect(prior models.Watermark, snapshot []models.Market, subs []models.Subscription) Detection {
	return DetectWith(prior, snapshot, subs, DetectOptions{})
}

// DetectWith is Detect with options.
func DetectWith(prior models.Watermark, snapshot []models.Market, subs []models.Subscription, opts DetectOptions) Detection {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	next := prior.Clone()
	if next.Seen == nil {
		next.Seen = make(map[string]struct{})
	}
	if next.LastLiquidity == nil {
		next.LastLiquidity = make(map[string]decimal.Decimal)
	}

	newMarketSubs := lo.Filter(subs, func(s models.Subscription, _ int) bool {
		return s.Kind == models.KindNewMarket
	})
	thresholdSubs := lo.GroupBy(
		lo.Filter(subs, func(s models.Subscription, _ int) bool {
			return s.Kind == models.KindLiquidityThreshold
		}),
		func(s models.Subscription) string { return s.MarketID },
	)

	var events []models.AlertEvent
	var closed []string

	for _, m := range lo.UniqBy(snapshot, func(m models.Market) string { return m.ID }) {
		if !prior.HasSeen(m.ID) {
			next.Seen[m.ID] = struct{}{}
			if !tooOld(m, opts.MaxMarketAge, now) {
				for _, s := range newMarketSubs {
					events = append(events, newEvent(s, m, decimal.Zero))
				}
			}
		}

		if m.Status == models.MarketClosed {
			closed = append(closed, m.ID)
		}
		if !m.IsActive() {
			continue
		}

		marketSubs, watched := thresholdSubs[m.ID]
		if !watched {
			continue
		}
		last, hasPrior := prior.LastLiquidity[m.ID]
		next.LastLiquidity[m.ID] = m.Liquidity
		if !hasPrior {
			continue
		}
		for _, s := range marketSubs {
			if last.LessThan(s.Threshold) && m.Liquidity.GreaterThanOrEqual(s.Threshold) {
				events = append(events, newEvent(s, m, last))
			}
		}
	}

	// Liquidity is only tracked for watched markets.
	for id := range next.LastLiquidity {
		if _, watched := thresholdSubs[id]; !watched {
			delete(next.LastLiquidity, id)
		}
	}

	sortEvents(events)
	sort.Strings(closed)

	return Detection{Events: events, Watermark: next, Closed: closed}
}

func tooOld(m models.Market, maxAge time.Duration, now time.Time) bool {
	if maxAge <= 0 || m.CreatedAt.IsZero() {
		return false
	}
	return now.Sub(m.CreatedAt) > maxAge
}

func newEvent(s models.Subscription, m models.Market, prior decimal.Decimal) models.AlertEvent {
	return models.AlertEvent{
		Recipient: s.Recipient(),
		Kind:      s.Kind,
		Payload: models.AlertPayload{
			MarketID:       m.ID,
			Question:       m.Question,
			Slug:           m.Slug,
			Description:    m.Description,
			EndDate:        m.EndDate,
			Outcomes:       m.Outcomes,
			OutcomePrices:  m.OutcomePrices,
			Liquidity:      m.Liquidity,
			Threshold:      s.Threshold,
			PriorLiquidity: prior,
		},
	}
}

func sortEvents(events []models.AlertEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if a.Payload.MarketID != b.Payload.MarketID {
			return a.Payload.MarketID < b.Payload.MarketID
		}
		if a.Recipient.UserID != b.Recipient.UserID {
			return a.Recipient.UserID < b.Recipient.UserID
		}
		if a.Recipient.Channel != b.Recipient.Channel {
			return a.Recipient.Channel < b.Recipient.Channel
		}
		return a.Kind < b.Kind
	})
}
