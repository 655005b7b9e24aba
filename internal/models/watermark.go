package models

import (
	"encoding/json"
	"sort"

	"github.com/shopspring/decimal"
)

// Domain names an independently scheduled polling loop.
type Domain string

const (
	DomainNewMarket Domain = "new_market"
	DomainLiquidity Domain = "liquidity"
)

// Domains lists every polling domain.
var Domains = []Domain{DomainNewMarket, DomainLiquidity}

// Kind returns the subscription kind evaluated by the domain.
func (d Domain) Kind() SubscriptionKind {
	if d == DomainLiquidity {
		return KindLiquidityThreshold
	}
	return KindNewMarket
}

// Watermark is the last observed state of a polling domain. It makes
// detection edge-triggered: markets in Seen never alert as new again and
// LastLiquidity is the value the next snapshot is compared against.
//
// Version is the compare-and-swap token. A freshly created watermark has
// Version 0; every successful commit increments it.
type Watermark struct {
	Version       int64
	Seen          map[string]struct{}
	LastLiquidity map[string]decimal.Decimal
}

// NewWatermark returns an empty, never-committed watermark.
func NewWatermark() Watermark {
	return Watermark{
		Seen:          make(map[string]struct{}),
		LastLiquidity: make(map[string]decimal.Decimal),
	}
}

// HasSeen reports whether the market was present in an earlier snapshot.
func (w Watermark) HasSeen(marketID string) bool {
	_, ok := w.Seen[marketID]
	return ok
}

// Clone returns a deep copy so callers can mutate it without touching w.
func (w Watermark) Clone() Watermark {
	c := Watermark{
		Version:       w.Version,
		Seen:          make(map[string]struct{}, len(w.Seen)),
		LastLiquidity: make(map[string]decimal.Decimal, len(w.LastLiquidity)),
	}
	for id := range w.Seen {
		c.Seen[id] = struct{}{}
	}
	for id, v := range w.LastLiquidity {
		c.LastLiquidity[id] = v
	}
	return c
}

type watermarkJSON struct {
	Seen          []string                   `json:"seen"`
	LastLiquidity map[string]decimal.Decimal `json:"last_liquidity"`
}

// MarshalPayload encodes everything but the version. Seen IDs are sorted so
// the encoding is deterministic.
func (w Watermark) MarshalPayload() ([]byte, error) {
	seen := make([]string, 0, len(w.Seen))
	for id := range w.Seen {
		seen = append(seen, id)
	}
	sort.Strings(seen)
	liq := w.LastLiquidity
	if liq == nil {
		liq = map[string]decimal.Decimal{}
	}
	return json.Marshal(watermarkJSON{Seen: seen, LastLiquidity: liq})
}

// UnmarshalWatermark decodes a payload written by MarshalPayload.
func UnmarshalWatermark(version int64, payload []byte) (Watermark, error) {
	var raw watermarkJSON
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Watermark{}, err
	}
	w := NewWatermark()
	w.Version = version
	for _, id := range raw.Seen {
		w.Seen[id] = struct{}{}
	}
	for id, v := range raw.LastLiquidity {
		w.LastLiquidity[id] = v
	}
	return w, nil
}
