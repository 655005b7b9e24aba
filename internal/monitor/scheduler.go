// Package monitor detects new markets and liquidity crossings and drives the
// per-domain polling loops that feed them to the dispatcher.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rewired-gh/polyalert/internal/dispatch"
	"github.com/rewired-gh/polyalert/internal/logger"
	"github.com/rewired-gh/polyalert/internal/metrics"
	"github.com/rewired-gh/polyalert/internal/models"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// MarketSource is the read side of the market data client.
type MarketSource interface {
	FetchMarkets(ctx context.Context) ([]models.Market, error)
	FetchMarketsByID(ctx context.Context, ids []string) ([]models.Market, error)
}

// Store is the subset of the subscription store the scheduler needs.
type Store interface {
	ListSubscriptions(ctx context.Context, kind models.SubscriptionKind) ([]models.Subscription, error)
	LoadWatermark(ctx context.Context, domain models.Domain) (models.Watermark, error)
	CommitWatermark(ctx context.Context, domain models.Domain, wm models.Watermark) error
	RemoveMarketSubscriptions(ctx context.Context, marketID string) (int, error)
}

// Dispatcher delivers a batch of events.
type Dispatcher interface {
	DispatchAll(ctx context.Context, events []models.AlertEvent) []dispatch.Delivery
}

// Phase is a step of the per-domain cycle state machine.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseDetecting
	PhaseCommitting
	PhaseDispatching
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetching:
		return "fetching"
	case PhaseDetecting:
		return "detecting"
	case PhaseCommitting:
		return "committing"
	case PhaseDispatching:
		return "dispatching"
	}
	return "unknown"
}

// Config holds scheduler timing.
type Config struct {
	NewMarketInterval time.Duration
	LiquidityInterval time.Duration
	RetryDelayBase    time.Duration
	MaxRetryDelay     time.Duration
	// SeedOnFirstRun commits the first new-market snapshot without alerting
	// when no watermark has ever been stored.
	SeedOnFirstRun  bool
	NewMarketMaxAge time.Duration
}

// CycleResult summarizes one completed cycle.
type CycleResult struct {
	ID         string
	Events     int
	Deliveries []dispatch.Delivery
	Pruned     int
	Seeded     bool
	Skipped    bool
}

// Scheduler runs one polling loop per domain.
type Scheduler struct {
	cfg        Config
	source     MarketSource
	store      Store
	dispatcher Dispatcher
	metrics    *metrics.Registry
	now        func() time.Time

	mu     sync.Mutex
	phases map[models.Domain]Phase
}

// NewScheduler creates a scheduler. m may be nil.
func NewScheduler(cfg Config, source MarketSource, store Store, dispatcher Dispatcher, m *metrics.Registry) *Scheduler {
	if cfg.NewMarketInterval <= 0 {
		cfg.NewMarketInterval = time.Minute
	}
	if cfg.LiquidityInterval <= 0 {
		cfg.LiquidityInterval = time.Minute
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = 10 * time.Second
	}
	if cfg.MaxRetryDelay < cfg.RetryDelayBase {
		cfg.MaxRetryDelay = cfg.RetryDelayBase
	}
	return &Scheduler{
		cfg:        cfg,
		source:     source,
		store:      store,
		dispatcher: dispatcher,
		metrics:    m,
		now:        time.Now,
		phases:     make(map[models.Domain]Phase, len(models.Domains)),
	}
}

// Phase returns the current phase of domain.
func (s *Scheduler) Phase(domain models.Domain) Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phases[domain]
}

func (s *Scheduler) setPhase(domain models.Domain, p Phase) {
	s.mu.Lock()
	s.phases[domain] = p
	s.mu.Unlock()
	s.metrics.SetPhase(string(domain), int(p))
}

// Run starts both domain loops and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, domain := range models.Domains {
		g.Go(func() error {
			s.loop(ctx, domain)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) interval(domain models.Domain) time.Duration {
	if domain == models.DomainLiquidity {
		return s.cfg.LiquidityInterval
	}
	return s.cfg.NewMarketInterval
}

// loop runs cycles back to back. The timer is re-armed only after a cycle
// returns, so cycles of one domain never overlap.
func (s *Scheduler) loop(ctx context.Context, domain models.Domain) {
	interval := s.interval(domain)
	logger.Info("Starting %s poll loop (interval %v)", domain, interval)

	failures := 0
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Stopping %s poll loop", domain)
			return
		case <-timer.C:
		}

		_, err := s.RunCycle(ctx, domain)
		next := interval
		switch {
		case err == nil:
			if failures > 0 {
				logger.Info("%s polling recovered after %d consecutive failure(s)", domain, failures)
			}
			failures = 0
		case ctx.Err() != nil:
			logger.Info("Stopping %s poll loop", domain)
			return
		case isUpstreamError(err):
			failures++
			next = s.backoff(failures)
			logger.Warn("%s fetch failed (%d consecutive), retrying in %v: %v", domain, failures, next, err)
		default:
			logger.Error("%s cycle aborted: %v", domain, err)
		}
		timer.Reset(next)
	}
}

// backoff returns base*2^(failures-1), capped at MaxRetryDelay.
func (s *Scheduler) backoff(failures int) time.Duration {
	delay := s.cfg.RetryDelayBase << (failures - 1)
	if delay <= 0 || delay > s.cfg.MaxRetryDelay {
		return s.cfg.MaxRetryDelay
	}
	return delay
}

func isUpstreamError(err error) bool {
	return errors.Is(err, models.ErrUpstreamUnavailable) || errors.Is(err, models.ErrUpstreamMalformed)
}

func cycleOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isUpstreamError(err):
		return "fetch_failed"
	case errors.Is(err, models.ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "abandoned"
	default:
		return "storage_failed"
	}
}

// RunCycle performs one Fetching → Detecting → Committing → Dispatching pass
// for domain. Any error before the commit leaves the stored watermark
// untouched, and nothing is dispatched unless the commit succeeded.
func (s *Scheduler) RunCycle(ctx context.Context, domain models.Domain) (res CycleResult, err error) {
	res.ID = uuid.NewString()
	tag := fmt.Sprintf("[%s %s]", domain, res.ID[:8])
	start := s.now()

	defer func() {
		s.setPhase(domain, PhaseIdle)
		outcome := cycleOutcome(err)
		switch {
		case err != nil:
		case res.Skipped:
			outcome = "skipped"
		case res.Seeded:
			outcome = "seeded"
		}
		s.metrics.ObserveCycle(string(domain), outcome, s.now().Sub(start))
	}()

	s.setPhase(domain, PhaseFetching)
	subs, err := s.store.ListSubscriptions(ctx, domain.Kind())
	if err != nil {
		return res, fmt.Errorf("list subscriptions: %w", err)
	}
	if domain == models.DomainLiquidity && len(subs) == 0 {
		res.Skipped = true
		logger.Debug("%s No liquidity subscriptions, skipping cycle", tag)
		return res, nil
	}

	prior, err := s.store.LoadWatermark(ctx, domain)
	if err != nil {
		return res, fmt.Errorf("load watermark: %w", err)
	}

	snapshot, err := s.fetch(ctx, domain, subs)
	if err != nil {
		return res, err
	}

	s.setPhase(domain, PhaseDetecting)
	opts := DetectOptions{Now: s.now()}
	if domain == models.DomainNewMarket {
		opts.MaxMarketAge = s.cfg.NewMarketMaxAge
	}
	det := DetectWith(prior, snapshot, subs, opts)
	res.Events = len(det.Events)

	if err := ctx.Err(); err != nil {
		return res, fmt.Errorf("cycle abandoned before commit: %w", err)
	}

	s.setPhase(domain, PhaseCommitting)
	if err := s.store.CommitWatermark(ctx, domain, det.Watermark); err != nil {
		return res, fmt.Errorf("commit watermark: %w", err)
	}

	if domain == models.DomainNewMarket && prior.Version == 0 && s.cfg.SeedOnFirstRun {
		res.Seeded = true
		logger.Info("%s Seeded watermark with %d markets, %d alerts suppressed", tag, len(det.Watermark.Seen), len(det.Events))
		return res, nil
	}

	s.metrics.AddEvents(string(domain), len(det.Events))
	if len(det.Closed) > 0 && domain == models.DomainLiquidity {
		res.Pruned = s.pruneClosed(ctx, det.Closed)
	}

	if len(det.Events) == 0 {
		logger.Debug("%s Cycle complete: %d markets, no alerts", tag, len(snapshot))
		return res, nil
	}

	s.setPhase(domain, PhaseDispatching)
	res.Deliveries = s.dispatcher.DispatchAll(ctx, det.Events)
	tally := dispatch.Tally(res.Deliveries)
	logger.Info("%s Cycle complete: %d markets, %d alerts (%d delivered, %d unavailable, %d invalid)",
		tag, len(snapshot), len(det.Events), tally[models.Delivered], tally[models.ChannelUnavailable], tally[models.RecipientInvalid])
	return res, nil
}

func (s *Scheduler) fetch(ctx context.Context, domain models.Domain, subs []models.Subscription) ([]models.Market, error) {
	if domain == models.DomainNewMarket {
		return s.source.FetchMarkets(ctx)
	}
	ids := lo.Uniq(lo.Map(subs, func(sub models.Subscription, _ int) string { return sub.MarketID }))
	sort.Strings(ids)
	return s.source.FetchMarketsByID(ctx, ids)
}

// pruneClosed removes threshold subscriptions on markets that have closed.
// Failures are logged and retried on the next cycle, which will see the
// market closed again.
func (s *Scheduler) pruneClosed(ctx context.Context, marketIDs []string) int {
	total := 0
	for _, id := range marketIDs {
		n, err := s.store.RemoveMarketSubscriptions(ctx, id)
		if err != nil {
			logger.Warn("Failed to prune subscriptions for closed market %s: %v", id, err)
			continue
		}
		if n > 0 {
			logger.Info("Pruned %d subscription(s) on closed market %s", n, id)
		}
		total += n
	}
	s.metrics.AddPruned("market_closed", total)
	return total
}
