// Package dispatch delivers alert events to messaging sinks with per-channel
// retry, rate limiting and circuit breaking.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rewired-gh/polyalert/internal/logger"
	"github.com/rewired-gh/polyalert/internal/metrics"
	"github.com/rewired-gh/polyalert/internal/models"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Sink sends one message to one recipient on a messaging platform.
//
// Implementations return an error wrapping models.ErrRecipientInvalid when the
// recipient can never be reached (blocked bot, deleted channel). Any other
// error is treated as transient.
type Sink interface {
	Send(ctx context.Context, recipient string, msg Message) error
}

// FailureRecorder persists deliveries dropped after exhausting retries.
type FailureRecorder interface {
	RecordDeliveryFailure(ctx context.Context, f models.DeliveryFailure) error
}

// InvalidRecipientFunc is called once for every event whose recipient was
// reported invalid by its sink.
type InvalidRecipientFunc func(ctx context.Context, event models.AlertEvent)

// Config controls retry, concurrency and per-channel protection.
type Config struct {
	Concurrency     int
	MaxRetries      int
	RetryDelayBase  time.Duration
	MaxRetryDelay   time.Duration
	RatePerSecond   float64
	RateBurst       int
	BreakerFailures uint32
	BreakerOpenFor  time.Duration
}

// Delivery pairs an event with its outcome.
type Delivery struct {
	Event  models.AlertEvent
	Result models.DeliveryResult
}

type channel struct {
	name    string
	sink    Sink
	limiter *rate.Limiter
	breaker *gobreaker.TwoStepCircuitBreaker
}

// Dispatcher routes events to the sink registered for their channel.
type Dispatcher struct {
	cfg       Config
	channels  map[string]*channel
	failures  FailureRecorder
	onInvalid InvalidRecipientFunc
	metrics   *metrics.Registry
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithFailureRecorder records deliveries dropped after the last retry.
func WithFailureRecorder(r FailureRecorder) Option {
	return func(d *Dispatcher) { d.failures = r }
}

// WithInvalidRecipientHandler registers the subscription-pruning callback.
func WithInvalidRecipientHandler(fn InvalidRecipientFunc) Option {
	return func(d *Dispatcher) { d.onInvalid = fn }
}

// WithMetrics records delivery outcomes.
func WithMetrics(m *metrics.Registry) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a Dispatcher for the given sinks, keyed by channel name.
func New(cfg Config, sinks map[string]Sink, opts ...Option) *Dispatcher {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelayBase <= 0 {
		cfg.RetryDelayBase = time.Second
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 30 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 25
	}
	if cfg.RateBurst < 1 {
		cfg.RateBurst = 1
	}
	if cfg.BreakerFailures < 1 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerOpenFor <= 0 {
		cfg.BreakerOpenFor = time.Minute
	}

	d := &Dispatcher{
		cfg:      cfg,
		channels: make(map[string]*channel, len(sinks)),
		sleep:    sleepCtx,
	}
	for name, sink := range sinks {
		d.channels[name] = &channel{
			name:    name,
			sink:    sink,
			limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst),
			// The breaker sees one outcome per dispatched event, so it trips
			// only after BreakerFailures consecutive events exhausted their retries.
			breaker: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
				Name:        name,
				MaxRequests: 1,
				Timeout:     cfg.BreakerOpenFor,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= cfg.BreakerFailures
				},
				OnStateChange: func(name string, from, to gobreaker.State) {
					logger.Warn("Channel %s circuit breaker: %s -> %s", name, from, to)
				},
			}),
		}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HasChannel reports whether a sink is registered for name.
func (d *Dispatcher) HasChannel(name string) bool {
	_, ok := d.channels[name]
	return ok
}

// Dispatch delivers one event. Transient failures are retried with
// exponential backoff; after the last attempt the event is dropped and
// recorded. Invalid recipients are not retried.
func (d *Dispatcher) Dispatch(ctx context.Context, event models.AlertEvent) models.DeliveryResult {
	result := d.dispatch(ctx, event)
	d.metrics.RecordDelivery(event.Recipient.Channel, result.String())
	return result
}

func (d *Dispatcher) dispatch(ctx context.Context, event models.AlertEvent) models.DeliveryResult {
	ch, ok := d.channels[event.Recipient.Channel]
	if !ok {
		err := fmt.Errorf("%w: no sink for channel %q", models.ErrChannelUnavailable, event.Recipient.Channel)
		logger.Warn("Dropping alert for %s: %v", event.Recipient.UserID, err)
		d.recordFailure(ctx, event, err, 0)
		return models.ChannelUnavailable
	}

	done, err := ch.breaker.Allow()
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", models.ErrChannelUnavailable, ch.name, err)
		logger.Debug("Skipping alert for %s: %v", event.Recipient.UserID, err)
		d.recordFailure(ctx, event, err, 0)
		return models.ChannelUnavailable
	}

	result, attempts, lastErr := d.attempt(ctx, ch, event)
	// Invalid recipients and shutdown say nothing about the channel.
	done(result != models.ChannelUnavailable || ctx.Err() != nil)
	if result == models.ChannelUnavailable {
		d.recordFailure(ctx, event, lastErr, attempts)
	}
	return result
}

// attempt sends the event until it is delivered, the recipient is reported
// invalid or the retries run out.
func (d *Dispatcher) attempt(ctx context.Context, ch *channel, event models.AlertEvent) (models.DeliveryResult, int, error) {
	msg := Render(event)
	var lastErr error
	attempts := 0
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := d.sleep(ctx, d.backoff(attempt)); err != nil {
				lastErr = err
				break
			}
			if ch.breaker.State() == gobreaker.StateOpen {
				lastErr = fmt.Errorf("%w: %s: %w", models.ErrChannelUnavailable, ch.name, gobreaker.ErrOpenState)
				break
			}
		}

		attempts++
		d.metrics.RecordSendAttempt(ch.name)
		err := ch.send(ctx, event.Recipient.UserID, msg)
		if err == nil {
			return models.Delivered, attempts, nil
		}
		if errors.Is(err, models.ErrRecipientInvalid) {
			logger.Info("Recipient %s on %s is invalid: %v", event.Recipient.UserID, ch.name, err)
			if d.onInvalid != nil {
				d.onInvalid(ctx, event)
			}
			return models.RecipientInvalid, attempts, err
		}

		lastErr = err
		logger.Warn("Send to %s on %s failed (attempt %d/%d): %v",
			event.Recipient.UserID, ch.name, attempt+1, d.cfg.MaxRetries+1, err)
		if ctx.Err() != nil {
			break
		}
	}
	return models.ChannelUnavailable, attempts, lastErr
}

// DispatchAll delivers events concurrently with bounded parallelism. Every
// event is attempted; results are returned in input order.
func (d *Dispatcher) DispatchAll(ctx context.Context, events []models.AlertEvent) []Delivery {
	results := make([]Delivery, len(events))

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i, event := range events {
		g.Go(func() error {
			results[i] = Delivery{Event: event, Result: d.Dispatch(ctx, event)}
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Tally counts deliveries by result.
func Tally(deliveries []Delivery) map[models.DeliveryResult]int {
	counts := make(map[models.DeliveryResult]int, 3)
	for _, del := range deliveries {
		counts[del.Result]++
	}
	return counts
}

func (c *channel) send(ctx context.Context, recipient string, msg Message) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %w", models.ErrChannelUnavailable, err)
	}
	return c.sink.Send(ctx, recipient, msg)
}

func (d *Dispatcher) recordFailure(ctx context.Context, event models.AlertEvent, cause error, attempts int) {
	if d.failures == nil {
		return
	}
	reason := models.ChannelUnavailable.String()
	if cause != nil {
		reason = cause.Error()
	}
	f := models.DeliveryFailure{
		Recipient: event.Recipient,
		Kind:      event.Kind,
		MarketID:  event.Payload.MarketID,
		Reason:    reason,
		Attempts:  attempts,
		FailedAt:  time.Now(),
	}
	// Shutdown must not lose the record.
	if err := d.failures.RecordDeliveryFailure(context.WithoutCancel(ctx), f); err != nil {
		logger.Error("Failed to record delivery failure for %s: %v", event.Recipient.UserID, err)
	}
}

// backoff returns base*2^(attempt-1) plus up to 50% jitter, capped.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.RetryDelayBase << (attempt - 1)
	if delay <= 0 || delay > d.cfg.MaxRetryDelay {
		delay = d.cfg.MaxRetryDelay
	}
	if half := int64(delay / 2); half > 0 {
		delay += time.Duration(rand.Int64N(half))
	}
	return min(delay, d.cfg.MaxRetryDelay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
