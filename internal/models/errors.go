package models

import "errors"

// Error taxonomy. Implementations wrap these with fmt.Errorf("...: %w") and
// callers classify with errors.Is.
var (
	// ErrUpstreamUnavailable is a network or HTTP failure talking to the
	// market data source. Transient.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamMalformed is an unparsable upstream response. Treated as
	// transient: the cycle is skipped.
	ErrUpstreamMalformed = errors.New("upstream response malformed")

	ErrStorageFailure         = errors.New("storage failure")
	ErrConcurrentModification = errors.New("concurrent modification")

	ErrChannelUnavailable = errors.New("channel unavailable")
	ErrRecipientInvalid   = errors.New("recipient invalid")

	ErrInvalidSubscriptionRequest = errors.New("invalid subscription request")
	ErrDuplicateSubscription      = errors.New("duplicate subscription")
	ErrNotFound                   = errors.New("not found")

	ErrUnknownMarket = errors.New("unknown market")
	ErrMarketClosed  = errors.New("market closed")
	ErrInvalidOrder  = errors.New("invalid order")
)
