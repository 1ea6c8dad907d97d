package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/ai2ai-project/ai2ai-node/envelope"
)

// Sender performs one synchronous delivery attempt of env to endpoint.
type Sender interface {
	Send(ctx context.Context, env *envelope.Envelope, endpoint string) error
}

// SenderFunc adapts a plain function to Sender.
type SenderFunc func(ctx context.Context, env *envelope.Envelope, endpoint string) error

// Send implements Sender.
func (f SenderFunc) Send(ctx context.Context, env *envelope.Envelope, endpoint string) error {
	return f(ctx, env, endpoint)
}

// Events is the set of callbacks the Delivery Engine fires as envelopes
// move through their lifecycle, mirroring §4.12's event surface.
type Events struct {
	OnSent        func(envelopeID, endpoint string)
	OnDelivered   func(envelopeID, endpoint string)
	OnFailed      func(envelopeID, endpoint string, err error)
	OnCircuitOpen func(endpoint string)
	OnCircuitClosed func(endpoint string)
}

// Tracker drives interactive (non-queued) deliveries: it applies the
// exponential backoff schedule and the per-endpoint circuit breaker inline,
// blocking the caller until the delivery succeeds, the circuit is open, or
// retries are exhausted.
type Tracker struct {
	sender   Sender
	breakers *BreakerManager
	backoff  BackoffSchedule
	events   Events
}

// NewTracker builds a Tracker. events fields may be left nil.
func NewTracker(sender Sender, backoff BackoffSchedule, breakerCfg BreakerConfig, events Events) *Tracker {
	t := &Tracker{sender: sender, backoff: backoff, events: events}
	t.breakers = NewBreakerManager(breakerCfg, events.OnCircuitOpen, events.OnCircuitClosed)
	return t
}

// Deliver attempts env's delivery to endpoint, retrying per the backoff
// schedule. Returns nil on success. A non-nil error means every attempt
// failed or the circuit was open; callers are expected to hand the
// envelope to the Persistent Queue on failure.
func (t *Tracker) Deliver(ctx context.Context, env *envelope.Envelope, endpoint string) error {
	var lastErr error

	for attempt := 0; !t.backoff.Exhausted(attempt); attempt++ {
		if !t.breakers.Allow(endpoint) {
			lastErr = ErrCircuitOpen
			break
		}

		err := t.sender.Send(ctx, env, endpoint)
		t.breakers.Report(endpoint, err == nil)

		if err == nil {
			t.fireSent(env.ID, endpoint)
			t.fireDelivered(env.ID, endpoint)
			return nil
		}
		lastErr = err

		if attempt == t.backoff.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.backoff.Delay(attempt)):
		}
	}

	t.fireFailed(env.ID, endpoint, lastErr)
	return fmt.Errorf("delivery to %s exhausted: %w", endpoint, lastErr)
}

func (t *Tracker) fireSent(id, endpoint string) {
	if t.events.OnSent != nil {
		t.events.OnSent(id, endpoint)
	}
}

func (t *Tracker) fireDelivered(id, endpoint string) {
	if t.events.OnDelivered != nil {
		t.events.OnDelivered(id, endpoint)
	}
}

func (t *Tracker) fireFailed(id, endpoint string, err error) {
	if t.events.OnFailed != nil {
		t.events.OnFailed(id, endpoint, err)
	}
}

// Breakers exposes the breaker manager, e.g. for the queue worker to share
// circuit state with interactive sends against the same endpoint.
func (t *Tracker) Breakers() *BreakerManager { return t.breakers }
