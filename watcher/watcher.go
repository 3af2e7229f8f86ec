// Package watcher maintains one live subscription to a geohash range,
// reconnecting with exponential backoff when the store drops it.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"geoquery/geohash"
	"geoquery/logger"
	"geoquery/metrics"
	"geoquery/models"
	"geoquery/store"
)

// Kind tells watcher events apart.
type Kind int

const (
	// Change carries one record change inside the range.
	Change Kind = iota
	// Ready marks that the range snapshot has been delivered. It is sent
	// again after every successful resubscribe.
	Ready
	// Fault reports a lost or refused subscription.
	Fault
)

func (k Kind) String() string {
	switch k {
	case Change:
		return "change"
	case Ready:
		return "ready"
	case Fault:
		return "fault"
	default:
		return "unknown"
	}
}

// Event is what a watcher hands to its consumer.
type Event struct {
	Kind   Kind
	Range  geohash.Range
	Change models.RawChange
	Err    *FaultError
}

// FaultError describes a failed subscription attempt. It matches
// models.ErrStoreUnavailable with errors.Is.
type FaultError struct {
	Range    geohash.Range
	Attempt  int
	Terminal bool
	Err      error
}

func (e *FaultError) Error() string {
	state := "retrying"
	if e.Terminal {
		state = "giving up"
	}
	return fmt.Sprintf("range %s: attempt %d: %v (%s)", e.Range, e.Attempt, e.Err, state)
}

func (e *FaultError) Unwrap() error { return e.Err }

// RetryPolicy bounds reconnection. MaxAttempts counts consecutive failures;
// zero retries forever.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int
}

// DefaultRetryPolicy backs off from 200ms to 30s and never gives up.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	if p.Multiplier >= 1 {
		b.Multiplier = p.Multiplier
	}
	b.Reset()
	return b
}

// Emit delivers an event. It returns false once the consumer is gone, which
// stops the watcher.
type Emit func(Event) bool

// Options configures a watcher.
type Options struct {
	Store   store.Store
	Range   geohash.Range
	Retry   RetryPolicy
	Logger  *slog.Logger
	Metrics *metrics.Collector
}

// Watcher follows one range until cancelled.
type Watcher struct {
	opts      Options
	emit      Emit
	log       *slog.Logger
	cancel    context.CancelFunc
	cancelled atomic.Bool
	done      chan struct{}
}

var errStopped = errors.New("watcher stopped")

// Start subscribes to opts.Range in the background and streams its events to
// emit.
func Start(ctx context.Context, opts Options, emit Emit) *Watcher {
	l := opts.Logger
	if l == nil {
		l = logger.L()
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		opts:   opts,
		emit:   emit,
		log:    l.With("range", opts.Range.String()),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	opts.Metrics.WatcherStarted()
	go w.run(ctx)
	return w
}

// Range returns the watched range.
func (w *Watcher) Range() geohash.Range { return w.opts.Range }

// Cancel stops the watcher without waiting for it. It is idempotent. An
// emit already in progress may still complete; nothing new is emitted
// afterwards.
func (w *Watcher) Cancel() {
	w.cancelled.Store(true)
	w.cancel()
}

// Done is closed once the watcher has released its subscription.
func (w *Watcher) Done() <-chan struct{} { return w.done }

func (w *Watcher) send(ev Event) bool {
	if w.cancelled.Load() {
		return false
	}
	ev.Range = w.opts.Range
	return w.emit(ev)
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	defer w.opts.Metrics.WatcherStopped()

	bo := w.opts.Retry.backOff()
	present := make(map[string]struct{})
	attempt := 0
	for {
		err := w.session(ctx, present, func() {
			attempt = 0
			bo.Reset()
		})
		if errors.Is(err, errStopped) || ctx.Err() != nil {
			return
		}
		attempt++
		if !errors.Is(err, models.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
		}
		limit := w.opts.Retry.MaxAttempts
		fault := &FaultError{
			Range:    w.opts.Range,
			Attempt:  attempt,
			Terminal: limit > 0 && attempt >= limit,
			Err:      err,
		}
		w.opts.Metrics.StoreFault(fault.Terminal)
		w.log.Warn("range_subscription_fault", "attempt", attempt, "terminal", fault.Terminal, "err", err)
		if !w.send(Event{Kind: Fault, Err: fault}) || fault.Terminal {
			return
		}

		wait := bo.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// session runs one subscription until it fails. present holds every key the
// consumer believes is in the range; after a resubscribe,
// keys missing from the fresh snapshot are reported as removed.
func (w *Watcher) session(ctx context.Context, present map[string]struct{}, connected func()) error {
	sub, err := w.opts.Store.Subscribe(ctx, w.opts.Range)
	if err != nil {
		return err
	}
	defer sub.Close()
	w.log.Debug("range_subscribed")

	seen := make(map[string]struct{})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-sub.Changes():
			if !ok {
				if err := sub.Err(); err != nil {
					return err
				}
				return errors.New("subscription closed by store")
			}
			if n.Ready {
				if seen != nil {
					for key := range present {
						if _, ok := seen[key]; ok {
							continue
						}
						delete(present, key)
						if !w.send(Event{Kind: Change, Change: models.RawChange{Key: key}}) {
							return errStopped
						}
					}
					seen = nil
					connected()
				}
				if !w.send(Event{Kind: Ready}) {
					return errStopped
				}
				continue
			}
			c := n.Change
			if seen != nil {
				seen[c.Key] = struct{}{}
			}
			if c.Removed() {
				delete(present, c.Key)
			} else {
				present[c.Key] = struct{}{}
			}
			if !w.send(Event{Kind: Change, Change: c}) {
				return errStopped
			}
		}
	}
}
