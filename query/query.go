// Package query runs live radius queries: each query decomposes its circle
// into geohash ranges, watches them, and reports keys entering, moving
// within and leaving the circle.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"geoquery/geohash"
	"geoquery/models"
	"geoquery/resultset"
	"geoquery/watcher"
)

// State is the lifecycle stage of a query.
type State int32

const (
	// Initializing until every range has delivered its snapshot.
	Initializing State = iota
	// Active once the initial result set is known.
	Active
	// Cancelled is terminal.
	Cancelled
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Active:
		return "active"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Handler receives result set events.
type Handler func(models.Event)

type handlerKind int

const (
	eventHandler handlerKind = iota
	readyHandler
	errorHandler
)

type registered struct {
	id      uint64
	kind    handlerKind
	typ     models.EventType
	onEvent Handler
	onReady func()
	onError func(error)
}

// Registration removes a callback.
type Registration struct {
	q  *Query
	id uint64
}

// Remove unregisters the callback. It is safe to call more than once and
// from inside a callback.
func (r Registration) Remove() {
	if r.q == nil {
		return
	}
	r.q.control(func() { r.q.unregister(r.id) })
}

// rangeWatch is one running watcher. id tells its events apart from those
// of an earlier watcher on the same range. A watcher that gave up counts as
// settled so the other ranges can still make the query ready.
type rangeWatch struct {
	w      *watcher.Watcher
	id     uint64
	ready  bool
	gaveUp bool
}

type inboxEvent struct {
	watchID uint64
	ev      watcher.Event
}

// Query is one live radius query. Every change, criteria update and
// registration is processed in order by a single goroutine, which also runs
// the callbacks.
type Query struct {
	id   string
	opts Options
	log  *slog.Logger
	ctx  context.Context
	stop context.CancelFunc

	// Owned by the loop goroutine.
	manager   *resultset.Manager
	watchers  map[geohash.Range]*rangeWatch
	handlers  []registered
	nextWatch uint64
	everReady bool
	allReady  bool

	inbox  chan inboxEvent
	ctrlMu sync.Mutex
	ctrl   []func()
	wake   chan struct{}

	state    atomic.Int32
	criteria atomic.Pointer[models.Criteria]
	ranges   atomic.Pointer[[]geohash.Range]
	nextReg  atomic.Uint64

	cancelOnce sync.Once
	cancelled  atomic.Bool
	done       chan struct{}
	stopped    chan struct{}
	onCancel   func()

	deliverMu  sync.Mutex
	delivering atomic.Bool
}

func newQuery(id string, criteria models.Criteria, ranges []geohash.Range, opts Options, onCancel func()) *Query {
	ctx, stop := context.WithCancel(context.Background())
	q := &Query{
		id:       id,
		opts:     opts,
		log:      opts.Logger.With("query", id),
		ctx:      ctx,
		stop:     stop,
		manager:  resultset.New(criteria),
		watchers: make(map[geohash.Range]*rangeWatch),
		inbox:    make(chan inboxEvent, opts.InboxSize),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
		onCancel: onCancel,
	}
	q.criteria.Store(&criteria)
	q.ranges.Store(&ranges)
	q.state.Store(int32(Initializing))
	opts.Metrics.QueryStarted()
	q.control(func() { q.applyCriteria(criteria, ranges) })
	go q.run()
	return q
}

// ID returns the query's identifier.
func (q *Query) ID() string { return q.id }

// State returns the current lifecycle stage.
func (q *Query) State() State { return State(q.state.Load()) }

// Criteria returns the most recently requested criteria.
func (q *Query) Criteria() models.Criteria { return *q.criteria.Load() }

// Ranges returns the decomposition of the most recently requested criteria.
func (q *Query) Ranges() []geohash.Range {
	r := *q.ranges.Load()
	return append([]geohash.Range(nil), r...)
}

// Done is closed when the query is cancelled.
func (q *Query) Done() <-chan struct{} { return q.done }

// On registers h for events of type t. A key_entered handler registered on
// an active query first receives the current members.
func (q *Query) On(t models.EventType, h Handler) Registration {
	return q.register(registered{kind: eventHandler, typ: t, onEvent: h})
}

// OnReady registers f to run whenever every range has loaded: once after
// creation and again after a criteria update that added ranges. It runs
// immediately if the query is ready now.
func (q *Query) OnReady(f func()) Registration {
	return q.register(registered{kind: readyHandler, onReady: f})
}

// OnError registers f for store faults. Errors match
// models.ErrStoreUnavailable and are *watcher.FaultError values.
func (q *Query) OnError(f func(error)) Registration {
	return q.register(registered{kind: errorHandler, onError: f})
}

func (q *Query) register(r registered) Registration {
	r.id = q.nextReg.Add(1)
	q.control(func() { q.add(r) })
	return Registration{q: q, id: r.id}
}

// UpdateCriteria moves or resizes the circle. Ranges that are still needed
// keep running; others are cancelled and new ones are started. A range
// whose watcher gave up is started again.
func (q *Query) UpdateCriteria(criteria models.Criteria) error {
	if q.cancelled.Load() {
		return fmt.Errorf("%w: %s", models.ErrQueryCancelled, q.id)
	}
	if err := criteria.Validate(); err != nil {
		return err
	}
	ranges, err := q.opts.Decomposer.Ranges(criteria.Center.Latitude, criteria.Center.Longitude, criteria.RadiusKm)
	if err != nil {
		return err
	}
	q.criteria.Store(&criteria)
	q.ranges.Store(&ranges)
	q.control(func() { q.applyCriteria(criteria, ranges) })
	return nil
}

// Cancel stops the query. No callback starts after Cancel returns, and it
// may be called from inside a callback. Teardown is silent: members are
// dropped without exit events.
func (q *Query) Cancel() {
	q.cancelOnce.Do(func() {
		q.cancelled.Store(true)
		q.state.Store(int32(Cancelled))
		close(q.done)
		// Wait out a callback running on another goroutine. A callback
		// cancelling its own query must not wait for itself.
		if !q.delivering.Load() {
			q.deliverMu.Lock()
			q.deliverMu.Unlock()
		}
		if q.onCancel != nil {
			q.onCancel()
		}
	})
}

// control queues op for the loop. It never blocks.
func (q *Query) control(op func()) {
	q.ctrlMu.Lock()
	q.ctrl = append(q.ctrl, op)
	q.ctrlMu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Query) run() {
	defer close(q.stopped)
	defer q.teardown()
	for {
		select {
		case <-q.done:
			return
		default:
		}
		select {
		case <-q.done:
			return
		case <-q.wake:
			q.ctrlMu.Lock()
			ops := q.ctrl
			q.ctrl = nil
			q.ctrlMu.Unlock()
			for _, op := range ops {
				op()
			}
		case in := <-q.inbox:
			q.handle(in)
		}
	}
}

func (q *Query) teardown() {
	q.stop()
	for rng, rw := range q.watchers {
		rw.w.Cancel()
		delete(q.watchers, rng)
	}
	q.manager.Clear()
	q.handlers = nil
	q.opts.Metrics.QueryStopped()
	q.log.Debug("query_stopped")
}

func (q *Query) handle(in inboxEvent) {
	ev := in.ev
	rw, ok := q.watchers[ev.Range]
	if !ok || rw.id != in.watchID {
		q.opts.Metrics.StaleChange()
		return
	}
	switch ev.Kind {
	case watcher.Change:
		q.opts.Metrics.Change()
		if e, ok := q.manager.Apply(ev.Range, ev.Change); ok && q.everReady {
			q.emit(e)
		}
	case watcher.Ready:
		if !rw.ready {
			rw.ready = true
			q.checkReady()
		}
	case watcher.Fault:
		q.log.Warn("query_range_fault", "range", ev.Range.String(), "attempt", ev.Err.Attempt, "terminal", ev.Err.Terminal)
		for _, h := range q.handlers {
			if h.kind == errorHandler {
				f := h.onError
				q.deliver(func() { f(ev.Err) })
			}
		}
		if ev.Err.Terminal {
			rw.gaveUp = true
			if !rw.ready {
				rw.ready = true
				q.checkReady()
			}
		}
	}
}

// applyCriteria reconciles watchers with ranges and re-evaluates members.
func (q *Query) applyCriteria(criteria models.Criteria, ranges []geohash.Range) {
	want := make(map[geohash.Range]struct{}, len(ranges))
	for _, rng := range ranges {
		want[rng] = struct{}{}
	}
	for rng, rw := range q.watchers {
		if _, ok := want[rng]; !ok || rw.gaveUp {
			rw.w.Cancel()
			delete(q.watchers, rng)
		}
	}
	added := 0
	for _, rng := range ranges {
		if _, ok := q.watchers[rng]; ok {
			continue
		}
		q.startWatcher(rng)
		added++
	}
	q.opts.Metrics.Ranges(len(ranges))
	q.log.Debug("query_criteria_applied",
		"lat", criteria.Center.Latitude, "lng", criteria.Center.Longitude,
		"radius_km", criteria.RadiusKm, "ranges", len(ranges), "added", added)

	events := q.manager.SetCriteria(criteria)
	events = append(events, q.manager.Retain(q.covered)...)
	if q.everReady {
		for _, e := range events {
			q.emit(e)
		}
	}
	if added > 0 {
		q.allReady = false
	}
	// Dropping the last loading range can leave every remaining one ready.
	q.checkReady()
}

func (q *Query) startWatcher(rng geohash.Range) {
	q.nextWatch++
	id := q.nextWatch
	emit := func(ev watcher.Event) bool {
		select {
		case q.inbox <- inboxEvent{watchID: id, ev: ev}:
			return true
		case <-q.done:
			return false
		}
	}
	w := watcher.Start(q.ctx, watcher.Options{
		Store:   q.opts.Store,
		Range:   rng,
		Retry:   q.opts.Retry,
		Logger:  q.log,
		Metrics: q.opts.Metrics,
	}, emit)
	q.watchers[rng] = &rangeWatch{w: w, id: id}
}

func (q *Query) covered(hash string) bool {
	for rng := range q.watchers {
		if rng.Contains(hash) {
			return true
		}
	}
	return false
}

// checkReady fires ready callbacks when every range has loaded. The first
// time, the buffered result set is released as key_entered events.
func (q *Query) checkReady() {
	if q.allReady {
		return
	}
	for _, rw := range q.watchers {
		if !rw.ready {
			return
		}
	}
	q.allReady = true
	if !q.everReady {
		q.everReady = true
		q.state.Store(int32(Active))
		q.log.Debug("query_ready", "members", q.manager.Len())
		for _, e := range q.manager.Snapshot() {
			q.emit(e)
		}
	}
	for _, h := range q.handlers {
		if h.kind == readyHandler {
			q.deliver(h.onReady)
		}
	}
}

func (q *Query) add(r registered) {
	q.handlers = append(q.handlers, r)
	if !q.everReady {
		return
	}
	switch {
	case r.kind == eventHandler && r.typ == models.KeyEntered:
		for _, e := range q.manager.Snapshot() {
			q.deliver(func() { r.onEvent(e) })
		}
	case r.kind == readyHandler && q.allReady:
		q.deliver(r.onReady)
	}
}

func (q *Query) unregister(id uint64) {
	for i, h := range q.handlers {
		if h.id == id {
			q.handlers = append(q.handlers[:i:i], q.handlers[i+1:]...)
			return
		}
	}
}

func (q *Query) emit(e models.Event) {
	q.opts.Metrics.Event(e.Type.String())
	for _, h := range q.handlers {
		if h.kind == eventHandler && h.typ == e.Type {
			f := h.onEvent
			q.deliver(func() { f(e) })
		}
	}
}

// deliver runs one callback unless the query has been cancelled.
func (q *Query) deliver(f func()) {
	q.deliverMu.Lock()
	defer q.deliverMu.Unlock()
	if q.cancelled.Load() {
		return
	}
	q.delivering.Store(true)
	defer q.delivering.Store(false)
	f()
}
