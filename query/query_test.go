package query

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoquery/geohash"
	"geoquery/models"
	"geoquery/store"
	"geoquery/store/memstore"
	"geoquery/watcher"
)

type note struct {
	kind string
	ev   models.Event
	err  error
}

type recorder struct {
	ch chan note
}

func record(q *Query) *recorder {
	r := &recorder{ch: make(chan note, 256)}
	for _, t := range []models.EventType{models.KeyEntered, models.KeyMoved, models.KeyExited} {
		t := t
		q.On(t, func(ev models.Event) { r.ch <- note{kind: t.String(), ev: ev} })
	}
	q.OnReady(func() { r.ch <- note{kind: "ready"} })
	q.OnError(func(err error) { r.ch <- note{kind: "error", err: err} })
	return r
}

func (r *recorder) next(t *testing.T) note {
	t.Helper()
	select {
	case n := <-r.ch:
		return n
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for query callback")
		return note{}
	}
}

func (r *recorder) expect(t *testing.T, kind, key string) note {
	t.Helper()
	n := r.next(t)
	require.Equal(t, kind, n.kind, "got %+v", n)
	if key != "" {
		require.Equal(t, key, n.ev.Key)
	}
	return n
}

func (r *recorder) quiet(t *testing.T) {
	t.Helper()
	select {
	case n := <-r.ch:
		t.Fatalf("unexpected callback %+v", n)
	case <-time.After(100 * time.Millisecond):
	}
}

func newEngine(t *testing.T, s *memstore.Store) *Engine {
	t.Helper()
	e, err := NewEngine(Options{
		Store: s,
		Retry: watcher.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: 10 * time.Millisecond, Multiplier: 2},
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func put(t *testing.T, s *memstore.Store, key string, lat, lng float64) {
	t.Helper()
	require.NoError(t, s.Set(context.Background(), key, models.Location{Latitude: lat, Longitude: lng}, nil))
}

func at(lat, lng, radius float64) models.Criteria {
	return models.Criteria{Center: models.Location{Latitude: lat, Longitude: lng}, RadiusKm: radius}
}

func TestInitialResultSetIsReleasedAtReady(t *testing.T) {
	s := memstore.New(10)
	put(t, s, "b", 0, 0.002)
	put(t, s, "a", 0, 0.001)
	put(t, s, "far", 0, 0.05)

	q, err := newEngine(t, s).Create(at(0, 0, 1))
	require.NoError(t, err)
	r := record(q)

	r.expect(t, "key_entered", "a")
	r.expect(t, "key_entered", "b")
	r.expect(t, "ready", "")
	r.quiet(t)
	assert.Equal(t, Active, q.State())
}

func TestEnterThenExitScenario(t *testing.T) {
	s := memstore.New(10)
	q, err := newEngine(t, s).Create(at(0, 0, 1))
	require.NoError(t, err)
	r := record(q)
	r.expect(t, "ready", "")

	put(t, s, "k1", 0, 0.005)
	n := r.expect(t, "key_entered", "k1")
	assert.InDelta(t, 0.556, n.ev.Distance, 0.001)

	put(t, s, "k1", 0, 0.004)
	r.expect(t, "key_moved", "k1")

	put(t, s, "k1", 0, 0.02)
	n = r.expect(t, "key_exited", "k1")
	assert.Equal(t, models.Location{Latitude: 0, Longitude: 0.02}, n.ev.Location)
	r.quiet(t)
}

func TestRemovalExits(t *testing.T) {
	s := memstore.New(10)
	put(t, s, "k1", 0, 0.001)
	q, err := newEngine(t, s).Create(at(0, 0, 1))
	require.NoError(t, err)
	r := record(q)
	r.expect(t, "key_entered", "k1")
	r.expect(t, "ready", "")

	require.NoError(t, s.Remove(context.Background(), "k1"))
	n := r.expect(t, "key_exited", "k1")
	assert.Equal(t, models.Location{Latitude: 0, Longitude: 0.001}, n.ev.Location)
}

func TestUpdateCriteriaEmitsBoundaryCrossings(t *testing.T) {
	s := memstore.New(10)
	put(t, s, "A", 0, 0.005)
	put(t, s, "B", 0, 0.02)
	put(t, s, "C", 0, -0.035)

	q, err := newEngine(t, s).Create(at(0, 0, 3))
	require.NoError(t, err)
	r := record(q)
	r.expect(t, "key_entered", "A")
	r.expect(t, "key_entered", "B")
	r.expect(t, "ready", "")

	require.NoError(t, q.UpdateCriteria(at(0, -0.01, 3)))
	assert.Equal(t, at(0, -0.01, 3), q.Criteria())

	got := map[string]string{}
	for len(got) < 2 {
		n := r.next(t)
		if n.kind == "ready" {
			continue
		}
		got[n.ev.Key] = n.kind
	}
	assert.Equal(t, map[string]string{"B": "key_exited", "C": "key_entered"}, got)

	settle := time.After(100 * time.Millisecond)
	for {
		select {
		case n := <-r.ch:
			require.Equal(t, "ready", n.kind, "unexpected %+v", n)
		case <-settle:
			return
		}
	}
}

func TestUpdateCriteriaRejectsInvalidInput(t *testing.T) {
	q, err := newEngine(t, memstore.New(10)).Create(at(0, 0, 1))
	require.NoError(t, err)
	assert.ErrorIs(t, q.UpdateCriteria(at(0, 200, 1)), models.ErrInvalidLocation)
	assert.ErrorIs(t, q.UpdateCriteria(at(0, 0, -1)), models.ErrInvalidRadius)
	assert.Equal(t, at(0, 0, 1), q.Criteria())
}

func TestCancelStopsCallbacks(t *testing.T) {
	s := memstore.New(10)
	e := newEngine(t, s)
	q, err := e.Create(at(0, 0, 1))
	require.NoError(t, err)
	r := record(q)
	r.expect(t, "ready", "")
	require.Equal(t, 1, e.Len())

	q.Cancel()
	q.Cancel()
	assert.Equal(t, Cancelled, q.State())
	assert.Equal(t, 0, e.Len())
	_, ok := e.Get(q.ID())
	assert.False(t, ok)

	put(t, s, "k1", 0, 0.001)
	r.quiet(t)
	assert.ErrorIs(t, q.UpdateCriteria(at(0, 0, 2)), models.ErrQueryCancelled)

	select {
	case <-q.Done():
	default:
		t.Fatal("Done not closed")
	}
	assert.Eventually(t, func() bool { return s.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCancelFromInsideCallback(t *testing.T) {
	s := memstore.New(10)
	put(t, s, "a", 0, 0.001)
	put(t, s, "b", 0, 0.002)
	put(t, s, "c", 0, 0.003)

	q, err := newEngine(t, s).Create(at(0, 0, 1))
	require.NoError(t, err)

	var calls atomic.Int32
	done := make(chan struct{})
	q.On(models.KeyEntered, func(models.Event) {
		calls.Add(1)
		q.Cancel()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("callback never ran")
	}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, Cancelled, q.State())
}

func TestLateRegistrationReplaysMembers(t *testing.T) {
	s := memstore.New(10)
	put(t, s, "a", 0, 0.001)
	q, err := newEngine(t, s).Create(at(0, 0, 1))
	require.NoError(t, err)
	first := record(q)
	first.expect(t, "key_entered", "a")
	first.expect(t, "ready", "")

	late := record(q)
	late.expect(t, "key_entered", "a")
	late.expect(t, "ready", "")
	first.quiet(t)
}

func TestRegistrationRemove(t *testing.T) {
	s := memstore.New(10)
	q, err := newEngine(t, s).Create(at(0, 0, 1))
	require.NoError(t, err)
	r := record(q)
	r.expect(t, "ready", "")

	removed := make(chan models.Event, 4)
	reg := q.On(models.KeyEntered, func(ev models.Event) { removed <- ev })
	reg.Remove()
	reg.Remove()

	put(t, s, "k1", 0, 0.001)
	r.expect(t, "key_entered", "k1")
	assert.Empty(t, removed)
}

func TestStoreFaultIsReportedAndRecovered(t *testing.T) {
	s := memstore.New(10)
	put(t, s, "a", 0, 0.001)
	q, err := newEngine(t, s).Create(at(0, 0, 1))
	require.NoError(t, err)
	r := record(q)
	r.expect(t, "key_entered", "a")
	r.expect(t, "ready", "")

	s.Interrupt(errors.New("connection reset"))
	require.NoError(t, s.Remove(context.Background(), "a"))

	var sawFault, sawExit bool
	for !(sawFault && sawExit) {
		n := r.next(t)
		switch n.kind {
		case "error":
			sawFault = true
			assert.ErrorIs(t, n.err, models.ErrStoreUnavailable)
			var fault *watcher.FaultError
			assert.ErrorAs(t, n.err, &fault)
		case "key_exited":
			sawExit = true
			assert.Equal(t, "a", n.ev.Key)
		default:
			t.Fatalf("unexpected %+v", n)
		}
	}
}

func TestCreateValidatesCriteria(t *testing.T) {
	e := newEngine(t, memstore.New(10))
	_, err := e.Create(at(91, 0, 1))
	assert.ErrorIs(t, err, models.ErrInvalidLocation)
	_, err = e.Create(at(0, 0, -0.5))
	assert.ErrorIs(t, err, models.ErrInvalidRadius)
	assert.ErrorIs(t, e.UpdateCriteria("nope", at(0, 0, 1)), models.ErrNotFound)

	_, err = NewEngine(Options{})
	assert.Error(t, err)
}

func TestEngineCloseCancelsQueries(t *testing.T) {
	e, err := NewEngine(Options{Store: memstore.New(10)})
	require.NoError(t, err)
	q1, err := e.Create(at(0, 0, 1))
	require.NoError(t, err)
	q2, err := e.Create(at(10, 10, 1))
	require.NoError(t, err)
	assert.NotEqual(t, q1.ID(), q2.ID())

	e.Close()
	assert.Equal(t, Cancelled, q1.State())
	assert.Equal(t, Cancelled, q2.State())
	_, err = e.Create(at(0, 0, 1))
	assert.Error(t, err)
}

func TestSearchReturnsNearestFirst(t *testing.T) {
	s := memstore.New(10)
	put(t, s, "mid", 0, 0.004)
	put(t, s, "near", 0, 0.001)
	put(t, s, "edge", 0.005, 0.005)
	put(t, s, "out", 0, 0.02)

	e := newEngine(t, s)
	results, err := e.Search(context.Background(), at(0, 0, 1), 0)
	require.NoError(t, err)
	keys := make([]string, len(results))
	for i, ev := range results {
		keys[i] = ev.Key
	}
	assert.Equal(t, []string{"near", "mid", "edge"}, keys)

	results, err = e.Search(context.Background(), at(0, 0, 1), 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "near", results[0].Key)
	assert.Equal(t, 0, s.Subscribers())

	_, err = e.Search(context.Background(), at(0, 0, -1), 0)
	assert.ErrorIs(t, err, models.ErrInvalidRadius)
}

func TestSearchFailsWhenStoreIsDown(t *testing.T) {
	s := memstore.New(10)
	e := newEngine(t, s)
	ranges, err := e.opts.Decomposer.Ranges(0, 0, 1)
	require.NoError(t, err)
	errs := make([]error, len(ranges))
	for i := range errs {
		errs[i] = errors.New("refused")
	}
	s.FailNextSubscribe(errs...)
	_, err = e.Search(context.Background(), at(0, 0, 1), 0)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "initializing", Initializing.String())
	assert.Equal(t, "active", Active.String())
	assert.Equal(t, "cancelled", Cancelled.String())
}

// stallingStore never reports the snapshot of the stalled ranges as loaded.
type stallingStore struct {
	*memstore.Store
	stalled map[geohash.Range]bool
}

func (s *stallingStore) Subscribe(ctx context.Context, rng geohash.Range) (store.Subscription, error) {
	sub, err := s.Store.Subscribe(ctx, rng)
	if err != nil || !s.stalled[rng] {
		return sub, err
	}
	return withoutReady(sub), nil
}

type stalledSubscription struct {
	store.Subscription
	out  chan store.Notification
	done chan struct{}
}

func withoutReady(sub store.Subscription) *stalledSubscription {
	s := &stalledSubscription{Subscription: sub, out: make(chan store.Notification), done: make(chan struct{})}
	go func() {
		defer close(s.out)
		for n := range sub.Changes() {
			if n.Ready {
				continue
			}
			select {
			case s.out <- n:
			case <-s.done:
				return
			}
		}
	}()
	return s
}

func (s *stalledSubscription) Changes() <-chan store.Notification { return s.out }

func (s *stalledSubscription) Close() error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	return s.Subscription.Close()
}

func TestShrinkingAwayUnloadedRangesMakesQueryReady(t *testing.T) {
	d := geohash.DefaultDecomposer()
	wide, err := d.Ranges(0.01, 0.01, 10)
	require.NoError(t, err)
	narrow, err := d.Ranges(0.01, 0.01, 9.4)
	require.NoError(t, err)

	kept := make(map[geohash.Range]bool, len(narrow))
	for _, rng := range narrow {
		kept[rng] = true
	}
	stalled := make(map[geohash.Range]bool)
	for _, rng := range wide {
		if !kept[rng] {
			stalled[rng] = true
		}
	}
	require.NotEmpty(t, stalled)
	for _, rng := range narrow {
		require.Contains(t, wide, rng, "narrow ranges must already be watched")
	}

	s := &stallingStore{Store: memstore.New(10), stalled: stalled}
	put(t, s.Store, "k", 0.01, 0.011)
	e, err := NewEngine(Options{Store: s, Decomposer: d})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	q, err := e.Create(at(0.01, 0.01, 10))
	require.NoError(t, err)
	r := record(q)
	r.quiet(t)
	assert.Equal(t, Initializing, q.State())

	require.NoError(t, q.UpdateCriteria(at(0.01, 0.01, 9.4)))
	r.expect(t, "key_entered", "k")
	r.expect(t, "ready", "")
	assert.Equal(t, Active, q.State())
}

func TestRangeGivingUpBeforeReadyDoesNotBlockQuery(t *testing.T) {
	s := memstore.New(10)
	s.FailNextSubscribe(errors.New("refused"))
	e, err := NewEngine(Options{
		Store: s,
		Retry: watcher.RetryPolicy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, Multiplier: 2, MaxAttempts: 1},
	})
	require.NoError(t, err)
	t.Cleanup(e.Close)

	q, err := e.Create(at(0, 0, 1))
	require.NoError(t, err)
	r := record(q)

	// The fault may be handled before the error callback is registered.
	for n := r.next(t); n.kind != "ready"; n = r.next(t) {
		require.Equal(t, "error", n.kind)
		var fault *watcher.FaultError
		require.ErrorAs(t, n.err, &fault)
		assert.True(t, fault.Terminal)
	}
	assert.Equal(t, Active, q.State())

	// Reapplying the criteria restarts the range that gave up.
	require.NoError(t, q.UpdateCriteria(at(0, 0, 1)))
	r.expect(t, "ready", "")
	r.quiet(t)
}

func TestMoveAcrossRangesInsideCircleIsOneMove(t *testing.T) {
	s := memstore.New(10)
	put(t, s, "k", 0.01, 0.01)
	q, err := newEngine(t, s).Create(at(0.01, 0.01, 10))
	require.NoError(t, err)
	r := record(q)
	r.expect(t, "key_entered", "k")
	r.expect(t, "ready", "")

	// (0.01, 0.01) and (-0.01, -0.01) lie in geohash cells "s" and "7".
	put(t, s, "k", -0.01, -0.01)
	n := r.expect(t, "key_moved", "k")
	assert.Equal(t, models.Location{Latitude: -0.01, Longitude: -0.01}, n.ev.Location)
	r.quiet(t)
}
