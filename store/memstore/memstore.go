// Package memstore is an in-process ordered store with live range
// subscriptions. It backs tests and single-process deployments.
package memstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"geoquery/geohash"
	"geoquery/models"
	"geoquery/store"
)

var errClosed = errors.New("memstore: closed")

type entry struct {
	geohash string
	key     string
}

func (e entry) less(o entry) bool {
	if e.geohash != o.geohash {
		return e.geohash < o.geohash
	}
	return e.key < o.key
}

// Store keeps records in a geohash-ordered index.
type Store struct {
	precision uint

	mu       sync.Mutex
	records  map[string]*models.GeoRecord
	index    []entry
	subs     map[*subscription]struct{}
	failNext []error
	closed   bool
}

var _ store.Store = (*Store)(nil)

// New creates an empty store that geohashes records at precision characters.
func New(precision uint) *Store {
	if precision == 0 {
		precision = geohash.DefaultPrecision
	}
	return &Store{
		precision: precision,
		records:   make(map[string]*models.GeoRecord),
		subs:      make(map[*subscription]struct{}),
	}
}

// Subscribe snapshots rng and registers for later changes atomically, so no
// write falls between the snapshot and the live feed.
func (s *Store) Subscribe(ctx context.Context, rng geohash.Range) (store.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, errClosed)
	}
	if len(s.failNext) > 0 {
		err := s.failNext[0]
		s.failNext = s.failNext[1:]
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}

	sub := newSubscription(s, rng)
	i := sort.Search(len(s.index), func(i int) bool { return s.index[i].geohash >= rng.Start })
	for ; i < len(s.index) && s.index[i].geohash < rng.End; i++ {
		rec := s.records[s.index[i].key]
		sub.enqueue(store.Notification{Change: models.RawChange{Key: rec.Key, Record: rec}})
	}
	sub.enqueue(store.Notification{Ready: true})
	s.subs[sub] = struct{}{}
	go sub.pump()
	return sub, nil
}

// Get returns the record stored under key.
func (s *Store) Get(_ context.Context, key string) (*models.GeoRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, key)
	}
	cp := *rec
	return &cp, nil
}

// Set stores key at loc and notifies the subscriptions whose range the key
// enters, moves within or leaves.
func (s *Store) Set(_ context.Context, key string, loc models.Location, payload json.RawMessage) error {
	rec, err := models.NewGeoRecord(key, loc, s.precision, payload)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	previous := ""
	if prev, ok := s.records[key]; ok {
		previous = prev.Geohash
		s.unindex(entry{geohash: prev.Geohash, key: key})
	}
	s.records[key] = rec
	s.reindex(entry{geohash: rec.Geohash, key: key})
	s.publish(key, previous, rec)
	return nil
}

// Remove deletes key. Removing an absent key is a no-op.
func (s *Store) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	prev, ok := s.records[key]
	if !ok {
		return nil
	}
	delete(s.records, key)
	s.unindex(entry{geohash: prev.Geohash, key: key})
	s.publish(key, prev.Geohash, nil)
	return nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Subscribers returns the number of live subscriptions.
func (s *Store) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// FailNextSubscribe makes the next len(errs) Subscribe calls fail with the
// given errors.
func (s *Store) FailNextSubscribe(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = append(s.failNext, errs...)
}

// Interrupt ends every live subscription with err, as a dropped connection
// would.
func (s *Store) Interrupt(err error) {
	s.mu.Lock()
	subs := make([]*subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.subs = make(map[*subscription]struct{})
	s.mu.Unlock()
	for _, sub := range subs {
		sub.end(fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err))
	}
}

// Close ends every subscription and rejects further use.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.Interrupt(errClosed)
	return nil
}

func (s *Store) publish(key, previous string, rec *models.GeoRecord) {
	for sub := range s.subs {
		if ch, ok := store.RangeChange(sub.rng, key, previous, rec); ok {
			sub.enqueue(store.Notification{Change: ch})
		}
	}
}

func (s *Store) reindex(e entry) {
	i := sort.Search(len(s.index), func(i int) bool { return !s.index[i].less(e) })
	s.index = append(s.index, entry{})
	copy(s.index[i+1:], s.index[i:])
	s.index[i] = e
}

func (s *Store) unindex(e entry) {
	i := sort.Search(len(s.index), func(i int) bool { return !s.index[i].less(e) })
	if i < len(s.index) && s.index[i] == e {
		s.index = append(s.index[:i], s.index[i+1:]...)
	}
}

func (s *Store) forget(sub *subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

// subscription queues notifications without bound so writers never block
// on slow readers.
type subscription struct {
	owner *Store
	rng   geohash.Range
	out   chan store.Notification

	mu    sync.Mutex
	queue []store.Notification
	wake  chan struct{}

	once sync.Once
	done chan struct{}
	err  error
}

func newSubscription(owner *Store, rng geohash.Range) *subscription {
	return &subscription{
		owner: owner,
		rng:   rng,
		out:   make(chan store.Notification),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (s *subscription) Changes() <-chan store.Notification { return s.out }

func (s *subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *subscription) Close() error {
	s.owner.forget(s)
	s.end(nil)
	return nil
}

func (s *subscription) end(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (s *subscription) enqueue(n store.Notification) {
	s.mu.Lock()
	s.queue = append(s.queue, n)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		n := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case <-s.done:
			return
		default:
		}
		select {
		case s.out <- n:
		case <-s.done:
			return
		}
	}
}
