// Package pgstore keeps geo records in PostgreSQL. Geohashes are stored with
// the "C" collation so a geohash range is a btree range scan, and a trigger
// publishes every write through NOTIFY.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lib/pq"

	"geoquery/geohash"
	"geoquery/logger"
	"geoquery/models"
	"geoquery/store"
)

// Channel is the NOTIFY channel written by the geo_locations trigger.
const Channel = "geo_locations_changes"

// subscriberBuffer is how many notifications a subscription may fall behind
// before it is ended as lagging.
const subscriberBuffer = 256

var errLagging = errors.New("pgstore: subscriber fell behind the change feed")

// listenWait bounds how long Subscribe waits for the change feed connection.
const listenWait = 10 * time.Second

// Options configures the connection.
type Options struct {
	DSN          string
	Precision    uint
	MinReconnect time.Duration
	MaxReconnect time.Duration
}

// Store implements store.Store on a PostgreSQL database.
type Store struct {
	db        *sql.DB
	opts      Options
	precision uint
	log       *slog.Logger

	mu       sync.Mutex
	listener *pq.Listener
	subs     map[*subscription]struct{}
}

var _ store.Store = (*Store)(nil)

// Open connects to the database described by opts.DSN.
func Open(ctx context.Context, opts Options) (*Store, error) {
	db, err := sql.Open("postgres", opts.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	logger.L().Info("database_connected")
	return New(db, opts), nil
}

// New wraps an open database handle.
func New(db *sql.DB, opts Options) *Store {
	if opts.Precision == 0 {
		opts.Precision = geohash.DefaultPrecision
	}
	if opts.MinReconnect <= 0 {
		opts.MinReconnect = 100 * time.Millisecond
	}
	if opts.MaxReconnect < opts.MinReconnect {
		opts.MaxReconnect = 10 * time.Second
	}
	return &Store{
		db:        db,
		opts:      opts,
		precision: opts.Precision,
		log:       logger.L().With("component", "pgstore"),
		subs:      make(map[*subscription]struct{}),
	}
}

const (
	selectRecord = `SELECT geohash, latitude, longitude, payload FROM geo_locations WHERE key = $1`
	selectRange  = `SELECT key, geohash, latitude, longitude, payload FROM geo_locations
WHERE geohash >= $1 AND geohash < $2 ORDER BY geohash, key`
	upsertRecord = `INSERT INTO geo_locations (key, geohash, latitude, longitude, payload, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (key) DO UPDATE SET
	geohash = EXCLUDED.geohash,
	latitude = EXCLUDED.latitude,
	longitude = EXCLUDED.longitude,
	payload = EXCLUDED.payload,
	updated_at = EXCLUDED.updated_at`
	deleteRecord = `DELETE FROM geo_locations WHERE key = $1`
)

// Get returns the record stored under key.
func (s *Store) Get(ctx context.Context, key string) (*models.GeoRecord, error) {
	rec := &models.GeoRecord{Key: key}
	var payload []byte
	err := s.db.QueryRowContext(ctx, selectRecord, key).
		Scan(&rec.Geohash, &rec.Location.Latitude, &rec.Location.Longitude, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	rec.Payload = payload
	return rec, nil
}

// Set upserts key at loc.
func (s *Store) Set(ctx context.Context, key string, loc models.Location, payload json.RawMessage) error {
	rec, err := models.NewGeoRecord(key, loc, s.precision, payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, upsertRecord,
		rec.Key, rec.Geohash, rec.Location.Latitude, rec.Location.Longitude, nullPayload(rec.Payload))
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	return nil
}

// Remove deletes key. Removing an absent key is a no-op.
func (s *Store) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, deleteRecord, key); err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	return nil
}

func nullPayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

func (s *Store) scan(ctx context.Context, rng geohash.Range) ([]*models.GeoRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectRange, rng.Start, rng.End)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.GeoRecord
	for rows.Next() {
		rec := &models.GeoRecord{}
		var payload []byte
		if err := rows.Scan(&rec.Key, &rec.Geohash, &rec.Location.Latitude, &rec.Location.Longitude, &payload); err != nil {
			return nil, err
		}
		rec.Payload = payload
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Subscribe registers for the change feed before scanning rng, so a write
// racing the scan is delivered at least once.
func (s *Store) Subscribe(ctx context.Context, rng geohash.Range) (store.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscription{
		owner: s,
		rng:   rng,
		in:    make(chan change, subscriberBuffer),
		out:   make(chan store.Notification),
		done:  make(chan struct{}),
	}
	if err := s.register(ctx, sub); err != nil {
		sub.Close()
		return nil, fmt.Errorf("%w: listen %s: %v", models.ErrStoreUnavailable, Channel, err)
	}
	snapshot, err := s.scan(ctx, rng)
	if err != nil {
		sub.Close()
		return nil, fmt.Errorf("%w: scan %s: %v", models.ErrStoreUnavailable, rng, err)
	}
	go sub.run(ctx, snapshot)
	return sub, nil
}

// register adds sub to the fan-out, starting the shared listener on first
// use, and returns once the listener is connected.
func (s *Store) register(ctx context.Context, sub *subscription) error {
	s.mu.Lock()
	if s.listener == nil {
		l := pq.NewListener(s.opts.DSN, s.opts.MinReconnect, s.opts.MaxReconnect, s.listenerEvent)
		if err := l.Listen(Channel); err != nil {
			s.mu.Unlock()
			l.Close()
			return err
		}
		s.listener = l
		go s.dispatch(l)
	}
	l := s.listener
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, listenWait)
	defer cancel()
	return listening(ctx, l)
}

// listening waits for l to hold a connection. The listener issues LISTEN
// before handing out a connection, so a successful Ping means changes are
// being received.
func listening(ctx context.Context, l *pq.Listener) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, l.Ping()
	}, backoff.WithBackOff(backoff.NewConstantBackOff(50*time.Millisecond)))
	return err
}

func (s *Store) forget(sub *subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()
}

func (s *Store) listenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnectionAttemptFailed:
		s.log.Warn("listener_connect_failed", "err", err)
	case pq.ListenerEventDisconnected:
		s.log.Warn("listener_disconnected", "err", err)
	case pq.ListenerEventReconnected:
		s.log.Info("listener_reconnected")
	}
}

// dispatch fans notifications out to the subscriptions. A nil notification
// means the listener reconnected and may have missed changes, so every
// subscription is ended and must resync.
func (s *Store) dispatch(l *pq.Listener) {
	for n := range l.Notify {
		if n == nil {
			s.interrupt(errors.New("change feed reconnected"))
			continue
		}
		c, err := parseChange(n.Extra)
		if err != nil {
			s.log.Warn("change_decode_failed", "err", err)
			continue
		}
		s.mu.Lock()
		for sub := range s.subs {
			sub.offer(c)
		}
		s.mu.Unlock()
	}
}

func (s *Store) interrupt(err error) {
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

// Close stops the listener, ends every subscription and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	l := s.listener
	s.listener = nil
	s.mu.Unlock()
	if l != nil {
		l.Close()
	}
	s.interrupt(errors.New("store closed"))
	return s.db.Close()
}

// change is the NOTIFY payload: key, old geohash, new geohash.
type change struct {
	Key      string `json:"k"`
	Previous string `json:"o"`
	Geohash  string `json:"g"`
}

func parseChange(payload string) (change, error) {
	var c change
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return change{}, err
	}
	if c.Key == "" {
		return change{}, errors.New("notification without key")
	}
	return c, nil
}

// needsRecord reports whether the current record has to be read to tell a
// subscriber to rng about c: the key now lies in rng, or moved out of it and
// the removal carries its new location. Otherwise removal says whether c is
// a plain removal for rng.
func (c change) needsRecord(rng geohash.Range) (need bool, removal bool) {
	if c.Geohash != "" && rng.Contains(c.Geohash) {
		return true, false
	}
	left := c.Previous != "" && rng.Contains(c.Previous)
	if left && c.Geohash != "" {
		return true, false
	}
	return false, left
}

// previousIn returns the geohash c last had inside rng.
func (c change) previousIn(rng geohash.Range) string {
	if c.Geohash != "" && rng.Contains(c.Geohash) {
		return c.Geohash
	}
	return c.Previous
}

type subscription struct {
	owner *Store
	rng   geohash.Range
	in    chan change
	out   chan store.Notification

	once sync.Once
	done chan struct{}
	err  error
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

// offer never blocks the dispatcher; a full buffer ends the subscription.
func (s *subscription) offer(c change) {
	select {
	case s.in <- c:
	default:
		go func() {
			s.owner.forget(s)
			s.end(fmt.Errorf("%w: %v", models.ErrStoreUnavailable, errLagging))
		}()
	}
}

func (s *subscription) run(ctx context.Context, snapshot []*models.GeoRecord) {
	defer close(s.out)
	for _, rec := range snapshot {
		if !s.send(store.Notification{Change: models.RawChange{Key: rec.Key, Record: rec}}) {
			return
		}
	}
	if !s.send(store.Notification{Ready: true}) {
		return
	}
	for {
		select {
		case <-s.done:
			return
		case c := <-s.in:
			n, ok, err := s.resolve(ctx, c)
			if err != nil {
				s.owner.forget(s)
				s.end(fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err))
				return
			}
			if ok && !s.send(n) {
				return
			}
		}
	}
}

func (s *subscription) resolve(ctx context.Context, c change) (store.Notification, bool, error) {
	need, removal := c.needsRecord(s.rng)
	if !need {
		return store.Notification{Change: models.RawChange{Key: c.Key}}, removal, nil
	}
	rec, err := s.owner.Get(ctx, c.Key)
	if errors.Is(err, models.ErrNotFound) {
		rec, err = nil, nil
	}
	if err != nil {
		return store.Notification{}, false, err
	}
	ch, ok := store.RangeChange(s.rng, c.Key, c.previousIn(s.rng), rec)
	return store.Notification{Change: ch}, ok, nil
}

func (s *subscription) send(n store.Notification) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- n:
		return true
	case <-s.done:
		return false
	}
}
