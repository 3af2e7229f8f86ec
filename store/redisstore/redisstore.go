// Package redisstore keeps geo records in Redis: a sorted set of
// "geohash:key" members (all scored 0, so ordered lexically) indexes a hash
// of JSON records, and every write is published on a change channel.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"

	"geoquery/geohash"
	"geoquery/logger"
	"geoquery/models"
	"geoquery/store"
)

const maxTxRetries = 16

// Options configures the key layout and connection.
type Options struct {
	Addr      string
	Password  string
	DB        int
	Prefix    string
	Precision uint
}

// Store implements store.Store on a Redis client.
type Store struct {
	rdb       *redis.Client
	precision uint
	index     string
	records   string
	channel   string
	log       *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Connect opens a client and checks the connection.
func Connect(ctx context.Context, opts Options) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("%w: failed to connect to Redis at %s: %v", models.ErrStoreUnavailable, opts.Addr, err)
	}
	logger.L().Info("redis_connected", "addr", opts.Addr, "db", opts.DB)
	return New(rdb, opts), nil
}

// New wraps an existing client.
func New(rdb *redis.Client, opts Options) *Store {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "geoquery"
	}
	precision := opts.Precision
	if precision == 0 {
		precision = geohash.DefaultPrecision
	}
	return &Store{
		rdb:       rdb,
		precision: precision,
		index:     prefix + ":index",
		records:   prefix + ":records",
		channel:   prefix + ":changes",
		log:       logger.L().With("component", "redisstore"),
	}
}

// storedRecord is the JSON layout of a record in the records hash.
type storedRecord struct {
	Geohash  string          `json:"g"`
	Location [2]float64      `json:"l"`
	Payload  json.RawMessage `json:"p,omitempty"`
}

// changeMessage is published on the change channel for every write.
type changeMessage struct {
	Key      string        `json:"k"`
	Previous string        `json:"o,omitempty"`
	Record   *storedRecord `json:"r"`
}

func encodeRecord(rec *models.GeoRecord) *storedRecord {
	return &storedRecord{
		Geohash:  rec.Geohash,
		Location: [2]float64{rec.Location.Latitude, rec.Location.Longitude},
		Payload:  rec.Payload,
	}
}

func (r *storedRecord) decode(key string) *models.GeoRecord {
	if r == nil {
		return nil
	}
	return &models.GeoRecord{
		Key:      key,
		Location: models.Location{Latitude: r.Location[0], Longitude: r.Location[1]},
		Geohash:  r.Geohash,
		Payload:  r.Payload,
	}
}

func member(hash, key string) string { return hash + ":" + key }

// Get returns the record stored under key.
func (s *Store) Get(ctx context.Context, key string) (*models.GeoRecord, error) {
	raw, err := s.rdb.HGet(ctx, s.records, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", models.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
	}
	var stored storedRecord
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", key, err)
	}
	return stored.decode(key), nil
}

// Set stores key at loc, moving its index entry and publishing the change in
// one transaction.
func (s *Store) Set(ctx context.Context, key string, loc models.Location, payload json.RawMessage) error {
	rec, err := models.NewGeoRecord(key, loc, s.precision, payload)
	if err != nil {
		return err
	}
	stored := encodeRecord(rec)
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	return s.transact(ctx, key, func(pipe redis.Pipeliner, previous string) error {
		msg, err := json.Marshal(changeMessage{Key: key, Previous: previous, Record: stored})
		if err != nil {
			return err
		}
		if previous != "" {
			pipe.ZRem(ctx, s.index, member(previous, key))
		}
		pipe.ZAdd(ctx, s.index, &redis.Z{Score: 0, Member: member(rec.Geohash, key)})
		pipe.HSet(ctx, s.records, key, data)
		pipe.Publish(ctx, s.channel, msg)
		return nil
	})
}

// Remove deletes key. Removing an absent key is a no-op.
func (s *Store) Remove(ctx context.Context, key string) error {
	return s.transact(ctx, key, func(pipe redis.Pipeliner, previous string) error {
		if previous == "" {
			return nil
		}
		msg, err := json.Marshal(changeMessage{Key: key, Previous: previous})
		if err != nil {
			return err
		}
		pipe.ZRem(ctx, s.index, member(previous, key))
		pipe.HDel(ctx, s.records, key)
		pipe.Publish(ctx, s.channel, msg)
		return nil
	})
}

// transact runs fn in a MULTI block guarded by WATCH on the records hash,
// retrying when a concurrent writer wins.
func (s *Store) transact(ctx context.Context, key string, fn func(pipe redis.Pipeliner, previous string) error) error {
	txf := func(tx *redis.Tx) error {
		previous := ""
		raw, err := tx.HGet(ctx, s.records, key).Result()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var stored storedRecord
			if err := json.Unmarshal([]byte(raw), &stored); err != nil {
				return fmt.Errorf("decode record %s: %w", key, err)
			}
			previous = stored.Geohash
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return fn(pipe, previous)
		})
		return err
	}
	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, s.records)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
		}
		return nil
	}
	return fmt.Errorf("%w: too much contention writing %s", models.ErrStoreUnavailable, key)
}

// scan reads every record in rng in geohash order.
func (s *Store) scan(ctx context.Context, rng geohash.Range) ([]*models.GeoRecord, error) {
	min, max := "-", "("+rng.End
	if rng.Start != "" {
		min = "[" + rng.Start
	}
	members, err := s.rdb.ZRangeByLex(ctx, s.index, &redis.ZRangeBy{Min: min, Max: max}).Result()
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	keys := make([]string, len(members))
	for i, m := range members {
		keys[i] = m[strings.IndexByte(m, ':')+1:]
	}
	values, err := s.rdb.HMGet(ctx, s.records, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*models.GeoRecord, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Removed between the two reads; the change feed reports it.
			continue
		}
		var stored storedRecord
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			s.log.Warn("record_decode_failed", "key", keys[i], "err", err)
			continue
		}
		out = append(out, stored.decode(keys[i]))
	}
	return out, nil
}

// Subscribe listens on the change channel before reading the snapshot, so a
// write racing the snapshot is seen at least once.
func (s *Store) Subscribe(ctx context.Context, rng geohash.Range) (store.Subscription, error) {
	ps := s.rdb.Subscribe(ctx, s.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", models.ErrStoreUnavailable, s.channel, err)
	}
	snapshot, err := s.scan(ctx, rng)
	if err != nil {
		ps.Close()
		return nil, fmt.Errorf("%w: scan %s: %v", models.ErrStoreUnavailable, rng, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		ps:     ps,
		rng:    rng,
		cancel: cancel,
		out:    make(chan store.Notification),
		log:    s.log,
	}
	go sub.run(subCtx, snapshot)
	return sub, nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

type subscription struct {
	ps     *redis.PubSub
	rng    geohash.Range
	cancel context.CancelFunc
	out    chan store.Notification
	log    *slog.Logger

	once sync.Once
	mu   sync.Mutex
	err  error
}

func (s *subscription) Changes() <-chan store.Notification { return s.out }

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.ps.Close()
	})
	return err
}

func (s *subscription) run(ctx context.Context, snapshot []*models.GeoRecord) {
	defer close(s.out)
	defer s.Close()

	for _, rec := range snapshot {
		if !s.send(ctx, store.Notification{Change: models.RawChange{Key: rec.Key, Record: rec}}) {
			return
		}
	}
	if !s.send(ctx, store.Notification{Ready: true}) {
		return
	}
	for {
		msg, err := s.ps.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.mu.Lock()
				s.err = fmt.Errorf("%w: %v", models.ErrStoreUnavailable, err)
				s.mu.Unlock()
			}
			return
		}
		var change changeMessage
		if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
			s.log.Warn("change_decode_failed", "err", err)
			continue
		}
		ch, ok := store.RangeChange(s.rng, change.Key, change.Previous, change.Record.decode(change.Key))
		if !ok {
			continue
		}
		if !s.send(ctx, store.Notification{Change: ch}) {
			return
		}
	}
}

func (s *subscription) send(ctx context.Context, n store.Notification) bool {
	select {
	case s.out <- n:
		return true
	case <-ctx.Done():
		return false
	}
}
