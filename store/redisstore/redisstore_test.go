package redisstore

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoquery/geohash"
	"geoquery/models"
	"geoquery/store"
)

var (
	sf  = models.Location{Latitude: 37.7749, Longitude: -122.4194}
	nyc = models.Location{Latitude: 40.7128, Longitude: -74.0060}
	bay = geohash.Range{Start: "9q", End: "9q~"}
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return New(rdb, Options{Prefix: "test", Precision: 6}), mr
}

func next(t *testing.T, sub store.Subscription) store.Notification {
	t.Helper()
	select {
	case n, ok := <-sub.Changes():
		require.True(t, ok, "subscription closed: %v", sub.Err())
		return n
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for notification")
		return store.Notification{}
	}
}

func TestSetGetRemove(t *testing.T) {
	ctx := context.Background()
	s, mr := newStore(t)

	_, err := s.Get(ctx, "cab")
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, s.Set(ctx, "cab", sf, json.RawMessage(`{ "seats": 4 }`)))
	rec, err := s.Get(ctx, "cab")
	require.NoError(t, err)
	assert.Equal(t, "9q8yyk", rec.Geohash)
	assert.Equal(t, sf, rec.Location)
	assert.JSONEq(t, `{"seats":4}`, string(rec.Payload))

	members, err := mr.ZMembers("test:index")
	require.NoError(t, err)
	assert.Equal(t, []string{"9q8yyk:cab"}, members)

	require.NoError(t, s.Set(ctx, "cab", nyc, nil))
	members, err = mr.ZMembers("test:index")
	require.NoError(t, err)
	assert.Equal(t, []string{"dr5reg:cab"}, members)

	require.NoError(t, s.Remove(ctx, "cab"))
	require.NoError(t, s.Remove(ctx, "cab"))
	_, err = s.Get(ctx, "cab")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.False(t, mr.Exists("test:index"))
}

func TestSetRejectsInvalidInput(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()
	assert.ErrorIs(t, s.Set(ctx, "", sf, nil), models.ErrInvalidKey)
	assert.ErrorIs(t, s.Set(ctx, "k", models.Location{Latitude: 95}, nil), models.ErrInvalidLocation)
	assert.Error(t, s.Set(ctx, "k", sf, json.RawMessage(`{`)))
}

func TestSubscribeSnapshotThenLive(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	require.NoError(t, s.Set(ctx, "sf", sf, nil))
	require.NoError(t, s.Set(ctx, "nyc", nyc, nil))

	sub, err := s.Subscribe(ctx, bay)
	require.NoError(t, err)
	defer sub.Close()

	n := next(t, sub)
	require.NotNil(t, n.Change.Record)
	assert.Equal(t, "sf", n.Change.Key)
	assert.Equal(t, sf, n.Change.Record.Location)
	require.True(t, next(t, sub).Ready)

	// Unrelated writes are filtered out.
	require.NoError(t, s.Set(ctx, "nyc", models.Location{Latitude: 40.72, Longitude: -74.0}, nil))
	require.NoError(t, s.Set(ctx, "cab", models.Location{Latitude: 37.78, Longitude: -122.41}, nil))
	n = next(t, sub)
	assert.Equal(t, "cab", n.Change.Key)
	require.NotNil(t, n.Change.Record)

	// Leaving the range is a removal.
	require.NoError(t, s.Set(ctx, "sf", nyc, nil))
	n = next(t, sub)
	assert.Equal(t, "sf", n.Change.Key)
	assert.True(t, n.Change.Removed())

	require.NoError(t, s.Remove(ctx, "cab"))
	n = next(t, sub)
	assert.Equal(t, "cab", n.Change.Key)
	assert.True(t, n.Change.Removed())
}

func TestSubscribeFullRange(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	require.NoError(t, s.Set(ctx, "sf", sf, nil))
	require.NoError(t, s.Set(ctx, "nyc", nyc, nil))

	sub, err := s.Subscribe(ctx, geohash.FullRange)
	require.NoError(t, err)
	defer sub.Close()

	var keys []string
	for {
		n := next(t, sub)
		if n.Ready {
			break
		}
		keys = append(keys, n.Change.Key)
	}
	assert.Equal(t, []string{"sf", "nyc"}, keys, "snapshot follows geohash order")
}

func TestSubscriptionCloseEndsCleanly(t *testing.T) {
	s, _ := newStore(t)
	sub, err := s.Subscribe(context.Background(), bay)
	require.NoError(t, err)
	require.True(t, next(t, sub).Ready)

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	for range sub.Changes() {
	}
	assert.NoError(t, sub.Err())
}

func TestSubscriptionFailsWhenServerGoesAway(t *testing.T) {
	s, mr := newStore(t)
	sub, err := s.Subscribe(context.Background(), bay)
	require.NoError(t, err)
	defer sub.Close()
	require.True(t, next(t, sub).Ready)

	mr.Close()
	select {
	case _, ok := <-sub.Changes():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not end")
	}
	assert.ErrorIs(t, sub.Err(), models.ErrStoreUnavailable)
}

func TestSubscribeUnavailable(t *testing.T) {
	s, mr := newStore(t)
	mr.Close()
	_, err := s.Subscribe(context.Background(), bay)
	assert.ErrorIs(t, err, models.ErrStoreUnavailable)
	assert.ErrorIs(t, s.Set(context.Background(), "k", sf, nil), models.ErrStoreUnavailable)
}
