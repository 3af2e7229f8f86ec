package pgstore

import (
	"context"
	"encoding/json"
	"io/fs"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoquery/geohash"
)

func TestParseChange(t *testing.T) {
	c, err := parseChange(`{"k": "cab", "o": "9q8yyk", "g": "dr5reg"}`)
	require.NoError(t, err)
	assert.Equal(t, change{Key: "cab", Previous: "9q8yyk", Geohash: "dr5reg"}, c)

	_, err = parseChange(`{"o": "9q8yyk"}`)
	assert.Error(t, err)
	_, err = parseChange(`not json`)
	assert.Error(t, err)
}

func TestChangeNeedsRecord(t *testing.T) {
	bay := geohash.Range{Start: "9q", End: "9q~"}
	tests := []struct {
		name        string
		c           change
		needRecord  bool
		wantRemoval bool
	}{
		{"insert inside", change{Key: "k", Geohash: "9q8yyk"}, true, false},
		{"insert outside", change{Key: "k", Geohash: "dr5reg"}, false, false},
		{"move within", change{Key: "k", Previous: "9q8yyk", Geohash: "9q9p3u"}, true, false},
		{"move out", change{Key: "k", Previous: "9q8yyk", Geohash: "dr5reg"}, true, false},
		{"move in", change{Key: "k", Previous: "dr5reg", Geohash: "9q8yyk"}, true, false},
		{"delete inside", change{Key: "k", Previous: "9q8yyk"}, false, true},
		{"delete outside", change{Key: "k", Previous: "dr5reg"}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			need, removal := tt.c.needsRecord(bay)
			assert.Equal(t, tt.needRecord, need)
			assert.Equal(t, tt.wantRemoval, removal)
		})
	}
}

func TestChangePreviousIn(t *testing.T) {
	bay := geohash.Range{Start: "9q", End: "9q~"}
	assert.Equal(t, "9q9p3u", change{Key: "k", Previous: "9q8yyk", Geohash: "9q9p3u"}.previousIn(bay))
	assert.Equal(t, "9q8yyk", change{Key: "k", Previous: "9q8yyk", Geohash: "dr5reg"}.previousIn(bay))
	assert.Equal(t, "9q8yyk", change{Key: "k", Previous: "9q8yyk"}.previousIn(bay))
}

func TestListeningWaitsForConnection(t *testing.T) {
	l := pq.NewListener("postgres://geoquery@127.0.0.1:1/geoquery?sslmode=disable", 10*time.Millisecond, 50*time.Millisecond, nil)
	defer l.Close()
	require.NoError(t, l.Listen(Channel), "LISTEN is queued until a connection exists")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	assert.Error(t, listening(ctx, l), "no connection means no change feed yet")
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond, "it retries until the deadline")
}

func TestMigrationsAreEmbedded(t *testing.T) {
	names, err := fs.Glob(migrationsFS, "migrations/*.sql")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"migrations/000001_create_geo_locations.up.sql",
		"migrations/000001_create_geo_locations.down.sql",
	}, names)

	up, err := fs.ReadFile(migrationsFS, "migrations/000001_create_geo_locations.up.sql")
	require.NoError(t, err)
	assert.Contains(t, string(up), `COLLATE "C"`)
	assert.Contains(t, string(up), "pg_notify('"+Channel+"'")
}

func TestNullPayload(t *testing.T) {
	assert.Nil(t, nullPayload(nil))
	assert.Equal(t, `{"a":1}`, nullPayload(json.RawMessage(`{"a":1}`)))
}
