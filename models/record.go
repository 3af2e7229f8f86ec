package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// GeoRecord is a keyed location as held by the backing store. Geohash is
// always the encoding of Location at the store's precision; Payload is
// carried through without interpretation.
type GeoRecord struct {
	Key      string          `json:"key"`
	Location Location        `json:"location"`
	Geohash  string          `json:"geohash"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// NewGeoRecord validates its input and derives the record's geohash.
func NewGeoRecord(key string, loc Location, precision uint, payload json.RawMessage) (*GeoRecord, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	hash, err := loc.Geohash(precision)
	if err != nil {
		return nil, err
	}
	payload, err = CompactPayload(payload)
	if err != nil {
		return nil, err
	}
	return &GeoRecord{Key: key, Location: loc, Geohash: hash, Payload: payload}, nil
}

// ValidateKey rejects empty keys and keys containing NUL bytes.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidKey)
	}
	if strings.ContainsRune(key, 0) {
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidKey, key)
	}
	return nil
}

// CompactPayload checks that a payload is valid JSON and strips insignificant
// whitespace. Empty payloads stay empty.
func CompactPayload(payload json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return nil, fmt.Errorf("invalid payload: %w", err)
	}
	return buf.Bytes(), nil
}

// RawChange is one change observed on a subscribed range. A nil Record
// means the key left the range. Next is set when it left by moving, and
// holds the record at its new location.
type RawChange struct {
	Key    string
	Record *GeoRecord
	Next   *GeoRecord
}

// Removed reports whether the change is a removal.
func (c RawChange) Removed() bool { return c.Record == nil }
