// Package resultset decides which observed keys are inside a query circle and
// turns raw range changes into enter, move and exit events.
package resultset

import (
	"encoding/json"
	"sort"

	"geoquery/geohash"
	"geoquery/models"
)

// entry is the last observation of a key seen in any active range. inside
// marks a result set member.
type entry struct {
	location models.Location
	geohash  string
	payload  json.RawMessage
	distance float64
	inside   bool
}

// Manager holds one query's result set. It is not safe for concurrent use;
// the owning query serializes every call.
type Manager struct {
	criteria models.Criteria
	entries  map[string]*entry
	members  int
}

// New returns an empty manager for criteria.
func New(criteria models.Criteria) *Manager {
	return &Manager{criteria: criteria, entries: make(map[string]*entry)}
}

// Criteria returns the circle membership is evaluated against.
func (m *Manager) Criteria() models.Criteria { return m.criteria }

// Apply folds one change observed on rng into the result set and returns
// the resulting event, if any. A removal only applies while the key's last
// known geohash lies in rng; otherwise a newer observation from another
// range has superseded it. A removal carrying the key's new record moves it
// there, so a member crossing into another range moves rather than exits.
func (m *Manager) Apply(rng geohash.Range, change models.RawChange) (models.Event, bool) {
	e, known := m.entries[change.Key]
	if change.Removed() {
		if !known || !rng.Contains(e.geohash) {
			return models.Event{}, false
		}
		if next := change.Next; next != nil {
			ev, ok := m.observe(change.Key, e, next)
			if !e.inside {
				// The range now holding the key reports it if it is active.
				delete(m.entries, change.Key)
			}
			return ev, ok
		}
		delete(m.entries, change.Key)
		if !e.inside {
			return models.Event{}, false
		}
		m.members--
		return m.event(models.KeyExited, change.Key, e), true
	}

	if !known {
		e = &entry{}
		m.entries[change.Key] = e
	}
	return m.observe(change.Key, e, change.Record)
}

// observe records rec as the key's latest state.
func (m *Manager) observe(key string, e *entry, rec *models.GeoRecord) (models.Event, bool) {
	distance, inside := m.criteria.Contains(rec.Location)
	wasInside, moved := e.inside, e.location != rec.Location
	e.location = rec.Location
	e.geohash = rec.Geohash
	e.payload = rec.Payload
	e.distance = distance
	e.inside = inside

	switch {
	case inside && !wasInside:
		m.members++
		return m.event(models.KeyEntered, key, e), true
	case !inside && wasInside:
		m.members--
		return m.event(models.KeyExited, key, e), true
	case inside && moved:
		return m.event(models.KeyMoved, key, e), true
	}
	return models.Event{}, false
}

// SetCriteria re-evaluates every observed key against criteria. Members that
// fall outside exit and observed keys that fall inside enter. Members that
// stay inside produce no event. Events are ordered by key.
func (m *Manager) SetCriteria(criteria models.Criteria) []models.Event {
	m.criteria = criteria
	var events []models.Event
	for _, key := range m.keys() {
		e := m.entries[key]
		distance, inside := criteria.Contains(e.location)
		e.distance = distance
		switch {
		case inside && !e.inside:
			e.inside = true
			m.members++
			events = append(events, m.event(models.KeyEntered, key, e))
		case !inside && e.inside:
			e.inside = false
			m.members--
			events = append(events, m.event(models.KeyExited, key, e))
		}
	}
	return events
}

// Retain forgets every key whose geohash no longer falls in an active range.
// A forgotten member exits.
func (m *Manager) Retain(covered func(hash string) bool) []models.Event {
	var events []models.Event
	for _, key := range m.keys() {
		e := m.entries[key]
		if covered(e.geohash) {
			continue
		}
		delete(m.entries, key)
		if e.inside {
			m.members--
			events = append(events, m.event(models.KeyExited, key, e))
		}
	}
	return events
}

// Snapshot returns a key_entered event for every member, ordered by key.
func (m *Manager) Snapshot() []models.Event {
	events := make([]models.Event, 0, m.members)
	for _, key := range m.keys() {
		if e := m.entries[key]; e.inside {
			events = append(events, m.event(models.KeyEntered, key, e))
		}
	}
	return events
}

// Contains reports whether key is a member.
func (m *Manager) Contains(key string) bool {
	e, ok := m.entries[key]
	return ok && e.inside
}

// Len returns the number of members.
func (m *Manager) Len() int { return m.members }

// Tracked returns the number of observed keys, members or not.
func (m *Manager) Tracked() int { return len(m.entries) }

// Clear drops everything without producing events.
func (m *Manager) Clear() {
	m.entries = make(map[string]*entry)
	m.members = 0
}

func (m *Manager) keys() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Manager) event(t models.EventType, key string, e *entry) models.Event {
	return models.Event{
		Type:     t,
		Key:      key,
		Location: e.location,
		Distance: e.distance,
		Payload:  e.payload,
	}
}
