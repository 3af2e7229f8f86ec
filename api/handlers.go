package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/mux"

	"geoquery/geohash"
	"geoquery/logger"
	"geoquery/metrics"
	"geoquery/models"
	"geoquery/query"
	"geoquery/store"
)

// Options wires the HTTP surface to its collaborators.
type Options struct {
	Store        store.Store
	Engine       *query.Engine
	Decomposer   geohash.Decomposer
	Metrics      *metrics.Collector
	Logger       *slog.Logger
	StreamBuffer int
}

// Server serves the write path, one-shot searches and live query streams.
type Server struct {
	opts Options
	log  *slog.Logger
}

// NewServer fills in defaults for opts.
func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.L()
	}
	if opts.StreamBuffer <= 0 {
		opts.StreamBuffer = 1024
	}
	if opts.Decomposer == (geohash.Decomposer{}) {
		opts.Decomposer = geohash.DefaultDecomposer()
	}
	return &Server{opts: opts, log: opts.Logger.With("component", "api")}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrInvalidLocation),
		errors.Is(err, models.ErrInvalidRadius),
		errors.Is(err, models.ErrInvalidKey),
		errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrQueryCancelled):
		status = http.StatusGone
	case errors.Is(err, models.ErrStoreUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request_failed", "err", err)
	}
	http.Error(w, err.Error(), status)
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func floatParam(values url.Values, name string) (float64, error) {
	raw := values.Get(name)
	if raw == "" {
		return 0, badRequest("missing %s", name)
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, badRequest("invalid %s %q", name, raw)
	}
	return f, nil
}

// criteriaParams reads latitude, longitude and radius (km) from the query
// string.
func criteriaParams(values url.Values) (models.Criteria, error) {
	var c models.Criteria
	var err error
	if c.Center.Latitude, err = floatParam(values, "latitude"); err != nil {
		return c, err
	}
	if c.Center.Longitude, err = floatParam(values, "longitude"); err != nil {
		return c, err
	}
	if c.RadiusKm, err = floatParam(values, "radius"); err != nil {
		return c, err
	}
	return c, c.Validate()
}

type locationRequest struct {
	Latitude  *float64        `json:"latitude"`
	Longitude *float64        `json:"longitude"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PutLocation stores the location of a key.
func (s *Server) PutLocation(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]
	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		http.Error(w, "latitude and longitude are required", http.StatusBadRequest)
		return
	}
	loc := models.Location{Latitude: *req.Latitude, Longitude: *req.Longitude}
	if err := s.opts.Store.Set(r.Context(), key, loc, req.Payload); err != nil {
		s.writeError(w, err)
		return
	}
	s.opts.Metrics.Write("set")
	rec, err := s.opts.Store.Get(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// GetLocation returns the stored record of a key.
func (s *Server) GetLocation(w http.ResponseWriter, r *http.Request) {
	rec, err := s.opts.Store.Get(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteLocation removes a key.
func (s *Server) DeleteLocation(w http.ResponseWriter, r *http.Request) {
	if err := s.opts.Store.Remove(r.Context(), mux.Vars(r)["key"]); err != nil {
		s.writeError(w, err)
		return
	}
	s.opts.Metrics.Write("remove")
	w.WriteHeader(http.StatusNoContent)
}

// Ranges returns the geohash ranges a query circle decomposes into.
func (s *Server) Ranges(w http.ResponseWriter, r *http.Request) {
	c, err := criteriaParams(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}
	ranges, err := s.opts.Decomposer.Ranges(c.Center.Latitude, c.Center.Longitude, c.RadiusKm)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"criteria": c, "ranges": ranges})
}

// Search answers a radius query once, nearest first.
func (s *Server) Search(w http.ResponseWriter, r *http.Request) {
	values := r.URL.Query()
	c, err := criteriaParams(values)
	if err != nil {
		s.writeError(w, err)
		return
	}
	limit := 0
	if raw := values.Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			s.writeError(w, badRequest("invalid limit %q", raw))
			return
		}
	}
	results, err := s.opts.Engine.Search(r.Context(), c, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if results == nil {
		results = []models.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"criteria": c, "results": results})
}

// Distance returns the great-circle distance between two locations.
func (s *Server) Distance(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From models.Location `json:"from"`
		To   models.Location `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	for _, l := range []models.Location{req.From, req.To} {
		if err := l.Validate(); err != nil {
			s.writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]float64{"distance_km": req.From.DistanceTo(req.To)})
}

type queryInfo struct {
	ID       string          `json:"id"`
	State    string          `json:"state"`
	Criteria models.Criteria `json:"criteria"`
	Ranges   []geohash.Range `json:"ranges"`
}

func describe(q *query.Query) queryInfo {
	return queryInfo{ID: q.ID(), State: q.State().String(), Criteria: q.Criteria(), Ranges: q.Ranges()}
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*query.Query, bool) {
	id := mux.Vars(r)["id"]
	q, ok := s.opts.Engine.Get(id)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: query %s", models.ErrNotFound, id))
	}
	return q, ok
}

// GetQuery describes a live query.
func (s *Server) GetQuery(w http.ResponseWriter, r *http.Request) {
	if q, ok := s.lookup(w, r); ok {
		writeJSON(w, http.StatusOK, describe(q))
	}
}

// UpdateCriteria moves or resizes a live query.
func (s *Server) UpdateCriteria(w http.ResponseWriter, r *http.Request) {
	q, ok := s.lookup(w, r)
	if !ok {
		return
	}
	var c models.Criteria
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, "Invalid request payload", http.StatusBadRequest)
		return
	}
	if err := q.UpdateCriteria(c); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, describe(q))
}

// CancelQuery stops a live query; its stream ends.
func (s *Server) CancelQuery(w http.ResponseWriter, r *http.Request) {
	if q, ok := s.lookup(w, r); ok {
		q.Cancel()
		w.WriteHeader(http.StatusNoContent)
	}
}

type streamMessage struct {
	event string
	data  any
}

// StreamQuery creates a live query and streams its events as server-sent
// events until the client leaves or the query is cancelled. The first event,
// "query", carries the id used to update or cancel it. A client that falls
// more than StreamBuffer events behind is disconnected.
func (s *Server) StreamQuery(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	c, err := criteriaParams(r.URL.Query())
	if err != nil {
		s.writeError(w, err)
		return
	}
	q, err := s.opts.Engine.Create(c)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer q.Cancel()

	messages := make(chan streamMessage, s.opts.StreamBuffer)
	overflow := make(chan struct{})
	var once sync.Once
	push := func(m streamMessage) {
		select {
		case messages <- m:
		default:
			once.Do(func() { close(overflow) })
		}
	}
	for _, t := range []models.EventType{models.KeyEntered, models.KeyMoved, models.KeyExited} {
		name := t.String()
		q.On(t, func(ev models.Event) { push(streamMessage{event: name, data: ev}) })
	}
	q.OnReady(func() { push(streamMessage{event: "ready", data: map[string]string{"id": q.ID()}}) })
	q.OnError(func(err error) { push(streamMessage{event: "error", data: map[string]string{"error": err.Error()}}) })

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := writeEvent(w, streamMessage{event: "query", data: describe(q)}); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-q.Done():
			return
		case <-overflow:
			s.log.Warn("stream_client_too_slow", "query", q.ID(), "buffer", s.opts.StreamBuffer)
			writeEvent(w, streamMessage{event: "error", data: map[string]string{"error": "client too slow"}})
			flusher.Flush()
			return
		case m := <-messages:
			if err := writeEvent(w, m); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, m streamMessage) error {
	data, err := json.Marshal(m.data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", m.event, data)
	return err
}
