package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"geoquery/geohash"
	"geoquery/logger"
	"geoquery/metrics"
	"geoquery/models"
	"geoquery/resultset"
	"geoquery/store"
	"geoquery/watcher"
)

const defaultInboxSize = 256

// Options configures an engine and every query it creates.
type Options struct {
	Store      store.Store
	Decomposer geohash.Decomposer
	Retry      watcher.RetryPolicy
	Logger     *slog.Logger
	Metrics    *metrics.Collector
	// InboxSize is how many watcher events a query buffers before watchers
	// wait for it.
	InboxSize int
}

// Engine creates and tracks live queries over one store.
type Engine struct {
	opts Options

	mu      sync.Mutex
	queries map[string]*Query
	closed  bool
}

// NewEngine validates opts and fills in defaults.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("query engine needs a store")
	}
	if opts.Decomposer == (geohash.Decomposer{}) {
		opts.Decomposer = geohash.DefaultDecomposer()
	}
	if err := opts.Decomposer.Validate(); err != nil {
		return nil, err
	}
	if opts.Retry == (watcher.RetryPolicy{}) {
		opts.Retry = watcher.DefaultRetryPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = logger.L()
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = defaultInboxSize
	}
	return &Engine{opts: opts, queries: make(map[string]*Query)}, nil
}

// Create starts a live query for criteria.
func (e *Engine) Create(criteria models.Criteria) (*Query, error) {
	if err := criteria.Validate(); err != nil {
		return nil, err
	}
	ranges, err := e.opts.Decomposer.Ranges(criteria.Center.Latitude, criteria.Center.Longitude, criteria.RadiusKm)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, errors.New("query engine closed")
	}
	id := uuid.NewString()
	q := newQuery(id, criteria, ranges, e.opts, func() { e.forget(id) })
	e.queries[id] = q
	e.opts.Logger.Info("query_created", "query", id,
		"lat", criteria.Center.Latitude, "lng", criteria.Center.Longitude,
		"radius_km", criteria.RadiusKm, "ranges", len(ranges))
	return q, nil
}

// Get returns a live query by id.
func (e *Engine) Get(id string) (*Query, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	q, ok := e.queries[id]
	return q, ok
}

// UpdateCriteria updates the query with the given id.
func (e *Engine) UpdateCriteria(id string, criteria models.Criteria) error {
	q, ok := e.Get(id)
	if !ok {
		return fmt.Errorf("%w: query %s", models.ErrNotFound, id)
	}
	return q.UpdateCriteria(criteria)
}

// Cancel cancels the query with the given id. Unknown ids are ignored.
func (e *Engine) Cancel(id string) {
	if q, ok := e.Get(id); ok {
		q.Cancel()
	}
}

// Len returns the number of live queries.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queries)
}

// Close cancels every query and rejects new ones.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	queries := make([]*Query, 0, len(e.queries))
	for _, q := range e.queries {
		queries = append(queries, q)
	}
	e.mu.Unlock()
	for _, q := range queries {
		q.Cancel()
	}
}

func (e *Engine) forget(id string) {
	e.mu.Lock()
	delete(e.queries, id)
	e.mu.Unlock()
	e.opts.Logger.Info("query_cancelled", "query", id)
}

// Search answers criteria once: it loads every range, keeps the keys inside
// the circle and returns them nearest first. limit <= 0 means no limit.
func (e *Engine) Search(ctx context.Context, criteria models.Criteria, limit int) ([]models.Event, error) {
	if err := criteria.Validate(); err != nil {
		return nil, err
	}
	ranges, err := e.opts.Decomposer.Ranges(criteria.Center.Latitude, criteria.Center.Longitude, criteria.RadiusKm)
	if err != nil {
		return nil, err
	}

	snapshots := make([][]models.RawChange, len(ranges))
	g, gctx := errgroup.WithContext(ctx)
	for i, rng := range ranges {
		g.Go(func() error {
			changes, err := loadRange(gctx, e.opts.Store, rng)
			snapshots[i] = changes
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	m := resultset.New(criteria)
	for i, changes := range snapshots {
		for _, c := range changes {
			m.Apply(ranges[i], c)
		}
	}
	results := m.Snapshot()
	sort.SliceStable(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// loadRange reads a range's snapshot and stops listening.
func loadRange(ctx context.Context, st store.Store, rng geohash.Range) ([]models.RawChange, error) {
	sub, err := st.Subscribe(ctx, rng)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	var changes []models.RawChange
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case n, ok := <-sub.Changes():
			if !ok {
				err := sub.Err()
				if err == nil {
					err = fmt.Errorf("%w: range %s closed before loading", models.ErrStoreUnavailable, rng)
				}
				return nil, err
			}
			if n.Ready {
				return changes, nil
			}
			changes = append(changes, n.Change)
		}
	}
}
