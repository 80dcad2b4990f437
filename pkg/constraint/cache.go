// Package constraint caches the graph's uniqueness and existence constraints.
//
// One refresher goroutine owns writes and atomically swaps an immutable
// Snapshot; readers load the current pointer and never take a lock. A reader
// may observe a view that is stale by one refresh interval.
package constraint

import (
	"context"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeflare/graphstream/pkg/metrics"
	"github.com/edgeflare/graphstream/pkg/pipeline/cdc"
	"go.uber.org/zap"
)

const defaultRefreshInterval = 10 * time.Second

// Loader reads the full constraint set from the database
type Loader interface {
	Load(ctx context.Context) ([]cdc.Constraint, error)
}

// StaticLoader serves a fixed constraint set
type StaticLoader []cdc.Constraint

func (s StaticLoader) Load(_ context.Context) ([]cdc.Constraint, error) {
	return slices.Clone(s), nil
}

// Snapshot is an immutable view of the constraint set
type Snapshot struct {
	byLabel map[string][]cdc.Constraint
	byType  map[string][]cdc.Constraint
	loaded  time.Time
}

// NewSnapshot indexes constraints by owning label or relationship type
func NewSnapshot(constraints []cdc.Constraint) *Snapshot {
	s := &Snapshot{
		byLabel: make(map[string][]cdc.Constraint),
		byType:  make(map[string][]cdc.Constraint),
		loaded:  time.Now(),
	}
	for _, c := range constraints {
		if c.OnRelationship() {
			s.byType[c.Label] = append(s.byType[c.Label], c)
		} else {
			s.byLabel[c.Label] = append(s.byLabel[c.Label], c)
		}
	}
	return s
}

var emptySnapshot = NewSnapshot(nil)

// ForLabels returns the node constraints owned by any of labels
func (s *Snapshot) ForLabels(labels []string) []cdc.Constraint {
	if s == nil {
		return nil
	}
	var out []cdc.Constraint
	for _, l := range labels {
		out = append(out, s.byLabel[l]...)
	}
	return out
}

// ForType returns the constraints owned by a relationship type
func (s *Snapshot) ForType(relType string) []cdc.Constraint {
	if s == nil {
		return nil
	}
	return slices.Clone(s.byType[relType])
}

// All returns every cached constraint, ordered by owner
func (s *Snapshot) All() []cdc.Constraint {
	var out []cdc.Constraint
	for _, cs := range s.byLabel {
		out = append(out, cs...)
	}
	for _, cs := range s.byType {
		out = append(out, cs...)
	}
	slices.SortStableFunc(out, func(a, b cdc.Constraint) int {
		return strings.Compare(a.String(), b.String())
	})
	return out
}

// Len returns the number of cached constraints
func (s *Snapshot) Len() int {
	n := 0
	for _, cs := range s.byLabel {
		n += len(cs)
	}
	for _, cs := range s.byType {
		n += len(cs)
	}
	return n
}

// LoadedAt returns when the snapshot was built
func (s *Snapshot) LoadedAt() time.Time { return s.loaded }

// Cache keeps the latest Snapshot
type Cache struct {
	loader   Loader
	interval time.Duration
	notify   <-chan struct{}
	logger   *zap.Logger
	current  atomic.Pointer[Snapshot]
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Option configures a Cache
type Option func(*Cache)

// WithRefreshInterval sets the refresh period
func WithRefreshInterval(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithNotify triggers an immediate reload whenever ch fires
func WithNotify(ch <-chan struct{}) Option {
	return func(c *Cache) { c.notify = ch }
}

// WithLogger sets the logger
func WithLogger(l *zap.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

func NewCache(loader Loader, opts ...Option) *Cache {
	c := &Cache{
		loader:   loader,
		interval: defaultRefreshInterval,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.current.Store(emptySnapshot)
	return c
}

// Snapshot returns the current view. It never blocks and never returns nil.
func (c *Cache) Snapshot() *Snapshot {
	if c == nil {
		return emptySnapshot
	}
	return c.current.Load()
}

// Start loads once and then refreshes in the background until ctx is done or
// Close is called. A failed initial load leaves the cache empty.
func (c *Cache) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	if err := c.Reload(ctx); err != nil {
		c.logger.Warn("initial constraint load failed, continuing without constraints", zap.Error(err))
	}

	c.wg.Add(1)
	go c.refreshLoop(ctx)
}

func (c *Cache) refreshLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case _, ok := <-c.notify:
			if !ok {
				c.notify = nil
				continue
			}
		}
		if err := c.Reload(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("constraint refresh failed, keeping previous snapshot", zap.Error(err))
		}
	}
}

// Reload replaces the snapshot with a fresh load. On error the previous
// snapshot is kept.
func (c *Cache) Reload(ctx context.Context) error {
	constraints, err := c.loader.Load(ctx)
	if err != nil {
		metrics.ConstraintRefreshes.WithLabelValues("error").Inc()
		return err
	}
	snap := NewSnapshot(constraints)
	c.current.Store(snap)
	metrics.ConstraintRefreshes.WithLabelValues("ok").Inc()
	c.logger.Debug("constraint cache refreshed", zap.Int("constraints", snap.Len()))
	return nil
}

// Close stops the refresher
func (c *Cache) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}
