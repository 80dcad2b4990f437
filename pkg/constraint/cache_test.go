package constraint

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgeflare/graphstream/pkg/pipeline/cdc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcLoader func(ctx context.Context) ([]cdc.Constraint, error)

func (f funcLoader) Load(ctx context.Context) ([]cdc.Constraint, error) { return f(ctx) }

var fixture = []cdc.Constraint{
	{Label: "Person", Properties: []string{"email"}, Type: cdc.ConstraintUnique},
	{Label: "Person", Properties: []string{"name"}, Type: cdc.ConstraintNodePropertyExists},
	{Label: "User", Properties: []string{"login"}, Type: cdc.ConstraintUnique},
	{Label: "KNOWS", Properties: []string{"since"}, Type: cdc.ConstraintRelationshipPropertyExists},
}

func TestSnapshotIndexes(t *testing.T) {
	s := NewSnapshot(fixture)

	assert.Len(t, s.ForLabels([]string{"Person"}), 2)
	assert.Len(t, s.ForLabels([]string{"Person", "User"}), 3)
	assert.Empty(t, s.ForLabels([]string{"KNOWS"}), "relationship constraints are not node constraints")
	assert.Equal(t, []cdc.Constraint{fixture[3]}, s.ForType("KNOWS"))
	assert.Equal(t, 4, s.Len())
	assert.Len(t, s.All(), 4)
}

func TestCacheEmptyBeforeStart(t *testing.T) {
	c := NewCache(StaticLoader(fixture))
	require.NotNil(t, c.Snapshot())
	assert.Zero(t, c.Snapshot().Len())

	var nilCache *Cache
	assert.Zero(t, nilCache.Snapshot().Len())
}

func TestCacheStartLoads(t *testing.T) {
	c := NewCache(StaticLoader(fixture), WithRefreshInterval(time.Hour))
	c.Start(context.Background())
	defer c.Close()

	assert.Equal(t, 4, c.Snapshot().Len())
}

func TestCacheKeepsSnapshotOnFailure(t *testing.T) {
	var fail atomic.Bool
	loader := funcLoader(func(context.Context) ([]cdc.Constraint, error) {
		if fail.Load() {
			return nil, errors.New("database unavailable")
		}
		return fixture, nil
	})

	c := NewCache(loader)
	require.NoError(t, c.Reload(context.Background()))
	before := c.Snapshot()

	fail.Store(true)
	assert.Error(t, c.Reload(context.Background()))
	assert.Same(t, before, c.Snapshot())
}

func TestCacheInitialFailureDegradesToEmpty(t *testing.T) {
	loader := funcLoader(func(context.Context) ([]cdc.Constraint, error) {
		return nil, errors.New("no catalog")
	})
	c := NewCache(loader, WithRefreshInterval(time.Hour))
	c.Start(context.Background())
	defer c.Close()

	assert.Zero(t, c.Snapshot().Len())
}

func TestCacheNotifyTriggersReload(t *testing.T) {
	var calls atomic.Int32
	loader := funcLoader(func(context.Context) ([]cdc.Constraint, error) {
		if calls.Add(1) == 1 {
			return nil, nil
		}
		return fixture, nil
	})

	notify := make(chan struct{})
	c := NewCache(loader, WithRefreshInterval(time.Hour), WithNotify(notify))
	c.Start(context.Background())
	defer c.Close()
	assert.Zero(t, c.Snapshot().Len())

	notify <- struct{}{}
	assert.Eventually(t, func() bool { return c.Snapshot().Len() == 4 }, time.Second, 10*time.Millisecond)
}

func TestCacheConcurrentReaders(t *testing.T) {
	c := NewCache(StaticLoader(fixture), WithRefreshInterval(time.Millisecond))
	c.Start(context.Background())
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				assert.Len(t, c.Snapshot().ForLabels([]string{"Person"}), 2)
			}
		}()
	}
	wg.Wait()
}
