package browser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/arkheioncorp/didin-facil/internal/proxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInstance struct {
	mu       sync.Mutex
	started  int
	stopped  int
	startErr error
}

func (f *fakeInstance) Start(context.Context, *proxy.Endpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	return f.startErr
}

func (f *fakeInstance) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
	return nil
}

func (f *fakeInstance) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started, f.stopped
}

type instanceFactory struct {
	mu        sync.Mutex
	instances []*fakeInstance
	startErr  error
}

func (f *instanceFactory) New() Instance {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst := &fakeInstance{startErr: f.startErr}
	f.instances = append(f.instances, inst)
	return inst
}

func TestPoolReusesReleasedInstances(t *testing.T) {
	factory := &instanceFactory{}
	pool := NewPool(2, factory.New)
	ctx := context.Background()

	a, err := pool.Acquire(ctx, nil)
	require.NoError(t, err)
	pool.Release(a)

	b, err := pool.Acquire(ctx, nil)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Len(t, factory.instances, 1)
}

func TestPoolBlocksAtCapacity(t *testing.T) {
	factory := &instanceFactory{}
	pool := NewPool(1, factory.New)

	inst, err := pool.Acquire(context.Background(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	pool.Release(inst)
	_, err = pool.Acquire(context.Background(), nil)
	assert.NoError(t, err)
}

func TestPoolShutdownStopsAcquiredInstances(t *testing.T) {
	factory := &instanceFactory{}
	pool := NewPool(3, factory.New)
	ctx := context.Background()

	first, err := pool.Acquire(ctx, nil)
	require.NoError(t, err)
	second, err := pool.Acquire(ctx, nil)
	require.NoError(t, err)
	pool.Release(second)

	require.NoError(t, pool.Shutdown())
	require.NoError(t, pool.Shutdown())

	for _, inst := range factory.instances {
		_, stopped := inst.counts()
		assert.Equal(t, 1, stopped)
	}

	_, err = pool.Acquire(ctx, nil)
	assert.ErrorIs(t, err, ErrPoolClosed)

	pool.Release(first)
	_, stopped := first.(*fakeInstance).counts()
	assert.Equal(t, 2, stopped)
}

func TestPoolStartFailureFreesSlot(t *testing.T) {
	factory := &instanceFactory{startErr: errors.New("no chromium")}
	pool := NewPool(1, factory.New)

	_, err := pool.Acquire(context.Background(), nil)
	require.ErrorContains(t, err, "no chromium")

	_, stopped := factory.instances[0].counts()
	assert.Equal(t, 1, stopped)

	factory.startErr = nil
	_, err = pool.Acquire(context.Background(), nil)
	assert.NoError(t, err)
}
