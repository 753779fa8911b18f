package jobserver

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dvflow/dvflow/internal/env"
	"github.com/stretchr/testify/require"
)

func TestOwnerPoolPublishesMakeflags(t *testing.T) {
	envMap := env.Map{}
	pool, err := Discover(envMap, 4)
	require.NoError(t, err)
	defer pool.Close()
	require.True(t, pool.IsOwner())
	mf, ok := envMap[MakeflagsKey]
	require.True(t, ok)
	fifoPath, ok := ParseAuth(mf)
	require.True(t, ok)
	require.NotEmpty(t, fifoPath)
}

func TestNonOwnerJoinsExistingPool(t *testing.T) {
	envMap := env.Map{}
	owner, err := Discover(envMap, 2)
	require.NoError(t, err)
	defer owner.Close()

	joiner, err := Discover(envMap, 2)
	require.NoError(t, err)
	require.False(t, joiner.IsOwner())
}

func TestNprocBound(t *testing.T) {
	envMap := env.Map{}
	pool, err := Discover(envMap, 2)
	require.NoError(t, err)
	defer pool.Close()

	var running int32
	var maxRunning int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			require.NoError(t, pool.Acquire(ctx))
			defer pool.Release()
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&maxRunning)
				if n <= old || atomic.CompareAndSwapInt32(&maxRunning, old, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&running, -1)
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, int(maxRunning), 2)
}
