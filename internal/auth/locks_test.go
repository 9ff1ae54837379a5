package auth

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAccountLocks_Exclusive(t *testing.T) {
	locks := NewAccountLocks()

	var inside, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locks.Acquire(context.Background(), "acc")
			require.NoError(t, err)
			defer release()

			n := atomic.AddInt32(&inside, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak)
}

func TestAccountLocks_IndependentAccounts(t *testing.T) {
	locks := NewAccountLocks()

	releaseA, err := locks.Acquire(context.Background(), "a")
	require.NoError(t, err)
	defer releaseA()

	releaseB, ok := locks.TryAcquire("b")
	require.True(t, ok)
	releaseB()
}

func TestAccountLocks_AcquireHonorsContext(t *testing.T) {
	locks := NewAccountLocks()
	release, err := locks.Acquire(context.Background(), "acc")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = locks.Acquire(ctx, "acc")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, ok := locks.TryAcquire("acc")
	assert.False(t, ok)

	release()
	release() // idempotent

	again, ok := locks.TryAcquire("acc")
	require.True(t, ok)
	again()
}
