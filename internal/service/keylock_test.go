package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyLocksSerializeSameKey(t *testing.T) {
	locks := NewKeyLocks(8)
	var active, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !assert.NoError(t, locks.Lock(context.Background(), "book\x00b1")) {
				return
			}
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			locks.Unlock("book\x00b1")
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, peak.Load())
}

func TestKeyLocksLockHonorsContext(t *testing.T) {
	locks := NewKeyLocks(1)
	require.NoError(t, locks.Lock(context.Background(), "a"))
	defer locks.Unlock("a")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// 单条带时所有键共用一把锁
	assert.ErrorIs(t, locks.Lock(ctx, "b"), context.DeadlineExceeded)
}
