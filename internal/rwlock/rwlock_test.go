package rwlock

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpgradeIsAtomicForSingleReader(t *testing.T) {
	var l RWLock
	l.RLock()
	assert.True(t, l.Upgrade())
	l.Downgrade()
	l.RUnlock()

	l.Lock()
	l.Unlock()
}

func TestUpgradeWaitsForOtherReaders(t *testing.T) {
	var l RWLock
	l.RLock()
	l.RLock()

	upgraded := make(chan bool)
	go func() { upgraded <- l.Upgrade() }()

	select {
	case <-upgraded:
		t.Fatal("upgrade must wait for the second reader")
	case <-time.After(20 * time.Millisecond):
	}

	l.RUnlock()
	assert.True(t, <-upgraded)
	l.Unlock()
}

func TestPendingUpgradeBlocksNewReaders(t *testing.T) {
	var l RWLock
	l.RLock()
	l.RLock()

	done := make(chan struct{})
	go func() {
		l.Upgrade()
		l.Unlock()
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)

	var entered atomic.Bool
	go func() {
		l.RLock()
		entered.Store(true)
		l.RUnlock()
	}()
	time.Sleep(10 * time.Millisecond)
	assert.False(t, entered.Load())

	l.RUnlock()
	<-done
	assert.Eventually(t, entered.Load, time.Second, time.Millisecond)
}

func TestConcurrentUpgradersOneLosesAtomicity(t *testing.T) {
	var l RWLock
	const n = 4
	var wg sync.WaitGroup
	var atomicCount, shared atomic.Int32
	start := make(chan struct{})

	for i := 0; i < n; i++ {
		l.RLock()
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if l.Upgrade() {
				atomicCount.Add(1)
			}
			v := shared.Add(1)
			assert.Equal(t, int32(1), v, "writers must be exclusive")
			shared.Add(-1)
			l.Unlock()
		}()
	}
	close(start)
	wg.Wait()

	assert.LessOrEqual(t, atomicCount.Load(), int32(1))
	assert.GreaterOrEqual(t, atomicCount.Load(), int32(1))
}

func TestWriterExcludesReaders(t *testing.T) {
	var l RWLock
	var counter int
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Lock()
				counter++
				l.Unlock()
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.RLock()
				_ = counter
				l.RUnlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, counter)
}

func TestGuard(t *testing.T) {
	var l RWLock
	g := NewGuard(&l)
	assert.Equal(t, Unlocked, g.State())

	g.RLock()
	assert.Equal(t, Read, g.State())
	require.True(t, g.Upgrade())
	assert.Equal(t, Write, g.State())
	g.Downgrade()
	assert.Equal(t, Read, g.State())
	g.Release()
	assert.Equal(t, Unlocked, g.State())
	g.Release()

	assert.True(t, g.Lock())
	assert.Equal(t, "write", g.State().String())
	g.Release()

	l.Lock()
	l.Unlock()
}

func TestMisusePanics(t *testing.T) {
	var l RWLock
	assert.Panics(t, func() { l.RUnlock() })
	assert.Panics(t, func() { l.Unlock() })
	assert.Panics(t, func() { l.Upgrade() })
	assert.Panics(t, func() { l.Downgrade() })
}
