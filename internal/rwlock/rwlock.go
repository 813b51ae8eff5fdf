package rwlock

import "sync"

// RWLock is a reader/writer lock whose readers may upgrade in place.
//
// At most one reader upgrades atomically at a time: while an upgrade is
// pending no new reader or writer gets in, and the upgrader proceeds once it
// is the last reader left. A second reader asking to upgrade meanwhile drops
// its read lock and queues as an ordinary writer; Upgrade then returns false
// and the caller must revalidate whatever it observed under the read lock.
//
// Writers take precedence over new readers. The zero value is an unlocked
// RWLock. Locks are not reentrant.
type RWLock struct {
	mu   sync.Mutex
	cond *sync.Cond

	readers        int
	writer         bool
	upgrading      bool
	waitingWriters int
}

func (l *RWLock) wait() {
	if l.cond == nil {
		l.cond = sync.NewCond(&l.mu)
	}
	l.cond.Wait()
}

func (l *RWLock) broadcast() {
	if l.cond != nil {
		l.cond.Broadcast()
	}
}

// RLock acquires the lock for reading.
func (l *RWLock) RLock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.writer || l.upgrading || l.waitingWriters > 0 {
		l.wait()
	}
	l.readers++
}

// RUnlock releases a read lock.
func (l *RWLock) RUnlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readers <= 0 {
		panic("rwlock: RUnlock of unlocked RWLock")
	}
	l.readers--
	if l.readers <= 1 {
		l.broadcast()
	}
}

// Lock acquires the lock for writing.
func (l *RWLock) Lock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acquireWriteLocked()
}

func (l *RWLock) acquireWriteLocked() {
	l.waitingWriters++
	for l.writer || l.readers > 0 || l.upgrading {
		l.wait()
	}
	l.waitingWriters--
	l.writer = true
}

// Unlock releases the write lock.
func (l *RWLock) Unlock() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.writer {
		panic("rwlock: Unlock of unlocked RWLock")
	}
	l.writer = false
	l.broadcast()
}

// Upgrade turns the caller's read lock into the write lock. It reports
// whether the lock was held continuously. On false the read lock was
// released before the write lock was acquired.
func (l *RWLock) Upgrade() (wasAtomic bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.readers <= 0 {
		panic("rwlock: Upgrade without read lock")
	}
	if l.upgrading {
		l.readers--
		l.broadcast()
		l.acquireWriteLocked()
		return false
	}
	l.upgrading = true
	for l.readers > 1 {
		l.wait()
	}
	l.readers--
	l.upgrading = false
	l.writer = true
	return true
}

// Downgrade turns the write lock into a read lock without releasing it.
func (l *RWLock) Downgrade() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.writer {
		panic("rwlock: Downgrade of unlocked RWLock")
	}
	l.writer = false
	l.readers++
	l.broadcast()
}
