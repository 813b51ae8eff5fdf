package rwlock

// State is the mode a Guard holds its lock in.
type State uint8

const (
	Unlocked State = iota
	Read
	Write
)

func (s State) String() string {
	switch s {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return "unlocked"
	}
}

// Guard tracks what a single goroutine holds on an RWLock so one deferred
// Release frees it whatever transitions happened in between.
//
//	g := rwlock.NewGuard(&mu)
//	defer g.Release()
//	g.RLock()
//	...
//	if !g.Upgrade() {
//		// revalidate
//	}
type Guard struct {
	l     *RWLock
	state State
}

// NewGuard returns an unlocked guard over l.
func NewGuard(l *RWLock) *Guard {
	return &Guard{l: l}
}

// State returns the current mode.
func (g *Guard) State() State { return g.state }

// RLock acquires a read lock. It is a no-op when the guard already holds
// the lock in any mode.
func (g *Guard) RLock() {
	if g.state != Unlocked {
		return
	}
	g.l.RLock()
	g.state = Read
}

// Lock acquires the write lock, upgrading a held read lock. It reports
// whether the lock was held continuously.
func (g *Guard) Lock() bool {
	switch g.state {
	case Write:
		return true
	case Read:
		return g.Upgrade()
	}
	g.l.Lock()
	g.state = Write
	return true
}

// Upgrade moves from Read to Write, see RWLock.Upgrade.
func (g *Guard) Upgrade() bool {
	if g.state != Read {
		return g.Lock()
	}
	atomic := g.l.Upgrade()
	g.state = Write
	return atomic
}

// Downgrade moves from Write to Read.
func (g *Guard) Downgrade() {
	if g.state != Write {
		return
	}
	g.l.Downgrade()
	g.state = Read
}

// Release frees whatever is held.
func (g *Guard) Release() {
	switch g.state {
	case Read:
		g.l.RUnlock()
	case Write:
		g.l.Unlock()
	}
	g.state = Unlocked
}
