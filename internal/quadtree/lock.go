package quadtree

import "sync"

// rwuLock is a reader/writer lock with an additional upgradeable mode.
//
// Shared holders coexist with each other and with at most one upgradeable
// holder. The upgradeable holder may later upgrade to exclusive, waiting for
// shared holders to drain; no second upgradeable or exclusive holder can get
// in while it waits.
type rwuLock struct {
	mu       sync.Mutex
	cond     sync.Cond
	readers  int
	writer   bool
	upgrader bool
}

func (l *rwuLock) wait() {
	if l.cond.L == nil {
		l.cond.L = &l.mu
	}
	l.cond.Wait()
}

func (l *rwuLock) wake() {
	if l.cond.L == nil {
		l.cond.L = &l.mu
	}
	l.cond.Broadcast()
}

func (l *rwuLock) RLock() {
	l.mu.Lock()
	for l.writer {
		l.wait()
	}
	l.readers++
	l.mu.Unlock()
}

func (l *rwuLock) RUnlock() {
	l.mu.Lock()
	l.readers--
	if l.readers < 0 {
		panic("quadtree: RUnlock of unlocked quadrant")
	}
	if l.readers == 0 {
		l.wake()
	}
	l.mu.Unlock()
}

func (l *rwuLock) ULock() {
	l.mu.Lock()
	for l.writer || l.upgrader {
		l.wait()
	}
	l.upgrader = true
	l.mu.Unlock()
}

func (l *rwuLock) UUnlock() {
	l.mu.Lock()
	if !l.upgrader || l.writer {
		panic("quadtree: UUnlock without upgradeable hold")
	}
	l.upgrader = false
	l.wake()
	l.mu.Unlock()
}

// Upgrade turns an upgradeable hold into an exclusive one. Release it with
// Unlock.
func (l *rwuLock) Upgrade() {
	l.mu.Lock()
	if !l.upgrader {
		panic("quadtree: Upgrade without upgradeable hold")
	}
	for l.readers > 0 {
		l.wait()
	}
	l.writer = true
	l.upgrader = false
	l.mu.Unlock()
}

func (l *rwuLock) Lock() {
	l.mu.Lock()
	for l.writer || l.upgrader || l.readers > 0 {
		l.wait()
	}
	l.writer = true
	l.mu.Unlock()
}

func (l *rwuLock) Unlock() {
	l.mu.Lock()
	if !l.writer {
		panic("quadtree: Unlock of non-exclusive quadrant")
	}
	l.writer = false
	l.wake()
	l.mu.Unlock()
}
