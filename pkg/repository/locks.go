package repository

import (
	"sync"

	"github.com/marmos91/auvault/pkg/store/metadata"
)

// fileLocks serializes version mutation per file: creating, committing and
// choosing preferred versions of one file never interleave. Different files
// proceed in parallel.
type fileLocks struct {
	mu    sync.Mutex
	locks map[metadata.NodeID]*fileLock
}

type fileLock struct {
	mu   sync.Mutex
	refs int
}

func newFileLocks() *fileLocks {
	return &fileLocks{locks: make(map[metadata.NodeID]*fileLock)}
}

// lock acquires the lock of id and returns its release function. Entries
// are dropped once nobody holds or waits for them.
func (l *fileLocks) lock(id metadata.NodeID) func() {
	l.mu.Lock()
	fl, ok := l.locks[id]
	if !ok {
		fl = &fileLock{}
		l.locks[id] = fl
	}
	fl.refs++
	l.mu.Unlock()

	fl.mu.Lock()

	return func() {
		fl.mu.Unlock()

		l.mu.Lock()
		fl.refs--
		if fl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// size returns the number of tracked entries.
func (l *fileLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
