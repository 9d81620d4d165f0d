package indexer

import (
	"context"
	"sync"
)

// runLock is held by whoever currently works on a repository: an ingestion
// run or a delete. done closes on release; err is valid after that.
type runLock struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// wait blocks until the holder releases the lock or ctx ends.
func (l *runLock) wait(ctx context.Context) error {
	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// repoLocks provides non-blocking per-repository locks.
type repoLocks struct {
	mu   sync.Mutex
	held map[string]*runLock
}

func newRepoLocks() *repoLocks {
	return &repoLocks{held: make(map[string]*runLock)}
}

// tryAcquire takes the lock of repoID without blocking. cancel is what a
// later delete calls to stop the holder.
func (r *repoLocks) tryAcquire(repoID string, cancel context.CancelFunc) (*runLock, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.held[repoID]; busy {
		return nil, false
	}
	l := &runLock{cancel: cancel, done: make(chan struct{})}
	r.held[repoID] = l
	return l, true
}

// holder returns the current holder of repoID, if any.
func (r *repoLocks) holder(repoID string) *runLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.held[repoID]
}

// release drops l and wakes its waiters. Must only be called by the holder.
func (r *repoLocks) release(repoID string, l *runLock, err error) {
	r.mu.Lock()
	if r.held[repoID] == l {
		delete(r.held, repoID)
	}
	l.err = err
	r.mu.Unlock()
	close(l.done)
}

// all returns every current holder.
func (r *repoLocks) all() []*runLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*runLock, 0, len(r.held))
	for _, l := range r.held {
		out = append(out, l)
	}
	return out
}
