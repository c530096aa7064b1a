package commands

import (
	"context"
	"sync"
	"time"
)

type pollLock struct {
	ch   chan struct{}
	refs int
}

// pollLocks serializes vote application per poll. Waiting honors the
// caller's context and a per-attempt wait.
type pollLocks struct {
	mu    sync.Mutex
	locks map[string]*pollLock
}

func newPollLocks() *pollLocks {
	return &pollLocks{locks: make(map[string]*pollLock)}
}

func (l *pollLocks) acquireRef(pollID string) *pollLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[pollID]
	if !ok {
		lock = &pollLock{ch: make(chan struct{}, 1)}
		l.locks[pollID] = lock
	}
	lock.refs++
	return lock
}

func (l *pollLocks) dropRef(pollID string, lock *pollLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(l.locks, pollID)
	}
}

// Lock tries up to attempts times, waiting at most wait each time. It
// returns a release func, or false when the lock was not obtained.
func (l *pollLocks) Lock(ctx context.Context, pollID string, wait time.Duration, attempts int) (func(), bool, error) {
	if attempts <= 0 {
		attempts = 1
	}
	lock := l.acquireRef(pollID)
	for attempt := 0; attempt < attempts; attempt++ {
		timer := time.NewTimer(wait)
		select {
		case lock.ch <- struct{}{}:
			timer.Stop()
			var once sync.Once
			return func() {
				once.Do(func() {
					<-lock.ch
					l.dropRef(pollID, lock)
				})
			}, true, nil
		case <-ctx.Done():
			timer.Stop()
			l.dropRef(pollID, lock)
			return nil, false, ctx.Err()
		case <-timer.C:
		}
	}
	l.dropRef(pollID, lock)
	return nil, false, nil
}
