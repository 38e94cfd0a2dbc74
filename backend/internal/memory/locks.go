package memory

import (
	"context"
	"sync"
)

// userLocks serialises work per user. Waiting honours context cancellation.
type userLocks struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{slots: make(map[string]*slot)}
}

// acquire blocks until the user's slot is free or ctx is done. The returned
// function releases the slot.
func (l *userLocks) acquire(ctx context.Context, userID string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[userID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[userID] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return func() {
			<-s.ch
			l.drop(userID, s)
		}, nil
	case <-ctx.Done():
		l.drop(userID, s)
		return nil, ctx.Err()
	}
}

func (l *userLocks) drop(userID string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, userID)
	}
}
