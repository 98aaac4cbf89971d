package ws

import "sync"

// userLocks hands out one mutex per user id. Entries are dropped once no
// goroutine holds or waits for them.
type userLocks struct {
	mu    sync.Mutex
	locks map[int64]*userLock
}

type userLock struct {
	sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[int64]*userLock)}
}

// Lock blocks until the user's lock is held and returns its release func.
func (u *userLocks) Lock(userID int64) func() {
	u.mu.Lock()
	l, ok := u.locks[userID]
	if !ok {
		l = &userLock{}
		u.locks[userID] = l
	}
	l.refs++
	u.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		u.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(u.locks, userID)
		}
		u.mu.Unlock()
	}
}

func (u *userLocks) len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.locks)
}
