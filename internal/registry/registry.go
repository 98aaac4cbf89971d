// Package registry tracks the live transport connections of every user.
// Registry membership is the only source of truth for whether a user is
// reachable right now.
package registry

import (
	"sync"
	"time"

	"parley/internal/models"
)

// Handle is one live connection of a user.
type Handle interface {
	ID() string
	Send(event models.ServerEvent) error
}

type Entry struct {
	UserID   int64
	Handle   Handle
	JoinedAt time.Time
}

type Registry struct {
	mu    sync.RWMutex
	users map[int64]map[string]Entry
	now   func() time.Time
}

func New() *Registry {
	return &Registry{
		users: make(map[int64]map[string]Entry),
		now:   time.Now,
	}
}

// Register adds h to the user's live handles and returns how many handles
// the user has afterwards. Registering the same handle twice keeps the
// original entry.
func (r *Registry) Register(userID int64, h Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles, ok := r.users[userID]
	if !ok {
		handles = make(map[string]Entry)
		r.users[userID] = handles
	}
	if _, exists := handles[h.ID()]; !exists {
		handles[h.ID()] = Entry{UserID: userID, Handle: h, JoinedAt: r.now()}
	}
	return len(handles)
}

// Unregister removes h and returns how many handles the user still has.
// Removing a handle that is not registered is a no-op.
func (r *Registry) Unregister(userID int64, h Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles, ok := r.users[userID]
	if !ok {
		return 0
	}
	delete(handles, h.ID())
	if len(handles) == 0 {
		delete(r.users, userID)
		return 0
	}
	return len(handles)
}

// LiveHandles returns a snapshot of the user's handles. The snapshot is
// not affected by later registrations.
func (r *Registry) LiveHandles(userID int64) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := r.users[userID]
	out := make([]Handle, 0, len(handles))
	for _, e := range handles {
		out = append(out, e.Handle)
	}
	return out
}

// Lookup returns the registration of handleID for userID.
func (r *Registry) Lookup(userID int64, handleID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.users[userID][handleID]
	return e, ok
}

func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// Len returns the number of live handles across all users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, handles := range r.users {
		n += len(handles)
	}
	return n
}
