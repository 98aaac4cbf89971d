// Package presence keeps the persisted online flag and last-seen time of
// users, and tells their contacts when the flag flips.
package presence

import (
	"fmt"
	"log/slog"
	"time"

	"parley/internal/models"
)

type StatusStore interface {
	GetStatus(userID int64) (models.UserStatus, error)
	SetStatus(status models.UserStatus) error
}

type contactIndex interface {
	Contacts(userID int64) ([]int64, error)
}

type deliverer interface {
	Deliver(targets []int64, event models.ServerEvent) int
}

// Manager is not safe for concurrent transitions of the same user; callers
// serialize connect and disconnect per user.
type Manager struct {
	store  StatusStore
	index  contactIndex
	router deliverer
	logger *slog.Logger
	now    func() time.Time
}

func NewManager(store StatusStore, index contactIndex, router deliverer, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:  store,
		index:  index,
		router: router,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) MarkOnline(userID int64) (models.UserStatus, error) {
	return m.set(userID, true)
}

func (m *Manager) MarkOffline(userID int64) (models.UserStatus, error) {
	return m.set(userID, false)
}

// Touch refreshes last_seen of an online user without notifying anyone.
// Offline users are left as they are.
func (m *Manager) Touch(userID int64) (models.UserStatus, error) {
	status, err := m.store.GetStatus(userID)
	if err != nil {
		return models.UserStatus{}, err
	}
	if !status.IsOnline {
		return status, nil
	}
	now := m.now()
	status.LastSeen = &now
	if err := m.store.SetStatus(status); err != nil {
		return models.UserStatus{}, fmt.Errorf("failed to touch status: %w", err)
	}
	return status, nil
}

func (m *Manager) GetStatus(userID int64) (models.UserStatus, error) {
	return m.store.GetStatus(userID)
}

// InterestedSet returns the users that receive presence changes of userID.
func (m *Manager) InterestedSet(userID int64) ([]int64, error) {
	return m.index.Contacts(userID)
}

func (m *Manager) set(userID int64, online bool) (models.UserStatus, error) {
	prev, err := m.store.GetStatus(userID)
	if err != nil {
		return models.UserStatus{}, err
	}

	now := m.now()
	status := models.UserStatus{UserID: userID, IsOnline: online, LastSeen: &now}
	if err := m.store.SetStatus(status); err != nil {
		return models.UserStatus{}, fmt.Errorf("failed to set status: %w", err)
	}

	if prev.IsOnline != online {
		m.notify(status)
	}
	return status, nil
}

// notify is best effort: the status is already persisted.
func (m *Manager) notify(status models.UserStatus) {
	targets, err := m.InterestedSet(status.UserID)
	if err != nil {
		m.logger.Error("failed to resolve presence audience", "user_id", status.UserID, "error", err)
		return
	}
	n := m.router.Deliver(targets, models.ServerEvent{
		Type:   models.EventPresenceChanged,
		Status: &status,
	})
	m.logger.Debug("presence changed",
		"user_id", status.UserID,
		"online", status.IsOnline,
		"audience", len(targets),
		"delivered", n,
	)
}
