// Package delivery fans events out to the live connections of users.
//
// Delivery is best effort: a user without live handles misses the event
// for good and catches up by reading persisted state. Nothing is queued
// or retried.
package delivery

import (
	"log/slog"
	"slices"

	"parley/internal/models"
	"parley/internal/registry"
)

type handleSource interface {
	LiveHandles(userID int64) []registry.Handle
}

type Router struct {
	handles handleSource
	logger  *slog.Logger
}

func NewRouter(handles handleSource, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{handles: handles, logger: logger}
}

// Deliver pushes event to every live handle of every target and returns the
// number of successful pushes. A failing handle is logged and skipped.
func (r *Router) Deliver(targets []int64, event models.ServerEvent) int {
	delivered := 0
	for _, userID := range uniqueIDs(targets) {
		for _, h := range r.handles.LiveHandles(userID) {
			if err := h.Send(event); err != nil {
				r.logger.Warn("push failed",
					"user_id", userID,
					"handle", h.ID(),
					"type", event.Type,
					"error", err,
				)
				continue
			}
			delivered++
		}
	}
	return delivered
}

func uniqueIDs(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}
