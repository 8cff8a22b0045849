// Package presence tracks which users hold live connections per scene. One
// user may hold several connections (multiple tabs); an entry exists iff its
// connection set is non-empty.
//
// Mutations never broadcast. The gateway re-publishes the presence list after
// any call that changes membership.
package presence

import (
	"context"
	"time"
)

// StatusOnline is the only status currently reported; entries disappear
// instead of going offline.
const StatusOnline = "online"

// Info is one row of a scene's presence list.
type Info struct {
	UserID      string
	DisplayName string
	LastSeen    time.Time
}

// Removal identifies a user whose last connection went away.
type Removal struct {
	SceneID string
	UserID  string
}

// Store abstracts the presence registry. The in-memory implementation serves
// single-instance deployments; the valkey implementation shares state across
// instances without changing call sites.
type Store interface {
	// Add registers a connection, creating the user's entry on first
	// connection and refreshing lastActivity otherwise. created is true
	// when the user was not present before: the signal to re-broadcast
	// the presence list.
	Add(ctx context.Context, sceneID, userID, connID, displayName string) (created bool, err error)

	// Remove drops a connection from whichever user owns it. emptied is
	// true when this removed the user's last connection: the signal to
	// re-broadcast the presence list exactly once.
	Remove(ctx context.Context, sceneID, connID string) (userID string, emptied bool, err error)

	List(ctx context.Context, sceneID string) ([]Info, error)

	// Touch refreshes a user's lastActivity on inbound traffic, keeping
	// active connections clear of the sweep.
	Touch(ctx context.Context, sceneID, userID string) error

	// Sweep removes entries inactive beyond maxInactive, recovering from
	// ungracefully closed connections.
	Sweep(ctx context.Context, maxInactive time.Duration) ([]Removal, error)

	// ActiveUsers returns every user present in any scene. Per-user state
	// held outside the store (throttle windows) is reclaimed against this
	// set, which covers graceful disconnects the sweep never sees.
	ActiveUsers(ctx context.Context) (map[string]struct{}, error)
}
