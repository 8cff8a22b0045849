// Package transport holds what the two delivery adapters share: publishing
// the presence list after a registry mutation changes membership.
package transport

import (
	"context"
	"log"

	"sceneforge.dev/internal/bus"
	"sceneforge.dev/internal/presence"
	"sceneforge.dev/internal/protocol"
)

// PublishPresence snapshots the scene's presence list and publishes it to
// every subscriber, including whoever triggered the change.
func PublishPresence(ctx context.Context, b *bus.Bus, store presence.Store, sceneID string, logger *log.Logger) {
	infos, err := store.List(ctx, sceneID)
	if err != nil {
		if logger != nil {
			logger.Printf("presence list for %s: %v", sceneID, err)
		}
		return
	}
	users := make([]protocol.PresenceUser, 0, len(infos))
	for _, in := range infos {
		users = append(users, protocol.PresenceUser{
			UserID:      in.UserID,
			DisplayName: in.DisplayName,
			Status:      presence.StatusOnline,
			LastSeen:    in.LastSeen.UnixMilli(),
		})
	}
	msg := protocol.PresenceMsg{Type: protocol.TypePresence, SceneID: sceneID, Users: users}
	if _, err := b.Publish(sceneID, protocol.EventPresence, "", true, msg); err != nil && logger != nil {
		logger.Printf("publish presence for %s: %v", sceneID, err)
	}
}
