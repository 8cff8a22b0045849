// Package metrics holds process-wide counters for the synchronization engine.
// Drops are silent to senders; these counters are the only trace they leave.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

type Counters struct {
	EventsPublished   atomic.Uint64
	EventsDropped     atomic.Uint64
	JournalDropped    atomic.Uint64
	ThrottleRejects   atomic.Uint64
	FloodWarnings     atomic.Uint64
	SubscriberEvicted atomic.Uint64
	StreamsOpened     atomic.Uint64
	StreamsSwept      atomic.Uint64
	SocketsOpened     atomic.Uint64
	DeltasCommitted   atomic.Uint64
	DeltasRejected    atomic.Uint64
}

func (c *Counters) Snapshot() map[string]uint64 {
	return map[string]uint64{
		"events_published":   c.EventsPublished.Load(),
		"events_dropped":     c.EventsDropped.Load(),
		"journal_dropped":    c.JournalDropped.Load(),
		"throttle_rejects":   c.ThrottleRejects.Load(),
		"flood_warnings":     c.FloodWarnings.Load(),
		"subscriber_evicted": c.SubscriberEvicted.Load(),
		"streams_opened":     c.StreamsOpened.Load(),
		"streams_swept":      c.StreamsSwept.Load(),
		"sockets_opened":     c.SocketsOpened.Load(),
		"deltas_committed":   c.DeltasCommitted.Load(),
		"deltas_rejected":    c.DeltasRejected.Load(),
	}
}

func (c *Counters) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(c.Snapshot())
	}
}
