// Package bus is the scene-keyed publish/subscribe channel both transports
// fan out from. Publishing never blocks: each subscriber owns a bounded
// queue, and a subscriber that cannot keep up is evicted rather than allowed
// to grow memory without bound.
package bus

import (
	"crypto/rand"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"sceneforge.dev/internal/metrics"
	"sceneforge.dev/internal/protocol"
)

// Subscriber is the single delivery capability shared by the socket room
// broadcaster and the streaming-HTTP writer.
type Subscriber interface {
	ID() string
	// Send enqueues without blocking. false means the queue is full or the
	// subscriber is dead; the bus evicts it.
	Send(ev protocol.Event) bool
	// Close releases the subscriber after eviction.
	Close()
}

// Journal receives every published event. Appends run on a dedicated writer
// goroutine and are best-effort: a slow or failing journal never blocks
// delivery, it just loses events.
type Journal interface {
	Append(ev protocol.Event) error
}

// journalQueue bounds how many events may wait for the journal writer before
// Publish starts dropping appends. Delivery to subscribers is unaffected.
const journalQueue = 1024

type Bus struct {
	log       *log.Logger
	metrics   *metrics.Counters
	journalCh chan protocol.Event

	mu      sync.Mutex
	scenes  map[string]map[string]Subscriber
	entropy *ulid.MonotonicEntropy
}

func New(logger *log.Logger, m *metrics.Counters, journal Journal) *Bus {
	b := &Bus{
		log:     logger,
		metrics: m,
		scenes:  make(map[string]map[string]Subscriber),
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	if journal != nil {
		b.journalCh = make(chan protocol.Event, journalQueue)
		go b.runJournal(journal)
	}
	return b
}

// runJournal drains the append queue for the Bus's lifetime, keeping file I/O
// off the publish path entirely.
func (b *Bus) runJournal(journal Journal) {
	for ev := range b.journalCh {
		if err := journal.Append(ev); err != nil && b.log != nil {
			b.log.Printf("journal append: %v", err)
		}
	}
}

func (b *Bus) Subscribe(sceneID string, s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.scenes[sceneID]
	if subs == nil {
		subs = make(map[string]Subscriber)
		b.scenes[sceneID] = subs
	}
	subs[s.ID()] = s
}

// Unsubscribe removes s only if it is still the registered subscriber for its
// id; a reconnect may have replaced the slot already.
func (b *Bus) Unsubscribe(sceneID string, s Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.scenes[sceneID][s.ID()]; ok && cur == s {
		b.removeLocked(sceneID, s.ID())
	}
}

func (b *Bus) removeLocked(sceneID, subID string) {
	subs := b.scenes[sceneID]
	if subs == nil {
		return
	}
	delete(subs, subID)
	if len(subs) == 0 {
		delete(b.scenes, sceneID)
	}
}

// Publish marshals payload once and delivers it to every subscriber of the
// scene in publication order. origin is skipped unless echo is set. The
// assigned event id is returned.
func (b *Bus) Publish(sceneID, kind, origin string, echo bool, payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	ev := protocol.Event{
		ID:      ulid.MustNew(ulid.Timestamp(now), b.entropy).String(),
		Kind:    kind,
		SceneID: sceneID,
		Origin:  origin,
		Echo:    echo,
		Payload: raw,
	}

	if b.metrics != nil {
		b.metrics.EventsPublished.Add(1)
	}
	if b.journalCh != nil {
		select {
		case b.journalCh <- ev:
		default:
			if b.metrics != nil {
				b.metrics.JournalDropped.Add(1)
			}
		}
	}

	var evicted []Subscriber
	for id, sub := range b.scenes[sceneID] {
		if id == origin && !echo {
			continue
		}
		if !sub.Send(ev) {
			if b.metrics != nil {
				b.metrics.EventsDropped.Add(1)
			}
			b.removeLocked(sceneID, id)
			evicted = append(evicted, sub)
		}
	}
	for _, sub := range evicted {
		if b.metrics != nil {
			b.metrics.SubscriberEvicted.Add(1)
		}
		if b.log != nil {
			b.log.Printf("evicting slow subscriber %s from scene %s", sub.ID(), sceneID)
		}
		sub.Close()
	}
	return ev.ID, nil
}

// SubscriberCount reports how many subscribers a scene currently has.
func (b *Bus) SubscriberCount(sceneID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.scenes[sceneID])
}
