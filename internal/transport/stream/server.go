// Package stream is the streaming-HTTP adapter: one long-lived
// text/event-stream response per connection, fed from the scene bus.
//
// Resume contract: a client presenting Last-Event-ID gets a `resumed` marker
// and is expected to re-fetch current scene state. Events between disconnect
// and reconnect are not replayed.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/oklog/ulid/v2"

	"sceneforge.dev/internal/auth"
	"sceneforge.dev/internal/bus"
	"sceneforge.dev/internal/metrics"
	"sceneforge.dev/internal/presence"
	"sceneforge.dev/internal/protocol"
	"sceneforge.dev/internal/scene"
	"sceneforge.dev/internal/transport"
)

const (
	heartbeatEvery = 15 * time.Second
	sweepEvery     = 30 * time.Second
	idleAfter      = 60 * time.Second
	sendQueue      = 256
)

type Server struct {
	engine   *scene.Engine
	bus      *bus.Bus
	presence presence.Store
	verifier auth.TokenVerifier
	access   auth.AccessChecker
	metrics  *metrics.Counters
	log      *log.Logger

	mu      sync.Mutex
	streams map[string]*stream
}

func NewServer(engine *scene.Engine, b *bus.Bus, store presence.Store,
	verifier auth.TokenVerifier, access auth.AccessChecker, m *metrics.Counters, logger *log.Logger) *Server {
	return &Server{
		engine:   engine,
		bus:      b,
		presence: store,
		verifier: verifier,
		access:   access,
		metrics:  m,
		log:      logger,
		streams:  make(map[string]*stream),
	}
}

// stream is one registered output stream. It implements bus.Subscriber.
type stream struct {
	id      string
	sceneID string

	out      chan protocol.Event
	done     chan struct{}
	doneOnce sync.Once

	lastActive atomic.Int64 // unix nano of the last successful write
}

func (st *stream) ID() string { return st.id }

func (st *stream) Send(ev protocol.Event) bool {
	select {
	case <-st.done:
		return false
	default:
	}
	select {
	case st.out <- ev:
		return true
	default:
		return false
	}
}

func (st *stream) Close() {
	st.doneOnce.Do(func() { close(st.done) })
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		sceneID := mux.Vars(r)["sceneId"]
		who, err := s.verifier.Verify(auth.TokenFromRequest(r))
		if err != nil {
			http.Error(rw, "unauthorized", http.StatusUnauthorized)
			return
		}
		ok, err := s.access.UserHasSceneAccess(r.Context(), who.UserID, sceneID, http.MethodGet)
		if err != nil || !ok {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		flusher, ok := rw.(http.Flusher)
		if !ok {
			http.Error(rw, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		connID := r.URL.Query().Get("clientId")
		if connID == "" {
			connID = uuid.NewString()
		}

		rw.Header().Set("Content-Type", "text/event-stream")
		rw.Header().Set("Cache-Control", "no-cache")
		rw.Header().Set("Connection", "keep-alive")
		rw.Header().Set("X-Accel-Buffering", "no")
		rw.WriteHeader(http.StatusOK)

		st := &stream{
			id:      connID,
			sceneID: sceneID,
			out:     make(chan protocol.Event, sendQueue),
			done:    make(chan struct{}),
		}
		st.lastActive.Store(time.Now().UnixNano())

		s.register(st)
		s.bus.Subscribe(sceneID, st)
		created, err := s.presence.Add(r.Context(), sceneID, who.UserID, connID, who.DisplayName)
		if err != nil && s.log != nil {
			s.log.Printf("presence add %s/%s: %v", sceneID, who.UserID, err)
		}
		if s.metrics != nil {
			s.metrics.StreamsOpened.Add(1)
		}

		defer func() {
			st.Close()
			s.bus.Unsubscribe(sceneID, st)
			s.unregister(st)
			// The request context is already canceled here; cleanup still
			// has to reach the presence store.
			ctx := context.Background()
			_, emptied, err := s.presence.Remove(ctx, sceneID, connID)
			if err != nil && s.log != nil {
				s.log.Printf("presence remove %s/%s: %v", sceneID, connID, err)
			}
			if emptied {
				transport.PublishPresence(ctx, s.bus, s.presence, sceneID, s.log)
			}
		}()

		write := func(id, event string, data []byte) {
			if err := writeFrame(rw, id, event, data); err != nil {
				st.Close()
				return
			}
			flusher.Flush()
			st.lastActive.Store(time.Now().UnixNano())
		}
		writeJSON := func(event string, v any) {
			b, err := json.Marshal(v)
			if err != nil {
				return
			}
			write(ulid.Make().String(), event, b)
		}

		writeJSON("connected", map[string]any{
			"connectionId": connID,
			"sceneId":      sceneID,
			"serverTime":   time.Now().UnixMilli(),
		})

		if lastID := r.Header.Get("Last-Event-ID"); lastID != "" {
			// No replay between disconnect and reconnect: tell the
			// client to re-fetch version + manifest instead.
			writeJSON("resumed", map[string]any{
				"lastEventId": lastID,
				"replayed":    false,
				"message":     "event replay unavailable; refetch scene state",
			})
		} else {
			manifest, err := s.engine.Manifest(r.Context(), sceneID)
			if err != nil {
				writeJSON("error", map[string]any{"code": protocol.CodeOf(err), "message": "scene unavailable"})
				return
			}
			writeJSON("sceneState", manifest)
		}

		if created {
			transport.PublishPresence(r.Context(), s.bus, s.presence, sceneID, s.log)
		}

		heartbeat := time.NewTicker(heartbeatEvery)
		defer heartbeat.Stop()

		for {
			select {
			case <-r.Context().Done():
				return
			case <-st.done:
				return
			case <-heartbeat.C:
				writeJSON("heartbeat", map[string]any{"ts": time.Now().UnixMilli()})
			case ev := <-st.out:
				write(ev.ID, ev.Kind, ev.Payload)
			}
		}
	}
}

// writeFrame emits one event-stream frame. Both writes are checked: a failed
// id line means the connection is gone just as surely as a failed data line.
func writeFrame(w io.Writer, id, event string, data []byte) error {
	if id != "" {
		if _, err := fmt.Fprintf(w, "id: %s\n", id); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}

func (s *Server) register(st *stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	// A reconnecting client may reuse its clientId before the old handler
	// unwinds; close the stale stream so only one writer remains.
	if old, ok := s.streams[st.id]; ok {
		old.Close()
	}
	s.streams[st.id] = st
}

// unregister removes the stream only if it still owns its id; a reconnect may
// have replaced the map entry before the old handler unwound.
func (s *Server) unregister(st *stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.streams[st.id]; ok && cur == st {
		delete(s.streams, st.id)
	}
}

// RunSweeper closes streams that have not written successfully within
// idleAfter, so broken intermediaries cannot pin resources. Runs until ctx is
// done.
func (s *Server) RunSweeper(done <-chan struct{}) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-idleAfter).UnixNano()
			s.mu.Lock()
			var stale []*stream
			for _, st := range s.streams {
				if st.lastActive.Load() < cutoff {
					stale = append(stale, st)
				}
			}
			s.mu.Unlock()
			for _, st := range stale {
				if s.metrics != nil {
					s.metrics.StreamsSwept.Add(1)
				}
				if s.log != nil {
					s.log.Printf("sweeping idle stream %s (scene %s)", st.id, st.sceneID)
				}
				st.Close()
			}
		}
	}
}
