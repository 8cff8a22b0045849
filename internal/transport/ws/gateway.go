// Package ws is the persistent-socket adapter. One connection multiplexes
// any number of scene subscriptions; each subscription joins the scene's
// room on the bus and registers presence.
package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sceneforge.dev/internal/auth"
	"sceneforge.dev/internal/bus"
	"sceneforge.dev/internal/metrics"
	"sceneforge.dev/internal/presence"
	"sceneforge.dev/internal/protocol"
	"sceneforge.dev/internal/scene"
	"sceneforge.dev/internal/throttle"
	"sceneforge.dev/internal/transport"
)

// maxInboundBytes caps one inbound frame to bound memory per connection.
const maxInboundBytes = 32 * 1024

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 5 * time.Second
	sendQueue    = 64
)

type Gateway struct {
	engine   *scene.Engine
	bus      *bus.Bus
	presence presence.Store
	gov      *throttle.Governor
	verifier auth.TokenVerifier
	access   auth.AccessChecker
	metrics  *metrics.Counters
	log      *log.Logger

	upgrader websocket.Upgrader
}

func NewGateway(engine *scene.Engine, b *bus.Bus, store presence.Store, gov *throttle.Governor,
	verifier auth.TokenVerifier, access auth.AccessChecker, m *metrics.Counters, logger *log.Logger) *Gateway {
	return &Gateway{
		engine:   engine,
		bus:      b,
		presence: store,
		gov:      gov,
		verifier: verifier,
		access:   access,
		metrics:  m,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  maxInboundBytes,
			WriteBufferSize: maxInboundBytes,
			CheckOrigin:     func(r *http.Request) bool { return true }, // fronted by the edge proxy
		},
	}
}

// client is one socket connection. It implements bus.Subscriber once per
// subscribed scene (the bus keys subscribers per scene, so a single id can
// sit in several rooms).
type client struct {
	id  string
	who auth.Identity

	out      chan protocol.Event
	done     chan struct{}
	doneOnce sync.Once

	// subscribed is touched only by the reader goroutine.
	subscribed map[string]bool
}

func (c *client) ID() string { return c.id }

func (c *client) Send(ev protocol.Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- ev:
		return true
	default:
		return false
	}
}

func (c *client) Close() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (g *Gateway) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		who, err := g.verifier.Verify(auth.TokenFromRequest(r))
		if err != nil {
			http.Error(rw, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := g.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.SetReadLimit(maxInboundBytes)
		if g.metrics != nil {
			g.metrics.SocketsOpened.Add(1)
		}

		c := &client{
			id:         uuid.NewString(),
			who:        who,
			out:        make(chan protocol.Event, sendQueue),
			done:       make(chan struct{}),
			subscribed: make(map[string]bool),
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-c.done:
					return
				case ev := <-c.out:
					_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
					if err := conn.WriteMessage(websocket.TextMessage, ev.Payload); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop. Exits on read error or once the client has been
		// evicted by the bus.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if closed(c.done) {
				break
			}
			g.dispatch(ctx, c, msg)
		}

		cancel()
		c.Close()
		g.teardown(context.Background(), c)
	}
}

func (g *Gateway) dispatch(ctx context.Context, c *client, msg []byte) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return
	}
	switch base.Type {
	case protocol.TypeSub:
		g.handleSub(ctx, c, base.SceneID)

	case protocol.TypeUnsub:
		g.handleUnsub(ctx, c, base.SceneID)

	case protocol.TypePing:
		var ping protocol.PingMsg
		if err := json.Unmarshal(msg, &ping); err != nil {
			return
		}
		for sceneID := range c.subscribed {
			_ = g.presence.Touch(ctx, sceneID, c.who.UserID)
		}
		g.send(c, protocol.PongMsg{Type: protocol.TypePong, Ts: ping.Ts, ServerTime: time.Now().UnixMilli()})

	case protocol.TypeCamera:
		var m protocol.CameraMsg
		if err := json.Unmarshal(msg, &m); err != nil || !c.subscribed[m.SceneID] {
			return
		}
		if !g.gov.MaySend(c.who.UserID, "camera") {
			return
		}
		_ = g.presence.Touch(ctx, m.SceneID, c.who.UserID)
		out := protocol.CameraBroadcast{Type: protocol.TypeCamera, SceneID: m.SceneID, From: c.who.UserID, Pose: m.Pose}
		_, _ = g.bus.Publish(m.SceneID, protocol.EventCamera, c.id, false, out)

	case protocol.TypeChat:
		var m protocol.ChatMsg
		if err := json.Unmarshal(msg, &m); err != nil || !c.subscribed[m.SceneID] {
			return
		}
		if !g.gov.MaySend(c.who.UserID, "chat") {
			return
		}
		_ = g.presence.Touch(ctx, m.SceneID, c.who.UserID)
		out := protocol.ChatBroadcast{Type: protocol.TypeChat, SceneID: m.SceneID, From: c.who.UserID, Msg: m.Msg, Ts: time.Now().UnixMilli()}
		_, _ = g.bus.Publish(m.SceneID, protocol.EventChat, c.id, true, out)

	case protocol.TypeViewportSync:
		var m protocol.ViewportMsg
		if err := json.Unmarshal(msg, &m); err != nil || !c.subscribed[m.SceneID] {
			return
		}
		if !g.gov.MaySend(c.who.UserID, "viewport") {
			return
		}
		_ = g.presence.Touch(ctx, m.SceneID, c.who.UserID)
		out := protocol.ViewportBroadcast{Type: protocol.TypeViewportSync, SceneID: m.SceneID, From: c.who.UserID, Viewport: m.Viewport}
		_, _ = g.bus.Publish(m.SceneID, protocol.EventViewport, c.id, false, out)
	}
}

func (g *Gateway) handleSub(ctx context.Context, c *client, sceneID string) {
	if sceneID == "" || c.subscribed[sceneID] {
		return
	}
	ok, err := g.access.UserHasSceneAccess(ctx, c.who.UserID, sceneID, http.MethodGet)
	if err != nil || !ok {
		g.send(c, protocol.NotificationMsg{Type: protocol.TypeNotification, SceneID: sceneID, Kind: "error", Message: "access denied"})
		return
	}
	sc, err := g.engine.Manifest(ctx, sceneID)
	if err != nil {
		g.send(c, protocol.NotificationMsg{Type: protocol.TypeNotification, SceneID: sceneID, Kind: "error", Message: "scene not found"})
		return
	}

	c.subscribed[sceneID] = true
	g.bus.Subscribe(sceneID, c)
	created, err := g.presence.Add(ctx, sceneID, c.who.UserID, c.id, c.who.DisplayName)
	if err != nil && g.log != nil {
		g.log.Printf("presence add %s/%s: %v", sceneID, c.who.UserID, err)
	}

	g.send(c, protocol.HelloMsg{
		Type:       protocol.TypeHello,
		SceneID:    sceneID,
		Version:    sc.Version,
		ServerTime: time.Now().UnixMilli(),
	})
	// A second tab of the same user changes no membership: broadcast only
	// when the entry is new.
	if created {
		transport.PublishPresence(ctx, g.bus, g.presence, sceneID, g.log)
	}
}

func (g *Gateway) handleUnsub(ctx context.Context, c *client, sceneID string) {
	if !c.subscribed[sceneID] {
		return
	}
	delete(c.subscribed, sceneID)
	g.bus.Unsubscribe(sceneID, c)
	_, emptied, err := g.presence.Remove(ctx, sceneID, c.id)
	if err != nil && g.log != nil {
		g.log.Printf("presence remove %s/%s: %v", sceneID, c.id, err)
	}
	if emptied {
		transport.PublishPresence(ctx, g.bus, g.presence, sceneID, g.log)
	}
}

// teardown releases every subscription a dropped connection held. An
// in-flight delta application keeps running independently; only fan-out and
// presence resources are torn down here.
func (g *Gateway) teardown(ctx context.Context, c *client) {
	for sceneID := range c.subscribed {
		g.bus.Unsubscribe(sceneID, c)
		_, emptied, err := g.presence.Remove(ctx, sceneID, c.id)
		if err != nil && g.log != nil {
			g.log.Printf("presence remove %s/%s: %v", sceneID, c.id, err)
		}
		if emptied {
			transport.PublishPresence(ctx, g.bus, g.presence, sceneID, g.log)
		}
	}
}

func closed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// send queues a server-originated message on the connection's writer. All
// frames leave through the one writer goroutine.
func (g *Gateway) send(c *client, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.Send(protocol.Event{Payload: b})
}
