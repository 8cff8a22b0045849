package ws

import (
	"encoding/json"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"sceneforge.dev/internal/auth"
	"sceneforge.dev/internal/bus"
	"sceneforge.dev/internal/metrics"
	"sceneforge.dev/internal/presence"
	"sceneforge.dev/internal/protocol"
	"sceneforge.dev/internal/scene"
	"sceneforge.dev/internal/store/memory"
	"sceneforge.dev/internal/throttle"
)

var testSecret = []byte("gateway-test-secret")

func signToken(t *testing.T, sub, name string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub, "name": name})
	s, err := tok.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func newTestServer(t *testing.T) (*httptest.Server, *memory.Store) {
	t.Helper()
	store := memory.NewStore()
	store.Seed(scene.Scene{ID: "s1", Version: 7})

	discard := log.New(io.Discard, "", 0)
	g := NewGateway(
		scene.NewEngine(store),
		bus.New(discard, nil, nil),
		presence.NewMemoryStore(),
		throttle.NewGovernor(throttle.DefaultConfig(), discard, &metrics.Counters{}),
		auth.NewHMACVerifier(testSecret),
		auth.AllowAll{},
		&metrics.Counters{},
		discard,
	)
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(srv.Close)
	return srv, store
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("frame not JSON: %s", raw)
	}
	return m
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestSub_HelloThenPresence(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, signToken(t, "u1", "Ada"))

	sendJSON(t, conn, protocol.SubMsg{Type: protocol.TypeSub, SceneID: "s1"})

	hello := readFrame(t, conn)
	if hello["type"] != protocol.TypeHello || hello["sceneId"] != "s1" {
		t.Fatalf("expected HELLO first, got %v", hello)
	}
	if hello["version"].(float64) != 7 {
		t.Fatalf("HELLO carries wrong version: %v", hello["version"])
	}

	pres := readFrame(t, conn)
	if pres["type"] != protocol.TypePresence {
		t.Fatalf("expected PRESENCE after HELLO, got %v", pres)
	}
	users := pres["users"].([]any)
	if len(users) != 1 || users[0].(map[string]any)["userId"] != "u1" {
		t.Fatalf("presence list wrong: %v", users)
	}
}

func TestSub_UnknownSceneGetsError(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, signToken(t, "u1", "Ada"))

	sendJSON(t, conn, protocol.SubMsg{Type: protocol.TypeSub, SceneID: "ghost"})
	note := readFrame(t, conn)
	if note["type"] != protocol.TypeNotification || note["kind"] != "error" {
		t.Fatalf("expected error notification, got %v", note)
	}
}

func TestHandler_RejectsBadToken(t *testing.T) {
	srv, _ := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?token=garbage"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatalf("dial with a bad token should fail")
	}
	if resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestPing_Pong(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, signToken(t, "u1", "Ada"))

	sendJSON(t, conn, protocol.PingMsg{Type: protocol.TypePing, Ts: 1234})
	pong := readFrame(t, conn)
	if pong["type"] != protocol.TypePong || pong["ts"].(float64) != 1234 {
		t.Fatalf("expected PONG echoing ts, got %v", pong)
	}
}

func TestChat_EchoesToSender(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dial(t, srv, signToken(t, "u1", "Ada"))

	sendJSON(t, conn, protocol.SubMsg{Type: protocol.TypeSub, SceneID: "s1"})
	readFrame(t, conn) // HELLO
	readFrame(t, conn) // PRESENCE

	sendJSON(t, conn, protocol.ChatMsg{Type: protocol.TypeChat, SceneID: "s1", Msg: "hello room"})
	chat := readFrame(t, conn)
	if chat["type"] != protocol.TypeChat || chat["msg"] != "hello room" || chat["from"] != "u1" {
		t.Fatalf("chat echo wrong: %v", chat)
	}
}

func TestCamera_SuppressedForOriginThrottledForRest(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv, signToken(t, "alice", "Alice"))
	sendJSON(t, a, protocol.SubMsg{Type: protocol.TypeSub, SceneID: "s1"})
	readFrame(t, a) // HELLO
	readFrame(t, a) // PRESENCE [alice]

	b := dial(t, srv, signToken(t, "bob", "Bob"))
	sendJSON(t, b, protocol.SubMsg{Type: protocol.TypeSub, SceneID: "s1"})
	readFrame(t, b) // HELLO
	readFrame(t, b) // PRESENCE [alice bob]
	readFrame(t, a) // PRESENCE [alice bob]

	pose := json.RawMessage(`{"pos":[0,1,2]}`)
	// Two rapid camera updates: the throttle admits only the first.
	sendJSON(t, b, protocol.CameraMsg{Type: protocol.TypeCamera, SceneID: "s1", Pose: pose})
	sendJSON(t, b, protocol.CameraMsg{Type: protocol.TypeCamera, SceneID: "s1", Pose: pose})
	sendJSON(t, b, protocol.ChatMsg{Type: protocol.TypeChat, SceneID: "s1", Msg: "done"})

	cam := readFrame(t, a)
	if cam["type"] != protocol.TypeCamera || cam["from"] != "bob" {
		t.Fatalf("expected camera broadcast, got %v", cam)
	}
	next := readFrame(t, a)
	if next["type"] != protocol.TypeChat {
		t.Fatalf("second camera should have been throttled; got %v", next)
	}

	// Bob never hears his own camera; his next frame is the chat echo.
	own := readFrame(t, b)
	if own["type"] != protocol.TypeChat {
		t.Fatalf("origin received its own camera update: %v", own)
	}
}

func TestUnsub_StopsDelivery(t *testing.T) {
	srv, _ := newTestServer(t)
	a := dial(t, srv, signToken(t, "alice", "Alice"))
	sendJSON(t, a, protocol.SubMsg{Type: protocol.TypeSub, SceneID: "s1"})
	readFrame(t, a)
	readFrame(t, a)

	b := dial(t, srv, signToken(t, "bob", "Bob"))
	sendJSON(t, b, protocol.SubMsg{Type: protocol.TypeSub, SceneID: "s1"})
	readFrame(t, b)
	readFrame(t, b)
	readFrame(t, a) // PRESENCE [alice bob]

	sendJSON(t, a, protocol.SubMsg{Type: protocol.TypeUnsub, SceneID: "s1"})
	// Alice's departure empties her entry: bob sees the new presence list.
	pres := readFrame(t, b)
	if pres["type"] != protocol.TypePresence || len(pres["users"].([]any)) != 1 {
		t.Fatalf("expected presence without alice, got %v", pres)
	}

	sendJSON(t, b, protocol.ChatMsg{Type: protocol.TypeChat, SceneID: "s1", Msg: "anyone?"})
	readFrame(t, b) // bob's own echo

	// Alice must not receive the chat; the read should time out.
	_ = a.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, _, err := a.ReadMessage(); err == nil {
		t.Fatalf("unsubscribed connection still receiving")
	}
}
