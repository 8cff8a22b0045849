package stream

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"

	"sceneforge.dev/internal/auth"
	"sceneforge.dev/internal/bus"
	"sceneforge.dev/internal/metrics"
	"sceneforge.dev/internal/presence"
	"sceneforge.dev/internal/protocol"
	"sceneforge.dev/internal/scene"
	"sceneforge.dev/internal/store/memory"
)

var testSecret = []byte("stream-test-secret")

func signToken(t *testing.T, sub, name string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub, "name": name})
	s, err := tok.SignedString(testSecret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

type env struct {
	srv      *httptest.Server
	bus      *bus.Bus
	presence presence.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.NewStore()
	store.Seed(
		scene.Scene{ID: "s1", Version: 4},
		scene.Item{ID: "i1", CategoryKey: "furniture", Scale: [3]float64{1, 1, 1}},
	)

	discard := log.New(io.Discard, "", 0)
	b := bus.New(discard, nil, nil)
	pres := presence.NewMemoryStore()
	s := NewServer(scene.NewEngine(store), b, pres,
		auth.NewHMACVerifier(testSecret), auth.AllowAll{}, &metrics.Counters{}, discard)

	r := mux.NewRouter()
	r.HandleFunc("/scenes/{sceneId}/events", s.Handler())
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &env{srv: srv, bus: b, presence: pres}
}

// frame is one parsed text/event-stream frame.
type frame struct {
	id    string
	event string
	data  string
}

func readFrames(t *testing.T, rd *bufio.Reader, n int) []frame {
	t.Helper()
	var out []frame
	var cur frame
	for len(out) < n {
		line, err := rd.ReadString('\n')
		if err != nil {
			t.Fatalf("read stream after %d frames: %v", len(out), err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			out = append(out, cur)
			cur = frame{}
		case strings.HasPrefix(line, "id: "):
			cur.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		}
	}
	return out
}

func (e *env) connect(t *testing.T, token string, hdr map[string]string) (*bufio.Reader, func()) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, e.srv.URL+"/scenes/s1/events?token="+token+"&clientId=conn-1", nil)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	resp, err := e.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}
	return bufio.NewReader(resp.Body), func() { _ = resp.Body.Close() }
}

func TestHandler_FreshConnectSendsState(t *testing.T) {
	e := newEnv(t)
	rd, done := e.connect(t, signToken(t, "u1", "Ada"), nil)
	defer done()

	frames := readFrames(t, rd, 2)
	if frames[0].event != "connected" {
		t.Fatalf("first frame %q", frames[0].event)
	}
	var hello struct {
		ConnectionID string `json:"connectionId"`
		SceneID      string `json:"sceneId"`
	}
	if err := json.Unmarshal([]byte(frames[0].data), &hello); err != nil {
		t.Fatalf("connected data: %v", err)
	}
	if hello.ConnectionID != "conn-1" || hello.SceneID != "s1" {
		t.Fatalf("connected frame wrong: %+v", hello)
	}

	if frames[1].event != "sceneState" {
		t.Fatalf("second frame %q", frames[1].event)
	}
	var m scene.Manifest
	if err := json.Unmarshal([]byte(frames[1].data), &m); err != nil {
		t.Fatalf("manifest data: %v", err)
	}
	if m.Version != 4 || len(m.Items) != 1 {
		t.Fatalf("manifest wrong: %+v", m)
	}
}

func TestHandler_ResumeSendsMarkerNotReplay(t *testing.T) {
	e := newEnv(t)
	rd, done := e.connect(t, signToken(t, "u1", "Ada"),
		map[string]string{"Last-Event-ID": "01HSOMEULID"})
	defer done()

	frames := readFrames(t, rd, 2)
	if frames[1].event != "resumed" {
		t.Fatalf("expected resumed marker, got %q", frames[1].event)
	}
	var marker struct {
		LastEventID string `json:"lastEventId"`
		Replayed    bool   `json:"replayed"`
	}
	if err := json.Unmarshal([]byte(frames[1].data), &marker); err != nil {
		t.Fatalf("resumed data: %v", err)
	}
	if marker.Replayed || marker.LastEventID != "01HSOMEULID" {
		t.Fatalf("marker wrong: %+v", marker)
	}
}

func TestHandler_DeliversBusEvents(t *testing.T) {
	e := newEnv(t)
	rd, done := e.connect(t, signToken(t, "u1", "Ada"), nil)
	defer done()

	frames := readFrames(t, rd, 3) // connected, sceneState, presence
	if frames[2].event != protocol.EventPresence {
		t.Fatalf("expected presence after connect, got %q", frames[2].event)
	}

	id, err := e.bus.Publish("s1", protocol.EventChat, "", true,
		protocol.ChatBroadcast{Type: protocol.TypeChat, SceneID: "s1", From: "u2", Msg: "hi"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	ev := readFrames(t, rd, 1)[0]
	if ev.event != protocol.EventChat || ev.id != id {
		t.Fatalf("bus event frame wrong: %+v (want id %s)", ev, id)
	}
	var chat protocol.ChatBroadcast
	if err := json.Unmarshal([]byte(ev.data), &chat); err != nil {
		t.Fatalf("chat data: %v", err)
	}
	if chat.From != "u2" || chat.Msg != "hi" {
		t.Fatalf("chat payload wrong: %+v", chat)
	}
}

func TestHandler_RegistersPresence(t *testing.T) {
	e := newEnv(t)
	rd, done := e.connect(t, signToken(t, "u1", "Ada"), nil)

	readFrames(t, rd, 3)
	list, err := e.presence.List(context.Background(), "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].UserID != "u1" {
		t.Fatalf("presence after connect: %#v", list)
	}

	done()
	// Disconnect unwinds presence; poll briefly since teardown is async.
	deadline := time.Now().Add(2 * time.Second)
	for {
		list, _ = e.presence.List(context.Background(), "s1")
		if len(list) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("presence not cleaned up after disconnect: %#v", list)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHandler_AuthAndAccess(t *testing.T) {
	e := newEnv(t)

	resp, err := http.Get(e.srv.URL + "/scenes/s1/events")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status %d", resp.StatusCode)
	}

	resp, err = http.Get(e.srv.URL + "/scenes/s1/events?token=garbage")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status %d", resp.StatusCode)
	}
}

// failAfter errors once n bytes have been written, like a peer that went away
// mid-frame.
type failAfter struct {
	n       int
	written int
}

func (w *failAfter) Write(p []byte) (int, error) {
	if w.written >= w.n {
		return 0, io.ErrClosedPipe
	}
	w.written += len(p)
	return len(p), nil
}

func TestWriteFrame(t *testing.T) {
	var buf strings.Builder
	if err := writeFrame(&buf, "01ABC", "chat", []byte(`{"text":"hi"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	want := "id: 01ABC\nevent: chat\ndata: {\"text\":\"hi\"}\n\n"
	if buf.String() != want {
		t.Fatalf("frame wrong:\n%q\nwant\n%q", buf.String(), want)
	}

	buf.Reset()
	if err := writeFrame(&buf, "", "heartbeat", []byte(`{}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if strings.Contains(buf.String(), "id:") {
		t.Fatalf("frame without id must omit the id line: %q", buf.String())
	}

	// A failure on the id line must surface, not just one on the data line.
	if err := writeFrame(&failAfter{}, "01ABC", "chat", []byte(`{}`)); err == nil {
		t.Fatalf("dead connection on the id line went unnoticed")
	}
	if err := writeFrame(&failAfter{n: len("id: 01ABC\n")}, "01ABC", "chat", []byte(`{}`)); err == nil {
		t.Fatalf("dead connection on the data line went unnoticed")
	}
}
