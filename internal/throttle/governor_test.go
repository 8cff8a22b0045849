package throttle

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"sceneforge.dev/internal/metrics"
)

func newTestGovernor(cfg Config) (*Governor, *time.Time, *bytes.Buffer) {
	var buf bytes.Buffer
	g := NewGovernor(cfg, log.New(&buf, "", 0), &metrics.Counters{})
	now := time.Now()
	g.now = func() time.Time { return now }
	return g, &now, &buf
}

func TestMaySend_CameraCoalesce(t *testing.T) {
	g, now, _ := newTestGovernor(DefaultConfig())

	if !g.MaySend("u1", "camera") {
		t.Fatalf("first camera message must pass")
	}
	*now = now.Add(30 * time.Millisecond)
	if g.MaySend("u1", "camera") {
		t.Fatalf("second camera message within 60ms must be rejected")
	}
	*now = now.Add(31 * time.Millisecond) // 61ms after the accepted send
	if !g.MaySend("u1", "camera") {
		t.Fatalf("camera message after the coalesce interval must pass")
	}
}

func TestMaySend_ChatWindowCounter(t *testing.T) {
	g, now, _ := newTestGovernor(DefaultConfig())

	for i := 0; i < 3; i++ {
		if !g.MaySend("u1", "chat") {
			t.Fatalf("chat message %d should pass", i+1)
		}
	}
	if g.MaySend("u1", "chat") {
		t.Fatalf("fourth chat message inside the window must be rejected")
	}

	*now = now.Add(1001 * time.Millisecond)
	if !g.MaySend("u1", "chat") {
		t.Fatalf("chat allowed again after the window resets")
	}
}

func TestMaySend_UnknownTypeAlwaysAllowed(t *testing.T) {
	g, _, _ := newTestGovernor(DefaultConfig())
	for i := 0; i < 100; i++ {
		if !g.MaySend("u1", "selection") {
			t.Fatalf("unconfigured type rejected on call %d", i)
		}
	}
}

func TestMaySend_PerUserIsolation(t *testing.T) {
	g, _, _ := newTestGovernor(DefaultConfig())

	if !g.MaySend("u1", "camera") {
		t.Fatalf("u1 first send should pass")
	}
	if !g.MaySend("u2", "camera") {
		t.Fatalf("u2 must not be throttled by u1's traffic")
	}
}

func TestFloodDetector_WarnsOnceWithoutDropping(t *testing.T) {
	cfg := Config{
		Flood: map[string]FloodRule{"camera": {Max: 5, WindowMs: 2000}},
	}
	g, now, buf := newTestGovernor(cfg)

	// No camera rule configured: every message is admitted even while the
	// flood detector trips.
	for i := 0; i < 20; i++ {
		if !g.MaySend("u1", "camera") {
			t.Fatalf("flood detector must never reject (call %d)", i)
		}
	}
	warnings := bytes.Count(buf.Bytes(), []byte("WARN flood"))
	if warnings != 1 {
		t.Fatalf("expected exactly one warning per window, got %d", warnings)
	}
	if got := g.metrics.FloodWarnings.Load(); got != 1 {
		t.Fatalf("expected 1 flood warning counted, got %d", got)
	}

	// A new window warns again.
	*now = now.Add(2001 * time.Millisecond)
	for i := 0; i < 10; i++ {
		g.MaySend("u1", "camera")
	}
	if warnings := bytes.Count(buf.Bytes(), []byte("WARN flood")); warnings != 2 {
		t.Fatalf("expected a second warning in the next window, got %d", warnings)
	}
}

func TestForget_DropsState(t *testing.T) {
	g, _, _ := newTestGovernor(DefaultConfig())

	if !g.MaySend("u1", "camera") {
		t.Fatalf("first send should pass")
	}
	g.Forget("u1")
	// State gone: the next send is treated as a fresh window.
	if !g.MaySend("u1", "camera") {
		t.Fatalf("send after Forget should pass")
	}
}

func TestPrune_DropsUsersWithNoPresence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Flood = map[string]FloodRule{"camera": {Max: 5, WindowMs: 2000}}
	g, _, _ := newTestGovernor(cfg)

	// u1 disconnects gracefully: no sweep removal ever names them, so the
	// sweeper must reclaim their state from the full presence set instead.
	g.MaySend("u1", "camera")
	g.MaySend("u1", "chat")
	g.MaySend("u2", "camera")

	g.Prune(map[string]struct{}{"u2": {}})

	if _, ok := g.users["u1"]; ok {
		t.Fatalf("u1 throttle state survived prune")
	}
	if _, ok := g.floods["u1"]; ok {
		t.Fatalf("u1 flood state survived prune")
	}
	if _, ok := g.users["u2"]; !ok {
		t.Fatalf("u2 still present, state must be kept")
	}
	if len(g.users) != 1 || len(g.floods) != 1 {
		t.Fatalf("maps not fully reclaimed: users=%d floods=%d", len(g.users), len(g.floods))
	}
}

func TestLoadConfig_RejectsBadRules(t *testing.T) {
	path := filepath.Join(t.TempDir(), "throttle.yaml")
	if err := os.WriteFile(path, []byte("rules:\n  camera:\n    max: 0\n    window_ms: 60\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for non-positive max")
	}
}

func TestLoadConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "throttle.yaml")
	err := os.WriteFile(path, []byte(`
rules:
  camera:
    max: 1
    window_ms: 60
    coalesce_ms: 60
flood:
  camera:
    max: 20
    window_ms: 2000
`), 0o644)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if r := cfg.Rules["camera"]; r.Max != 1 || r.WindowMs != 60 || r.CoalesceMs != 60 {
		t.Fatalf("camera rule wrong: %#v", r)
	}
	if f := cfg.Flood["camera"]; f.Max != 20 || f.WindowMs != 2000 {
		t.Fatalf("flood rule wrong: %#v", f)
	}
}
