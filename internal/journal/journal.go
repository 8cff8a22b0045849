// Package journal appends every published scene event to hourly-rotated,
// zstd-compressed JSONL files. The streaming resume path does not replay from
// it today; it exists so an operator can audit what was delivered and so a
// future replay path has a durable log to read.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"sceneforge.dev/internal/protocol"
)

type record struct {
	Ts      string          `json:"ts"`
	EventID string          `json:"event_id"`
	Kind    string          `json:"kind"`
	SceneID string          `json:"scene_id"`
	Origin  string          `json:"origin,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type Journal struct {
	baseDir string
	prefix  string

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func New(baseDir string) *Journal {
	return &Journal{baseDir: baseDir, prefix: "events"}
}

func (j *Journal) Append(ev protocol.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	hour := time.Now().UTC().Format("2006-01-02-15")
	if hour != j.curHour {
		if err := j.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(record{
		Ts:      time.Now().UTC().Format(time.RFC3339Nano),
		EventID: ev.ID,
		Kind:    ev.Kind,
		SceneID: ev.SceneID,
		Origin:  ev.Origin,
		Payload: ev.Payload,
	})
	if err != nil {
		return err
	}
	if _, err := j.w.Write(b); err != nil {
		return err
	}
	if err := j.w.WriteByte('\n'); err != nil {
		return err
	}
	return j.w.Flush()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeLocked()
}

func (j *Journal) rotateLocked(hour string) error {
	if err := j.closeLocked(); err != nil {
		return err
	}
	path := j.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	j.f = f
	j.enc = enc
	j.w = bufio.NewWriterSize(enc, 128*1024)
	j.curHour = hour
	return nil
}

func (j *Journal) closeLocked() error {
	var err1 error
	if j.w != nil {
		_ = j.w.Flush()
	}
	if j.enc != nil {
		err1 = j.enc.Close()
		j.enc = nil
	}
	if j.f != nil {
		_ = j.f.Close()
		j.f = nil
	}
	j.w = nil
	return err1
}

func (j *Journal) pathForHour(hour string) string {
	return filepath.Join(j.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", j.prefix, hour))
}
