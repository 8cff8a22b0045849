// Package memory holds an in-process scene store. It backs tests and
// single-node development runs; production uses the sqlite store.
package memory

import (
	"context"
	"sort"
	"sync"

	"sceneforge.dev/internal/protocol"
	"sceneforge.dev/internal/scene"
)

type sceneState struct {
	scene scene.Scene
	items map[string]scene.Item
	order []string // insertion order, for stable listings
}

type Store struct {
	mu        sync.RWMutex
	scenes    map[string]*sceneState
	snapshots map[string][]scene.Snapshot // sceneID -> newest-first
}

func NewStore() *Store {
	return &Store{
		scenes:    make(map[string]*sceneState),
		snapshots: make(map[string][]scene.Snapshot),
	}
}

// Seed installs a scene and its items, replacing any prior state. Test setup
// helper; not part of the scene.Store contract.
func (s *Store) Seed(sc scene.Scene, items ...scene.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := &sceneState{scene: sc, items: make(map[string]scene.Item)}
	for _, it := range items {
		it.SceneID = sc.ID
		st.items[it.ID] = it.Clone()
		st.order = append(st.order, it.ID)
	}
	s.scenes[sc.ID] = st
}

func (s *Store) GetScene(_ context.Context, id string) (scene.Scene, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.scenes[id]
	if !ok {
		return scene.Scene{}, protocol.Errf(protocol.ErrNotFound, "scene %s not found", id)
	}
	return cloneScene(st.scene), nil
}

func (s *Store) ListItems(_ context.Context, sceneID string) ([]scene.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.scenes[sceneID]
	if !ok {
		return nil, protocol.Errf(protocol.ErrNotFound, "scene %s not found", sceneID)
	}
	out := make([]scene.Item, 0, len(st.items))
	for _, id := range st.order {
		out = append(out, st.items[id].Clone())
	}
	return out, nil
}

// RunTransaction stages every write on a private copy and swaps it in only
// when fn succeeds, so a failed batch is never observable.
func (s *Store) RunTransaction(_ context.Context, sceneID string, fn func(tx scene.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.scenes[sceneID]
	if !ok {
		return protocol.Errf(protocol.ErrNotFound, "scene %s not found", sceneID)
	}

	staged := &sceneState{
		scene: cloneScene(st.scene),
		items: make(map[string]scene.Item, len(st.items)),
		order: append([]string(nil), st.order...),
	}
	for id, it := range st.items {
		staged.items[id] = it.Clone()
	}

	if err := fn(&memTx{st: staged, sceneID: sceneID}); err != nil {
		return err
	}
	s.scenes[sceneID] = staged
	return nil
}

type memTx struct {
	st      *sceneState
	sceneID string
}

func (t *memTx) GetScene() (scene.Scene, error) {
	return cloneScene(t.st.scene), nil
}

func (t *memTx) GetItem(id string) (scene.Item, error) {
	it, ok := t.st.items[id]
	if !ok {
		return scene.Item{}, protocol.Errf(protocol.ErrNotFound, "item %s not found", id)
	}
	return it.Clone(), nil
}

func (t *memTx) InsertItem(it scene.Item) error {
	if _, exists := t.st.items[it.ID]; exists {
		return protocol.Errf(protocol.ErrValidation, "item %s already exists", it.ID)
	}
	it.SceneID = t.sceneID
	t.st.items[it.ID] = it
	t.st.order = append(t.st.order, it.ID)
	return nil
}

func (t *memTx) UpdateItem(it scene.Item) error {
	if _, ok := t.st.items[it.ID]; !ok {
		return protocol.Errf(protocol.ErrNotFound, "item %s not found", it.ID)
	}
	it.SceneID = t.sceneID
	t.st.items[it.ID] = it
	return nil
}

func (t *memTx) DeleteItem(id string) error {
	if _, ok := t.st.items[id]; !ok {
		return protocol.Errf(protocol.ErrNotFound, "item %s not found", id)
	}
	delete(t.st.items, id)
	for i, oid := range t.st.order {
		if oid == id {
			t.st.order = append(t.st.order[:i], t.st.order[i+1:]...)
			break
		}
	}
	return nil
}

func (t *memTx) DeleteAllItems() error {
	t.st.items = make(map[string]scene.Item)
	t.st.order = nil
	return nil
}

func (t *memTx) SetProps(props map[string]any) error {
	t.st.scene.Props = props
	return nil
}

func (t *memTx) SetVersion(v int64) error {
	t.st.scene.Version = v
	return nil
}

func (s *Store) PutSnapshot(_ context.Context, snap scene.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.snapshots[snap.SceneID]
	list = append(list, snap)
	sort.SliceStable(list, func(i, j int) bool {
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})
	s.snapshots[snap.SceneID] = list
	return nil
}

func (s *Store) GetSnapshot(_ context.Context, sceneID, snapshotID string) (scene.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, snap := range s.snapshots[sceneID] {
		if snap.ID == snapshotID {
			return snap, nil
		}
	}
	return scene.Snapshot{}, protocol.Errf(protocol.ErrNotFound, "snapshot %s not found", snapshotID)
}

func (s *Store) ListSnapshots(_ context.Context, sceneID string) ([]scene.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]scene.Snapshot(nil), s.snapshots[sceneID]...), nil
}

func cloneScene(sc scene.Scene) scene.Scene {
	out := sc
	if sc.Props != nil {
		out.Props = scene.MergeProps(sc.Props, nil)
	}
	return out
}
