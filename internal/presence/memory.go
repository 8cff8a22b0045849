package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

type entry struct {
	userID       string
	displayName  string
	conns        map[string]struct{}
	lastActivity time.Time
}

type sceneEntry struct {
	users map[string]*entry // userID -> entry
	conns map[string]string // connID -> userID
}

// MemoryStore is the process-local Store. All methods are cheap map
// operations; none perform I/O.
type MemoryStore struct {
	mu     sync.RWMutex
	scenes map[string]*sceneEntry
	now    func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		scenes: make(map[string]*sceneEntry),
		now:    time.Now,
	}
}

func (s *MemoryStore) Add(_ context.Context, sceneID, userID, connID, displayName string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc := s.scenes[sceneID]
	if sc == nil {
		sc = &sceneEntry{users: make(map[string]*entry), conns: make(map[string]string)}
		s.scenes[sceneID] = sc
	}
	created := false
	e := sc.users[userID]
	if e == nil {
		created = true
		e = &entry{userID: userID, displayName: displayName, conns: make(map[string]struct{})}
		sc.users[userID] = e
	}
	e.conns[connID] = struct{}{}
	e.lastActivity = s.now()
	sc.conns[connID] = userID
	return created, nil
}

func (s *MemoryStore) Remove(_ context.Context, sceneID, connID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc := s.scenes[sceneID]
	if sc == nil {
		return "", false, nil
	}
	userID, ok := sc.conns[connID]
	if !ok {
		return "", false, nil
	}
	delete(sc.conns, connID)

	e := sc.users[userID]
	if e == nil {
		return "", false, nil
	}
	delete(e.conns, connID)
	if len(e.conns) > 0 {
		return userID, false, nil
	}
	delete(sc.users, userID)
	if len(sc.users) == 0 {
		delete(s.scenes, sceneID)
	}
	return userID, true, nil
}

func (s *MemoryStore) List(_ context.Context, sceneID string) ([]Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc := s.scenes[sceneID]
	if sc == nil {
		return nil, nil
	}
	out := make([]Info, 0, len(sc.users))
	for _, e := range sc.users {
		out = append(out, Info{UserID: e.userID, DisplayName: e.displayName, LastSeen: e.lastActivity})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) Sweep(_ context.Context, maxInactive time.Duration) ([]Removal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxInactive)
	var removed []Removal
	for sceneID, sc := range s.scenes {
		for userID, e := range sc.users {
			if e.lastActivity.After(cutoff) {
				continue
			}
			for connID := range e.conns {
				delete(sc.conns, connID)
			}
			delete(sc.users, userID)
			removed = append(removed, Removal{SceneID: sceneID, UserID: userID})
		}
		if len(sc.users) == 0 {
			delete(s.scenes, sceneID)
		}
	}
	return removed, nil
}

func (s *MemoryStore) ActiveUsers(_ context.Context) (map[string]struct{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]struct{})
	for _, sc := range s.scenes {
		for userID := range sc.users {
			out[userID] = struct{}{}
		}
	}
	return out, nil
}

func (s *MemoryStore) Touch(_ context.Context, sceneID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sc := s.scenes[sceneID]; sc != nil {
		if e := sc.users[userID]; e != nil {
			e.lastActivity = s.now()
		}
	}
	return nil
}
