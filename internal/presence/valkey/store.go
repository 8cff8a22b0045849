// Package valkey implements the presence store on a shared Valkey instance,
// for deployments running more than one server process. Entries are advisory:
// concurrent updates from different instances may briefly race, which the
// sweep reconciles.
package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/valkey-io/valkey-go"

	"sceneforge.dev/internal/presence"
)

// entryTTL bounds how long abandoned keys survive a crashed instance.
const entryTTL = 10 * time.Minute

type Store struct {
	client valkey.Client
}

func Open(addr string) (*Store, error) {
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	if err != nil {
		return nil, fmt.Errorf("valkey connect: %w", err)
	}
	return &Store{client: client}, nil
}

func (s *Store) Close() { s.client.Close() }

type userEntry struct {
	DisplayName  string   `json:"displayName"`
	Conns        []string `json:"conns"`
	LastActivity int64    `json:"lastActivity"` // unix ms
}

func usersKey(sceneID string) string { return "presence:" + sceneID + ":users" }
func connsKey(sceneID string) string { return "presence:" + sceneID + ":conns" }

func (s *Store) Add(ctx context.Context, sceneID, userID, connID, displayName string) (bool, error) {
	e, err := s.getUser(ctx, sceneID, userID)
	if err != nil {
		return false, err
	}
	created := e == nil
	if e == nil {
		e = &userEntry{DisplayName: displayName}
	}
	if !contains(e.Conns, connID) {
		e.Conns = append(e.Conns, connID)
	}
	e.LastActivity = time.Now().UnixMilli()
	if err := s.putUser(ctx, sceneID, userID, e); err != nil {
		return false, err
	}
	cmds := []valkey.Completed{
		s.client.B().Hset().Key(connsKey(sceneID)).FieldValue().FieldValue(connID, userID).Build(),
		s.client.B().Expire().Key(usersKey(sceneID)).Seconds(int64(entryTTL.Seconds())).Build(),
		s.client.B().Expire().Key(connsKey(sceneID)).Seconds(int64(entryTTL.Seconds())).Build(),
	}
	for _, resp := range s.client.DoMulti(ctx, cmds...) {
		if err := resp.Error(); err != nil {
			return false, err
		}
	}
	return created, nil
}

func (s *Store) Remove(ctx context.Context, sceneID, connID string) (string, bool, error) {
	userID, err := s.client.Do(ctx, s.client.B().Hget().Key(connsKey(sceneID)).Field(connID).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return "", false, nil
		}
		return "", false, err
	}
	if err := s.client.Do(ctx, s.client.B().Hdel().Key(connsKey(sceneID)).Field(connID).Build()).Error(); err != nil {
		return "", false, err
	}

	e, err := s.getUser(ctx, sceneID, userID)
	if err != nil || e == nil {
		return "", false, err
	}
	e.Conns = remove(e.Conns, connID)
	if len(e.Conns) > 0 {
		if err := s.putUser(ctx, sceneID, userID, e); err != nil {
			return "", false, err
		}
		return userID, false, nil
	}
	if err := s.client.Do(ctx, s.client.B().Hdel().Key(usersKey(sceneID)).Field(userID).Build()).Error(); err != nil {
		return "", false, err
	}
	return userID, true, nil
}

func (s *Store) List(ctx context.Context, sceneID string) ([]presence.Info, error) {
	m, err := s.client.Do(ctx, s.client.B().Hgetall().Key(usersKey(sceneID)).Build()).AsStrMap()
	if err != nil {
		return nil, err
	}
	out := make([]presence.Info, 0, len(m))
	for userID, raw := range m {
		var e userEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		out = append(out, presence.Info{
			UserID:      userID,
			DisplayName: e.DisplayName,
			LastSeen:    time.UnixMilli(e.LastActivity),
		})
	}
	return out, nil
}

func (s *Store) Touch(ctx context.Context, sceneID, userID string) error {
	e, err := s.getUser(ctx, sceneID, userID)
	if err != nil || e == nil {
		return err
	}
	e.LastActivity = time.Now().UnixMilli()
	return s.putUser(ctx, sceneID, userID, e)
}

// Sweep scans every scene's user hash and drops stale entries. Scene keys are
// discovered by pattern scan; acceptable at the scale of one deployment's
// active scenes.
func (s *Store) Sweep(ctx context.Context, maxInactive time.Duration) ([]presence.Removal, error) {
	cutoff := time.Now().Add(-maxInactive).UnixMilli()
	var removed []presence.Removal

	var cursor uint64
	for {
		sc, err := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match("presence:*:users").Count(100).Build()).AsScanEntry()
		if err != nil {
			return removed, err
		}
		for _, key := range sc.Elements {
			sceneID := key[len("presence:") : len(key)-len(":users")]
			m, err := s.client.Do(ctx, s.client.B().Hgetall().Key(key).Build()).AsStrMap()
			if err != nil {
				continue
			}
			for userID, raw := range m {
				var e userEntry
				if err := json.Unmarshal([]byte(raw), &e); err != nil || e.LastActivity >= cutoff {
					continue
				}
				_ = s.client.Do(ctx, s.client.B().Hdel().Key(key).Field(userID).Build()).Error()
				if len(e.Conns) > 0 {
					_ = s.client.Do(ctx, s.client.B().Hdel().Key(connsKey(sceneID)).Field(e.Conns...).Build()).Error()
				}
				removed = append(removed, presence.Removal{SceneID: sceneID, UserID: userID})
			}
		}
		cursor = sc.Cursor
		if cursor == 0 {
			break
		}
	}
	return removed, nil
}

func (s *Store) ActiveUsers(ctx context.Context) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	var cursor uint64
	for {
		sc, err := s.client.Do(ctx, s.client.B().Scan().Cursor(cursor).Match("presence:*:users").Count(100).Build()).AsScanEntry()
		if err != nil {
			return out, err
		}
		for _, key := range sc.Elements {
			ids, err := s.client.Do(ctx, s.client.B().Hkeys().Key(key).Build()).AsStrSlice()
			if err != nil {
				continue
			}
			for _, id := range ids {
				out[id] = struct{}{}
			}
		}
		cursor = sc.Cursor
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (s *Store) getUser(ctx context.Context, sceneID, userID string) (*userEntry, error) {
	raw, err := s.client.Do(ctx, s.client.B().Hget().Key(usersKey(sceneID)).Field(userID).Build()).ToString()
	if err != nil {
		if valkey.IsValkeyNil(err) {
			return nil, nil
		}
		return nil, err
	}
	var e userEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) putUser(ctx context.Context, sceneID, userID string, e *userEntry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.client.Do(ctx, s.client.B().Hset().Key(usersKey(sceneID)).FieldValue().FieldValue(userID, string(b)).Build()).Error()
}

func contains(list []string, v string) bool {
	for _, e := range list {
		if e == v {
			return true
		}
	}
	return false
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, e := range list {
		if e != v {
			out = append(out, e)
		}
	}
	return out
}
