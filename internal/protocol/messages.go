package protocol

import "encoding/json"

// SUB / UNSUB (client -> server)
type SubMsg struct {
	Type    string `json:"type"`
	SceneID string `json:"sceneId"`
}

// PING (client -> server)
type PingMsg struct {
	Type string `json:"type"`
	Ts   int64  `json:"ts"`
}

// PONG (server -> client)
type PongMsg struct {
	Type       string `json:"type"`
	Ts         int64  `json:"ts"`
	ServerTime int64  `json:"serverTime"`
}

// CAMERA (client -> server): pose is forwarded opaquely.
type CameraMsg struct {
	Type    string          `json:"type"`
	SceneID string          `json:"sceneId"`
	Pose    json.RawMessage `json:"pose"`
}

// CHAT (client -> server)
type ChatMsg struct {
	Type    string `json:"type"`
	SceneID string `json:"sceneId"`
	Msg     string `json:"msg"`
}

// VIEWPORT_SYNC (client -> server)
type ViewportMsg struct {
	Type     string          `json:"type"`
	SceneID  string          `json:"sceneId"`
	Viewport json.RawMessage `json:"viewport"`
}

// HELLO (server -> client): sent once per successful scene subscription.
type HelloMsg struct {
	Type       string `json:"type"`
	SceneID    string `json:"sceneId"`
	Version    int64  `json:"version"`
	ServerTime int64  `json:"serverTime"`
}

// PRESENCE (server -> client)
type PresenceMsg struct {
	Type    string         `json:"type"`
	SceneID string         `json:"sceneId"`
	Users   []PresenceUser `json:"users"`
}

type PresenceUser struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Status      string `json:"status"`
	LastSeen    int64  `json:"lastSeen"`
}

// CAMERA broadcast (server -> client)
type CameraBroadcast struct {
	Type    string          `json:"type"`
	SceneID string          `json:"sceneId"`
	From    string          `json:"from"`
	Pose    json.RawMessage `json:"pose"`
}

// CHAT broadcast (server -> client)
type ChatBroadcast struct {
	Type    string `json:"type"`
	SceneID string `json:"sceneId"`
	From    string `json:"from"`
	Msg     string `json:"msg"`
	Ts      int64  `json:"ts"`
}

// VIEWPORT_SYNC broadcast (server -> client)
type ViewportBroadcast struct {
	Type     string          `json:"type"`
	SceneID  string          `json:"sceneId"`
	From     string          `json:"from"`
	Viewport json.RawMessage `json:"viewport"`
}

// DELTA broadcast (server -> client): ops echo the committed batch.
type DeltaBroadcast struct {
	Type    string          `json:"type"`
	SceneID string          `json:"sceneId"`
	Version int64           `json:"version"`
	From    string          `json:"from,omitempty"`
	Ops     json.RawMessage `json:"ops"`
}

// NOTIFICATION (server -> client)
type NotificationMsg struct {
	Type    string `json:"type"`
	SceneID string `json:"sceneId"`
	Kind    string `json:"kind"`
	Message string `json:"message,omitempty"`
	Label   string `json:"label,omitempty"`
	Version int64  `json:"version,omitempty"`
}
