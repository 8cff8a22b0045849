package protocol

import "encoding/json"

const Version = "1.0"

// Client -> server message types.
const (
	TypeSub          = "SUB"
	TypeUnsub        = "UNSUB"
	TypePing         = "PING"
	TypeCamera       = "CAMERA"
	TypeChat         = "CHAT"
	TypeViewportSync = "VIEWPORT_SYNC"
)

// Server -> client message types.
const (
	TypeHello        = "HELLO"
	TypePong         = "PONG"
	TypePresence     = "PRESENCE"
	TypeDelta        = "DELTA"
	TypeNotification = "NOTIFICATION"
)

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type    string `json:"type"`
	SceneID string `json:"sceneId,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
