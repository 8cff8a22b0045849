package protocol

import "encoding/json"

// Logical event kinds carried on the scene bus. Each transport maps these to
// its own frame naming: the socket gateway uses the Type* message tags, the
// streaming endpoint uses the kind directly as the SSE event name.
const (
	EventPresence     = "presence"
	EventCamera       = "camera"
	EventChat         = "chat"
	EventViewport     = "viewport"
	EventDelta        = "sceneDelta"
	EventNotification = "notification"
)

// Event is one published scene event, marshaled once at publish time and
// delivered byte-identical to every subscriber.
type Event struct {
	// ID is assigned by the bus at publish (monotonic ULID).
	ID      string
	Kind    string
	SceneID string
	// Origin is the connection id that caused the event, "" for
	// server-originated events.
	Origin string
	// Echo controls whether the originating connection receives the event.
	Echo    bool
	Payload json.RawMessage
}
