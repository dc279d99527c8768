package presence

import "encoding/json"

// Wire event names. These match what the browser clients already speak, so
// the Go backend is a drop-in replacement.
const (
	// Outbound events.
	EventPlayerConnected    = "playerConnected"    // full participant, to everyone else
	EventCurrentPlayers     = "currentPlayers"     // full registry snapshot, to the newcomer only
	EventPlayerMoved        = "playerMoved"        // id + position + rotation, to everyone else
	EventPlayerUpdated      = "playerUpdated"      // full participant, to everyone including self
	EventPlayerDisconnected = "playerDisconnected" // departed id, to everyone else
	// EventChatMessage is both inbound and outbound; the payload is relayed
	// verbatim to everyone including the sender.
	EventChatMessage = "chatMessage"

	// Inbound events.
	EventPlayerMovement = "playerMovement" // position + rotation
	EventUpdateUsername = "updateUsername" // bare string display name
)

// Envelope is the framing for every websocket message in either direction.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MoveRequest is the inbound playerMovement payload. Position and Rotation
// are pointers so a missing field is distinguishable from a zero value; a
// frame missing either is dropped.
type MoveRequest struct {
	Position *Vector3  `json:"position"`
	Rotation *Rotation `json:"rotation"`
}

// MoveEvent is the outbound playerMoved payload.
type MoveEvent struct {
	ID       string   `json:"id"`
	Position Vector3  `json:"position"`
	Rotation Rotation `json:"rotation"`
}

// ChatMessage is a chat payload, relayed as supplied. Sender attribution is
// client-asserted: the server does not cross-check Sender against the
// connection's registry entry.
type ChatMessage struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}
