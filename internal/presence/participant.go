// Package presence implements the session synchronization core: the registry
// of connected participants, the wire protocol spoken with clients, and the
// orchestration that keeps every client's view of the shared space
// consistent under connect/move/disconnect churn.
package presence

import (
	"fmt"
	"math/rand/v2"
)

// Vector3 is a position in the shared space. No bounds are enforced.
type Vector3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Rotation is an avatar orientation. Only yaw is tracked; the wire shape
// leaves room for pitch and roll if clients ever send them.
type Rotation struct {
	Yaw float64 `json:"y"`
}

// Participant is the server-side record of one connected client. Exactly one
// exists per open connection; the registry is the sole source of truth for
// who is present.
type Participant struct {
	// ID is the connection identifier assigned by the transport. Unique for
	// the lifetime of the connection.
	ID string `json:"id"`
	// DisplayName is the human-readable label shown above the avatar.
	// Defaults to a placeholder derived from ID until the client renames.
	DisplayName string `json:"username"`
	// Position is the avatar's last reported location.
	Position Vector3 `json:"position"`
	// Rotation is the avatar's last reported orientation.
	Rotation Rotation `json:"rotation"`
	// Color disambiguates avatars client-side. Assigned at connect, immutable.
	Color string `json:"color"`
}

// newParticipant builds a Participant with connect-time defaults: the given
// spawn position, zero yaw, a placeholder name derived from the connection
// id, and a random display color.
func newParticipant(id string, spawn Vector3) *Participant {
	return &Participant{
		ID:          id,
		DisplayName: placeholderName(id),
		Position:    spawn,
		Color:       randomColor(),
	}
}

// placeholderName derives a temporary display name from a connection id.
func placeholderName(id string) string {
	short := id
	if len(short) > 4 {
		short = short[:4]
	}
	return "Player_" + short
}

// randomColor returns a random "#rrggbb" color string.
func randomColor() string {
	return fmt.Sprintf("#%06x", rand.IntN(0x1000000))
}
