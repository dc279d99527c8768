package presence

import (
	"encoding/json"

	"go.uber.org/zap"
)

// Sender delivers outbound events to connections. Implemented by the
// transport layer; the core never touches sockets directly.
type Sender interface {
	// Send unicasts an event to one connection.
	Send(id string, event string, payload any)
	// Broadcast sends an event to all connections, optionally excluding one.
	// An empty excludeID excludes nobody.
	Broadcast(event string, payload any, excludeID string)
}

// Core binds the registry to the transport: on each connection event it
// mutates the registry and fans out the resulting protocol events.
type Core struct {
	registry *Registry
	sender   Sender
	logger   *zap.Logger
	spawn    Vector3
}

// NewCore creates a session core.
//
// Precondition: registry, sender, and logger must be non-nil.
func NewCore(registry *Registry, sender Sender, logger *zap.Logger, spawn Vector3) *Core {
	return &Core{
		registry: registry,
		sender:   sender,
		logger:   logger,
		spawn:    spawn,
	}
}

// HandleConnect admits a new connection: a participant with defaulted fields
// is registered, everyone else learns about the newcomer, and the newcomer
// alone receives the full current roster.
//
// Precondition: id must be the transport-assigned connection identifier.
func (c *Core) HandleConnect(id string) {
	p := newParticipant(id, c.spawn)
	if err := c.registry.Insert(p); err != nil {
		// Unreachable while the transport allocates unique ids; the
		// connection stays open but unregistered.
		c.logger.Error("refusing connection with duplicate id",
			zap.String("id", id),
			zap.Error(err),
		)
		return
	}

	c.logger.Info("participant joined",
		zap.String("id", id),
		zap.String("name", p.DisplayName),
		zap.Int("present", c.registry.Count()),
	)

	c.sender.Broadcast(EventPlayerConnected, *p, id)
	c.sender.Send(id, EventCurrentPlayers, c.registry.Snapshot())
}

// HandleMessage dispatches one inbound application message. Unknown events
// and malformed payloads are dropped without affecting the connection or any
// other participant; events from connections no longer in the registry are
// dropped silently.
func (c *Core) HandleMessage(id string, event string, data json.RawMessage) {
	switch event {
	case EventPlayerMovement:
		c.handleMove(id, data)
	case EventUpdateUsername:
		c.handleRename(id, data)
	case EventChatMessage:
		c.handleChat(id, data)
	default:
		c.logger.Debug("dropping unknown event",
			zap.String("id", id),
			zap.String("event", event),
		)
	}
}

func (c *Core) handleMove(id string, data json.RawMessage) {
	var req MoveRequest
	if err := json.Unmarshal(data, &req); err != nil || req.Position == nil || req.Rotation == nil {
		c.logger.Debug("dropping malformed movement payload",
			zap.String("id", id),
		)
		return
	}

	// Last write wins; no validation of magnitude or rate.
	if !c.registry.Update(id, func(p *Participant) {
		p.Position = *req.Position
		p.Rotation = *req.Rotation
	}) {
		return
	}

	c.sender.Broadcast(EventPlayerMoved, MoveEvent{
		ID:       id,
		Position: *req.Position,
		Rotation: *req.Rotation,
	}, id)
}

func (c *Core) handleRename(id string, data json.RawMessage) {
	var name string
	if err := json.Unmarshal(data, &name); err != nil || name == "" {
		c.logger.Debug("dropping malformed rename payload",
			zap.String("id", id),
		)
		return
	}
	c.Rename(id, name)
}

// Rename updates a participant's display name and announces the full updated
// record to everyone, the renamed participant included, so every UI converges
// on the same label. Called for inbound updateUsername events and by the
// transport when a verified identity is presented at connect time.
func (c *Core) Rename(id string, name string) {
	if !c.registry.Update(id, func(p *Participant) {
		p.DisplayName = name
	}) {
		return
	}

	updated, ok := c.registry.Get(id)
	if !ok {
		return
	}

	c.logger.Info("participant renamed",
		zap.String("id", id),
		zap.String("name", name),
	)
	c.sender.Broadcast(EventPlayerUpdated, updated, "")
}

func (c *Core) handleChat(id string, data json.RawMessage) {
	var msg ChatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.logger.Debug("dropping malformed chat payload",
			zap.String("id", id),
		)
		return
	}

	// The registry is not mutated; the payload is relayed verbatim with its
	// client-asserted sender. A message from a connection that already closed
	// is dropped.
	if _, ok := c.registry.Get(id); !ok {
		return
	}

	c.logger.Debug("relaying chat message",
		zap.String("id", id),
		zap.String("sender", msg.Sender),
	)
	c.sender.Broadcast(EventChatMessage, msg, "")
}

// HandleClose removes a departed connection and tells everyone who is left.
// Safe to call more than once per connection: only the call that actually
// removes the registry entry broadcasts the departure.
func (c *Core) HandleClose(id string) {
	if !c.registry.Remove(id) {
		return
	}

	c.logger.Info("participant left",
		zap.String("id", id),
		zap.Int("present", c.registry.Count()),
	)
	c.sender.Broadcast(EventPlayerDisconnected, id, "")
}
