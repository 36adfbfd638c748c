package protocol

// ProtocolVersion is bumped whenever event payloads change incompatibly.
const ProtocolVersion = 1

// Bus event names fanned out synchronously to subscribers.
const (
	EventMembershipChanged = "membership.changed"
	EventStatusChanged     = "status.changed"
	EventRoomChanged       = "room.changed"
	EventMessage           = "message"
	EventAgentCreated      = "agent.created"
	EventAgentRetired      = "agent.retired"
	EventEngineStarted     = "engine.started"
	EventEngineStopped     = "engine.stopped"
	EventTick              = "tick"
)

// Tick event subtypes (in payload.type)
const (
	TickEventFired     = "tick.fired"
	TickEventCompleted = "tick.completed"
	TickEventFailed    = "tick.failed"
	TickEventSkipped   = "tick.skipped"
)
