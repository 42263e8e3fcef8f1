package protocol

// WebSocket event names pushed from server to client.
const (
	EventAgent    = "agent"
	EventChat     = "chat"
	EventHealth   = "health"
	EventTick     = "tick"
	EventShutdown = "shutdown"

	// Connection lifecycle changes of transport accounts.
	EventConnection = "connection"
)

// Agent event subtypes (in payload.type)
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
)

// Chat event subtypes (in payload.type)
const (
	ChatEventChunk   = "chunk"
	ChatEventMessage = "message"
	ChatEventTyping  = "typing"
	ChatEventDone    = "done"
)
