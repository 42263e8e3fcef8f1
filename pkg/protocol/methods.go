package protocol

// RPC method name constants.
const (
	// System
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"

	// Channels
	MethodChannelsStatus = "channels.status"

	// Sessions
	MethodSessionsRoute = "sessions.route"

	// Chat (webchat channel)
	MethodChatSend = "chat.send"
)
