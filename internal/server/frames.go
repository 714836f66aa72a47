package server

// Frame discriminants understood by the realtime socket. Unrecognized
// actions are logged and ignored; the envelope is extensible by other
// services pushing through the fan-out.
const (
	actionPresencePing          = "presencePing"
	actionSetActiveConversation = "setActiveConversation"

	typeOnlineUsers = "onlineUsers"
)

type inboundFrame struct {
	Action         string `json:"action"`
	ConversationID string `json:"conversationId,omitempty"`
}

type onlineUsersFrame struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}
