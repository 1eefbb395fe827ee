package domain

// EnvelopeTypeChatMessage is the only envelope type relayed between members.
const EnvelopeTypeChatMessage = "chat_message"

// Envelope is what travels through the broker between Publish and Deliver.
type Envelope struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewChatEnvelope wraps a client message for publication.
func NewChatEnvelope(message string) Envelope {
	return Envelope{Type: EnvelopeTypeChatMessage, Message: message}
}

// InboundMessage is the client → server frame. Message is a pointer so a
// missing field can be told apart from an empty string.
type InboundMessage struct {
	Message *string `json:"message"`
}

// OutboundMessage is the server → client frame.
type OutboundMessage struct {
	Message string `json:"message"`
}

// ErrorMessage is sent to a single client when one of its frames is rejected.
// The connection stays open.
type ErrorMessage struct {
	Error string `json:"error"`
	Type  string `json:"type"`
}
