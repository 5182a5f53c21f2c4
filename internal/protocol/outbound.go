package protocol

import "encoding/json"

// Outbound is a frame written by the client. Only the fields relevant to
// Type are encoded.
type Outbound struct {
	Type      Type   `json:"type"`
	IsTyping  *bool  `json:"is_typing,omitempty"`
	MessageID string `json:"message_id,omitempty"`
}

// Ping is the heartbeat frame.
func Ping() Outbound {
	return Outbound{Type: TypePing}
}

// TypingFrame announces a typing state change.
func TypingFrame(typing bool) Outbound {
	return Outbound{Type: TypeTyping, IsTyping: &typing}
}

// ReadFrame tells the peer that messageID was read.
func ReadFrame(messageID string) Outbound {
	return Outbound{Type: TypeMessageRead, MessageID: messageID}
}

// Encode marshals the frame.
func (o Outbound) Encode() ([]byte, error) {
	return json.Marshal(o)
}
