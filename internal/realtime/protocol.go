package realtime

import (
	"encoding/json"
	"time"
)

// Client to server events
const (
	EventJoinConversation  = "join_conversation"
	EventSendMessage       = "send_message"
	EventLeaveConversation = "leave_conversation"
)

// Server to client events
const (
	EventJoinedConversation = "joined_conversation"
	EventNewMessage         = "new_message"
	EventLeftConversation   = "left_conversation"
	EventError              = "error"
)

const internalErrorMessage = "internal error"

// Frame is the envelope of every socket message in both directions
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type conversationPayload struct {
	ConversationID string `json:"conversationId"`
}

type sendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
}

// Sender identifies who wrote a broadcast message
type Sender struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Type        string `json:"type"`
}

// NewMessage is the payload of a new_message event
type NewMessage struct {
	ConversationID string    `json:"conversationId"`
	Text           string    `json:"text"`
	Sender         Sender    `json:"sender"`
	Timestamp      time.Time `json:"timestamp"`
}

type errorPayload struct {
	Message string `json:"message"`
}

func encodeFrame(event string, data any) ([]byte, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: body})
}
