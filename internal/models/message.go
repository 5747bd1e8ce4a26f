package models

import (
	"encoding/json"
	"time"
)

// TimestampLayout is the ISO-8601 form stamped on every stored message.
const TimestampLayout = "2006-01-02T15:04:05.000000Z07:00"

// ChatMessage is a message as persisted in room history. Field names keep
// the capitalised attribute names replayed in chat_history.
type ChatMessage struct {
	RoomID    string `json:"RoomID"`
	Timestamp string `json:"Timestamp"`
	SenderID  string `json:"SenderID"`
	Message   string `json:"Message"`
	FileUrl   string `json:"FileUrl,omitempty"`
	FileType  string `json:"FileType,omitempty"`
}

// Time parses the stored timestamp, returning the zero time when invalid.
func (m ChatMessage) Time() time.Time {
	t, _ := time.Parse(TimestampLayout, m.Timestamp)
	return t
}

// Frame types exchanged over a room socket.
const (
	FrameChatHistory  = "chat_history"
	FrameNewMessage   = "new_message"
	FrameCallUser     = "call_user"
	FrameAnswerCall   = "answer_call"
	FrameCallEnded    = "call_ended"
	FrameCallRejected = "call_rejected"
)

// IsSignal reports whether a frame type is relayed peer to peer instead of
// stored.
func IsSignal(frameType string) bool {
	switch frameType {
	case FrameCallUser, FrameAnswerCall, FrameCallEnded, FrameCallRejected:
		return true
	}
	return false
}

// InboundFrame is anything a client sends. Untyped frames are chat messages.
type InboundFrame struct {
	Type     string          `json:"type,omitempty"`
	Message  string          `json:"message,omitempty"`
	FileURL  string          `json:"file_url,omitempty"`
	FileType string          `json:"file_type,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// NewMessageFrame is the broadcast form of a stored message.
type NewMessageFrame struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	FileURL   string `json:"file_url,omitempty"`
	FileType  string `json:"file_type,omitempty"`
	SenderID  string `json:"sender_id"`
	Timestamp string `json:"timestamp"`
}

// NewMessage builds the broadcast frame for a stored message.
func NewMessage(m ChatMessage) NewMessageFrame {
	return NewMessageFrame{
		Type:      FrameNewMessage,
		Message:   m.Message,
		FileURL:   m.FileUrl,
		FileType:  m.FileType,
		SenderID:  m.SenderID,
		Timestamp: m.Timestamp,
	}
}

// HistoryFrame replays stored messages to a joining connection.
type HistoryFrame struct {
	Type     string        `json:"type"`
	Messages []ChatMessage `json:"messages"`
}

// SignalFrame is a relayed call signaling frame with the sender forced to
// the authenticated user.
type SignalFrame struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	SenderID string          `json:"sender_id"`
}
