package consult

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// FrameType is the "type" discriminator carried by typed frames.
type FrameType string

const (
	FrameChatHistory  FrameType = "chat_history"
	FrameNewMessage   FrameType = "new_message"
	FrameCallUser     FrameType = "call_user"
	FrameAnswerCall   FrameType = "answer_call"
	FrameCallEnded    FrameType = "call_ended"
	FrameCallRejected FrameType = "call_rejected"
)

// Event is one decoded inbound frame or transport transition. The set of
// implementations is closed; consumers switch on the concrete type.
type Event interface {
	isEvent()
}

// HistoryEvent carries the backlog sent right after connecting.
type HistoryEvent struct {
	Messages []Message
}

// MessageEvent carries one confirmed message.
type MessageEvent struct {
	Message Message
}

// CallOfferEvent is an incoming call request with the caller's offer.
type CallOfferEvent struct {
	Payload  json.RawMessage
	SenderID string
}

// CallAnswerEvent is the callee's answer to our offer.
type CallAnswerEvent struct {
	Payload  json.RawMessage
	SenderID string
}

// CallEndedEvent means the peer hung up.
type CallEndedEvent struct {
	SenderID string
}

// CallRejectedEvent means the peer refused our call request.
type CallRejectedEvent struct {
	Reason   string
	SenderID string
}

// OpenedEvent is emitted once the connection is established.
type OpenedEvent struct{}

// ClosedEvent is emitted once when the connection goes away. Err is nil for
// a local Close.
type ClosedEvent struct {
	Err error
}

func (HistoryEvent) isEvent()      {}
func (MessageEvent) isEvent()      {}
func (CallOfferEvent) isEvent()    {}
func (CallAnswerEvent) isEvent()   {}
func (CallEndedEvent) isEvent()    {}
func (CallRejectedEvent) isEvent() {}
func (OpenedEvent) isEvent()       {}
func (ClosedEvent) isEvent()       {}

// flexID accepts identifiers encoded either as JSON strings or numbers.
type flexID string

func (id *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*id = flexID(n.String())
	return nil
}

// wireMessage is a message as stored by the collaborator. History items use
// the capitalised storage attribute names, live frames use snake_case.
type wireMessage struct {
	SenderID       flexID `json:"sender_id"`
	LegacySenderID flexID `json:"SenderID"`
	Message        string `json:"message"`
	FileURL        string `json:"file_url"`
	LegacyFileURL  string `json:"FileUrl"`
	FileType       string `json:"file_type"`
	LegacyFileType string `json:"FileType"`
	Timestamp      string `json:"timestamp"`
	Kind           string `json:"kind"`
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// parseTimestamp parses ISO-8601 timestamps with or without a zone offset.
// Zoneless values are taken as UTC.
func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: bad timestamp %q", ErrMalformedFrame, s)
}

func (w wireMessage) toMessage() (Message, error) {
	sender := string(w.SenderID)
	if sender == "" {
		sender = string(w.LegacySenderID)
	}
	if sender == "" {
		return Message{}, fmt.Errorf("%w: message without sender", ErrMalformedFrame)
	}
	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return Message{}, err
	}

	msg := Message{
		Timestamp: ts,
		SenderID:  sender,
		Body:      w.Message,
		Kind:      KindNormal,
	}
	switch k := MessageKind(w.Kind); k {
	case KindSystem, KindCallRequest:
		msg.Kind = k
	}

	url := w.FileURL
	if url == "" {
		url = w.LegacyFileURL
	}
	if url != "" {
		fileType := w.FileType
		if fileType == "" {
			fileType = w.LegacyFileType
		}
		msg.Attachment = &Attachment{URL: url, MediaKind: ParseMediaKind(fileType, url)}
	}
	return msg, nil
}

// DecodeFrame decodes one inbound frame into its Event.
func DecodeFrame(data []byte) (Event, error) {
	var env struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch env.Type {
	case FrameChatHistory:
		var f struct {
			Messages []json.RawMessage `json:"messages"`
		}
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		ev := HistoryEvent{Messages: make([]Message, 0, len(f.Messages))}
		for _, raw := range f.Messages {
			var w wireMessage
			if err := json.Unmarshal(raw, &w); err != nil {
				continue
			}
			msg, err := w.toMessage()
			if err != nil {
				continue
			}
			ev.Messages = append(ev.Messages, msg)
		}
		return ev, nil

	case FrameNewMessage:
		var w wireMessage
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		msg, err := w.toMessage()
		if err != nil {
			return nil, err
		}
		return MessageEvent{Message: msg}, nil

	case FrameCallUser, FrameAnswerCall:
		var f struct {
			Data     json.RawMessage `json:"data"`
			SenderID flexID          `json:"sender_id"`
		}
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
		}
		if len(f.Data) == 0 || bytes.Equal(f.Data, []byte("null")) {
			return nil, fmt.Errorf("%w: %s without payload", ErrMalformedFrame, env.Type)
		}
		if env.Type == FrameCallUser {
			return CallOfferEvent{Payload: f.Data, SenderID: string(f.SenderID)}, nil
		}
		return CallAnswerEvent{Payload: f.Data, SenderID: string(f.SenderID)}, nil

	case FrameCallEnded:
		var f struct {
			SenderID flexID `json:"sender_id"`
		}
		_ = json.Unmarshal(data, &f)
		return CallEndedEvent{SenderID: string(f.SenderID)}, nil

	case FrameCallRejected:
		var f struct {
			Reason   string `json:"reason"`
			SenderID flexID `json:"sender_id"`
		}
		_ = json.Unmarshal(data, &f)
		return CallRejectedEvent{Reason: f.Reason, SenderID: string(f.SenderID)}, nil
	}

	return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedFrame, env.Type)
}

// Frame is an outbound frame.
type Frame interface {
	frameType() FrameType
}

// TextFrame is a plain chat send. It carries no type; the relay treats it as
// a new message.
type TextFrame struct {
	Message  string `json:"message"`
	SenderID string `json:"sender_id"`
}

// FileFrame announces an uploaded attachment.
type FileFrame struct {
	Message  string `json:"message"`
	FileURL  string `json:"file_url"`
	FileType string `json:"file_type"`
	SenderID string `json:"sender_id"`
}

// CallUserFrame carries the caller's consolidated offer.
type CallUserFrame struct {
	Data     json.RawMessage `json:"data"`
	SenderID string          `json:"sender_id"`
}

// AnswerCallFrame carries the callee's consolidated answer.
type AnswerCallFrame struct {
	Data     json.RawMessage `json:"data"`
	SenderID string          `json:"sender_id"`
}

// CallEndedFrame tells the peer the call is over.
type CallEndedFrame struct {
	SenderID string `json:"sender_id,omitempty"`
}

// CallRejectedFrame refuses an incoming call request.
type CallRejectedFrame struct {
	Reason   string `json:"reason"`
	SenderID string `json:"sender_id"`
}

func (TextFrame) frameType() FrameType         { return "" }
func (FileFrame) frameType() FrameType         { return "" }
func (CallUserFrame) frameType() FrameType     { return FrameCallUser }
func (AnswerCallFrame) frameType() FrameType   { return FrameAnswerCall }
func (CallEndedFrame) frameType() FrameType    { return FrameCallEnded }
func (CallRejectedFrame) frameType() FrameType { return FrameCallRejected }

func (f CallUserFrame) MarshalJSON() ([]byte, error) {
	type plain CallUserFrame
	return json.Marshal(struct {
		Type FrameType `json:"type"`
		plain
	}{FrameCallUser, plain(f)})
}

func (f AnswerCallFrame) MarshalJSON() ([]byte, error) {
	type plain AnswerCallFrame
	return json.Marshal(struct {
		Type FrameType `json:"type"`
		plain
	}{FrameAnswerCall, plain(f)})
}

func (f CallEndedFrame) MarshalJSON() ([]byte, error) {
	type plain CallEndedFrame
	return json.Marshal(struct {
		Type FrameType `json:"type"`
		plain
	}{FrameCallEnded, plain(f)})
}

func (f CallRejectedFrame) MarshalJSON() ([]byte, error) {
	type plain CallRejectedFrame
	return json.Marshal(struct {
		Type FrameType `json:"type"`
		plain
	}{FrameCallRejected, plain(f)})
}

// EncodeFrame serializes an outbound frame.
func EncodeFrame(f Frame) ([]byte, error) {
	return json.Marshal(f)
}
