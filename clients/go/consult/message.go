// Package consult provides the client side of the consultation channel: one
// WebSocket per room carrying chat, media and call signaling, an optimistic
// upload pipeline, a call state machine and the merged conversation view.
package consult

import (
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

var (
	ErrNotConnected   = errors.New("channel not connected")
	ErrRoomResolved   = errors.New("consultation resolved")
	ErrMalformedFrame = errors.New("malformed frame")
	ErrInvalidSource  = errors.New("invalid upload source")
	ErrNotCancelable  = errors.New("upload can no longer be cancelled")
	ErrUnknownUpload  = errors.New("unknown upload")
)

// MediaKind is the kind of an attachment.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaAudio MediaKind = "audio"
)

// MessageKind distinguishes ordinary chat from locally generated notices.
type MessageKind string

const (
	KindNormal      MessageKind = "normal"
	KindSystem      MessageKind = "system"
	KindCallRequest MessageKind = "call_request"
)

// Attachment is a remote media resource referenced by a message.
type Attachment struct {
	URL       string    `json:"url"`
	MediaKind MediaKind `json:"media_kind"`
}

// Message is a confirmed chat message. Two messages are the same message
// when their timestamps and senders match.
type Message struct {
	Timestamp  time.Time   `json:"timestamp"`
	SenderID   string      `json:"sender_id"`
	Body       string      `json:"body,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Kind       MessageKind `json:"kind"`
}

// Key returns the de-duplication identity of the message.
func (m Message) Key() MessageKey {
	return MessageKey{Timestamp: m.Timestamp.UnixNano(), SenderID: m.SenderID}
}

// MessageKey identifies a message for de-duplication.
type MessageKey struct {
	Timestamp int64
	SenderID  string
}

// RoomID derives the stable room identifier for a patient/clinician pair.
func RoomID(patientID, clinicianID string) string {
	return fmt.Sprintf("user_%s_doc_%s", patientID, clinicianID)
}

// ParseMediaKind maps a collaborator resource type onto a MediaKind. Unknown
// types fall back to the file extension of url.
func ParseMediaKind(resourceType, url string) MediaKind {
	switch strings.ToLower(resourceType) {
	case "image":
		return MediaImage
	case "video":
		// The collaborator stores voice notes as video resources
		if urlKind(url) == MediaAudio {
			return MediaAudio
		}
		return MediaVideo
	case "audio":
		return MediaAudio
	}
	return urlKind(url)
}

// DetectMediaKind sniffs the content of src. When the bytes are not
// recognised media, the name decides.
func DetectMediaKind(src Source) MediaKind {
	rc, err := src.Open()
	if err != nil {
		return urlKind(src.Name())
	}
	defer rc.Close()
	mt, err := mimetype.DetectReader(rc)
	if err != nil {
		return urlKind(src.Name())
	}
	if kind, ok := kindFromMIME(mt.String()); ok {
		return kind
	}
	return urlKind(src.Name())
}

func kindFromMIME(contentType string) (MediaKind, bool) {
	mt := mimetype.Lookup(contentType)
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return MediaImage, true
	case strings.HasPrefix(contentType, "audio/"), mt != nil && mt.Is("application/ogg"):
		return MediaAudio, true
	case strings.HasPrefix(contentType, "video/"):
		return MediaVideo, true
	}
	return "", false
}

// urlKind guesses a media kind for a remote file, which has no bytes to
// sniff. Images are the default.
func urlKind(url string) MediaKind {
	ext := strings.ToLower(path.Ext(url))
	if kind, ok := mediaExts[ext]; ok {
		return kind
	}
	if kind, ok := kindFromMIME(mime.TypeByExtension(ext)); ok {
		return kind
	}
	return MediaImage
}

// mediaExts covers the recorder and collaborator formats the platform mime
// table may not know.
var mediaExts = map[string]MediaKind{
	".ogg": MediaAudio, ".oga": MediaAudio, ".opus": MediaAudio,
	".mp3": MediaAudio, ".m4a": MediaAudio, ".wav": MediaAudio,
	".mp4": MediaVideo, ".mov": MediaVideo, ".webm": MediaVideo,
}

// uploadNotice is the body the collaborator expects alongside a file frame.
func uploadNotice(kind MediaKind) string {
	switch kind {
	case MediaVideo:
		return "Sent a video"
	case MediaAudio:
		return "Sent a voice message"
	}
	return "Sent an image"
}
