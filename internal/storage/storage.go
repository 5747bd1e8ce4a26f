// Package storage keeps uploaded chat media and classifies it.
package storage

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/oklog/ulid/v2"
)

// Resource types reported to clients.
const (
	ResourceImage = "image"
	ResourceVideo = "video"
	ResourceAudio = "audio"
	ResourceRaw   = "raw"
)

// sniffLen is how much of a file is inspected to classify it. It matches
// the detector's default read limit.
const sniffLen = 3072

// Storage puts objects somewhere clients can fetch them.
type Storage interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (url string, err error)
}

// Object describes a stored upload.
type Object struct {
	URL          string `json:"url"`
	Format       string `json:"format"`
	ResourceType string `json:"resource_type"`
}

// Save classifies body, stores it under a fresh key and returns the result.
// hint is the media kind the client declared, used when sniffing is
// inconclusive.
func Save(ctx context.Context, st Storage, name, hint string, body io.Reader, size int64) (*Object, error) {
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(body, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	head = head[:n]

	contentType := DetectContentType(head)
	resourceType := Classify(contentType, hint)
	format := Format(name, contentType)

	// Seekable bodies are rewound so the SDK can sign the payload
	var full io.Reader
	if rs, ok := body.(io.ReadSeeker); ok {
		if _, err := rs.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		full = rs
	} else {
		full = io.MultiReader(bytes.NewReader(head), body)
	}

	key := ObjectKey(format)
	url, err := st.Put(ctx, key, full, size, contentType)
	if err != nil {
		return nil, err
	}
	return &Object{URL: url, Format: format, ResourceType: resourceType}, nil
}

// ObjectKey returns a unique, time-ordered key under chat_media/.
func ObjectKey(format string) string {
	key := "chat_media/" + strings.ToLower(ulid.Make().String())
	if format != "" {
		key += "." + format
	}
	return key
}

// DetectContentType sniffs the leading bytes of a file. Parameters such as
// charset are dropped.
func DetectContentType(head []byte) string {
	ct, _, _ := strings.Cut(mimetype.Detect(head).String(), ";")
	return strings.TrimSpace(ct)
}

// Classify maps a content type onto a resource type. hint is only consulted
// for containers that carry either audio or video, and for content the
// sniffer cannot place.
func Classify(contentType, hint string) string {
	mt := mimetype.Lookup(contentType)
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return ResourceImage
	case strings.HasPrefix(contentType, "audio/"):
		return ResourceAudio
	case strings.HasPrefix(contentType, "video/"):
		// Voice notes recorded as webm arrive as video containers
		if hint == ResourceAudio {
			return ResourceAudio
		}
		return ResourceVideo
	case mt != nil && mt.Is("application/ogg"):
		if hint == ResourceVideo {
			return ResourceVideo
		}
		return ResourceAudio
	case contentType == "application/octet-stream":
		switch hint {
		case ResourceImage, ResourceVideo, ResourceAudio:
			return hint
		}
	}
	return ResourceRaw
}

// Format returns the file format reported to clients, without a dot. The
// client's file name wins over the sniffed type.
func Format(name, contentType string) string {
	if ext := strings.TrimPrefix(strings.ToLower(path.Ext(name)), "."); ext != "" {
		return ext
	}
	if mt := mimetype.Lookup(contentType); mt != nil {
		return strings.TrimPrefix(mt.Extension(), ".")
	}
	return ""
}
