package consult

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecodeHistoryLegacyCasing(t *testing.T) {
	raw := `{"type":"chat_history","messages":[
		{"SenderID":"7","Message":"hi","Timestamp":"2024-05-01T10:00:00.123456"},
		{"SenderID":8,"Message":"Sent an image","FileUrl":"https://cdn/x.png","FileType":"image","Timestamp":"2024-05-01T10:00:01"},
		{"SenderID":"9","Message":"broken","Timestamp":"yesterday"}
	]}`
	ev, err := DecodeFrame([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	h, ok := ev.(HistoryEvent)
	if !ok {
		t.Fatalf("expected HistoryEvent, got %T", ev)
	}
	if len(h.Messages) != 2 {
		t.Fatalf("expected 2 messages (bad timestamp skipped), got %d", len(h.Messages))
	}
	if h.Messages[0].SenderID != "7" || h.Messages[0].Body != "hi" {
		t.Fatalf("unexpected first message %+v", h.Messages[0])
	}
	want := time.Date(2024, 5, 1, 10, 0, 0, 123456000, time.UTC)
	if !h.Messages[0].Timestamp.Equal(want) {
		t.Fatalf("expected %v, got %v", want, h.Messages[0].Timestamp)
	}
	att := h.Messages[1].Attachment
	if att == nil || att.URL != "https://cdn/x.png" || att.MediaKind != MediaImage {
		t.Fatalf("unexpected attachment %+v", att)
	}
	if h.Messages[1].SenderID != "8" {
		t.Fatalf("numeric sender should decode as string, got %q", h.Messages[1].SenderID)
	}
}

func TestDecodeNewMessage(t *testing.T) {
	raw := `{"type":"new_message","message":"Sent a video","sender_id":"3","file_url":"https://cdn/v.mp4","file_type":"video","timestamp":"2024-05-01T10:00:00+00:00"}`
	ev, err := DecodeFrame([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	m, ok := ev.(MessageEvent)
	if !ok {
		t.Fatalf("expected MessageEvent, got %T", ev)
	}
	if m.Message.Attachment == nil || m.Message.Attachment.MediaKind != MediaVideo {
		t.Fatalf("expected video attachment, got %+v", m.Message.Attachment)
	}
	if m.Message.Kind != KindNormal {
		t.Fatalf("expected normal kind, got %q", m.Message.Kind)
	}
}

func TestDecodeAudioStoredAsVideo(t *testing.T) {
	raw := `{"type":"new_message","message":"Sent a voice message","sender_id":"3","file_url":"https://cdn/voice.ogg","file_type":"video","timestamp":"2024-05-01T10:00:00Z"}`
	ev, err := DecodeFrame([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	if kind := ev.(MessageEvent).Message.Attachment.MediaKind; kind != MediaAudio {
		t.Fatalf("expected audio, got %q", kind)
	}
}

func TestDecodeSignaling(t *testing.T) {
	ev, err := DecodeFrame([]byte(`{"type":"call_user","data":{"type":"offer","sdp":"v=0"},"sender_id":4}`))
	if err != nil {
		t.Fatal(err)
	}
	offer, ok := ev.(CallOfferEvent)
	if !ok {
		t.Fatalf("expected CallOfferEvent, got %T", ev)
	}
	if offer.SenderID != "4" || len(offer.Payload) == 0 {
		t.Fatalf("unexpected offer %+v", offer)
	}

	ev, err = DecodeFrame([]byte(`{"type":"call_ended"}`))
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := ev.(CallEndedEvent); !ok {
		t.Fatalf("expected CallEndedEvent, got %T", ev)
	}

	ev, err = DecodeFrame([]byte(`{"type":"call_rejected","reason":"busy","sender_id":"5"}`))
	if err != nil {
		t.Fatal(err)
	}
	if r, ok := ev.(CallRejectedEvent); !ok || r.Reason != "busy" {
		t.Fatalf("unexpected %#v", ev)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":        `{"type":`,
		"unknown type":    `{"type":"typing"}`,
		"offer no data":   `{"type":"call_user","sender_id":"1"}`,
		"answer null":     `{"type":"answer_call","data":null}`,
		"message no time": `{"type":"new_message","message":"x","sender_id":"1"}`,
		"message no user": `{"type":"new_message","message":"x","timestamp":"2024-05-01T10:00:00Z"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeFrame([]byte(raw))
			if !errors.Is(err, ErrMalformedFrame) {
				t.Fatalf("expected ErrMalformedFrame, got %v", err)
			}
		})
	}
}

func TestEncodeFrames(t *testing.T) {
	data, err := EncodeFrame(TextFrame{Message: "hello", SenderID: "1"})
	if err != nil {
		t.Fatal(err)
	}
	var text map[string]any
	if err := json.Unmarshal(data, &text); err != nil {
		t.Fatal(err)
	}
	if _, ok := text["type"]; ok {
		t.Fatal("chat frames are untyped")
	}
	if text["message"] != "hello" || text["sender_id"] != "1" {
		t.Fatalf("unexpected text frame %s", data)
	}

	data, err = EncodeFrame(CallUserFrame{Data: json.RawMessage(`{"type":"offer","sdp":"v=0"}`), SenderID: "1"})
	if err != nil {
		t.Fatal(err)
	}
	var call struct {
		Type     string          `json:"type"`
		Data     json.RawMessage `json:"data"`
		SenderID string          `json:"sender_id"`
	}
	if err := json.Unmarshal(data, &call); err != nil {
		t.Fatal(err)
	}
	if call.Type != "call_user" || call.SenderID != "1" || len(call.Data) == 0 {
		t.Fatalf("unexpected call frame %s", data)
	}

	data, err = EncodeFrame(FileFrame{Message: "Sent an image", FileURL: "u", FileType: "image", SenderID: "1"})
	if err != nil {
		t.Fatal(err)
	}
	var file map[string]any
	_ = json.Unmarshal(data, &file)
	if file["file_url"] != "u" || file["file_type"] != "image" {
		t.Fatalf("unexpected file frame %s", data)
	}
}

func TestRoomID(t *testing.T) {
	if got := RoomID("12", "4"); got != "user_12_doc_4" {
		t.Fatalf("expected user_12_doc_4, got %q", got)
	}
}

func TestURLKind(t *testing.T) {
	cases := map[string]MediaKind{
		"https://cdn/scan.png":   MediaImage,
		"https://cdn/clip.mp4":   MediaVideo,
		"https://cdn/note.ogg":   MediaAudio,
		"https://cdn/note.m4a":   MediaAudio,
		"https://cdn/unknown":    MediaImage,
		"https://cdn/report.PDF": MediaImage,
	}
	for url, want := range cases {
		if got := urlKind(url); got != want {
			t.Errorf("%s: expected %q, got %q", url, want, got)
		}
	}
}

func TestDetectMediaKind(t *testing.T) {
	oggOpus := append(append([]byte("OggS"), make([]byte, 24)...), "OpusHead"...)
	cases := []struct {
		name string
		data []byte
		want MediaKind
	}{
		{"photo", []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), MediaImage},
		{"note", oggOpus, MediaAudio},
		{"song", []byte("ID3\x04\x00\x00\x00\x00\x00\x00"), MediaAudio},
		{"clip", []byte("\x00\x00\x00\x18ftypmp42\x00\x00\x00\x00mp42isom"), MediaVideo},
		// Content wins over a misleading name
		{"voice.png", oggOpus, MediaAudio},
		// Unrecognised bytes fall back to the name
		{"clip.mp4", []byte{0x00, 0x01, 0x02}, MediaVideo},
		{"blob", []byte{0x00, 0x01, 0x02}, MediaImage},
	}
	for _, tc := range cases {
		if got := DetectMediaKind(BytesSource(tc.name, tc.data)); got != tc.want {
			t.Errorf("%s: expected %q, got %q", tc.name, tc.want, got)
		}
	}
}
