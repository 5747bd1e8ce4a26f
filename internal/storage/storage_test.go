package storage

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

// oggPage builds the first page of an Ogg stream whose codec header is codec.
func oggPage(codec string) []byte {
	page := append([]byte("OggS"), make([]byte, 24)...)
	return append(page, codec...)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		head []byte
		hint string
		want string
	}{
		{"scan.png", pngHeader, "", ResourceImage},
		{"note.opus", oggPage("OpusHead"), "", ResourceAudio},
		{"bare.ogg", []byte("OggS\x00\x02"), "", ResourceAudio},
		{"clip.ogg", []byte("OggS\x00\x02"), "video", ResourceVideo},
		{"song.mp3", []byte("ID3\x04\x00\x00\x00\x00\x00\x00"), "", ResourceAudio},
		{"note.webm", []byte("\x1aE\xdf\xa3"), "audio", ResourceAudio},
		{"clip.webm", []byte("\x1aE\xdf\xa3"), "video", ResourceVideo},
		{"report.pdf", []byte("%PDF-1.7"), "image", ResourceRaw},
		{"blob", []byte{0x00, 0x01, 0x02}, "image", ResourceImage},
		{"blob", []byte{0x00, 0x01, 0x02}, "", ResourceRaw},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct := DetectContentType(tt.head)
			if got := Classify(ct, tt.hint); got != tt.want {
				t.Fatalf("Classify(%q) = %q, want %q", ct, got, tt.want)
			}
		})
	}
}

func TestFormat(t *testing.T) {
	if f := Format("Photo.JPG", "image/jpeg"); f != "jpg" {
		t.Fatalf("expected jpg, got %q", f)
	}
	if f := Format("noext", "image/png"); f != "png" {
		t.Fatalf("expected png from content type, got %q", f)
	}
	if f := Format("", DetectContentType([]byte("%PDF-1.7"))); f != "pdf" {
		t.Fatalf("expected pdf from sniffed content, got %q", f)
	}
}

func TestDetectContentTypeDropsParameters(t *testing.T) {
	if ct := DetectContentType([]byte("hello world")); ct != "text/plain" {
		t.Fatalf("expected text/plain, got %q", ct)
	}
}

func TestSaveLocal(t *testing.T) {
	dir := t.TempDir()
	st, err := NewLocalStorage(dir, "http://localhost:8080/")
	if err != nil {
		t.Fatal(err)
	}

	content := append(append([]byte{}, pngHeader...), bytes.Repeat([]byte{7}, 2048)...)
	obj, err := Save(context.Background(), st, "scan.png", "", bytes.NewReader(content), int64(len(content)))
	if err != nil {
		t.Fatal(err)
	}
	if obj.ResourceType != ResourceImage || obj.Format != "png" {
		t.Fatalf("unexpected object %+v", obj)
	}
	prefix := "http://localhost:8080/media/chat_media/"
	if !strings.HasPrefix(obj.URL, prefix) || !strings.HasSuffix(obj.URL, ".png") {
		t.Fatalf("unexpected url %q", obj.URL)
	}

	stored, err := os.ReadFile(filepath.Join(dir, "chat_media", strings.TrimPrefix(obj.URL, prefix)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stored, content) {
		t.Fatal("stored content differs")
	}
}

func TestSaveUnseekableBody(t *testing.T) {
	st, _ := NewLocalStorage(t.TempDir(), "http://h")
	body := strings.NewReader("hello world")
	obj, err := Save(context.Background(), st, "notes.txt", "", io.MultiReader(body), -1)
	if err != nil {
		t.Fatal(err)
	}
	if obj.ResourceType != ResourceRaw {
		t.Fatalf("expected raw, got %q", obj.ResourceType)
	}
}

func TestLocalRejectsEscapingKeys(t *testing.T) {
	st, _ := NewLocalStorage(t.TempDir(), "http://h")
	if _, err := st.Put(context.Background(), "../evil", strings.NewReader("x"), 1, ""); err == nil {
		t.Fatal("expected an error for a key outside the directory")
	}
}
