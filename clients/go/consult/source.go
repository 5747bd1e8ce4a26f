package consult

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
)

// Source is a local file picked or recorded by the user.
type Source interface {
	Name() string
	Size() int64
	Open() (io.ReadCloser, error)
}

type fileSource struct {
	path string
	size int64
}

// FileSource returns a Source for a regular file on disk.
func FileSource(path string) (Source, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrInvalidSource, path)
	}
	return &fileSource{path: abs, size: info.Size()}, nil
}

func (f *fileSource) Name() string                 { return filepath.Base(f.path) }
func (f *fileSource) Size() int64                  { return f.size }
func (f *fileSource) Open() (io.ReadCloser, error) { return os.Open(f.path) }

type bytesSource struct {
	name string
	data []byte
}

// BytesSource returns a Source backed by memory, e.g. a finished voice note.
func BytesSource(name string, data []byte) Source {
	return &bytesSource{name: name, data: data}
}

func (b *bytesSource) Name() string { return b.name }
func (b *bytesSource) Size() int64  { return int64(len(b.data)) }
func (b *bytesSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(b.data)), nil
}

// previewURI returns a URI the UI can render immediately, without a network
// round trip.
func previewURI(src Source, tempID string) string {
	if fs, ok := src.(*fileSource); ok {
		return (&url.URL{Scheme: "file", Path: filepath.ToSlash(fs.path)}).String()
	}
	return "blob:" + tempID
}

func validSource(src Source) bool {
	return src != nil && src.Name() != "" && src.Size() >= 0
}
