package plaintext

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/kirillkom/statsrag/internal/core/domain"
)

type fakeStorage struct {
	objects map[string][]byte
}

func (f *fakeStorage) Save(_ context.Context, key string, data io.Reader) error {
	raw, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.objects[key] = raw
	return nil
}

func (f *fakeStorage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	raw, ok := f.objects[key]
	if !ok {
		return nil, io.ErrUnexpectedEOF
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func TestExtractReturnsTextVerbatim(t *testing.T) {
	text := "  Press note\n\nGDP grew 8.2%.  "
	store := &fakeStorage{objects: map[string][]byte{"documents/d/h.txt": []byte(text)}}
	got, err := NewExtractor(store).Extract(context.Background(), &domain.Document{
		ID: "d", StoragePath: "documents/d/h.txt", ContentHash: domain.ContentHash(text),
	})
	if err != nil {
		t.Fatalf("Extract() error = %v", err)
	}
	if got != text {
		t.Fatalf("text must not be altered, got %q", got)
	}
}

func TestExtractRejectsBinaryAndHashMismatch(t *testing.T) {
	store := &fakeStorage{objects: map[string][]byte{
		"bin": {0xff, 0xfe, 0x00},
		"txt": []byte("changed"),
	}}
	ex := NewExtractor(store)
	if _, err := ex.Extract(context.Background(), &domain.Document{ID: "b", StoragePath: "bin"}); !domain.IsKind(err, domain.ErrIngest) {
		t.Fatalf("expected ErrIngest for binary content, got %v", err)
	}
	_, err := ex.Extract(context.Background(), &domain.Document{ID: "t", StoragePath: "txt", ContentHash: domain.ContentHash("original")})
	if err == nil || !strings.Contains(err.Error(), "content hash") {
		t.Fatalf("expected hash mismatch error, got %v", err)
	}
}
