package filestore

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"parley/internal/models"
)

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

func newStore(t *testing.T) *LocalFileStore {
	t.Helper()
	fs, err := NewLocalFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalFileStore failed: %v", err)
	}
	return fs
}

func TestIngest(t *testing.T) {
	fs := newStore(t)

	blob, err := Ingest(fs, bytes.NewReader(pngHeader), 1024)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if blob.Ext != "png" || blob.MIME != "image/png" {
		t.Errorf("unexpected type: %+v", blob)
	}
	if blob.Size != int64(len(pngHeader)) {
		t.Errorf("expected size %d, got %d", len(pngHeader), blob.Size)
	}
	if !ValidHash(blob.Hash) {
		t.Errorf("invalid hash %q", blob.Hash)
	}
	if blob.Name() != blob.Hash+".png" {
		t.Errorf("unexpected name %q", blob.Name())
	}

	rc, err := fs.Get(blob.Hash)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll failed: %v", err)
	}
	if !bytes.Equal(data, pngHeader) {
		t.Error("stored content differs from upload")
	}

	again, err := Ingest(fs, bytes.NewReader(pngHeader), 1024)
	if err != nil {
		t.Fatalf("second Ingest failed: %v", err)
	}
	if again.Hash != blob.Hash {
		t.Error("same content must map to the same hash")
	}
}

func TestIngest_Rejects(t *testing.T) {
	fs := newStore(t)

	tests := []struct {
		name    string
		data    []byte
		limit   int64
		wantErr error
	}{
		{"empty", nil, 1024, models.ErrInvalid},
		{"plain text", []byte("just some words"), 1024, models.ErrInvalid},
		{"pdf", []byte("%PDF-1.4\n%fake"), 1024, models.ErrInvalid},
		{"too large", pngHeader, 8, ErrTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Ingest(fs, bytes.NewReader(tt.data), tt.limit)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Ingest() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLocalFileStore_BadHash(t *testing.T) {
	fs := newStore(t)

	if _, err := fs.Get("../../etc/passwd"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	if _, err := fs.Get(strings.Repeat("a", 64)); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	if err := fs.Save(strings.NewReader("x"), "short"); !errors.Is(err, models.ErrInvalid) {
		t.Errorf("Save() error = %v, want ErrInvalid", err)
	}
}
