package filestore

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"

	"parley/internal/models"

	"github.com/h2non/filetype"
)

var (
	ErrTooLarge = errors.New("file too large")
	hashRegex   = regexp.MustCompile(`^[0-9a-f]{64}$`)
)

// FileStore is an interface for storing and retrieving files by their hash.
type FileStore interface {
	// Save saves the file content with the given hash.
	// It is idempotent: if a file with the same hash already exists, it returns nil.
	Save(r io.Reader, hash string) error

	// Get retrieves the file content for the given hash.
	Get(hash string) (io.ReadCloser, error)
}

// Blob describes a stored attachment.
type Blob struct {
	Hash string `json:"hash"`
	Ext  string `json:"ext"`
	MIME string `json:"mime"`
	Size int64  `json:"size"`
}

// Name is the public file name of the blob.
func (b Blob) Name() string {
	return b.Hash + "." + b.Ext
}

// Ingest reads at most limit bytes from r, detects the file type from its
// content and stores it under its sha256. Only image, video and audio
// files are accepted.
func Ingest(fs FileStore, r io.Reader, limit int64) (Blob, error) {
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, limit+1))
	if err != nil {
		return Blob{}, fmt.Errorf("failed to read upload: %w", err)
	}
	if n > limit {
		return Blob{}, ErrTooLarge
	}
	if n == 0 {
		return Blob{}, fmt.Errorf("%w: empty upload", models.ErrInvalid)
	}

	kind, err := filetype.Match(buf.Bytes())
	if err != nil || kind == filetype.Unknown {
		return Blob{}, fmt.Errorf("%w: unknown file type", models.ErrInvalid)
	}
	switch kind.MIME.Type {
	case "image", "video", "audio":
	default:
		return Blob{}, fmt.Errorf("%w: unsupported file type %s", models.ErrInvalid, kind.MIME.Value)
	}

	sum := sha256.Sum256(buf.Bytes())
	blob := Blob{
		Hash: hex.EncodeToString(sum[:]),
		Ext:  kind.Extension,
		MIME: kind.MIME.Value,
		Size: n,
	}
	if err := fs.Save(&buf, blob.Hash); err != nil {
		return Blob{}, err
	}
	return blob, nil
}

// ValidHash reports whether s can name a stored file.
func ValidHash(s string) bool {
	return hashRegex.MatchString(s)
}
