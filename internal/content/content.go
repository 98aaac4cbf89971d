package content

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"parley/internal/models"

	"github.com/h2non/filetype"
	"github.com/microcosm-cc/bluemonday"
)

const MaxUsernameLength = 30

var (
	policy        = bluemonday.UGCPolicy()
	usernameRegex = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)
)

// Sanitize removes unsafe HTML from the input string and trims surrounding
// whitespace. It is used for message content.
func Sanitize(input string) string {
	return strings.TrimSpace(policy.Sanitize(strings.TrimSpace(input)))
}

// ValidateUsername checks if the username contains only allowed characters
// (alphanumeric, dot, dash, underscore) and fits the length limit.
func ValidateUsername(username string) error {
	if username == "" {
		return fmt.Errorf("%w: username cannot be empty", models.ErrInvalid)
	}
	if len(username) > MaxUsernameLength {
		return fmt.Errorf("%w: username is longer than %d characters", models.ErrInvalid, MaxUsernameLength)
	}
	if !usernameRegex.MatchString(username) {
		return fmt.Errorf("%w: username contains invalid characters (allowed: alphanumeric, dot, dash, underscore)", models.ErrInvalid)
	}
	return nil
}

// MediaKindFor decides the media kind of a message. Messages without an
// attachment are text. Otherwise a valid declared non-text kind wins and
// anything else is inferred from the attachment's file extension.
func MediaKindFor(attachment string, declared models.MediaKind) (models.MediaKind, error) {
	if attachment == "" {
		return models.MediaKindText, nil
	}

	if declared.Valid() && declared != models.MediaKindText {
		return declared, nil
	}

	ext := attachmentExt(attachment)
	t := filetype.GetType(ext)
	if t == filetype.Unknown {
		return "", fmt.Errorf("%w: unknown attachment type %q", models.ErrInvalid, ext)
	}
	switch t.MIME.Type {
	case "image":
		return models.MediaKindImage, nil
	case "video":
		return models.MediaKindVideo, nil
	case "audio":
		return models.MediaKindAudio, nil
	}
	return "", fmt.Errorf("%w: unsupported attachment type %s", models.ErrInvalid, t.MIME.Value)
}

// attachmentExt returns the lowercase extension of an attachment reference,
// which may be a bare file name or a URL with a query string.
func attachmentExt(ref string) string {
	p := ref
	if u, err := url.Parse(ref); err == nil && u.Path != "" {
		p = u.Path
	}
	return strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
}
