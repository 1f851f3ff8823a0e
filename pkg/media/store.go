// Package media stores inbound attachments on local disk and fetches
// outbound attachments from remote URLs.
package media

import (
	"fmt"
	"hash/fnv"
	"mime"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

var ErrInvalidName = errors.New("invalid media name")

var (
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	invalidName = regexp.MustCompile(`[^A-Za-z0-9._~-]`)
)

// sessionSeparator joins the session part and the file part of a stored
// name. Sanitised components never contain it.
const sessionSeparator = "~"

// Store writes attachments into a single flat directory. Stored names are
// scoped by session, so equal ids from different sessions never share a
// file.
type Store struct {
	Dir string
	// URLPrefix is prepended to a stored name to build its public URL.
	URLPrefix string
}

func NewStore(dir, urlPrefix string) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("media store: empty dir")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "media store: create dir")
	}
	if urlPrefix == "" {
		urlPrefix = "/media/"
	}
	return &Store{Dir: dir, URLPrefix: urlPrefix}, nil
}

// Save writes data for one session under a sanitised form of name, adding
// an extension derived from mimeType when name has none. It returns the
// stored name.
func (s *Store) Save(sessionID, name, mimeType string, data []byte) (string, error) {
	if s == nil {
		return "", errors.New("media store: nil store")
	}
	scope := sessionScope(sessionID)
	if scope == "" {
		return "", errors.Wrapf(ErrInvalidName, "session %q", sessionID)
	}
	file := sanitize(name)
	if file == "" {
		return "", errors.Wrapf(ErrInvalidName, "%q", name)
	}
	if filepath.Ext(file) == "" {
		file += extensionFor(mimeType)
	}
	base := scope + sessionSeparator + file

	path := filepath.Join(s.Dir, base)
	tmp, err := os.CreateTemp(s.Dir, "."+base+".*")
	if err != nil {
		return "", errors.Wrap(err, "media store: create temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", errors.Wrap(err, "media store: write")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", errors.Wrap(err, "media store: close")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return "", errors.Wrap(err, "media store: rename")
	}
	return base, nil
}

// Path resolves a stored name to its file path, rejecting anything that
// would escape Dir.
func (s *Store) Path(name string) (string, error) {
	if s == nil {
		return "", errors.New("media store: nil store")
	}
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || invalidName.MatchString(name) {
		return "", errors.Wrapf(ErrInvalidName, "%q", name)
	}
	return filepath.Join(s.Dir, name), nil
}

func (s *Store) Open(name string) (*os.File, error) {
	path, err := s.Path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "media store: open %s", name)
	}
	return f, nil
}

func (s *Store) URL(name string) string {
	if s == nil || name == "" {
		return ""
	}
	return s.URLPrefix + name
}

func sanitize(s string) string {
	return strings.Trim(unsafeChars.ReplaceAllString(strings.TrimSpace(s), "_"), ".")
}

// sessionScope is the sanitised session id. Ids that sanitising changes get
// a hash of the raw id appended so that "a b" and "a_b" stay apart.
func sessionScope(sessionID string) string {
	raw := strings.TrimSpace(sessionID)
	scope := sanitize(raw)
	if scope == "" || scope == raw {
		return scope
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(raw))
	return fmt.Sprintf("%s-%08x", scope, h.Sum32())
}

var preferredExtensions = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/webp":      ".webp",
	"image/gif":       ".gif",
	"video/mp4":       ".mp4",
	"audio/ogg":       ".ogg",
	"audio/mpeg":      ".mp3",
	"audio/mp4":       ".m4a",
	"application/pdf": ".pdf",
}

func extensionFor(mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return ".bin"
	}
	if ext, ok := preferredExtensions[mt]; ok {
		return ext
	}
	if exts, err := mime.ExtensionsByType(mt); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}
