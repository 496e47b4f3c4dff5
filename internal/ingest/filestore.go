package ingest

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"regexp"
	"strconv"
	"time"
)

// URLPrefix is the public path uploaded files are served under.
const URLPrefix = "/uploads/"

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_\-.]`)

// SafeName replaces every character outside [a-zA-Z0-9_.-] with '_'. An
// empty name becomes "document".
func SafeName(name string) string {
	if name == "" {
		name = "document"
	}
	return unsafeChars.ReplaceAllString(name, "_")
}

// FileStore keeps uploaded payloads in one directory. All access goes through
// an os.Root, so names that resolve outside the directory are rejected.
type FileStore struct {
	dir  string
	root *os.Root
	now  func() time.Time
}

// NewFileStore opens dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("uploads directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating uploads directory: %w", err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("opening uploads directory: %w", err)
	}
	return &FileStore{dir: dir, root: root, now: time.Now}, nil
}

// Dir returns the directory files are stored in.
func (s *FileStore) Dir() string { return s.dir }

// Save writes r as {unixMillis}_{SafeName(original)} and returns the stored
// name and the number of bytes written. A partial file is removed on error.
func (s *FileStore) Save(original string, r io.Reader) (string, int64, error) {
	name := strconv.FormatInt(s.now().UnixMilli(), 10) + "_" + SafeName(original)

	f, err := s.root.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", 0, fmt.Errorf("creating %s: %w", name, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = s.root.Remove(name)
		return "", 0, fmt.Errorf("writing %s: %w", name, err)
	}
	return name, n, nil
}

// Open opens a stored file for reading.
func (s *FileStore) Open(name string) (*os.File, error) {
	return s.root.Open(name)
}

// Remove deletes a stored file. A missing file is not an error.
func (s *FileStore) Remove(name string) error {
	if name == "" || name == "." || name == "/" {
		return fmt.Errorf("invalid file name %q", name)
	}
	if err := s.root.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// URL returns the public URL of a stored file.
func (s *FileStore) URL(name string) string {
	return URLPrefix + name
}

// NameFromURL maps a stored file URL back to its name.
func (s *FileStore) NameFromURL(fileURL string) string {
	return path.Base(fileURL)
}

// Close releases the directory handle.
func (s *FileStore) Close() error {
	return s.root.Close()
}
