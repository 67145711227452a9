package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Store keeps raw audio blobs on the local filesystem under a base
// directory and hands out URLs rooted at a public base.
type Store struct {
	baseDir string
	baseURL string
}

// ErrNotFound is returned when a requested blob does not exist.
var ErrNotFound = errors.New("blob not found")

// NewStore builds a filesystem blob store. baseURL is the public prefix
// stored in file_url fields, e.g. "http://localhost:8090/blobs".
func NewStore(baseDir, baseURL string) (*Store, error) {
	if baseDir == "" {
		baseDir = "./data/audio"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Store{
		baseDir: baseDir,
		baseURL: strings.TrimRight(baseURL, "/"),
	}, nil
}

// Put stores the blob under a unique object name derived from the
// original file name and returns its public URL.
func (s *Store) Put(name string, data []byte) (string, error) {
	object := fmt.Sprintf("%s-%s", uuid.New().String(), sanitize(name))
	dest := filepath.Join(s.baseDir, object)
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob %s: %w", object, err)
	}
	return s.PublicURL(object), nil
}

// Get reads a stored blob by object name.
func (s *Store) Get(object string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.baseDir, sanitize(object)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read blob %s: %w", object, err)
	}
	return data, nil
}

// Delete removes a single blob. Deleting a missing blob is not an error.
func (s *Store) Delete(object string) error {
	if err := os.Remove(filepath.Join(s.baseDir, sanitize(object))); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", object, err)
	}
	return nil
}

// DeleteMany removes a batch of blobs, stopping at the first failure.
func (s *Store) DeleteMany(objects []string) error {
	for _, object := range objects {
		if err := s.Delete(object); err != nil {
			return err
		}
	}
	return nil
}

// PublicURL returns the URL under which a stored object is served.
func (s *Store) PublicURL(object string) string {
	if s.baseURL == "" {
		return "/blobs/" + object
	}
	return s.baseURL + "/" + object
}

// PathFromURL recovers the object name from a stored file_url.
func (s *Store) PathFromURL(url string) string {
	idx := strings.LastIndex(url, "/")
	if idx < 0 {
		return url
	}
	return url[idx+1:]
}

// BaseDir reports where blobs live, for serving them statically.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// sanitize strips any path components so object names stay inside baseDir.
func sanitize(name string) string {
	return filepath.Base(filepath.Clean(name))
}
