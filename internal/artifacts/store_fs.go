// Package artifacts stores rendered response bodies (HTML pages of group
// representatives) on disk and serves them over HTTP.
package artifacts

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// Sink receives rendered artifacts from the grouping engine.
type Sink interface {
	// Put stores content under name+ext and returns the URL it is served at
	// and the path identifying it for later deletion.
	Put(name, content, ext string) (link string, path string, err error)
	// Delete removes previously stored artifacts. Unknown paths are ignored.
	Delete(paths ...string) error
	// Exists reports whether an artifact is still present.
	Exists(path string) bool
}

// FSStore writes artifacts into a single directory.
type FSStore struct {
	dir     string
	baseURL string
}

// NewFSStore creates the directory if needed. baseURL is the prefix artifacts
// are served under, e.g. "http://127.0.0.1:8099/responses/".
func NewFSStore(dir, baseURL string) (*FSStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %w", err)
	}
	if baseURL != "" && !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return &FSStore{dir: dir, baseURL: baseURL}, nil
}

// Dir returns the directory artifacts are written to.
func (fs *FSStore) Dir() string { return fs.dir }

// Put writes content atomically. Spaces in name are replaced by underscores.
func (fs *FSStore) Put(name, content, ext string) (string, string, error) {
	file := sanitize(name) + ext
	p := filepath.Join(fs.dir, file)
	if err := AtomicWriteFile(p, []byte(content), 0o644); err != nil {
		return "", "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return fs.baseURL + url.PathEscape(file), p, nil
}

// Delete removes artifacts; already missing files are not an error.
func (fs *FSStore) Delete(paths ...string) error {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete artifact: %w", err)
		}
	}
	return nil
}

// Exists checks whether the artifact file is present.
func (fs *FSStore) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Handler serves the stored artifacts; mount it with the URL prefix stripped.
func (fs *FSStore) Handler() http.Handler {
	return http.FileServer(http.Dir(fs.dir))
}

func sanitize(name string) string {
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, string(os.PathSeparator), "_")
	return strings.ReplaceAll(name, "..", "_")
}

// AtomicWriteFile writes data to a temp file in the same directory and renames
// it over path.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-artifact-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// MemStore is an in-memory Sink.
type MemStore struct {
	BaseURL string
	Files   map[string]string
}

// NewMemStore returns an empty in-memory sink.
func NewMemStore() *MemStore {
	return &MemStore{BaseURL: "mem://artifacts/", Files: make(map[string]string)}
}

func (m *MemStore) Put(name, content, ext string) (string, string, error) {
	file := sanitize(name) + ext
	m.Files[file] = content
	return m.BaseURL + file, file, nil
}

func (m *MemStore) Delete(paths ...string) error {
	for _, p := range paths {
		delete(m.Files, p)
	}
	return nil
}

func (m *MemStore) Exists(path string) bool {
	_, ok := m.Files[path]
	return ok
}
