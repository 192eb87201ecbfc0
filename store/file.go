package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileBackend persists values as a YAML document. Every Apply rewrites the document through a
// temporary file and an atomic rename, so a crash leaves either the old or the new version.
type FileBackend struct {
	path string
	mu   sync.Mutex
}

type fileDocument struct {
	Version int               `yaml:"version"`
	Values  map[string]string `yaml:"values"`
}

const fileDocumentVersion = 1

// NewFileBackend returns a backend writing to path. The parent directory is created on the
// first write with 0700 permissions.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{path: path}
}

// Path returns the document location.
func (f *FileBackend) Path() string {
	return f.path
}

func (f *FileBackend) Load(_ context.Context, keys []string) (map[string][]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil {
		return map[string][]byte{}, err
	}
	out := make(map[string][]byte, len(keys))
	for _, key := range keys {
		if v, ok := doc.Values[key]; ok {
			out[key] = []byte(v)
		}
	}
	return out, nil
}

func (f *FileBackend) Apply(_ context.Context, set map[string][]byte, del []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.read()
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return err
	}
	if doc.Values == nil {
		doc.Values = map[string]string{}
	}
	for _, key := range del {
		delete(doc.Values, key)
	}
	for key, value := range set {
		doc.Values[key] = string(value)
	}
	doc.Version = fileDocumentVersion
	return f.write(doc)
}

func (f *FileBackend) read() (fileDocument, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileDocument{Values: map[string]string{}}, nil
		}
		return fileDocument{}, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fileDocument{Values: map[string]string{}}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if doc.Values == nil {
		doc.Values = map[string]string{}
	}
	return doc, nil
}

func (f *FileBackend) write(doc fileDocument) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	tmp, err := os.CreateTemp(dir, ".credentials-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if err := os.Rename(tmpName, f.path); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}
