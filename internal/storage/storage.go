package storage

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// FileStore persists uploaded and ingested invoice documents.
type FileStore interface {
	Save(filename string, data []byte) (string, error)
}

// LocalFileStore writes documents to a directory on disk, prefixing each
// stored name with a UUID so concurrent uploads never collide.
type LocalFileStore struct {
	baseDir string
}

func NewLocalFileStore(baseDir string) (*LocalFileStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create storage directory")
	}
	return &LocalFileStore{baseDir: baseDir}, nil
}

// Save stores the file and returns its path. The original extension is kept
// when present; extension-less names fall back to .bin.
func (s *LocalFileStore) Save(filename string, data []byte) (string, error) {
	ext := filepath.Ext(filename)
	if ext == "" {
		ext = ".bin"
	}
	base := strings.TrimSuffix(filepath.Base(filename), ext)
	if base == "" {
		base = "document"
	}

	path := filepath.Join(s.baseDir, uuid.New().String()+"_"+base+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrap(err, "failed to write document")
	}
	return path, nil
}
