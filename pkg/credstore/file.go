package credstore

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const credsFileName = "creds.json"

// FileStore keeps one directory per session below Dir.
type FileStore struct {
	Dir string
}

var _ Store = &FileStore{}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("file credstore: empty dir")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "file credstore: create dir")
	}
	return &FileStore{Dir: dir}, nil
}

func (s *FileStore) sessionDir(sessionID string) (string, error) {
	name, err := safeName(sessionID)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.Dir, name), nil
}

func (s *FileStore) Load(_ context.Context, sessionID string) ([]byte, error) {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, credsFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "file credstore: read")
	}
	return data, nil
}

func (s *FileStore) Save(_ context.Context, sessionID string, data []byte) error {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "file credstore: create session dir")
	}
	tmp, err := os.CreateTemp(dir, credsFileName+".*")
	if err != nil {
		return errors.Wrap(err, "file credstore: create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "file credstore: write")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "file credstore: close")
	}
	if err := os.Rename(tmpName, filepath.Join(dir, credsFileName)); err != nil {
		_ = os.Remove(tmpName)
		return errors.Wrap(err, "file credstore: rename")
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, sessionID string) error {
	dir, err := s.sessionDir(sessionID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrap(err, "file credstore: remove")
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
