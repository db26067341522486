package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"screenshotter/internal/logger"
)

// LocalStore keeps artifacts as files directly under root.
type LocalStore struct {
	root      string
	urlPrefix string
	log       *logger.Logger
}

// NewLocalStore stores files under root. urlPrefix is what Link prepends to
// the file name (for example "/files/screenshots"); empty disables links.
func NewLocalStore(root, urlPrefix string) *LocalStore {
	return &LocalStore{root: root, urlPrefix: urlPrefix, log: logger.New("ArtifactStore")}
}

func (s *LocalStore) Root() string { return s.root }

func (s *LocalStore) Save(_ context.Context, jobID string, data []byte, contentType string) (string, error) {
	name, err := Name(jobID, contentType)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return "", fmt.Errorf("create storage root: %w", err)
	}

	// write-then-rename so Load never observes a partial file
	tmp, err := os.CreateTemp(s.root, "."+name+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		s.log.LogWarnf("chmod %s: %v", tmpName, err)
	}
	if err := os.Rename(tmpName, filepath.Join(s.root, name)); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("commit artifact: %w", err)
	}
	s.log.LogDebugf("saved %s (%d bytes)", name, len(data))
	return name, nil
}

func (s *LocalStore) Load(_ context.Context, location string) ([]byte, error) {
	if err := validLocation(location); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, location))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissing, location)
	}
	return data, err
}

func (s *LocalStore) Delete(_ context.Context, location string) error {
	if err := validLocation(location); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(s.root, location))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete artifact %s: %w", location, err)
	}
	return nil
}

func (s *LocalStore) Link(_ context.Context, location string) (string, error) {
	if s.urlPrefix == "" {
		return "", nil
	}
	if err := validLocation(location); err != nil {
		return "", err
	}
	return s.urlPrefix + "/" + location, nil
}
