package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"mysqlevp/internal/models"
)

// FileStore keeps the checkpoint in a single local file. Writes go to a
// temporary file in the same directory which is synced and renamed over the
// checkpoint, so a reader only ever sees a complete document. An advisory
// lock on "<path>.lock" keeps a second daemon off the same file.
type FileStore struct {
	path   string
	lock   *flock.Flock
	logger *logrus.Logger
}

// NewFileStore opens the checkpoint at path, creating its directory when
// needed, and takes the advisory lock. It returns ErrLocked if another
// process holds it.
func NewFileStore(path string, logger *logrus.Logger) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("checkpoint path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock checkpoint: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%s: %w", path, ErrLocked)
	}

	return &FileStore{path: path, lock: lock, logger: logger}, nil
}

// Path returns the checkpoint file path.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load() (*models.Position, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	pos, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.path, err)
	}
	if pos != nil {
		s.logger.Infof("Loaded binlog position from %s: %s", s.path, pos)
	}
	return pos, nil
}

func (s *FileStore) Save(pos models.Position) error {
	data, err := encode(pos)
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	committed = true

	if err = syncDir(dir); err != nil {
		return fmt.Errorf("failed to sync checkpoint directory: %w", err)
	}

	s.logger.Debugf("Saved binlog position %s", pos)
	return nil
}

// Close releases the advisory lock.
func (s *FileStore) Close() error {
	return s.lock.Unlock()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
