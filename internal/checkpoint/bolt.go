package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"mysqlevp/internal/models"
)

var (
	checkpointBucket = []byte("checkpoint")
	positionKey      = []byte("position")
)

// BoltStore keeps the checkpoint in a bbolt database. bbolt commits are
// atomic and its file lock gives single-owner semantics.
type BoltStore struct {
	db     *bolt.DB
	logger *logrus.Logger
}

// NewBoltStore opens (or creates) the database at path.
func NewBoltStore(path string, logger *logrus.Logger) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("failed to open checkpoint database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(checkpointBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create checkpoint bucket: %w", err)
	}

	return &BoltStore{db: db, logger: logger}, nil
}

func (s *BoltStore) Load() (*models.Position, error) {
	var pos *models.Position
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(checkpointBucket).Get(positionKey)
		if data == nil {
			return nil
		}
		var err error
		pos, err = decode(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	if pos != nil {
		s.logger.Infof("Loaded binlog position from %s: %s", s.db.Path(), pos)
	}
	return pos, nil
}

func (s *BoltStore) Save(pos models.Position) error {
	data, err := encode(pos)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(checkpointBucket).Put(positionKey, data)
	})
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	s.logger.Debugf("Saved binlog position %s", pos)
	return nil
}

// Close closes the database and releases its file lock.
func (s *BoltStore) Close() error {
	return s.db.Close()
}
