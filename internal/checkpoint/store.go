// Package checkpoint persists the last binlog position whose events were
// handled, so a restarted daemon resumes where the previous one stopped.
package checkpoint

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"mysqlevp/internal/models"
)

// ErrLocked is returned when another process already owns the checkpoint.
var ErrLocked = errors.New("checkpoint is owned by another process")

// Store loads and saves the checkpoint. Save must leave either the previous
// or the new position readable if the process dies halfway through.
type Store interface {
	// Load returns nil when no checkpoint has been saved yet.
	Load() (*models.Position, error)
	Save(pos models.Position) error
	Close() error
}

const formatVersion = 1

type record struct {
	Version   int       `json:"version"`
	File      string    `json:"file"`
	Offset    uint32    `json:"offset"`
	TxnOffset uint32    `json:"txn_offset,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

func encode(pos models.Position) ([]byte, error) {
	data, err := json.Marshal(record{
		Version:   formatVersion,
		File:      pos.File,
		Offset:    pos.Offset,
		TxnOffset: pos.TxnOffset,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return append(data, '\n'), nil
}

// decode reads every format a checkpoint has been written in: the versioned
// JSON document, and the plain "file:offset" text of the original position
// file. Unknown JSON fields written by newer versions are ignored.
func decode(data []byte) (*models.Position, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] == '{' {
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
		}
		if rec.File == "" {
			return nil, fmt.Errorf("checkpoint has no binlog file")
		}
		return &models.Position{File: rec.File, Offset: rec.Offset, TxnOffset: rec.TxnOffset}, nil
	}

	if !bytes.ContainsRune(data, ':') {
		// Bare file name: start at the first event of that file.
		return &models.Position{File: string(data), Offset: binlogHeaderSize}, nil
	}

	pos, err := models.ParsePosition(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &pos, nil
}

// binlogHeaderSize is the size of the magic header at the start of every
// binlog file; the first event starts right after it.
const binlogHeaderSize = 4
