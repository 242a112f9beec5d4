package engine

import (
	"fmt"

	"mysqlevp/internal/classifier"
	"mysqlevp/internal/models"
)

// ClassificationError is returned when a rows event cannot be classified.
type ClassificationError = classifier.ClassificationError

// HandlerError is returned when the handler rejected an envelope and the
// handler retry policy gave up. The checkpoint still points before the event.
type HandlerError struct {
	EventID  string
	Schema   string
	Table    string
	Kind     models.Operation
	Attempts int
	Err      error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler failed on %s event %s for %s.%s after %d attempt(s): %v",
		e.Kind, e.EventID, e.Schema, e.Table, e.Attempts, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// CheckpointError is returned when the checkpoint cannot be read or written.
// The engine cannot continue without a durable position.
type CheckpointError struct {
	Op       string
	Position *models.Position
	Err      error
}

func (e *CheckpointError) Error() string {
	if e.Position != nil {
		return fmt.Sprintf("checkpoint %s failed at %s: %v", e.Op, e.Position, e.Err)
	}
	return fmt.Sprintf("checkpoint %s failed: %v", e.Op, e.Err)
}

func (e *CheckpointError) Unwrap() error {
	return e.Err
}

// RetriesExhaustedError is returned when the source stayed unreachable for
// more consecutive attempts than the reconnect policy allows.
type RetriesExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("replication source unavailable after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error {
	return e.Err
}
