// Package classifier turns raw rows events into typed row changes.
package classifier

import (
	"fmt"
	"sort"

	"mysqlevp/internal/models"
	"mysqlevp/internal/stream"
)

// ClassificationError reports a rows event that cannot be mapped onto an
// insert, update or delete. It is never recovered from: dropping the event
// would lose data.
type ClassificationError struct {
	Position models.Position
	Schema   string
	Table    string
	Kind     string
	Row      int
	Reason   string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("cannot classify %s event for %s.%s at %s (row %d): %s",
		e.Kind, e.Schema, e.Table, e.Position, e.Row, e.Reason)
}

// Classify converts every record of change into a row change of the
// change's kind, preserving record order.
func Classify(change *stream.Change) ([]models.RowChange, error) {
	kind := string(change.Kind)
	if change.RawKind != "" && !change.Kind.Valid() {
		kind = change.RawKind
	}

	fail := func(row int, reason string) error {
		return &ClassificationError{
			Position: change.Position,
			Schema:   change.Schema,
			Table:    change.Table,
			Kind:     kind,
			Row:      row,
			Reason:   reason,
		}
	}

	if !change.Kind.Valid() {
		return nil, fail(-1, "unrecognized operation kind")
	}

	rows := make([]models.RowChange, 0, len(change.Records))
	for i, record := range change.Records {
		row, err := ClassifyRow(change.Kind, record)
		if err != nil {
			return nil, fail(i, err.Error())
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ClassifyRow builds the row change for a single record.
func ClassifyRow(kind models.Operation, record stream.Record) (models.RowChange, error) {
	switch kind {
	case models.OperationInsert:
		if record.After == nil || record.Before != nil {
			return nil, fmt.Errorf("insert requires exactly an after image")
		}
		return models.InsertRow{NewValues: record.After}, nil
	case models.OperationUpdate:
		if record.Before == nil || record.After == nil {
			return nil, fmt.Errorf("update requires both before and after images")
		}
		if !sameColumns(record.Before, record.After) {
			return nil, fmt.Errorf("update images have different columns: %v vs %v",
				sortedKeys(record.Before), sortedKeys(record.After))
		}
		return models.UpdateRow{OldValues: record.Before, NewValues: record.After}, nil
	case models.OperationDelete:
		if record.Before == nil || record.After != nil {
			return nil, fmt.Errorf("delete requires exactly a before image")
		}
		return models.DeleteRow{OldValues: record.Before}, nil
	}
	return nil, fmt.Errorf("unrecognized operation kind %q", kind)
}

func sameColumns(a, b models.Row) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func sortedKeys(r models.Row) []string {
	keys := r.Keys()
	sort.Strings(keys)
	return keys
}
