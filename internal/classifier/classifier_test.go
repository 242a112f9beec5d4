package classifier

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mysqlevp/internal/models"
	"mysqlevp/internal/stream"
)

var pos = models.Position{File: "mysql-bin.000001", Offset: 1024}

func TestClassify_Insert(t *testing.T) {
	rows, err := Classify(&stream.Change{
		Position: pos, Schema: "tr", Table: "a", Kind: models.OperationInsert,
		Records: []stream.Record{
			{After: models.Row{"id": 1, "name": "x"}},
			{After: models.Row{"id": 2, "name": "y"}},
		},
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)

	insert, ok := rows[0].(models.InsertRow)
	require.True(t, ok)
	assert.Equal(t, models.Row{"id": 1, "name": "x"}, insert.NewValues)
	assert.Equal(t, models.OperationInsert, insert.Operation())
	assert.Equal(t, models.Row{"id": 2, "name": "y"}, rows[1].(models.InsertRow).NewValues)
}

func TestClassify_Update(t *testing.T) {
	rows, err := Classify(&stream.Change{
		Position: pos, Schema: "tr", Table: "a", Kind: models.OperationUpdate,
		Records: []stream.Record{{
			Before: models.Row{"id": 1, "name": "x"},
			After:  models.Row{"id": 1, "name": "z"},
		}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	update, ok := rows[0].(models.UpdateRow)
	require.True(t, ok)
	assert.Equal(t, "x", update.OldValues["name"])
	assert.Equal(t, "z", update.NewValues["name"])
	assert.ElementsMatch(t, update.OldValues.Keys(), update.NewValues.Keys())
}

func TestClassify_Delete(t *testing.T) {
	rows, err := Classify(&stream.Change{
		Position: pos, Schema: "tr", Table: "a", Kind: models.OperationDelete,
		Records:  []stream.Record{{Before: models.Row{"id": 1}}},
	})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	del, ok := rows[0].(models.DeleteRow)
	require.True(t, ok)
	assert.Equal(t, models.Row{"id": 1}, del.OldValues)
}

func TestClassify_PassesValuesThrough(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 30, 45, 123000, time.UTC)
	rows, err := Classify(&stream.Change{
		Position: pos, Schema: "tr", Table: "a", Kind: models.OperationInsert,
		Records:  []stream.Record{{After: models.Row{"created_at": ts, "blob": []byte{0x00, 0x01}, "n": nil}}},
	})
	require.NoError(t, err)

	values := rows[0].(models.InsertRow).NewValues
	assert.Equal(t, ts, values["created_at"])
	assert.Equal(t, []byte{0x00, 0x01}, values["blob"])
	assert.Contains(t, values, "n")
}

func TestClassify_UnknownKind(t *testing.T) {
	_, err := Classify(&stream.Change{
		Position: pos, Schema: "tr", Table: "a", Kind: "", RawKind: "PartialUpdateRowsEvent",
		Records:  []stream.Record{{After: models.Row{"id": 1}}},
	})
	require.Error(t, err)

	var classErr *ClassificationError
	require.True(t, errors.As(err, &classErr))
	assert.Equal(t, "PartialUpdateRowsEvent", classErr.Kind)
	assert.Equal(t, pos, classErr.Position)
	assert.Contains(t, err.Error(), "tr.a")
}

func TestClassify_MalformedImages(t *testing.T) {
	tests := []struct {
		name   string
		kind   models.Operation
		record stream.Record
	}{
		{"insert without after", models.OperationInsert, stream.Record{Before: models.Row{"id": 1}}},
		{"insert with before", models.OperationInsert, stream.Record{Before: models.Row{"id": 1}, After: models.Row{"id": 1}}},
		{"update without before", models.OperationUpdate, stream.Record{After: models.Row{"id": 1}}},
		{"update with different columns", models.OperationUpdate, stream.Record{Before: models.Row{"id": 1}, After: models.Row{"name": "x"}}},
		{"update with extra column", models.OperationUpdate, stream.Record{Before: models.Row{"id": 1}, After: models.Row{"id": 1, "name": "x"}}},
		{"delete without before", models.OperationDelete, stream.Record{After: models.Row{"id": 1}}},
		{"delete with after", models.OperationDelete, stream.Record{Before: models.Row{"id": 1}, After: models.Row{"id": 1}}},
	}

	for _, tc := range tests {
		_, err := Classify(&stream.Change{Position: pos, Schema: "tr", Table: "a", Kind: tc.kind, Records: []stream.Record{tc.record}})
		var classErr *ClassificationError
		if assert.True(t, errors.As(err, &classErr), tc.name) {
			assert.Equal(t, 0, classErr.Row, tc.name)
		}
	}
}

func TestClassifyRow_EveryOperationHasAVariant(t *testing.T) {
	images := map[models.Operation]stream.Record{
		models.OperationInsert: {After: models.Row{"id": 1}},
		models.OperationUpdate: {Before: models.Row{"id": 1}, After: models.Row{"id": 2}},
		models.OperationDelete: {Before: models.Row{"id": 1}},
	}
	for _, op := range models.Operations {
		record, ok := images[op]
		require.True(t, ok, "no fixture for %s", op)

		row, err := ClassifyRow(op, record)
		require.NoError(t, err, op)
		assert.Equal(t, op, row.Operation())

		switch r := row.(type) {
		case models.InsertRow:
			assert.NotNil(t, r.NewValues)
		case models.UpdateRow:
			assert.NotNil(t, r.OldValues)
			assert.NotNil(t, r.NewValues)
		case models.DeleteRow:
			assert.NotNil(t, r.OldValues)
		default:
			t.Fatalf("unexpected row change type %T", row)
		}
	}
}
