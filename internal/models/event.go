package models

// Operation is the kind of row change carried by an envelope.
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// Operations lists every supported operation.
var Operations = []Operation{OperationInsert, OperationUpdate, OperationDelete}

// Valid reports whether o is one of the supported operations.
func (o Operation) Valid() bool {
	switch o {
	case OperationInsert, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// Row maps column names to values. Values are whatever the replication
// client decoded; time columns stay time.Time.
type Row map[string]interface{}

// Keys returns the column names of the row in no particular order.
func (r Row) Keys() []string {
	keys := make([]string, 0, len(r))
	for k := range r {
		keys = append(keys, k)
	}
	return keys
}

// RowChange is one affected row. It is implemented only by InsertRow,
// UpdateRow and DeleteRow.
type RowChange interface {
	Operation() Operation
	rowChange()
}

// InsertRow carries the image of a newly written row.
type InsertRow struct {
	NewValues Row
}

// UpdateRow carries the before and after images of an updated row.
type UpdateRow struct {
	OldValues Row
	NewValues Row
}

// DeleteRow carries the image of a removed row.
type DeleteRow struct {
	OldValues Row
}

func (InsertRow) Operation() Operation { return OperationInsert }
func (UpdateRow) Operation() Operation { return OperationUpdate }
func (DeleteRow) Operation() Operation { return OperationDelete }

func (InsertRow) rowChange() {}
func (UpdateRow) rowChange() {}
func (DeleteRow) rowChange() {}

// Envelope is the unit handed to handlers: all rows affected by one binlog
// rows event.
type Envelope struct {
	ID        string
	Timestamp int64 // seconds since epoch, no timezone attached
	Schema    string
	Table     string
	Kind      Operation
	Rows      []RowChange
	Position  Position
}
