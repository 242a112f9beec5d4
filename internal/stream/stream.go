// Package stream defines what the dispatch engine needs from a replication
// source: sessions that yield row changes in binlog order.
package stream

import (
	"context"

	"mysqlevp/internal/models"
)

// Record holds the row images of one affected row. Inserts carry only After,
// deletes only Before, updates both.
type Record struct {
	Before models.Row
	After  models.Row
}

// Change is one rows event read from the binlog. A Change with no Schema is a
// position marker (a rotation or a committed transaction) and carries no rows.
type Change struct {
	Position  models.Position
	Timestamp int64
	Schema    string
	Table     string
	// Kind is the operation as decoded by the source. Sources pass through
	// kinds they do not recognise; RawKind names the original event type.
	Kind    models.Operation
	RawKind string
	Records []Record
}

// IsMarker reports whether the change only advances the stream position.
func (c *Change) IsMarker() bool {
	return c.Schema == "" && len(c.Records) == 0
}

// Session is one open replication connection. Next blocks until a change is
// available, the context is done, or the connection fails.
type Session interface {
	Next(ctx context.Context) (*Change, error)
	// Position is the position of the last change returned by Next, or the
	// start position before the first call.
	Position() models.Position
	Close() error
}

// Source opens sessions. A nil from starts at the source's current head.
type Source interface {
	Open(ctx context.Context, from *models.Position) (Session, error)
}
