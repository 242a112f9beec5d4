// Package binlog reads row changes from a MySQL server over the replication
// protocol.
package binlog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/go-mysql-org/go-mysql/mysql"
	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/sirupsen/logrus"

	"mysqlevp/internal/filter"
	"mysqlevp/internal/models"
	"mysqlevp/internal/stream"
)

// columnSource supplies column metadata when table map events carry none.
type columnSource interface {
	Columns(ctx context.Context, schema, table string) ([]string, []string, error)
	Invalidate(schema string)
}

// Source opens replication sessions against one server.
type Source struct {
	cfg      Config
	db       *sql.DB
	tables   *filter.TableFilter
	resolver *ColumnResolver
	logger   *logrus.Logger
}

// NewSource uses db for head position lookups and column metadata. Rows
// events of tables outside tables are passed on without their rows, so no
// metadata is ever looked up for them. A nil filter captures everything.
func NewSource(cfg Config, db *sql.DB, tables *filter.TableFilter, logger *logrus.Logger) *Source {
	if cfg.Flavor == "" {
		cfg.Flavor = mysql.MySQLFlavor
	}
	return &Source{
		cfg:      cfg,
		db:       db,
		tables:   tables,
		resolver: NewColumnResolver(db, logger),
		logger:   logger,
	}
}

// Open starts streaming from the transaction boundary of from, or from the
// server's current head when from is nil.
func (s *Source) Open(ctx context.Context, from *models.Position) (stream.Session, error) {
	var start mysql.Position
	if from != nil {
		start = from.Resume()
	} else {
		file, pos, err := HeadPosition(ctx, s.db)
		if err != nil {
			return nil, classify("read binlog head position", err)
		}
		start = mysql.Position{Name: file, Pos: pos}
	}

	syncer := replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID:        s.cfg.ServerID,
		Flavor:          s.cfg.Flavor,
		Host:            s.cfg.Host,
		Port:            uint16(s.cfg.Port),
		User:            s.cfg.User,
		Password:        s.cfg.Password,
		Charset:         s.cfg.Charset,
		HeartbeatPeriod: s.cfg.HeartbeatPeriod,
		ReadTimeout:     s.cfg.ReadTimeout,
		ParseTime:       true,
		// Reconnects are driven by the engine so they resume from the
		// checkpoint rather than from wherever the syncer got to.
		DisableRetrySync: true,
		Logger:           s.logger.WithField("component", "binlog-syncer"),
	})

	streamer, err := syncer.StartSync(start)
	if err != nil {
		syncer.Close()
		return nil, classify("start binlog sync", err)
	}

	s.logger.Infof("Started binlog sync from position: %s:%d", start.Name, start.Pos)

	sess := newSession(syncer, streamer, s.resolver, models.Position{File: start.Name, Offset: start.Pos}, s.logger)
	if s.tables != nil {
		sess.allowed = s.tables.IsAllowed
	}
	return sess, nil
}

type eventStream interface {
	GetEvent(ctx context.Context) (*replication.BinlogEvent, error)
}

type session struct {
	syncer   *replication.BinlogSyncer
	streamer eventStream
	columns  columnSource
	logger   *logrus.Logger
	// allowed reports whether a table's rows are wanted; nil allows all.
	allowed func(schema, table string) bool

	tables map[uint64]*replication.TableMapEvent
	pos    models.Position
	// txnStart is the offset of the event that opened the current
	// transaction, zero outside a transaction.
	txnStart uint32
}

func newSession(syncer *replication.BinlogSyncer, streamer eventStream, columns columnSource, start models.Position, logger *logrus.Logger) *session {
	return &session{
		syncer:   syncer,
		streamer: streamer,
		columns:  columns,
		logger:   logger,
		tables:   make(map[uint64]*replication.TableMapEvent),
		pos:      start,
	}
}

func (s *session) Position() models.Position {
	return s.pos
}

func (s *session) Close() error {
	if s.syncer != nil {
		s.syncer.Close()
	}
	return nil
}

// Next blocks until the next row change or rotation marker arrives.
func (s *session) Next(ctx context.Context) (*stream.Change, error) {
	for {
		ev, err := s.streamer.GetEvent(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, classify("failed to get binlog event", err)
		}

		change, err := s.handle(ctx, ev)
		if err != nil {
			return nil, err
		}
		if change != nil {
			return change, nil
		}
	}
}

// handle folds one binlog event into the session state and returns the
// change it produced, if any.
func (s *session) handle(ctx context.Context, ev *replication.BinlogEvent) (*stream.Change, error) {
	header := ev.Header

	if e, ok := ev.Event.(*replication.RotateEvent); ok {
		s.pos = models.Position{File: string(e.NextLogName), Offset: uint32(e.Position)}
		s.txnStart = 0
		// The server sends a fake rotate with a zero timestamp at the start
		// of every session; only real rotations become markers.
		if header.Timestamp == 0 {
			s.logger.Debugf("Binlog stream positioned at %s", s.pos)
			return nil, nil
		}
		s.logger.Infof("Binlog rotated to: %s", s.pos)
		return &stream.Change{Position: s.pos, Timestamp: int64(header.Timestamp)}, nil
	}

	if header.LogPos > 0 && header.EventType != replication.HEARTBEAT_EVENT {
		s.pos.Offset = header.LogPos
	}

	switch e := ev.Event.(type) {
	case *replication.GTIDEvent, *replication.MariadbGTIDEvent:
		s.txnStart = eventStart(header)

	case *replication.QueryEvent:
		query := strings.TrimSpace(string(e.Query))
		switch queryKindOf(query) {
		case queryBegin:
			if s.txnStart == 0 {
				s.txnStart = eventStart(header)
			}
		case queryEnd:
			s.txnStart = 0
		case queryInTxn:
		default:
			// DDL commits implicitly and may change column layouts of any
			// schema, since statements can qualify table names.
			s.txnStart = 0
			s.logger.Debugf("Query event: %s", query)
			if s.columns != nil {
				s.columns.Invalidate("")
			}
		}

	case *replication.XIDEvent:
		s.txnStart = 0

	case *replication.TableMapEvent:
		s.tables[e.TableID] = e
		s.logger.Debugf("Cached table map for %s.%s (ID: %d)", string(e.Schema), string(e.Table), e.TableID)

	case *replication.RowsEvent:
		return s.rowsChange(ctx, header, e)
	}

	return nil, nil
}

type queryKind int

const (
	queryDDL queryKind = iota
	queryBegin
	queryEnd
	// queryInTxn statements run inside a transaction without ending it.
	queryInTxn
)

func queryKindOf(query string) queryKind {
	q := strings.ToUpper(strings.Join(strings.Fields(query), " "))
	switch {
	case q == "BEGIN", strings.HasPrefix(q, "XA START"), strings.HasPrefix(q, "XA BEGIN"):
		return queryBegin
	case q == "COMMIT", q == "ROLLBACK", strings.HasPrefix(q, "XA COMMIT"), strings.HasPrefix(q, "XA ROLLBACK"):
		return queryEnd
	case strings.HasPrefix(q, "SAVEPOINT"), strings.HasPrefix(q, "ROLLBACK TO"),
		strings.HasPrefix(q, "RELEASE SAVEPOINT"), strings.HasPrefix(q, "XA "):
		return queryInTxn
	}
	return queryDDL
}

func eventStart(header *replication.EventHeader) uint32 {
	if header.LogPos < header.EventSize {
		return 0
	}
	return header.LogPos - header.EventSize
}

func kindOf(t replication.EventType) models.Operation {
	switch t {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return models.OperationInsert
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return models.OperationUpdate
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return models.OperationDelete
	}
	return ""
}

func (s *session) rowsChange(ctx context.Context, header *replication.EventHeader, e *replication.RowsEvent) (*stream.Change, error) {
	tableMap, ok := s.tables[e.TableID]
	if !ok {
		tableMap = e.Table
	}
	if tableMap == nil {
		return nil, fmt.Errorf("table map not found for table ID %d at %s", e.TableID, s.pos)
	}

	schema := string(tableMap.Schema)
	table := string(tableMap.Table)
	kind := kindOf(header.EventType)

	change := &stream.Change{
		Position:  models.Position{File: s.pos.File, Offset: s.pos.Offset, TxnOffset: s.txnStart},
		Timestamp: int64(header.Timestamp),
		Schema:    schema,
		Table:     table,
		Kind:      kind,
		RawKind:   header.EventType.String(),
	}
	if change.Position.TxnOffset >= change.Position.Offset {
		change.Position.TxnOffset = 0
	}

	if s.allowed != nil && !s.allowed(schema, table) {
		return change, nil
	}

	names, types := s.columnInfo(ctx, tableMap, schema, table)

	if kind == models.OperationUpdate {
		// Update rows arrive as before/after pairs. A dangling before image
		// is kept so classification can reject it.
		for i := 0; i < len(e.Rows); i += 2 {
			rec := stream.Record{Before: makeRow(e.Rows[i], names, types)}
			if i+1 < len(e.Rows) {
				rec.After = makeRow(e.Rows[i+1], names, types)
			}
			change.Records = append(change.Records, rec)
		}
		return change, nil
	}

	for _, values := range e.Rows {
		row := makeRow(values, names, types)
		if kind == models.OperationDelete {
			change.Records = append(change.Records, stream.Record{Before: row})
		} else {
			change.Records = append(change.Records, stream.Record{After: row})
		}
	}
	return change, nil
}

// columnInfo prefers names from the table map (binlog_row_metadata=FULL) and
// falls back to INFORMATION_SCHEMA. When neither is available the values are
// named by ordinal, since the table may since have been altered or dropped.
func (s *session) columnInfo(ctx context.Context, tableMap *replication.TableMapEvent, schema, table string) ([]string, []string) {
	var (
		names, types []string
		err          error
	)
	if s.columns != nil {
		names, types, err = s.columns.Columns(ctx, schema, table)
	}

	if len(tableMap.ColumnName) > 0 {
		if err != nil {
			s.logger.Warnf("Failed to get column types for %s.%s: %v, continuing without type info", schema, table, err)
		}
		tableNames := make([]string, len(tableMap.ColumnName))
		for i, col := range tableMap.ColumnName {
			tableNames[i] = string(col)
		}
		return tableNames, types
	}

	if s.columns == nil || err != nil {
		s.logger.Warnf("No column names for %s.%s (%v), using column ordinals", schema, table, err)
		return nil, nil
	}
	if len(names) < int(tableMap.ColumnCount) {
		s.logger.Warnf("Column count mismatch for %s.%s: expected %d columns, got %d names", schema, table, tableMap.ColumnCount, len(names))
	}
	return names, types
}

// makeRow names each value after its column. Values beyond the known columns
// are named by ordinal (@1, @2, ...) the way mysqlbinlog prints them.
func makeRow(values []interface{}, names, types []string) models.Row {
	row := make(models.Row, len(values))
	for i, value := range values {
		name := fmt.Sprintf("@%d", i+1)
		if i < len(names) {
			name = names[i]
		}
		columnType := ""
		if i < len(types) {
			columnType = types[i]
		}
		row[name] = convertValue(value, columnType)
	}
	return row
}

// convertValue decodes text-like columns that the protocol delivers as raw
// bytes. BLOB and BINARY values stay []byte.
func convertValue(value interface{}, columnType string) interface{} {
	b, ok := value.([]byte)
	if !ok {
		return value
	}
	t := strings.ToUpper(columnType)
	if strings.Contains(t, "TEXT") || strings.HasPrefix(t, "JSON") {
		return string(b)
	}
	return value
}
