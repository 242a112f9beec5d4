package binlog

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"
)

// Config holds the connection settings shared by the replication session and
// the metadata connection.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	ServerID        uint32
	Flavor          string
	Charset         string
	HeartbeatPeriod time.Duration
	ReadTimeout     time.Duration
}

// DSN returns a go-sql-driver DSN for the configured server without a
// default database.
func (c Config) DSN() string {
	cfg := gomysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	cfg.Timeout = 10 * time.Second
	cfg.ReadTimeout = 30 * time.Second
	return cfg.FormatDSN()
}

// OpenDB opens the metadata connection used for column lookups and the
// binlog head position.
func OpenDB(c Config) (*sql.DB, error) {
	db, err := sql.Open("mysql", c.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

type columnInfo struct {
	names []string
	types []string
}

// ColumnResolver looks up column names and types in INFORMATION_SCHEMA for
// servers that do not ship column names in table map events.
type ColumnResolver struct {
	db     *sql.DB
	logger *logrus.Logger

	mu    sync.Mutex
	cache map[string]columnInfo
}

// NewColumnResolver creates a resolver that queries INFORMATION_SCHEMA on db.
func NewColumnResolver(db *sql.DB, logger *logrus.Logger) *ColumnResolver {
	return &ColumnResolver{
		db:     db,
		logger: logger,
		cache:  make(map[string]columnInfo),
	}
}

// Columns returns column names and COLUMN_TYPEs in ordinal order.
func (r *ColumnResolver) Columns(ctx context.Context, schema, table string) ([]string, []string, error) {
	key := schema + "." + table

	r.mu.Lock()
	info, ok := r.cache[key]
	r.mu.Unlock()
	if ok {
		return info.names, info.types, nil
	}

	query := `
		SELECT COLUMN_NAME, COLUMN_TYPE
		FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?
		ORDER BY ORDINAL_POSITION
	`
	rows, err := r.db.QueryContext(ctx, query, schema, table)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query column info: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var name, columnType string
		if err := rows.Scan(&name, &columnType); err != nil {
			return nil, nil, fmt.Errorf("failed to scan column info: %w", err)
		}
		info.names = append(info.names, name)
		info.types = append(info.types, columnType)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating columns: %w", err)
	}
	if len(info.names) == 0 {
		return nil, nil, fmt.Errorf("no columns found for %s", key)
	}

	r.mu.Lock()
	r.cache[key] = info
	r.mu.Unlock()
	r.logger.Debugf("Fetched %d column names and types for %s", len(info.names), key)

	return info.names, info.types, nil
}

// Invalidate drops cached columns of schema, or of every schema when schema
// is empty.
func (r *ColumnResolver) Invalidate(schema string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if schema == "" {
		r.cache = make(map[string]columnInfo)
		return
	}
	prefix := schema + "."
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
}

// HeadPosition returns the server's current binlog file and offset.
func HeadPosition(ctx context.Context, db *sql.DB) (string, uint32, error) {
	file, pos, err := queryHead(ctx, db, "SHOW BINARY LOG STATUS")
	if err != nil {
		// Servers before 8.2 only know the old statement.
		file, pos, err = queryHead(ctx, db, "SHOW MASTER STATUS")
	}
	if err != nil {
		return "", 0, err
	}
	if file == "" {
		return "", 0, fmt.Errorf("binary logging is not enabled on the server")
	}
	return file, pos, nil
}

func queryHead(ctx context.Context, db *sql.DB, query string) (string, uint32, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return "", 0, fmt.Errorf("%s: %w", query, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return "", 0, fmt.Errorf("%s: %w", query, err)
	}
	if !rows.Next() {
		return "", 0, rows.Err()
	}

	// The column set differs between versions; only File and Position matter.
	values := make([]sql.RawBytes, len(columns))
	dest := make([]interface{}, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := rows.Scan(dest...); err != nil {
		return "", 0, fmt.Errorf("%s: %w", query, err)
	}

	var file string
	var pos uint64
	for i, col := range columns {
		switch strings.ToLower(col) {
		case "file":
			file = string(values[i])
		case "position":
			pos, err = strconv.ParseUint(string(values[i]), 10, 32)
			if err != nil {
				return "", 0, fmt.Errorf("%s: invalid position %q: %w", query, values[i], err)
			}
		}
	}
	return file, uint32(pos), nil
}
