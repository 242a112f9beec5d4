package models

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-mysql-org/go-mysql/mysql"
)

// Position identifies a point in the binlog stream: the end offset of an
// event inside a binlog file.
type Position struct {
	File   string `json:"file" yaml:"file"`
	Offset uint32 `json:"offset" yaml:"offset"`
	// TxnOffset is where the transaction enclosing this event began in File.
	// Zero when unknown or when the position is already a transaction boundary.
	TxnOffset uint32 `json:"txn_offset,omitempty" yaml:"txn_offset,omitempty"`
}

// IsZero reports whether the position points nowhere yet.
func (p Position) IsZero() bool {
	return p.File == "" && p.Offset == 0
}

// Compare orders positions by file name then offset. TxnOffset does not take
// part in ordering.
func (p Position) Compare(o Position) int {
	return p.MySQL().Compare(o.MySQL())
}

// MySQL converts the position to go-mysql's representation.
func (p Position) MySQL() mysql.Position {
	return mysql.Position{Name: p.File, Pos: p.Offset}
}

// Resume returns the position a new replication session should start from
// so that the table map events of a partially consumed transaction are seen
// again.
func (p Position) Resume() mysql.Position {
	pos := p.Offset
	if p.TxnOffset > 0 && p.TxnOffset < p.Offset {
		pos = p.TxnOffset
	}
	return mysql.Position{Name: p.File, Pos: pos}
}

func (p Position) String() string {
	return fmt.Sprintf("%s:%d", p.File, p.Offset)
}

// EventID derives the ev_id for an event ending at p. The id is stable across
// restarts, so a replayed event carries the id it had the first time.
func (p Position) EventID() string {
	return p.String()
}

// ParsePosition parses the "file:offset" form. The last colon separates the
// offset so file names containing colons survive.
func ParsePosition(s string) (Position, error) {
	s = strings.TrimSpace(s)
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return Position{}, fmt.Errorf("invalid binlog position %q: expected file:offset", s)
	}

	offset, err := strconv.ParseUint(s[idx+1:], 10, 32)
	if err != nil {
		return Position{}, fmt.Errorf("invalid binlog offset in %q: %w", s, err)
	}

	return Position{File: s[:idx], Offset: uint32(offset)}, nil
}
