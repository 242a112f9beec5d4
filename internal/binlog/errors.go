package binlog

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-mysql-org/go-mysql/mysql"
	gomysql "github.com/go-sql-driver/mysql"

	"mysqlevp/internal/stream"
)

// Server error codes that reconnecting cannot fix.
var unrecoverableCodes = map[uint16]string{
	mysql.ER_MASTER_FATAL_ERROR_READING_BINLOG: "binlog position is not available on the server",
	mysql.ER_ACCESS_DENIED_ERROR:               "access denied",
	mysql.ER_DBACCESS_DENIED_ERROR:             "access denied",
	mysql.ER_SPECIFIC_ACCESS_DENIED_ERROR:      "missing replication privileges",
}

// classify wraps err as unrecoverable when the server refused the session
// for a reason reconnecting cannot fix. Everything else stays transient.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if code, ok := serverCode(err); ok {
		if reason, ok := unrecoverableCodes[code]; ok {
			return stream.Unrecoverable(reason, fmt.Errorf("%s: %w", op, err))
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// serverCode digs the MySQL error number out of err. go-mysql wraps its
// errors with pingcap/errors, which exposes Cause instead of Unwrap.
func serverCode(err error) (uint16, bool) {
	for err != nil {
		switch e := err.(type) {
		case *mysql.MyError:
			return e.Code, true
		case *gomysql.MySQLError:
			return e.Number, true
		}

		if u, ok := err.(interface{ Unwrap() error }); ok && u.Unwrap() != nil {
			err = u.Unwrap()
			continue
		}
		if c, ok := err.(interface{ Cause() error }); ok && c.Cause() != err {
			err = c.Cause()
			continue
		}
		return 0, false
	}
	return 0, false
}
