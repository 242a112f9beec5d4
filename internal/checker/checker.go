// Package checker verifies that a MySQL server and account can feed the
// binlog stream before replication starts.
package checker

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

var requiredPrivileges = []string{
	"REPLICATION SLAVE",
	"REPLICATION CLIENT",
	"SELECT",
}

// Checker validates MySQL connection and required permissions
type Checker struct {
	db     *sql.DB
	logger *logrus.Logger
}

// New creates a checker that runs its queries on db.
func New(db *sql.DB, logger *logrus.Logger) *Checker {
	return &Checker{db: db, logger: logger}
}

// Check verifies the connection, the account's grants and the binlog
// settings. A binlog_row_image other than FULL only warns: events still
// flow, but update and delete images miss columns.
func (c *Checker) Check(ctx context.Context) error {
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to connect to MySQL server: %w", err)
	}
	c.logger.Info("Successfully connected to MySQL server")

	grants, err := c.grants(ctx)
	if err != nil {
		return err
	}
	if missing := missingPrivileges(grants); len(missing) > 0 {
		return fmt.Errorf("missing required permissions: %s. Current grants: %s",
			strings.Join(missing, ", "), strings.Join(grants, "; "))
	}
	c.logger.Info("All required permissions verified")

	logBin, err := c.variable(ctx, "log_bin")
	switch {
	case err != nil:
		c.logger.Warnf("Could not verify binlog status: %v", err)
	case !enabled(logBin):
		return fmt.Errorf("binary logging (log_bin) is not enabled. Current value: %s. Enable it in MySQL configuration", logBin)
	default:
		c.logger.Info("Binary logging is enabled")
	}

	format, err := c.variable(ctx, "binlog_format")
	switch {
	case err != nil:
		c.logger.Warnf("Could not verify binlog_format: %v", err)
	case !strings.EqualFold(format, "ROW"):
		return fmt.Errorf("binlog_format is '%s', row events require ROW", format)
	default:
		c.logger.Info("binlog_format is set to ROW")
	}

	rowImage, err := c.variable(ctx, "binlog_row_image")
	switch {
	case err != nil:
		c.logger.Debugf("Could not read binlog_row_image: %v", err)
	case !strings.EqualFold(rowImage, "FULL"):
		c.logger.Warnf("binlog_row_image is '%s'; FULL is needed for complete before and after images", rowImage)
	}

	return nil
}

// grants returns the rows of SHOW GRANTS for the connected account.
func (c *Checker) grants(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, "SHOW GRANTS FOR CURRENT_USER()")
	if err != nil {
		// MySQL 5.6 and some proxies reject CURRENT_USER() here
		rows, err = c.db.QueryContext(ctx, "SHOW GRANTS")
		if err != nil {
			return nil, fmt.Errorf("failed to check grants: %w", err)
		}
	}
	defer rows.Close()

	var grants []string
	for rows.Next() {
		var grant string
		if err := rows.Scan(&grant); err != nil {
			return nil, fmt.Errorf("failed to scan grant: %w", err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating grants: %w", err)
	}
	return grants, nil
}

// variable reads a global server variable, falling back to SHOW VARIABLES
// for servers that restrict @@ access.
func (c *Checker) variable(ctx context.Context, name string) (string, error) {
	var value string
	err := c.db.QueryRowContext(ctx, "SELECT @@GLOBAL."+name).Scan(&value)
	if err == nil {
		return value, nil
	}

	var varName string
	if err2 := c.db.QueryRowContext(ctx, "SHOW GLOBAL VARIABLES LIKE '"+name+"'").Scan(&varName, &value); err2 != nil {
		return "", fmt.Errorf("failed to read %s: %w", name, err)
	}
	return value, nil
}

// missingPrivileges lists the required privileges none of the grants cover.
// ALL PRIVILEGES on *.* covers everything.
func missingPrivileges(grants []string) []string {
	combined := strings.ToUpper(strings.Join(grants, "; "))
	if strings.Contains(combined, "ALL PRIVILEGES ON *.*") {
		return nil
	}

	var missing []string
	for _, priv := range requiredPrivileges {
		if !strings.Contains(combined, priv) {
			missing = append(missing, priv)
		}
	}
	return missing
}

func enabled(value string) bool {
	switch strings.ToUpper(value) {
	case "ON", "1":
		return true
	}
	return false
}
