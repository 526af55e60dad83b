package repository

import (
	"fmt"
	"regexp"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// validateTableName guards table names interpolated into SQL statements.
func validateTableName(name string) error {
	if !tableNamePattern.MatchString(name) {
		return fmt.Errorf("repository: invalid table name %q", name)
	}
	return nil
}

// createTableSQL returns the sparse single-table layout shared by the SQL
// backends. Each row is one (pk, sk) item; unused columns stay NULL.
func createTableSQL(table, intType string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	pk          TEXT NOT NULL,
	sk          TEXT NOT NULL,
	user_id     TEXT,
	created_at  %[2]s,
	last_active %[2]s,
	note        TEXT,
	ts          %[2]s,
	value       TEXT,
	expires_at  %[2]s,
	PRIMARY KEY (pk, sk)
)`, table, intType)
}
