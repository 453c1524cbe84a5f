package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed sqlite/*.sql mysql/*.sql
var files embed.FS

// ForDialect returns the migration files of one SQL dialect ("sqlite" or "mysql").
func ForDialect(dialect string) (fs.FS, error) {
	switch dialect {
	case "sqlite", "mysql":
		return fs.Sub(files, dialect)
	default:
		return nil, fmt.Errorf("no migrations for dialect %q", dialect)
	}
}
