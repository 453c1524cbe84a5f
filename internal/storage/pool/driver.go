package pool

import (
	stdErrors "errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"

	xerrors "reev-harness/internal/errors"
)

const (
	DialectSQLite = "sqlite"
	DialectMySQL  = "mysql"
)

var memoryDatabaseSeq atomic.Uint64

func driverName(dialect string) string {
	if dialect == DialectMySQL {
		return "mysql"
	}
	return "sqlite3"
}

func resolveDSN(cfg Config) (string, string, error) {
	dialect := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch dialect {
	case "", DialectSQLite, "sqlite3":
		dsn := strings.TrimSpace(cfg.DSN)
		if dsn == "" {
			dsn = sqliteDSN(cfg)
		}
		if dsn == "" {
			return "", "", xerrors.New(xerrors.CodeInvalidArgument, "sqlite path or dsn is required")
		}
		return DialectSQLite, dsn, nil
	case DialectMySQL:
		dsn := strings.TrimSpace(cfg.DSN)
		if dsn == "" {
			return "", "", xerrors.New(xerrors.CodeInvalidArgument, "mysql dsn is required")
		}
		parsed, err := mysql.ParseDSN(dsn)
		if err != nil {
			return "", "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse mysql dsn")
		}
		parsed.MultiStatements = false
		return DialectMySQL, parsed.FormatDSN(), nil
	default:
		return "", "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("unsupported database driver %q", cfg.Driver))
	}
}

// sqliteDSN enables WAL and a busy timeout. Transactions start with
// BEGIN IMMEDIATE so read-modify-write sequences take the write lock up front.
func sqliteDSN(cfg Config) string {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return ""
	}
	busy := cfg.BusyTimeout.Milliseconds()
	if busy <= 0 {
		busy = 5000
	}
	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprint(busy))
	params.Set("_txlock", "immediate")
	params.Set("_foreign_keys", "on")
	if isMemoryDatabase(DialectSQLite, path) {
		params.Set("mode", "memory")
		params.Set("cache", "shared")
		return fmt.Sprintf("file:reev_mem_%d?%s", memoryDatabaseSeq.Add(1), params.Encode())
	}
	params.Set("_journal_mode", "WAL")
	return fmt.Sprintf("file:%s?%s", path, params.Encode())
}

// isMemoryDatabase reports whether the database lives only as long as its
// connections.
func isMemoryDatabase(dialect, path string) bool {
	return dialect == DialectSQLite && strings.TrimSpace(path) == ":memory:"
}

// prepareStorage creates the parent directory of a SQLite file.
func prepareStorage(dialect, path string) error {
	if dialect != DialectSQLite {
		return nil
	}
	path = strings.TrimSpace(path)
	if path == "" || isMemoryDatabase(dialect, path) {
		return nil
	}
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// IsWriteConflict reports whether err is a lock or deadlock error that a
// retry of the whole transaction can resolve.
func IsWriteConflict(err error) bool {
	if err == nil {
		return false
	}
	var liteErr sqlite3.Error
	if stdErrors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	var myErr *mysql.MySQLError
	if stdErrors.As(err, &myErr) {
		// 1213 deadlock, 1205 lock wait timeout.
		return myErr.Number == 1213 || myErr.Number == 1205
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// IsDuplicate reports whether err is a unique constraint violation.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	var liteErr sqlite3.Error
	if stdErrors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique || liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var myErr *mysql.MySQLError
	if stdErrors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	return false
}

// ForUpdate returns the row-locking suffix for a SELECT inside a transaction.
// SQLite locks the whole database on BEGIN IMMEDIATE instead.
func (p *Pool) ForUpdate() string {
	if p.dialect == DialectMySQL {
		return " FOR UPDATE"
	}
	return ""
}
