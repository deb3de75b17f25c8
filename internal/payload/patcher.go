// Package payload rewrites activation payloads to point at a local record
// server.
//
// The payload is a SQLite database destined for the device's media partition.
// Some of its text and blob values embed absolute URLs to the vendor's
// activation backend; in local mode those must point at this machine instead.
// Patch produces a fully independent copy with the scheme+authority of every
// embedded URL replaced, leaving paths, queries and all non-URL values
// byte-identical. The source file is never touched, so it can be reused
// across attempts and across runs.
package payload

import (
	"bytes"
	"database/sql"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"strings"

	_ "modernc.org/sqlite"

	activatorErrors "github.com/a5revive/activator/internal/errors"
)

// urlPattern matches the scheme+authority portion of an embedded URL.
// The authority ends at the first path, query or fragment delimiter, so
// replacing a match rewrites only scheme+host+port and preserves the rest.
var urlPattern = regexp.MustCompile(`https?://[^/?#\s"'<>]+`)

// Patcher produces patched payload copies. The zero value is usable.
type Patcher struct {
	// TempDir is where patched copies are created. Empty means the system
	// temp directory.
	TempDir string
}

// Patch copies the payload at sourcePath to a new temporary file and rewrites
// every embedded URL so its scheme+host+port portion becomes targetURL. It
// returns the path of the patched copy; the caller owns the file and must
// remove it when done.
//
// Rewriting is tolerant of individual tables or columns that cannot be
// introspected or updated (they are skipped with a log line); only I/O errors
// touching the copy itself fail the whole call. On any fatal error the
// temporary copy is removed before the error is returned.
//
// Patch is idempotent: values already pointing at targetURL are left alone
// and no write is issued for them, so patching an already-patched payload
// yields byte-identical output.
func (p *Patcher) Patch(sourcePath, targetURL string) (string, error) {
	target := strings.TrimRight(targetURL, "/")

	tmpPath, err := p.copyToTemp(sourcePath)
	if err != nil {
		return "", err
	}

	if err := rewriteURLs(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return "", err
	}

	return tmpPath, nil
}

// Patch is a convenience wrapper using the system temp directory.
func Patch(sourcePath, targetURL string) (string, error) {
	p := &Patcher{}
	return p.Patch(sourcePath, targetURL)
}

// copyToTemp copies the source payload into a fresh temporary file.
func (p *Patcher) copyToTemp(sourcePath string) (string, error) {
	src, err := os.Open(sourcePath)
	if err != nil {
		return "", activatorErrors.CopyFailed(sourcePath, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(p.TempDir, "payload-*.sqlitedb")
	if err != nil {
		return "", activatorErrors.CopyFailed(sourcePath, err)
	}

	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", activatorErrors.CopyFailed(sourcePath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", activatorErrors.CopyFailed(sourcePath, err)
	}

	return tmp.Name(), nil
}

// rewriteURLs opens the copied database and rewrites URL-bearing values in
// every user table.
func rewriteURLs(path, target string) error {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return activatorErrors.PatchFailed("open payload copy", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return activatorErrors.PatchFailed("payload is not a readable database", err)
	}

	tables, err := userTables(db)
	if err != nil {
		return activatorErrors.PatchFailed("list payload tables", err)
	}

	rewritten := 0
	for _, table := range tables {
		n, err := rewriteTable(db, table, target)
		if err != nil {
			// Row-level tolerance: a table we cannot walk (e.g. WITHOUT
			// ROWID) is skipped, not fatal.
			log.Printf("payload: skipping table %s: %v", table, err)
			continue
		}
		rewritten += n
	}

	log.Printf("payload: rewrote %d values across %d tables to %s", rewritten, len(tables), target)
	return nil
}

// userTables lists non-internal tables in the database.
func userTables(db *sql.DB) ([]string, error) {
	rows, err := db.Query(`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// textColumns returns the names of columns in the table whose declared type
// can hold text or blob data. Columns with numeric affinity never carry URLs.
func textColumns(db *sql.DB, table string) ([]string, error) {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, quoteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var (
			cid        int
			name, typ  string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &typ, &notNull, &defaultVal, &pk); err != nil {
			return nil, err
		}
		upper := strings.ToUpper(typ)
		// TEXT/CHAR/CLOB affinity, BLOB, and untyped columns all may hold
		// URL-bearing values.
		if upper == "" ||
			strings.Contains(upper, "TEXT") ||
			strings.Contains(upper, "CHAR") ||
			strings.Contains(upper, "CLOB") ||
			strings.Contains(upper, "BLOB") {
			cols = append(cols, name)
		}
	}
	return cols, rows.Err()
}

// rewriteTable rewrites every URL-bearing value in the table and returns the
// number of values changed. Columns that cannot be updated are skipped.
func rewriteTable(db *sql.DB, table, target string) (int, error) {
	cols, err := textColumns(db, table)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, col := range cols {
		n, err := rewriteColumn(db, table, col, target)
		if err != nil {
			log.Printf("payload: skipping column %s.%s: %v", table, col, err)
			continue
		}
		total += n
	}
	return total, nil
}

// pendingUpdate is one changed value waiting to be written back.
type pendingUpdate struct {
	rowid int64
	value any // string or []byte, matching the original storage class
}

// rewriteColumn scans one column for embedded URLs and writes back each
// changed value by rowid. Only values that actually change are updated, which
// is what makes a second patch with the same target a pure no-op.
func rewriteColumn(db *sql.DB, table, col, target string) (int, error) {
	query := fmt.Sprintf(`SELECT rowid, %s FROM %s`, quoteIdent(col), quoteIdent(table))
	rows, err := db.Query(query)
	if err != nil {
		return 0, err
	}

	var updates []pendingUpdate
	for rows.Next() {
		var (
			rowid int64
			value any
		)
		if err := rows.Scan(&rowid, &value); err != nil {
			rows.Close()
			return 0, err
		}

		switch v := value.(type) {
		case string:
			if rewritten, changed := rewriteValue([]byte(v), target); changed {
				updates = append(updates, pendingUpdate{rowid: rowid, value: string(rewritten)})
			}
		case []byte:
			if rewritten, changed := rewriteValue(v, target); changed {
				updates = append(updates, pendingUpdate{rowid: rowid, value: rewritten})
			}
		}
		// NULLs and numeric values are left untouched.
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	stmt := fmt.Sprintf(`UPDATE %s SET %s = ? WHERE rowid = ?`, quoteIdent(table), quoteIdent(col))
	for _, u := range updates {
		if _, err := db.Exec(stmt, u.value, u.rowid); err != nil {
			return 0, err
		}
	}
	return len(updates), nil
}

// rewriteValue replaces the scheme+authority of every URL in value with
// target. It reports whether the value changed.
func rewriteValue(value []byte, target string) ([]byte, bool) {
	if !bytes.Contains(value, []byte("http://")) && !bytes.Contains(value, []byte("https://")) {
		return value, false
	}
	rewritten := urlPattern.ReplaceAll(value, []byte(target))
	if bytes.Equal(rewritten, value) {
		return value, false
	}
	return rewritten, true
}

// quoteIdent quotes a SQLite identifier. Table and column names come from the
// payload file itself, so they must be treated as untrusted input.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
