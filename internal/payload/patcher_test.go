package payload

import (
	"bytes"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	activatorErrors "github.com/a5revive/activator/internal/errors"
)

const target = "http://my-mac.local:8080"

// makePayload builds a payload-shaped SQLite database and returns its path.
func makePayload(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "payload")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE downloads (
			id INTEGER PRIMARY KEY,
			url TEXT,
			title TEXT,
			metadata BLOB,
			size INTEGER
		)`,
		`INSERT INTO downloads VALUES
			(1, 'https://albert.apple.com/deviceservices/deviceActivation?foo=1', 'activation record', NULL, 42),
			(2, 'no url in this value', 'plain title', NULL, 7),
			(3, NULL, 'null url row', x'687474703a2f2f6578616d706c652e636f6d2f70617468', 0)`,
		`CREATE TABLE settings (key TEXT PRIMARY KEY, value TEXT) WITHOUT ROWID`,
		`INSERT INTO settings VALUES ('server', 'https://albert.apple.com/keep')`,
		`CREATE TABLE counters (n INTEGER)`,
		`INSERT INTO counters VALUES (99)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			t.Fatalf("exec %q: %v", s, err)
		}
	}
	return path
}

// readColumn reads one column of one table from a payload file, ordered by the
// given key column.
func readColumn(t *testing.T, path, query string) []any {
	t.Helper()
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer db.Close()

	rows, err := db.Query(query)
	if err != nil {
		t.Fatalf("query %q: %v", query, err)
	}
	defer rows.Close()

	var out []any
	for rows.Next() {
		var v any
		if err := rows.Scan(&v); err != nil {
			t.Fatalf("scan: %v", err)
		}
		out = append(out, v)
	}
	return out
}

func asString(t *testing.T, v any) string {
	t.Helper()
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case nil:
		return ""
	default:
		t.Fatalf("unexpected value type %T", v)
		return ""
	}
}

func TestPatchRewritesURLs(t *testing.T) {
	src := makePayload(t)
	before, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("read source: %v", err)
	}

	patched, err := Patch(src, target)
	if err != nil {
		t.Fatalf("Patch() error: %v", err)
	}
	defer os.Remove(patched)

	if patched == src {
		t.Fatal("Patch() must not return the source path")
	}

	// The source payload is never mutated.
	after, err := os.ReadFile(src)
	if err != nil {
		t.Fatalf("read source: %v", err)
	}
	if !bytes.Equal(before, after) {
		t.Error("source payload bytes changed")
	}

	urls := readColumn(t, patched, `SELECT url FROM downloads ORDER BY id`)
	if got := asString(t, urls[0]); got != target+"/deviceservices/deviceActivation?foo=1" {
		t.Errorf("url = %q, want scheme+authority rewritten with path/query preserved", got)
	}
	if got := asString(t, urls[1]); got != "no url in this value" {
		t.Errorf("non-URL value changed: %q", got)
	}
	if urls[2] != nil {
		t.Errorf("NULL value changed: %v", urls[2])
	}

	titles := readColumn(t, patched, `SELECT title FROM downloads ORDER BY id`)
	for i, title := range titles {
		if s := asString(t, title); bytes.Contains([]byte(s), []byte("http")) {
			t.Errorf("title %d unexpectedly rewritten: %q", i, s)
		}
	}

	// Blob column: x'...' decodes to "http://example.com/path"
	blobs := readColumn(t, patched, `SELECT metadata FROM downloads WHERE id = 3`)
	if got := asString(t, blobs[0]); got != target+"/path" {
		t.Errorf("blob = %q, want %q", got, target+"/path")
	}

	// Numeric columns untouched
	sizes := readColumn(t, patched, `SELECT size FROM downloads ORDER BY id`)
	if sizes[0] != int64(42) || sizes[2] != int64(0) {
		t.Errorf("numeric values changed: %v", sizes)
	}
}

func TestPatchSkipsUnwalkableTables(t *testing.T) {
	src := makePayload(t)

	// The WITHOUT ROWID table cannot be walked by rowid; patching must still
	// succeed and leave it untouched.
	patched, err := Patch(src, target)
	if err != nil {
		t.Fatalf("Patch() error: %v", err)
	}
	defer os.Remove(patched)

	values := readColumn(t, patched, `SELECT value FROM settings`)
	if got := asString(t, values[0]); got != "https://albert.apple.com/keep" {
		t.Errorf("WITHOUT ROWID value = %q, want untouched", got)
	}
}

func TestPatchIdempotent(t *testing.T) {
	src := makePayload(t)

	once, err := Patch(src, target)
	if err != nil {
		t.Fatalf("first Patch() error: %v", err)
	}
	defer os.Remove(once)

	twice, err := Patch(once, target)
	if err != nil {
		t.Fatalf("second Patch() error: %v", err)
	}
	defer os.Remove(twice)

	a, err := os.ReadFile(once)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	b, err := os.ReadFile(twice)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("patching an already-patched payload is not byte-identical")
	}
}

func TestPatchMissingSource(t *testing.T) {
	_, err := Patch(filepath.Join(t.TempDir(), "nope"), target)
	if err == nil {
		t.Fatal("Patch() should fail for a missing source")
	}
	if !activatorErrors.IsCode(err, activatorErrors.CodePayloadCopyFailed) {
		t.Errorf("code = %q, want %q", activatorErrors.GetCode(err), activatorErrors.CodePayloadCopyFailed)
	}
}

func TestPatchFatalErrorRemovesTemp(t *testing.T) {
	// Not a SQLite database at all.
	src := filepath.Join(t.TempDir(), "garbage")
	if err := os.WriteFile(src, []byte("this is not a database"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	tempDir := t.TempDir()
	p := &Patcher{TempDir: tempDir}

	_, err := p.Patch(src, target)
	if err == nil {
		t.Fatal("Patch() should fail for a non-database payload")
	}
	if !activatorErrors.IsCode(err, activatorErrors.CodePayloadPatchFailed) {
		t.Errorf("code = %q, want %q", activatorErrors.GetCode(err), activatorErrors.CodePayloadPatchFailed)
	}

	// The temporary copy must be cleaned up on the fatal path.
	entries, readErr := os.ReadDir(tempDir)
	if readErr != nil {
		t.Fatalf("readdir: %v", readErr)
	}
	if len(entries) != 0 {
		t.Errorf("temp dir not cleaned up: %d entries left", len(entries))
	}
}

func TestRewriteValue(t *testing.T) {
	tests := []struct {
		name        string
		in          string
		want        string
		wantChanged bool
	}{
		{"http with path", "http://a.example:9000/x/y", target + "/x/y", true},
		{"https with query", "https://a.example/activate?b=2", target + "/activate?b=2", true},
		{"bare authority", "http://a.example", target, true},
		{"two urls in one value", "http://a/1 and https://b/2", target + "/1 and " + target + "/2", true},
		{"no url", "hello world", "hello world", false},
		{"already patched", target + "/x", target + "/x", false},
		{"scheme mention only", "the http:// prefix", "the http:// prefix", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := rewriteValue([]byte(tt.in), target)
			if string(got) != tt.want {
				t.Errorf("rewriteValue() = %q, want %q", got, tt.want)
			}
			if changed != tt.wantChanged {
				t.Errorf("changed = %v, want %v", changed, tt.wantChanged)
			}
		})
	}
}
