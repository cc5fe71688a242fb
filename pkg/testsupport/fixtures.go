// Package testsupport holds helpers shared by the entity store tests: JSON
// fixtures under testdata/, golden files and throwaway SQLite databases.
package testsupport

import (
	"bytes"
	"encoding/json"
	"flag"
	"os"
	"path/filepath"
	"testing"
)

// Update rewrites golden files instead of comparing against them:
//
//	go test ./... -update
var Update = flag.Bool("update", false, "rewrite golden files")

// FixturePath returns testdata/<name>.
func FixturePath(name string) string {
	return filepath.Join("testdata", name)
}

// GoldenPath returns testdata/golden/<name>.
func GoldenPath(name string) string {
	return filepath.Join("testdata", "golden", name)
}

// LoadFixtureJSON decodes the JSON file at path into dest.
func LoadFixtureJSON(t testing.TB, path string, dest any) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("load fixture %s: %v", path, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		t.Fatalf("decode fixture %s: %v", path, err)
	}
}

// Golden compares actual with the golden file at path. With -update, or when
// the file does not exist yet, the file is written instead.
func Golden(t testing.TB, path string, actual []byte) {
	t.Helper()
	expected, err := os.ReadFile(path)
	if *Update || os.IsNotExist(err) {
		writeFile(t, path, actual)
		return
	}
	if err != nil {
		t.Fatalf("read golden %s: %v", path, err)
	}
	if !bytes.Equal(bytes.TrimSpace(expected), bytes.TrimSpace(actual)) {
		t.Errorf("golden mismatch for %s\n--- want\n%s\n--- got\n%s", path, expected, actual)
	}
}

// GoldenJSON marshals v with indentation and compares it like Golden.
func GoldenJSON(t testing.TB, path string, v any) {
	t.Helper()
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		t.Fatalf("marshal golden %s: %v", path, err)
	}
	Golden(t, path, append(data, '\n'))
}

// SQLiteDSN returns a DSN for a fresh SQLite file in t's temp dir. A busy
// timeout keeps concurrent connections of one pool from failing on locks.
func SQLiteDSN(t testing.TB, name string) string {
	t.Helper()
	return "file:" + filepath.Join(t.TempDir(), name+".db") + "?_pragma=busy_timeout(5000)"
}

func writeFile(t testing.TB, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
