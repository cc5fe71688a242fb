package testsupport

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadFixtureJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.json")
	if err := os.WriteFile(path, []byte(`{"type":"customer","ids":[1,2]}`), 0o644); err != nil {
		t.Fatal(err)
	}

	var got struct {
		Type string `json:"type"`
		IDs  []int  `json:"ids"`
	}
	LoadFixtureJSON(t, path, &got)

	if got.Type != "customer" || len(got.IDs) != 2 {
		t.Fatalf("unexpected fixture: %+v", got)
	}
}

func TestGolden_WritesMissingFileThenCompares(t *testing.T) {
	path := filepath.Join(t.TempDir(), "golden", "out.json")

	GoldenJSON(t, path, map[string]int{"saved": 2})
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("golden file not written: %v", err)
	}
	if !strings.Contains(string(data), `"saved": 2`) {
		t.Fatalf("unexpected golden content %s", data)
	}

	// second run compares against the file written above
	GoldenJSON(t, path, map[string]int{"saved": 2})
}

func TestPaths(t *testing.T) {
	if got := FixturePath("a.json"); got != filepath.Join("testdata", "a.json") {
		t.Errorf("FixturePath = %s", got)
	}
	if got := GoldenPath("a.json"); got != filepath.Join("testdata", "golden", "a.json") {
		t.Errorf("GoldenPath = %s", got)
	}
}

func TestSQLiteDSN(t *testing.T) {
	dsn := SQLiteDSN(t, "store")
	if !strings.HasPrefix(dsn, "file:") || !strings.Contains(dsn, "store.db") {
		t.Fatalf("unexpected dsn %s", dsn)
	}
}
