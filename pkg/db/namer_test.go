package db

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNamerFilenameFor(t *testing.T) {
	n := NewNamer("/data")
	got := n.FilenameFor(12, 3)
	if got != filepath.Join("/data", "chunk-000012.000003") {
		t.Fatalf("unexpected name %q", got)
	}

	num, ver, ok := n.Parse(got)
	if !ok || num != 12 || ver != 3 {
		t.Fatalf("Parse(%q) = %d, %d, %v", got, num, ver, ok)
	}
}

func TestNamerParseRejectsForeignNames(t *testing.T) {
	n := NewNamer("/data")
	for _, name := range []string{
		"writer.chk",
		"chunk-12.3",
		"chunk-000012-000003",
		"chunk-00001a.000000",
		"0b0e7f3e.tmp",
		"chunk-000001.000000.tmp",
	} {
		if _, _, ok := n.Parse(name); ok {
			t.Fatalf("Parse(%q) should fail", name)
		}
	}
}

func TestNamerListsAndSelectsVersions(t *testing.T) {
	dir := t.TempDir()
	n := NewNamer(dir)
	for _, name := range []string{
		"chunk-000000.000000",
		"chunk-000000.000002",
		"chunk-000001.000000",
		"chunk-000000.000001",
		"writer.chk",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	if err := os.WriteFile(n.TempFilename(), nil, 0600); err != nil {
		t.Fatalf("write temp: %v", err)
	}

	files, err := n.AllPresentFiles()
	if err != nil {
		t.Fatalf("AllPresentFiles failed: %v", err)
	}
	if len(files) != 4 {
		t.Fatalf("expected 4 chunk files, got %d", len(files))
	}

	best, ok, err := n.BestVersionFor(0)
	if err != nil || !ok || best.Version != 2 {
		t.Fatalf("BestVersionFor(0) = %+v %v %v", best, ok, err)
	}
	if _, ok, _ := n.BestVersionFor(7); ok {
		t.Fatal("BestVersionFor(7) should report nothing")
	}

	current, leftovers := Select(files)
	if len(current) != 2 || current[0].Version != 2 || current[1].Number != 1 {
		t.Fatalf("unexpected current set %+v", current)
	}
	if len(leftovers) != 2 {
		t.Fatalf("expected 2 leftovers, got %+v", leftovers)
	}

	temps, err := n.TempFiles()
	if err != nil || len(temps) != 1 || !strings.HasSuffix(temps[0], tempSuffix) {
		t.Fatalf("TempFiles() = %v, %v", temps, err)
	}
}
