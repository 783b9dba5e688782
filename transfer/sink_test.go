package transfer

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDirSinkNeverOverwrites(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "downloads")
	sink, err := NewDirSink(dir)
	if err != nil {
		t.Fatalf("NewDirSink failed: %v", err)
	}

	want := []string{"report.pdf", "report (1).pdf", "report (2).pdf"}
	for i, name := range want {
		location, err := sink.Deliver([]byte{byte(i)}, "report.pdf")
		if err != nil {
			t.Fatalf("Deliver %d failed: %v", i, err)
		}
		if location != filepath.Join(dir, name) {
			t.Fatalf("delivery %d: expected %q, got %q", i, name, location)
		}
		data, err := os.ReadFile(location)
		if err != nil {
			t.Fatalf("read delivered file: %v", err)
		}
		if len(data) != 1 || data[0] != byte(i) {
			t.Fatalf("delivery %d has unexpected contents %v", i, data)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != len(want) {
		t.Fatalf("expected %d files and no temp leftovers, got %d", len(want), len(entries))
	}
}

func TestDirSinkKeepsDeliveriesInsideDir(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewDirSink(dir)
	if err != nil {
		t.Fatalf("NewDirSink failed: %v", err)
	}

	for _, name := range []string{"../../etc/passwd", `..\evil.txt`, "", "."} {
		location, err := sink.Deliver([]byte("x"), name)
		if err != nil {
			t.Fatalf("Deliver(%q) failed: %v", name, err)
		}
		if filepath.Dir(location) != dir {
			t.Fatalf("Deliver(%q) escaped output dir: %q", name, location)
		}
	}
}

func TestNumberedName(t *testing.T) {
	cases := map[string]string{
		"a.txt":   "a (3).txt",
		"archive": "archive (3)",
		".bashrc": ".bashrc (3)",
	}
	for base, want := range cases {
		if got := numberedName(base, 3); got != want {
			t.Fatalf("numberedName(%q) = %q, want %q", base, got, want)
		}
	}
}
