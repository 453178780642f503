package workspace

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew_CreatesRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "kazi-root")

	w, err := New(root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	info, err := os.Stat(w.Root)
	if err != nil {
		t.Fatalf("stat root: %v", err)
	}
	if !info.IsDir() {
		t.Fatal("root is not a directory")
	}
}

func TestDir_CreatedOnFirstAccess(t *testing.T) {
	w, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	logs := w.LogsDir()
	if _, err := os.Stat(logs); err != nil {
		t.Fatalf("logs dir not created: %v", err)
	}
	if filepath.Dir(logs) != w.Root {
		t.Errorf("logs dir %q not under root %q", logs, w.Root)
	}
}

func TestDatabaseFile_UnderRoot(t *testing.T) {
	w, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got, want := w.DatabaseFile(), filepath.Join(w.Root, "kazi.db"); got != want {
		t.Errorf("DatabaseFile = %q, want %q", got, want)
	}
}

func TestResolvePath_Tilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := resolvePath("~/kazi-test")
	if err != nil {
		t.Fatalf("resolvePath: %v", err)
	}
	if got != filepath.Join(home, "kazi-test") {
		t.Errorf("resolvePath = %q", got)
	}
}

func TestResolvePath_Empty(t *testing.T) {
	if _, err := resolvePath(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
