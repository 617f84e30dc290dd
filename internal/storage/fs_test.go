package storage

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/starford/ansuz/internal/apperr"
)

func tempRoot(t *testing.T) *FS {
	t.Helper()
	fs, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("NewFS: %v", err)
	}
	return fs
}

func read(t *testing.T, s *FS, rel string) string {
	t.Helper()
	abs, err := s.Resolve(rel)
	if err != nil {
		t.Fatalf("Resolve(%q): %v", rel, err)
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		t.Fatalf("ReadFile(%q): %v", rel, err)
	}
	return string(data)
}

func TestWriteStream(t *testing.T) {
	s := tempRoot(t)
	n, err := s.WriteStream("file.bin", strings.NewReader("hello world"))
	if err != nil {
		t.Fatalf("WriteStream: %v", err)
	}
	if n != 11 {
		t.Errorf("n = %d, want 11", n)
	}
	if got := read(t, s, "file.bin"); got != "hello world" {
		t.Errorf("content = %q", got)
	}
}

func TestWriteStreamCreatesSubdirs(t *testing.T) {
	s := tempRoot(t)
	if _, err := s.WriteStream("a/b/c.txt", strings.NewReader("deep")); err != nil {
		t.Fatalf("WriteStream: %v", err)
	}
	if got := read(t, s, "a/b/c.txt"); got != "deep" {
		t.Errorf("content = %q", got)
	}
}

func TestWriteStreamReplacesAtomically(t *testing.T) {
	s := tempRoot(t)
	_, _ = s.WriteStream("atomic.txt", strings.NewReader("original content"))

	if _, err := s.WriteStream("atomic.txt", strings.NewReader("updated content")); err != nil {
		t.Fatalf("WriteStream: %v", err)
	}
	if got := read(t, s, "atomic.txt"); got != "updated content" {
		t.Errorf("expected updated content, got %q", got)
	}

	matches, _ := filepath.Glob(filepath.Join(s.root, tempPattern))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

type failingReader struct{ sent bool }

func (r *failingReader) Read(p []byte) (int, error) {
	if !r.sent {
		r.sent = true
		return copy(p, "partial"), nil
	}
	return 0, errors.New("connection reset")
}

func TestWriteStreamFailureLeavesTargetUntouched(t *testing.T) {
	s := tempRoot(t)
	_, _ = s.WriteStream("keep.txt", strings.NewReader("v1"))

	if _, err := s.WriteStream("keep.txt", &failingReader{}); err == nil {
		t.Fatal("expected error from failing reader")
	}
	if got := read(t, s, "keep.txt"); got != "v1" {
		t.Errorf("target changed to %q", got)
	}
	matches, _ := filepath.Glob(filepath.Join(s.root, tempPattern))
	if len(matches) != 0 {
		t.Errorf("leftover temp files: %v", matches)
	}
}

func TestWriteStreamOntoDirectory(t *testing.T) {
	s := tempRoot(t)
	if err := os.Mkdir(filepath.Join(s.root, "dir"), 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := s.WriteStream("dir", strings.NewReader("x")); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestDelete(t *testing.T) {
	s := tempRoot(t)
	_, _ = s.WriteStream("del/inner.txt", strings.NewReader("bye"))
	if err := s.Delete("del"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.root, "del")); !os.IsNotExist(err) {
		t.Error("expected directory tree to be gone")
	}
	if err := s.Delete("del"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
	if err := s.Delete(""); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("delete root err = %v, want ErrConflict", err)
	}
}

func TestMove(t *testing.T) {
	s := tempRoot(t)
	_, _ = s.WriteStream("old.txt", strings.NewReader("data"))
	if err := s.Move("old.txt", "sub/new.txt"); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if got := read(t, s, "sub/new.txt"); got != "data" {
		t.Errorf("content = %q", got)
	}
	if _, err := os.Stat(filepath.Join(s.root, "old.txt")); !os.IsNotExist(err) {
		t.Error("old path should not exist")
	}
}

func TestMoveRejectsConflicts(t *testing.T) {
	s := tempRoot(t)
	_, _ = s.WriteStream("a.txt", strings.NewReader("a"))
	_, _ = s.WriteStream("b.txt", strings.NewReader("b"))
	_, _ = s.WriteStream("d/x.txt", strings.NewReader("x"))

	if err := s.Move("a.txt", "b.txt"); !errors.Is(err, apperr.ErrAlreadyExists) {
		t.Errorf("existing target err = %v", err)
	}
	if err := s.Move("missing.txt", "c.txt"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("missing source err = %v", err)
	}
	if err := s.Move("d", "d/inner"); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("move into itself err = %v", err)
	}
}

func TestTraversalBlocked(t *testing.T) {
	s := tempRoot(t)

	cases := []string{
		"../../etc/passwd",
		"../outside.txt",
		"/etc/shadow",
	}
	for _, p := range cases {
		if _, err := s.Resolve(p); !errors.Is(err, apperr.ErrOutsideRoot) {
			t.Errorf("Resolve(%q) err = %v, want ErrOutsideRoot", p, err)
		}
		if _, err := s.WriteStream(p, strings.NewReader("x")); err == nil {
			t.Errorf("expected error for write to %q", p)
		}
	}
}

func TestNewFS_NonExistentDir(t *testing.T) {
	_, err := NewFS(filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Error("expected error for non-existent dir")
	}
}

func TestNewFS_FileNotDir(t *testing.T) {
	f, _ := os.CreateTemp("", "ansuz-test-*")
	_ = f.Close()
	defer os.Remove(f.Name())
	_, err := NewFS(f.Name())
	if err == nil {
		t.Error("expected error when root is a file")
	}
}
