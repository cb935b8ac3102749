package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestEnsureOutputAppendsAcrossRuns(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "job.log")

	var out *outputFile
	w, err := ensureOutput(&out, path)
	if err != nil {
		t.Fatalf("ensureOutput error: %v", err)
	}
	fmt.Fprintln(w, "first run")
	if err := out.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	out = nil

	// Next run reopens append-mode; earlier output must survive.
	w, err = ensureOutput(&out, path)
	if err != nil {
		t.Fatalf("ensureOutput (reopen) error: %v", err)
	}
	fmt.Fprintln(w, "second run")
	_ = out.Close()

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got, want := string(b), "first run\nsecond run\n"; got != want {
		t.Fatalf("log contents = %q, want %q", got, want)
	}
}

func TestEnsureOutputClosesOnPathChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := filepath.Join(dir, "a.log")
	b := filepath.Join(dir, "b.log")

	var out *outputFile
	if _, err := ensureOutput(&out, a); err != nil {
		t.Fatalf("ensureOutput error: %v", err)
	}
	oldFile := out.f

	if _, err := ensureOutput(&out, b); err != nil {
		t.Fatalf("ensureOutput (new path) error: %v", err)
	}
	if out.path != b {
		t.Fatalf("owned path = %q, want %q", out.path, b)
	}
	// The old descriptor must be closed, not leaked.
	if _, err := oldFile.Write([]byte("x")); err == nil {
		t.Fatal("previous handle still writable after path change")
	}
	_ = out.Close()
}

func TestEnsureOutputEmptyPathDiscards(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "a.log")

	var out *outputFile
	if _, err := ensureOutput(&out, path); err != nil {
		t.Fatalf("ensureOutput error: %v", err)
	}
	w, err := ensureOutput(&out, "")
	if err != nil {
		t.Fatalf("ensureOutput (empty) error: %v", err)
	}
	if w != nil {
		t.Fatal("empty path must yield a nil writer")
	}
	if out != nil {
		t.Fatal("owned handle not released when output disabled")
	}
}

func TestStoreApplySeedsOnlyNewNames(t *testing.T) {
	t.Parallel()
	s := NewStore()
	set := NewSpecSet([]ScheduledSpec{interval("a", "30s")}, nil)
	seeded := 0
	seed := func(name string) (lastRun time.Time, ok bool) {
		seeded++
		return time.Time{}, false
	}
	s.Apply(set, seed, nil)
	s.Apply(set, seed, nil) // retained name: seed must not run again
	if seeded != 1 {
		t.Fatalf("seed calls = %d, want 1", seeded)
	}
}
