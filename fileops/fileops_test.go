package fileops

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, bytes.Repeat([]byte("a"), size), 0o644); err != nil {
		t.Fatal(err)
	}
}

type recorder struct{ values []float64 }

func (r *recorder) report(p float64) { r.values = append(r.values, p) }

func (r *recorder) check(t *testing.T) {
	t.Helper()
	if len(r.values) == 0 {
		t.Fatal("no progress reported")
	}
	for i := 1; i < len(r.values); i++ {
		if r.values[i] < r.values[i-1] {
			t.Fatalf("progress went backwards: %v", r.values)
		}
	}
	if last := r.values[len(r.values)-1]; last != 100 {
		t.Errorf("final progress = %v, want 100", last)
	}
}

func TestCopy_File(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")
	writeFile(t, src, 200<<10)

	var rec recorder
	n, err := New(Options{ProgressRate: 1000}).Copy(context.Background(), src, dst, rec.report)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if n != 200<<10 {
		t.Errorf("copied %d bytes, want %d", n, 200<<10)
	}
	got, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 200<<10 {
		t.Errorf("dst size = %d", len(got))
	}
	rec.check(t)
}

func TestCopy_Directory(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "tree")
	writeFile(t, filepath.Join(src, "a.txt"), 10)
	writeFile(t, filepath.Join(src, "sub", "b.txt"), 20)
	if err := os.MkdirAll(filepath.Join(src, "empty"), 0o755); err != nil {
		t.Fatal(err)
	}
	dst := filepath.Join(dir, "copy")

	var rec recorder
	n, err := New(Options{}).Copy(context.Background(), src, dst, rec.report)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	if n != 30 {
		t.Errorf("copied %d bytes, want 30", n)
	}
	for _, p := range []string{"a.txt", filepath.Join("sub", "b.txt"), "empty"} {
		if _, err := os.Stat(filepath.Join(dst, p)); err != nil {
			t.Errorf("missing %s: %v", p, err)
		}
	}
	rec.check(t)
}

func TestCopy_MissingSource(t *testing.T) {
	dir := t.TempDir()
	_, err := New(Options{}).Copy(context.Background(), filepath.Join(dir, "nope"), filepath.Join(dir, "x"), nil)
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err = %v, want ErrNotExist", err)
	}
}

func TestCopy_Cancelled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	writeFile(t, src, 1<<20)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Options{}).Copy(ctx, src, filepath.Join(dir, "dst.bin"), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestMove_Renames(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	dst := filepath.Join(dir, "b.txt")
	writeFile(t, src, 64)

	var rec recorder
	n, err := New(Options{}).Move(context.Background(), src, dst, rec.report)
	if err != nil {
		t.Fatalf("Move: %v", err)
	}
	if n != 64 {
		t.Errorf("moved %d bytes, want 64", n)
	}
	if _, err := os.Stat(src); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("source still present: %v", err)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Errorf("destination missing: %v", err)
	}
	rec.check(t)
}

func TestResolve_Root(t *testing.T) {
	root := t.TempDir()
	ops := New(Options{Root: root})

	got, err := ops.Resolve("docs/readme.md")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if want := filepath.Join(root, "docs", "readme.md"); got != want {
		t.Errorf("Resolve = %q, want %q", got, want)
	}
	if p, err := ops.Resolve("../../etc/passwd"); err == nil {
		t.Errorf("Resolve traversal = %q, want error", p)
	}
	if _, err := ops.Resolve(""); err == nil {
		t.Error("Resolve(\"\") succeeded, want error")
	}
}

func TestCopy_SamePath(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.txt")
	writeFile(t, src, 1)
	if _, err := New(Options{}).Copy(context.Background(), src, src, nil); err == nil {
		t.Error("Copy onto itself succeeded, want error")
	}
}

func TestCopy_DestinationInsideSource(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "tree")
	writeFile(t, filepath.Join(src, "a.txt"), 10)
	ops := New(Options{})

	for _, dst := range []string{
		filepath.Join(src, "copy"),
		filepath.Join(src, "nested", "deeper"),
	} {
		if _, err := ops.Copy(context.Background(), src, dst, nil); err == nil {
			t.Errorf("Copy(%s, %s) succeeded, want error", src, dst)
		}
		if _, err := ops.Move(context.Background(), src, dst, nil); err == nil {
			t.Errorf("Move(%s, %s) succeeded, want error", src, dst)
		}
	}
	if _, err := os.Stat(filepath.Join(src, "copy")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("destination inside source was created: %v", err)
	}

	sibling := filepath.Join(dir, "tree2")
	if _, err := ops.Copy(context.Background(), src, sibling, nil); err != nil {
		t.Errorf("Copy to sibling with shared prefix: %v", err)
	}
}
