// Package fileops copies and moves files and directory trees while reporting
// byte-level progress.
package fileops

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/time/rate"
)

const chunkSize = 32 << 10

// DefaultProgressRate is the default number of progress reports per second.
const DefaultProgressRate = 20

// Options configures Ops.
type Options struct {
	// Root, if set, confines every path to this directory; relative and
	// absolute paths alike are resolved beneath it.
	Root string
	// ProgressRate caps progress reports per second. The final 100 is
	// always reported.
	ProgressRate float64
}

// Ops performs file operations.
type Ops struct {
	root string
	rate rate.Limit
}

// New returns Ops with the given options.
func New(opts Options) *Ops {
	r := opts.ProgressRate
	if r <= 0 {
		r = DefaultProgressRate
	}
	return &Ops{root: opts.Root, rate: rate.Limit(r)}
}

// Resolve turns p into an absolute path, rejecting traversal outside Root.
func (o *Ops) Resolve(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if o.root == "" {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", fmt.Errorf("invalid path: %w", err)
		}
		return abs, nil
	}
	abs, err := filepath.Abs(filepath.Join(o.root, filepath.Clean(p)))
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	rootAbs, err := filepath.Abs(o.root)
	if err != nil {
		return "", fmt.Errorf("invalid root: %w", err)
	}
	if !strings.HasPrefix(abs, rootAbs+string(filepath.Separator)) && abs != rootAbs {
		return "", fmt.Errorf("path traversal not allowed: %s", p)
	}
	return abs, nil
}

// Copy copies src to dst, recursing into directories and replacing existing
// files. It returns the number of bytes copied. ctx is checked between
// chunks.
func (o *Ops) Copy(ctx context.Context, src, dst string, progress func(float64)) (int64, error) {
	from, to, err := o.pair(src, dst)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(from)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("source does not exist: %s: %w", src, fs.ErrNotExist)
		}
		return 0, fmt.Errorf("stat source: %w", err)
	}

	total, err := treeSize(from, info)
	if err != nil {
		return 0, fmt.Errorf("size source: %w", err)
	}
	c := &copier{ctx: ctx, meter: newMeter(total, o.rate, progress)}
	if info.IsDir() {
		err = c.copyDir(from, to)
	} else {
		err = c.copyFile(from, to, info.Mode())
	}
	if err != nil {
		return c.meter.done, err
	}
	c.meter.finish()
	return c.meter.done, nil
}

// Move renames src to dst, falling back to copy and remove when they are
// on different devices.
func (o *Ops) Move(ctx context.Context, src, dst string, progress func(float64)) (int64, error) {
	from, to, err := o.pair(src, dst)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(from)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, fmt.Errorf("source does not exist: %s: %w", src, fs.ErrNotExist)
		}
		return 0, fmt.Errorf("stat source: %w", err)
	}
	size, err := treeSize(from, info)
	if err != nil {
		return 0, fmt.Errorf("size source: %w", err)
	}

	err = os.Rename(from, to)
	if err == nil {
		if progress != nil {
			progress(100)
		}
		return size, nil
	}
	if !errors.Is(err, syscall.EXDEV) {
		return 0, fmt.Errorf("move: %w", err)
	}

	n, err := o.Copy(ctx, from, to, progress)
	if err != nil {
		return n, err
	}
	if err := os.RemoveAll(from); err != nil {
		return n, fmt.Errorf("remove source after copy: %w", err)
	}
	return n, nil
}

func (o *Ops) pair(src, dst string) (string, string, error) {
	from, err := o.Resolve(src)
	if err != nil {
		return "", "", fmt.Errorf("source: %w", err)
	}
	to, err := o.Resolve(dst)
	if err != nil {
		return "", "", fmt.Errorf("destination: %w", err)
	}
	if from == to {
		return "", "", fmt.Errorf("source and destination are the same: %s", from)
	}
	if rel, err := filepath.Rel(from, to); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", "", fmt.Errorf("destination %s is inside source %s", to, from)
	}
	return from, to, nil
}

func treeSize(root string, info fs.FileInfo) (int64, error) {
	if !info.IsDir() {
		return info.Size(), nil
	}
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			total += fi.Size()
		}
		return nil
	})
	return total, err
}

type copier struct {
	ctx   context.Context
	meter *meter
	buf   []byte
}

func (c *copier) copyDir(from, to string) error {
	return filepath.WalkDir(from, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := c.ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(from, path)
		if err != nil {
			return err
		}
		target := filepath.Join(to, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case d.Type().IsRegular():
			return c.copyFile(path, target, info.Mode())
		}
		// Symlinks and special files are skipped.
		return nil
	})
}

func (c *copier) copyFile(from, to string, mode fs.FileMode) error {
	in, err := os.Open(from)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close() //nolint:errcheck

	out, err := os.OpenFile(to, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode.Perm())
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	if c.buf == nil {
		c.buf = make([]byte, chunkSize)
	}
	for {
		if err := c.ctx.Err(); err != nil {
			out.Close() //nolint:errcheck
			return err
		}
		n, rerr := in.Read(c.buf)
		if n > 0 {
			if _, werr := out.Write(c.buf[:n]); werr != nil {
				out.Close() //nolint:errcheck
				return fmt.Errorf("write %s: %w", to, werr)
			}
			c.meter.add(int64(n))
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			out.Close() //nolint:errcheck
			return fmt.Errorf("read %s: %w", from, rerr)
		}
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", to, err)
	}
	return nil
}

// meter converts byte counts into throttled percentage reports.
type meter struct {
	total   int64
	done    int64
	limiter *rate.Limiter
	report  func(float64)
}

func newMeter(total int64, r rate.Limit, report func(float64)) *meter {
	return &meter{total: total, limiter: rate.NewLimiter(r, 1), report: report}
}

func (m *meter) add(n int64) {
	m.done += n
	if m.report == nil || m.total == 0 || m.done >= m.total {
		return
	}
	if m.limiter.Allow() {
		m.report(float64(m.done) * 100 / float64(m.total))
	}
}

func (m *meter) finish() {
	if m.report != nil {
		m.report(100)
	}
}
