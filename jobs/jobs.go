// Package jobs builds the task.Job values behind each submittable task type.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/GoCodeAlone/companion/fileops"
	"github.com/GoCodeAlone/companion/task"
	"github.com/GoCodeAlone/companion/update"
)

// Kind selects the work a submitted task performs.
type Kind string

const (
	KindSimple         Kind = "simple"
	KindFileCopy       Kind = "file-copy"
	KindFileMove       Kind = "file-move"
	KindUpdateDownload Kind = "update-download"
)

// ParseKind maps a request type onto a Kind. Unknown or empty values mean
// KindSimple.
func ParseKind(s string) Kind {
	switch k := Kind(s); k {
	case KindFileCopy, KindFileMove, KindUpdateDownload:
		return k
	}
	return KindSimple
}

// DefaultStepDelay is the pause between progress steps of a simple job.
const DefaultStepDelay = 200 * time.Millisecond

// Result strings returned by the built-in jobs.
const (
	ResultSimple   = "Task completed successfully"
	ResultCopied   = "File copied successfully"
	ResultMoved    = "File moved successfully"
	ResultNoUpdate = "No update available"
)

// Spec carries the kind-specific fields of a submit request.
type Spec struct {
	Kind        Kind
	Source      string
	Destination string
}

// RequestError reports a Spec that cannot be turned into a job.
type RequestError struct {
	Msg string
}

func (e *RequestError) Error() string { return e.Msg }

// Updater is the part of update.Updater used by update-download jobs.
type Updater interface {
	Check(ctx context.Context) (*update.Release, error)
	Download(ctx context.Context, release *update.Release, dir string, progress func(float64)) (string, error)
}

// Factory builds jobs for each Kind.
type Factory struct {
	Files       *fileops.Ops
	Updater     Updater
	DownloadDir string
	// StepDelay is the pause between simple-job steps.
	StepDelay time.Duration
	Logger    *slog.Logger
}

// Build validates spec and returns the job for it.
func (f *Factory) Build(spec Spec) (task.Job, error) {
	switch spec.Kind {
	case KindFileCopy, KindFileMove:
		if spec.Source == "" || spec.Destination == "" {
			verb := "copy"
			if spec.Kind == KindFileMove {
				verb = "move"
			}
			return nil, &RequestError{Msg: "Source and destination are required for file " + verb}
		}
		if f.Files == nil {
			return nil, &RequestError{Msg: "file operations are not available"}
		}
		if spec.Kind == KindFileCopy {
			return f.copyJob(spec.Source, spec.Destination), nil
		}
		return f.moveJob(spec.Source, spec.Destination), nil
	case KindUpdateDownload:
		if f.Updater == nil {
			return nil, &RequestError{Msg: "updates are not configured"}
		}
		return f.updateJob(), nil
	}
	return f.simpleJob(), nil
}

func (f *Factory) simpleJob() task.Job {
	delay := f.StepDelay
	if delay <= 0 {
		delay = DefaultStepDelay
	}
	return func(ctx context.Context, progress task.ProgressSink) (any, error) {
		for i := 0; i <= 100; i += 10 {
			progress.Report(float64(i))
			if err := sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
		return ResultSimple, nil
	}
}

func (f *Factory) copyJob(src, dst string) task.Job {
	return func(ctx context.Context, progress task.ProgressSink) (any, error) {
		if _, err := f.Files.Copy(ctx, src, dst, progress.Report); err != nil {
			return nil, fmt.Errorf("copy %s: %w", src, err)
		}
		return ResultCopied, nil
	}
}

func (f *Factory) moveJob(src, dst string) task.Job {
	return func(ctx context.Context, progress task.ProgressSink) (any, error) {
		if _, err := f.Files.Move(ctx, src, dst, progress.Report); err != nil {
			return nil, fmt.Errorf("move %s: %w", src, err)
		}
		return ResultMoved, nil
	}
}

func (f *Factory) updateJob() task.Job {
	return func(ctx context.Context, progress task.ProgressSink) (any, error) {
		rel, err := f.Updater.Check(ctx)
		if err != nil {
			return nil, err
		}
		if rel == nil {
			return ResultNoUpdate, nil
		}
		path, err := f.Updater.Download(ctx, rel, f.DownloadDir, progress.Report)
		if err != nil {
			return nil, err
		}
		f.logger().Info("update staged", slog.String("version", rel.Version), slog.String("path", path))
		return fmt.Sprintf("Update %s downloaded to %s", rel.Version, path), nil
	}
}

func (f *Factory) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}

// sleep waits for d or until ctx ends.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
