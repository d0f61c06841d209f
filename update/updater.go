// Package update checks GitHub releases for a newer companion build and
// downloads it.
package update

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
)

// Release describes a GitHub release with the download URL for the current platform.
type Release struct {
	Version string `json:"version"`
	URL     string `json:"url"`
}

// githubRelease is the subset of the GitHub releases API response we use.
type githubRelease struct {
	TagName string        `json:"tag_name"`
	Assets  []githubAsset `json:"assets"`
}

type githubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// statusError is an HTTP failure that retrying will not fix.
type statusError struct {
	code int
	what string
}

func (e *statusError) Error() string { return fmt.Sprintf("%s returned %d", e.what, e.code) }

func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// Options configures an Updater.
type Options struct {
	CurrentVersion string
	RepoOwner      string
	RepoName       string
	// APIBase is the GitHub API root, e.g. "https://api.github.com".
	APIBase string
	// MaxRetries bounds retries of transient release lookup failures.
	MaxRetries int
	// RetryInterval is the first backoff delay.
	RetryInterval time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Updater checks for and downloads releases from GitHub.
type Updater struct {
	opts       Options
	httpClient *http.Client
	logger     *slog.Logger
}

// New returns an Updater. Empty fields take the companion defaults.
func New(opts Options) *Updater {
	if opts.RepoOwner == "" {
		opts.RepoOwner = "GoCodeAlone"
	}
	if opts.RepoName == "" {
		opts.RepoName = "companion"
	}
	if opts.APIBase == "" {
		opts.APIBase = "https://api.github.com"
	}
	opts.APIBase = strings.TrimRight(opts.APIBase, "/")
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Updater{opts: opts, httpClient: client, logger: logger}
}

// CurrentVersion returns the version the updater compares against.
func (u *Updater) CurrentVersion() string { return u.opts.CurrentVersion }

// Check queries the GitHub releases API for the latest release.
// Returns nil, nil when already on the latest version.
func (u *Updater) Check(ctx context.Context) (*Release, error) {
	var rel githubRelease
	var permanent error

	operation := func() error {
		r, err := u.fetchLatest(ctx)
		var se *statusError
		if errors.As(err, &se) && !retryable(se.code) {
			permanent = err
			return nil
		}
		if err != nil {
			u.logger.Debug("release lookup failed, will retry", slog.Any("err", err))
			return err
		}
		rel = *r
		return nil
	}

	var policy backoff.BackOff = &backoff.StopBackOff{}
	if u.opts.MaxRetries > 0 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = u.opts.RetryInterval
		policy = backoff.WithMaxRetries(exp, uint64(u.opts.MaxRetries))
	}
	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return nil, fmt.Errorf("fetch latest release: %w", err)
	}
	if permanent != nil {
		return nil, fmt.Errorf("fetch latest release: %w", permanent)
	}

	latest := strings.TrimPrefix(rel.TagName, "v")
	current := strings.TrimPrefix(u.opts.CurrentVersion, "v")

	if latest == current || u.opts.CurrentVersion == "dev" {
		return nil, nil // already up to date (or dev build)
	}

	dlURL := platformAssetURL(rel.Assets)
	if dlURL == "" {
		return nil, fmt.Errorf("no asset found for %s/%s", runtime.GOOS, runtime.GOARCH)
	}

	return &Release{
		Version: rel.TagName,
		URL:     dlURL,
	}, nil
}

func (u *Updater) fetchLatest(ctx context.Context) (*githubRelease, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/releases/latest", u.opts.APIBase, u.opts.RepoOwner, u.opts.RepoName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("User-Agent", fmt.Sprintf("companion/%s", u.opts.CurrentVersion))

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode, what: "github API"}
	}

	var rel githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, fmt.Errorf("decode release: %w", err)
	}
	return &rel, nil
}

// platformArch maps GOARCH onto the names used in release asset files.
func platformArch() string {
	if runtime.GOARCH == "amd64" {
		return "x86_64"
	}
	return runtime.GOARCH
}

// platformAssetURL finds the download URL matching the current OS and architecture.
func platformAssetURL(assets []githubAsset) string {
	goos := runtime.GOOS
	goarch := platformArch()

	for _, a := range assets {
		name := strings.ToLower(a.Name)
		if strings.Contains(name, goos) && strings.Contains(name, goarch) {
			return a.BrowserDownloadURL
		}
	}
	return ""
}

// Download fetches release into dir and returns the written file path.
// progress, if non-nil, receives the completed percentage when the
// response carries a Content-Length.
func (u *Updater) Download(ctx context.Context, release *Release, dir string, progress func(float64)) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create download dir: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, release.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download release: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download release: %w", &statusError{code: resp.StatusCode, what: "download"})
	}

	name := path.Base(req.URL.Path)
	if name == "" || name == "/" || name == "." {
		name = "companion-" + strings.TrimPrefix(release.Version, "v")
	}
	dest := filepath.Join(dir, name)

	tmpFile, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		tmpFile.Close()    //nolint:errcheck
		os.Remove(tmpPath) //nolint:errcheck
	}()

	var dst io.Writer = tmpFile
	if progress != nil && resp.ContentLength > 0 {
		dst = &progressWriter{w: tmpFile, total: resp.ContentLength, report: progress}
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		return "", fmt.Errorf("write download: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", fmt.Errorf("store download: %w", err)
	}

	u.logger.Info("update downloaded", slog.String("version", release.Version), slog.String("path", dest))
	return dest, nil
}

// Apply installs a downloaded binary over the running executable.
func (u *Updater) Apply(binaryPath string) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	return install(binaryPath, exe)
}

func install(src, exe string) error {
	if err := os.Chmod(src, 0o755); err != nil {
		return fmt.Errorf("chmod: %w", err)
	}
	if err := os.Rename(src, exe); err != nil {
		return fmt.Errorf("replace binary: %w", err)
	}
	return nil
}

// progressWriter reports the share of total written so far.
type progressWriter struct {
	w       io.Writer
	total   int64
	written int64
	report  func(float64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	p.report(float64(p.written) * 100 / float64(p.total))
	return n, err
}
