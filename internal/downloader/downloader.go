package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/geoip_updater/internal/downloader/progress"
	"github.com/italolelis/geoip_updater/internal/install"
	"github.com/italolelis/geoip_updater/internal/logctx"
	"github.com/italolelis/geoip_updater/internal/transport"
	"github.com/italolelis/geoip_updater/internal/validate"
	"golang.org/x/sync/errgroup"
)

const (
	// ScratchPrefix names the per-run scratch directories under the temp dir.
	ScratchPrefix = "geoip-update-"

	OperationDownload = "download"

	progressInterval = int64(50 * 1024 * 1024) // 50MB
)

// Download statuses reported to the Recorder.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Task is one database to fetch.
type Task struct {
	Name string
	URL  string
}

// Result is the outcome of one Task. Err is nil only when the file was
// downloaded, validated and installed.
type Result struct {
	Name      string
	Path      string
	SizeBytes int64
	Attempts  int
	Duration  time.Duration
	Warnings  []string
	Err       error
}

// Doer sends a request under the retry policy.
type Doer interface {
	Do(ctx context.Context, operation string, req *http.Request) (*transport.Response, error)
}

// Recorder receives download and validation measurements.
type Recorder interface {
	DownloadStarted(ctx context.Context)
	DownloadFinished(ctx context.Context, status string, bytes int64, d time.Duration)
	ValidationObserved(ctx context.Context, class, result string)
}

type nopRecorder struct{}

func (nopRecorder) DownloadStarted(context.Context)                                 {}
func (nopRecorder) DownloadFinished(context.Context, string, int64, time.Duration) {}
func (nopRecorder) ValidationObserved(context.Context, string, string)             {}

// Option customises a Downloader.
type Option func(*Downloader)

// WithScratchRoot sets where per-run scratch directories are created.
func WithScratchRoot(dir string) Option {
	return func(d *Downloader) { d.scratchRoot = dir }
}

// WithRecorder registers a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(d *Downloader) {
		if r != nil {
			d.recorder = r
		}
	}
}

type Downloader struct {
	targetDir   string
	maxParallel int
	client      Doer
	scratchRoot string
	recorder    Recorder
}

func NewDownloader(targetDir string, maxParallel int, client Doer, opts ...Option) *Downloader {
	d := &Downloader{
		targetDir:   targetDir,
		maxParallel: maxParallel,
		client:      client,
		recorder:    nopRecorder{},
	}

	if d.maxParallel < 1 {
		d.maxParallel = 1
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

// TasksFromURLs turns the auth response into tasks ordered by name.
func TasksFromURLs(urls map[string]string) []Task {
	tasks := make([]Task, 0, len(urls))
	for name, url := range urls {
		tasks = append(tasks, Task{Name: name, URL: url})
	}

	slices.SortFunc(tasks, func(a, b Task) int { return strings.Compare(a.Name, b.Name) })

	return tasks
}

// FetchAll downloads every task with at most maxParallel in flight. One
// task failing does not stop the others, except for authentication
// failures which cancel the remaining work. Results are in task order.
//
// The returned error is nil when every task succeeded, a
// *PartialFailureError when some failed, or the fatal cause when the run
// was aborted.
func (d *Downloader) FetchAll(ctx context.Context, tasks []Task) ([]Result, error) {
	logger := logctx.LoggerFromContext(ctx)

	if len(tasks) == 0 {
		logger.WarnContext(ctx, "no databases to download")

		return nil, nil
	}

	scratch, err := os.MkdirTemp(d.scratchRoot, ScratchPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			logger.WarnContext(ctx, "failed to remove scratch directory", "dir", scratch, "err", err)
		}
	}()

	logger.InfoContext(ctx, "downloading databases", "count", len(tasks), "concurrency", d.maxParallel)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	results := make([]Result, len(tasks))

	var wg errgroup.Group
	wg.SetLimit(d.maxParallel)

	for i := range tasks {
		task := tasks[i]

		wg.Go(func() error {
			results[i] = d.fetch(runCtx, scratch, task)

			if transport.IsFatal(results[i].Err) {
				cancel(results[i].Err)
			}

			return nil
		})
	}

	_ = wg.Wait()

	failed := 0

	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}

	if cause := context.Cause(runCtx); cause != nil && transport.IsFatal(cause) {
		return results, fmt.Errorf("download run aborted: %w", cause)
	}

	if err := ctx.Err(); err != nil {
		return results, fmt.Errorf("download run interrupted: %w", context.Cause(ctx))
	}

	if failed > 0 {
		return results, &PartialFailureError{Failed: failed, Total: len(tasks)}
	}

	return results, nil
}

func (d *Downloader) fetch(ctx context.Context, scratch string, task Task) Result {
	logger := logctx.LoggerFromContext(ctx).With("database", task.Name)
	res := Result{Name: task.Name}

	if err := context.Cause(ctx); err != nil {
		res.Err = fmt.Errorf("skipped: %w", err)

		return res
	}

	if !safeName(task.Name) {
		res.Err = &UnsafeNameError{Name: task.Name}
		logger.ErrorContext(ctx, "refusing to download database", "err", res.Err)

		return res
	}

	start := time.Now()

	d.recorder.DownloadStarted(ctx)

	res = d.download(ctx, scratch, task, res)
	res.Duration = time.Since(start)

	status := StatusSuccess
	if res.Err != nil {
		status = StatusFailed

		logger.ErrorContext(ctx, "failed to download database", "attempts", res.Attempts, "err", res.Err)
	}

	d.recorder.DownloadFinished(ctx, status, res.SizeBytes, res.Duration)

	return res
}

func (d *Downloader) download(ctx context.Context, scratch string, task Task, res Result) Result {
	logger := logctx.LoggerFromContext(ctx).With("database", task.Name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		res.Err = fmt.Errorf("failed to create request: %w", err)

		return res
	}

	resp, err := d.client.Do(ctx, OperationDownload, req)
	if err != nil {
		res.Attempts = transport.Attempts(err)
		res.Err = err

		return res
	}
	defer resp.Body.Close()

	res.Attempts = resp.Attempts

	tempPath := filepath.Join(scratch, task.Name)

	n, err := writeFile(ctx, tempPath, resp.Body, resp.ContentLength)
	res.SizeBytes = n

	if err != nil {
		res.Err = err

		return res
	}

	if n == 0 {
		res.Err = ErrEmptyFile

		return res
	}

	out := validate.Validate(tempPath, task.Name)
	d.recorder.ValidationObserved(ctx, string(out.Class), validationResult(out))

	for _, w := range out.Warnings {
		logger.WarnContext(ctx, "validation warning", "warning", w)
	}

	res.Warnings = out.Warnings

	if err := out.Err(); err != nil {
		res.Err = err

		return res
	}

	targetPath := filepath.Join(d.targetDir, task.Name)
	if err := install.Install(tempPath, targetPath); err != nil {
		res.Err = err

		return res
	}

	res.Path = targetPath

	logctx.Success(ctx, logger, "installed database",
		"path", targetPath,
		"size", humanize.Bytes(uint64(n)),
		"attempts", res.Attempts)

	return res
}

func writeFile(ctx context.Context, path string, body io.Reader, totalBytes int64) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	out, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("failed to create scratch file: %w", err)
	}
	defer out.Close()

	if totalBytes > 0 {
		logger.DebugContext(ctx, "downloading file", "size", humanize.Bytes(uint64(totalBytes)))
	}

	progressCb := func(written int64, total int64) {
		if total > 0 {
			logger.DebugContext(ctx, "download progress",
				"downloaded", humanize.Bytes(uint64(written)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(written)*100/float64(total), 2))
		} else {
			logger.DebugContext(ctx, "download progress", "downloaded", humanize.Bytes(uint64(written)))
		}
	}
	pr := progress.NewReader(body, totalBytes, progressInterval, progressCb)

	if _, err := io.Copy(out, pr); err != nil {
		return pr.BytesRead(), fmt.Errorf("failed to read response body: %w", err)
	}

	if err := out.Close(); err != nil {
		return pr.BytesRead(), fmt.Errorf("failed to write scratch file: %w", err)
	}

	return pr.BytesRead(), nil
}

func validationResult(o validate.Outcome) string {
	switch {
	case !o.Valid:
		return "invalid"
	case len(o.Warnings) > 0:
		return "warning"
	default:
		return "valid"
	}
}

// safeName rejects names that would escape the target directory.
func safeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}

	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return false
	}

	return filepath.Base(name) == name && filepath.IsLocal(name)
}

// Summarize counts successes, failures and installed bytes.
func Summarize(results []Result) (ok, failed int, bytes int64) {
	for _, r := range results {
		if r.Err != nil {
			failed++

			continue
		}

		ok++
		bytes += r.SizeBytes
	}

	return ok, failed, bytes
}

// FailedNames returns the names of failed results.
func FailedNames(results []Result) []string {
	var names []string

	for _, r := range results {
		if r.Err != nil {
			names = append(names, r.Name)
		}
	}

	return names
}

// IsPartialFailure reports whether err is a *PartialFailureError.
func IsPartialFailure(err error) bool {
	var pf *PartialFailureError

	return errors.As(err, &pf)
}
