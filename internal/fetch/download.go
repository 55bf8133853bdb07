package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sys/unix"
	"lukechampine.com/blake3"

	"musltc/internal/failure"
)

// RetryableStatuses are the HTTP statuses treated as transient.
var RetryableStatuses = []int{
	http.StatusRequestTimeout,      // 408
	http.StatusTooEarly,            // 425
	http.StatusTooManyRequests,     // 429
	http.StatusInternalServerError, // 500
	http.StatusBadGateway,          // 502
	http.StatusServiceUnavailable,  // 503
	http.StatusGatewayTimeout,      // 504
}

// Downloader fetches URLs into a content cache shared between runs.
type Downloader struct {
	client   *retryablehttp.Client
	cacheDir string
	retries  int
	wait     time.Duration
	log      zerolog.Logger

	// Progress, when set, receives a progress bar per download.
	Progress io.Writer
	// OnRetry is called before every retried attempt.
	OnRetry func()
	// OnBytes is called with the size of every completed download.
	OnBytes func(n int64)
}

// NewDownloader returns a downloader that retries transient failures retries
// times, waiting wait between attempts.
func NewDownloader(cacheDir string, retries int, wait time.Duration, log zerolog.Logger) *Downloader {
	// Cache entries are symlinked from elsewhere, so the root must be absolute.
	if abs, err := filepath.Abs(cacheDir); err == nil {
		cacheDir = abs
	}
	d := &Downloader{cacheDir: cacheDir, retries: retries, wait: wait, log: log}

	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.RetryWaitMin = wait
	c.RetryWaitMax = wait
	c.Backoff = func(_, _ time.Duration, _ int, _ *http.Response) time.Duration { return wait }
	c.CheckRetry = checkRetry
	c.Logger = leveledLogger{log}
	c.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, attempt int) {
		if attempt > 0 {
			d.log.Warn().Str("url", req.URL.String()).Int("attempt", attempt).Msg("retrying download")
			if d.OnRetry != nil {
				d.OnRetry()
			}
		}
	}
	c.ErrorHandler = func(resp *http.Response, err error, attempts int) (*http.Response, error) {
		if resp != nil {
			resp.Body.Close()
		}
		if err == nil && resp != nil {
			err = fmt.Errorf("last status %s", resp.Status)
		}
		return nil, fmt.Errorf("giving up after %d attempt(s): %w", attempts, err)
	}
	d.client = c
	return d
}

func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	return slices.Contains(RetryableStatuses, resp.StatusCode), nil
}

// CachePath is where url is stored once downloaded.
func (d *Downloader) CachePath(url string) string {
	h := blake3.Sum256([]byte(url))
	return filepath.Join(d.cacheDir, fmt.Sprintf("%x", h[:8]), filepath.Base(url))
}

// Fetch returns the cached copy of url, downloading it first if needed.
// Concurrent runs serialize on a per-file lock.
func (d *Downloader) Fetch(ctx context.Context, url string) (string, error) {
	dst := d.CachePath(url)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", fmt.Errorf("create cache directory: %w", err)
	}

	unlock, err := lockFile(dst + ".lock")
	if err != nil {
		return "", err
	}
	defer unlock()

	if _, err := os.Stat(dst); err == nil {
		d.log.Debug().Str("url", url).Str("path", dst).Msg("source cached")
		return dst, nil
	}

	if err := d.download(ctx, url, dst); err != nil {
		return "", err
	}
	return dst, nil
}

// Evict removes a cached entry, e.g. after it failed verification.
func (d *Downloader) Evict(url string) error {
	dst := d.CachePath(url)
	unlock, err := lockFile(dst + ".lock")
	if err != nil {
		return err
	}
	defer unlock()
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (d *Downloader) download(ctx context.Context, url, dst string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return failure.Configf("bad source url %q: %v", url, err)
	}
	d.log.Info().Str("url", url).Msg("downloading")

	resp, err := d.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &failure.Error{Kind: failure.TransientNetwork, Stage: "source-fetch", Op: "download " + url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &failure.Error{
			Kind:     failure.Configuration,
			Stage:    "source-fetch",
			Op:       "download " + url,
			Expected: "200 OK",
			Actual:   resp.Status,
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("create download file: %w", err)
	}
	defer os.Remove(tmp.Name())

	var w io.Writer = tmp
	if d.Progress != nil {
		bar := progressbar.NewOptions64(resp.ContentLength,
			progressbar.OptionSetWriter(d.Progress),
			progressbar.OptionSetDescription(filepath.Base(dst)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionClearOnFinish(),
		)
		defer bar.Close()
		w = io.MultiWriter(tmp, bar)
	}

	n, err := io.Copy(w, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &failure.Error{Kind: failure.TransientNetwork, Stage: "source-fetch", Op: "read " + url, Err: err}
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("move download into cache: %w", err)
	}
	if d.OnBytes != nil {
		d.OnBytes(n)
	}
	return nil
}

func lockFile(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}
	return func() {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
	}, nil
}

// leveledLogger routes retryablehttp's messages into zerolog.
type leveledLogger struct{ log zerolog.Logger }

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.log.Error().Fields(kv).Msg(msg) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.log.Warn().Fields(kv).Msg(msg) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.log.Debug().Fields(kv).Msg(msg) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.log.Debug().Fields(kv).Msg(msg) }
