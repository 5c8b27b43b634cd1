// Package fetch downloads a bulk export to a local replay file. Downloads
// resume with HTTP Range requests when the server supports them, fall back to
// a clean restart when it does not, transparently decompress gzip bodies, and
// retry transient failures with exponential backoff.
//
// The replay file it maintains is the artifact the checkpoint layer truncates
// and appends to on resume.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"
)

// Defaults applied by Fetch when the corresponding Options field is zero.
const (
	DefaultMaxRetries     = 3
	DefaultConnectTimeout = 30 * time.Second
	DefaultReadTimeout    = 60 * time.Second
	DefaultTotalTimeout   = 4 * time.Hour
)

// Options configures one download.
type Options struct {
	MaxRetries     int
	ConnectTimeout time.Duration
	// ReadTimeout is an inactivity budget: it resets on every read.
	ReadTimeout  time.Duration
	TotalTimeout time.Duration
	Client       *http.Client
	Logger       *zap.SugaredLogger
}

// Stats reports what one download did.
type Stats struct {
	Attempts         int
	ResumedFromBytes int64
	ContentEncoding  string
	BytesWritten     int64
}

// Fetch streams url into dest, continuing from offset bytes when the file
// already holds that much committed data. Returns the stats alongside any
// fatal error; transient HTTP and transport failures are retried internally.
func Fetch(ctx context.Context, url, dest string, offset int64, opts Options) (Stats, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.TotalTimeout <= 0 {
		opts.TotalTimeout = DefaultTotalTimeout
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 0}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return Stats{}, fmt.Errorf("creating download dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, opts.TotalTimeout)
	defer cancel()

	stats := Stats{ContentEncoding: "identity"}
	if offset > 0 {
		stats.ResumedFromBytes = offset
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 15 * time.Second
	bo.MaxElapsedTime = 0 // bounded by ctx, not by elapsed time

	for {
		stats.Attempts++

		n, startedAt, enc, retryable, err := attempt(ctx, client, url, dest, offset, opts.ConnectTimeout, opts.ReadTimeout)
		if startedAt < offset {
			// The server could not continue from the committed offset; the
			// replay file was restarted from zero, so the resume never took.
			stats.ResumedFromBytes = 0
		}
		offset = startedAt + n
		stats.BytesWritten = offset - stats.ResumedFromBytes
		if enc != "" {
			stats.ContentEncoding = enc
		}
		if err == nil {
			return stats, nil
		}
		if !retryable || stats.Attempts > opts.MaxRetries {
			return stats, err
		}

		wait := bo.NextBackOff()
		if ra, ok := retryAfter(err); ok && ra > wait {
			wait = ra
		}
		log.Warnw("download attempt failed, retrying",
			"url", url, "attempt", stats.Attempts, "offset", offset, "wait", wait, "error", err)

		select {
		case <-ctx.Done():
			return stats, fmt.Errorf("download timed out: %w", ctx.Err())
		case <-time.After(wait):
		}
	}
}

// httpStatusError carries a retryable status plus its Retry-After hint.
type httpStatusError struct {
	status     int
	retryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("download failed with HTTP %d", e.status)
}

func retryAfter(err error) (time.Duration, bool) {
	if se, ok := err.(*httpStatusError); ok && se.retryAfter > 0 {
		return se.retryAfter, true
	}
	return 0, false
}

// attempt performs one request and appends its body to dest. Returns the
// bytes written in this attempt, the offset the write actually started at
// (zero when the replay file was restarted, offset otherwise), the observed
// content encoding, and whether the failure (if any) is worth retrying. The
// caller's running offset must be recomputed as startedAt+written, never
// offset+written: a restart invalidates the pre-attempt offset.
func attempt(ctx context.Context, client *http.Client, url, dest string, offset int64, connectTimeout, readTimeout time.Duration) (written, startedAt int64, encoding string, retryable bool, err error) {
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return 0, offset, "", false, fmt.Errorf("building download request: %w", err)
	}
	// Compression is handled explicitly so byte offsets stay meaningful.
	req.Header.Set("Accept-Encoding", "gzip, identity")
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	connectTimer := time.AfterFunc(connectTimeout, cancel)
	resp, err := client.Do(req)
	connectTimer.Stop()
	if err != nil {
		return 0, offset, "", true, fmt.Errorf("download request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusRequestTimeout ||
		resp.StatusCode == http.StatusTooManyRequests ||
		resp.StatusCode >= 500 {
		return 0, offset, "", true, &httpStatusError{
			status:     resp.StatusCode,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return 0, offset, "", false, &httpStatusError{status: resp.StatusCode}
	}

	encoding = resp.Header.Get("Content-Encoding")
	if encoding == "" {
		encoding = "identity"
	}

	// A Range request the server ignored, or a compressed body, cannot
	// continue from a byte offset: restart the replay file from zero.
	if offset > 0 && (resp.StatusCode != http.StatusPartialContent || encoding != "identity") {
		if err := os.Truncate(dest, 0); err != nil {
			return 0, offset, encoding, false, fmt.Errorf("restarting replay file: %w", err)
		}
		offset = 0
	}

	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, offset, encoding, false, fmt.Errorf("opening replay file: %w", err)
	}
	defer f.Close()
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, offset, encoding, false, fmt.Errorf("seeking replay file: %w", err)
	}

	var body io.Reader = &watchdogReader{r: resp.Body, timeout: readTimeout, cancel: cancel}
	if encoding == "gzip" {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return 0, offset, encoding, true, fmt.Errorf("opening gzip body: %w", err)
		}
		defer gz.Close()
		body = gz
	}

	written, err = io.Copy(f, body)
	if err != nil {
		// Mid-stream failure: the bytes already written are good; the next
		// attempt resumes past them when the server honors Range requests.
		return written, offset, encoding, true, fmt.Errorf("streaming download body: %w", err)
	}
	if err := f.Sync(); err != nil {
		return written, offset, encoding, false, fmt.Errorf("syncing replay file: %w", err)
	}
	return written, offset, encoding, false, nil
}

// watchdogReader cancels the request when no read completes within timeout.
type watchdogReader struct {
	r       io.Reader
	timeout time.Duration
	cancel  context.CancelFunc
	timer   *time.Timer
}

func (w *watchdogReader) Read(p []byte) (int, error) {
	if w.timer == nil {
		w.timer = time.AfterFunc(w.timeout, w.cancel)
	} else {
		w.timer.Reset(w.timeout)
	}
	n, err := w.r.Read(p)
	w.timer.Stop()
	return n, err
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
