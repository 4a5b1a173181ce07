// Package downloader is the Downloader component: a parallel, racing
// fetcher that populates the blob cache keyed by bottle sha256. Downloads
// are not resumed: every attempt truncates the .partial file and fetches
// the blob again from its first byte.
// Each task may race several connections to the same URL; the first to
// reach a successful response wins and the rest are cancelled.
package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/zerobrew/zerobrew/internal/log"
	"github.com/zerobrew/zerobrew/internal/zerrors"
	"github.com/zerobrew/zerobrew/internal/zpaths"
)

// Task describes one blob to fetch.
type Task struct {
	SHA256 string
	URL    string
}

// Result is a completed (or failed) download, delivered as soon as it is
// known; callers must not assume results arrive in task order.
type Result struct {
	SHA256   string
	Path     string
	CacheHit bool
	Err      error
}

// Options configures concurrency, connection racing, and retries. Zero
// values fall back to zpaths' tunables, except MaxAttempts, which
// defaults to 3.
type Options struct {
	Concurrency     int
	RaceConnections int
	RaceStagger     time.Duration
	MaxAttempts     int
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = zpaths.DownloadConcurrency()
	}
	if o.RaceConnections <= 0 {
		o.RaceConnections = zpaths.RaceConnections()
	}
	if o.RaceStagger <= 0 {
		o.RaceStagger = time.Duration(zpaths.RaceStaggerMillis()) * time.Millisecond
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	return o
}

// Downloader fetches bottle blobs into the on-disk cache.
type Downloader struct {
	paths  zpaths.Paths
	client *http.Client
	opts   Options
	log    log.Logger
}

// New constructs a Downloader.
func New(paths zpaths.Paths, client *http.Client, opts Options, logger log.Logger) *Downloader {
	if logger == nil {
		logger = log.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Downloader{paths: paths, client: client, opts: opts.withDefaults(), log: logger}
}

// Download fetches every task, returning a channel that yields one Result
// per task as each completes. The channel is closed once all tasks are
// done. Concurrency is bounded globally by Options.Concurrency; sibling
// downloads are unaffected by one task's failure.
func (d *Downloader) Download(ctx context.Context, tasks []Task) <-chan Result {
	out := make(chan Result, len(tasks))

	var g errgroup.Group
	g.SetLimit(d.opts.Concurrency)

	for _, t := range tasks {
		t := t
		g.Go(func() error {
			select {
			case <-ctx.Done():
				out <- Result{SHA256: t.SHA256, Err: ctx.Err()}
				return nil
			default:
			}
			out <- d.downloadOne(ctx, t)
			return nil
		})
	}

	go func() {
		g.Wait()
		close(out)
	}()
	return out
}

func (d *Downloader) downloadOne(ctx context.Context, t Task) Result {
	cachePath := d.paths.BlobCachePath(t.SHA256)
	if fileHashMatches(cachePath, t.SHA256) {
		d.log.Debug("downloader: cache hit", "sha256", t.SHA256)
		return Result{SHA256: t.SHA256, Path: cachePath, CacheHit: true}
	}

	var lastErr error
	limiter := rate.NewLimiter(rate.Every(500*time.Millisecond), 1)
	for attempt := 1; attempt <= d.opts.MaxAttempts; attempt++ {
		err := d.attempt(ctx, t, cachePath)
		if err == nil {
			return Result{SHA256: t.SHA256, Path: cachePath}
		}
		lastErr = err
		if !retryable(err) || attempt == d.opts.MaxAttempts {
			break
		}
		d.log.Warn("downloader: attempt failed, retrying", "sha256", t.SHA256, "attempt", attempt, "error", err)
		if err := limiter.Wait(ctx); err != nil {
			lastErr = err
			break
		}
		// Exponential backoff: double the limiter's interval each retry.
		limiter.SetLimit(limiter.Limit() / 2)
	}
	return Result{SHA256: t.SHA256, Err: lastErr}
}

// retryable reports whether an error kind is one spec.md designates as
// downloader-local and therefore automatically retried.
func retryable(err error) bool {
	return zerrors.Is(err, zerrors.NetworkError) || zerrors.Is(err, zerrors.HashMismatch)
}

// attempt performs one full fetch-and-verify cycle for t, racing connections
// and writing the result atomically into the blob cache.
func (d *Downloader) attempt(ctx context.Context, t Task, cachePath string) error {
	resp, cancelWinner, err := d.raceGet(ctx, t.URL)
	if err != nil {
		return zerrors.Wrap(zerrors.NetworkError, "downloader.attempt", t.SHA256, err)
	}
	defer cancelWinner()
	defer resp.Body.Close()

	partialPath := d.paths.BlobPartialPath(t.SHA256)
	if err := streamToPartial(resp.Body, partialPath, t.SHA256); err != nil {
		os.Remove(partialPath)
		return err
	}

	if err := os.Rename(partialPath, cachePath); err != nil {
		return zerrors.Wrap(zerrors.NetworkError, "downloader.attempt", t.SHA256, err)
	}
	return nil
}

// streamToPartial writes body to path, hashing incrementally, and fsyncs
// before returning. A hash mismatch or disk-full condition removes nothing
// itself (the caller does) but is reported with the correct error kind.
func streamToPartial(body io.Reader, path, expectedSHA256 string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return zerrors.Wrap(zerrors.NetworkError, "downloader.streamToPartial", expectedSHA256, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return zerrors.Wrap(zerrors.NetworkError, "downloader.streamToPartial", expectedSHA256, err)
	}

	h := sha256.New()
	w := io.MultiWriter(f, h)
	_, copyErr := io.CopyBuffer(w, body, make([]byte, 64*1024))
	syncErr := f.Sync()
	closeErr := f.Close()

	if copyErr != nil {
		if isDiskFull(copyErr) {
			return zerrors.Wrap(zerrors.QuotaExceeded, "downloader.streamToPartial", expectedSHA256, copyErr)
		}
		return zerrors.Wrap(zerrors.NetworkError, "downloader.streamToPartial", expectedSHA256, copyErr)
	}
	if syncErr != nil {
		return zerrors.Wrap(zerrors.NetworkError, "downloader.streamToPartial", expectedSHA256, syncErr)
	}
	if closeErr != nil {
		return zerrors.Wrap(zerrors.NetworkError, "downloader.streamToPartial", expectedSHA256, closeErr)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if got != expectedSHA256 {
		return zerrors.Wrap(zerrors.HashMismatch, "downloader.streamToPartial", expectedSHA256,
			fmt.Errorf("downloaded hash %s does not match expected %s", got, expectedSHA256))
	}
	return nil
}

// racer is one connection's outcome in a race.
type racer struct {
	idx  int
	resp *http.Response
	err  error
}

// raceGet launches up to Options.RaceConnections requests to url, staggered
// by RaceStagger, and returns the first response that reaches HTTP 200. The
// returned cancel func must be called once the caller is done with the
// response body; it also tears down every losing connection.
func (d *Downloader) raceGet(ctx context.Context, url string) (*http.Response, context.CancelFunc, error) {
	n := d.opts.RaceConnections

	cancels := make([]context.CancelFunc, n)
	rctxs := make([]context.Context, n)
	for i := 0; i < n; i++ {
		rctxs[i], cancels[i] = context.WithCancel(ctx)
	}

	ch := make(chan racer, n)
	for i := 0; i < n; i++ {
		go d.launchRacer(rctxs[i], i, url, ch)
	}

	winnerIdx := -1
	var winner *http.Response
	var lastErr error

	for received := 0; received < n; received++ {
		r := <-ch
		if winnerIdx == -1 && r.err == nil && r.resp.StatusCode == http.StatusOK {
			winnerIdx = r.idx
			winner = r.resp
			for i, c := range cancels {
				if i != winnerIdx {
					c()
				}
			}
			continue
		}
		if r.err != nil {
			lastErr = r.err
		} else if r.resp != nil {
			r.resp.Body.Close()
		}
	}

	if winner == nil {
		if lastErr == nil {
			lastErr = errors.New("downloader: no racing connection succeeded")
		}
		for _, c := range cancels {
			c()
		}
		return nil, nil, lastErr
	}
	return winner, cancels[winnerIdx], nil
}

func (d *Downloader) launchRacer(ctx context.Context, idx int, url string, ch chan<- racer) {
	if idx > 0 {
		stagger := time.Duration(idx) * d.opts.RaceStagger
		t := time.NewTimer(stagger)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			ch <- racer{idx: idx, err: ctx.Err()}
			return
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		ch <- racer{idx: idx, err: err}
		return
	}
	resp, err := d.client.Do(req)
	ch <- racer{idx: idx, resp: resp, err: err}
}

func fileHashMatches(path, expected string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false
	}
	return hex.EncodeToString(h.Sum(nil)) == expected
}

func isDiskFull(err error) bool {
	return strings.Contains(err.Error(), "no space left on device")
}
