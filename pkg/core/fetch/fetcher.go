// Package fetch downloads bulletin pages with bounded parallelism.
// Failures never escape as errors; every URL produces exactly one Result
// value unless the context is cancelled first, and the pipeline decides
// what to do with it.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"visa_bulletin/pkg/core/source"
)

var (
	// ErrNotFound marks a 404: the bulletin does not exist. Never retried.
	ErrNotFound = errors.New("bulletin not found")
	// ErrRetriesExhausted marks a URL that failed every attempt.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

const (
	backoffFactor = 2
	jitterRatio   = 0.2
)

// backoffBase is a variable so tests can shrink the retry delays.
var backoffBase = 1 * time.Second

// Result carries the outcome of one URL. Exactly one of Body or Err is
// meaningful; labels preserve the input identity.
type Result struct {
	Candidate  source.Candidate
	StatusCode int
	Body       []byte
	Err        error
	Retries    int
}

// Options tunes a Fetcher.
type Options struct {
	MaxWorkers int
	Timeout    time.Duration
	Retries    int
	UserAgent  string
	// RequestsPerSecond caps the aggregate request rate across workers.
	// Zero disables the limiter.
	RequestsPerSecond float64
}

// Fetcher runs concurrent GETs against the bulletin source.
type Fetcher struct {
	client    *http.Client
	workers   int
	retries   int
	userAgent string
	limiter   *rate.Limiter
	log       *zap.Logger
}

// New creates a Fetcher. The underlying http.Client (and its connection
// pool) is shared by all workers.
func New(opts Options, log *zap.Logger) *Fetcher {
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.MaxWorkers)
	}
	return &Fetcher{
		client:    &http.Client{Timeout: opts.Timeout},
		workers:   opts.MaxWorkers,
		retries:   opts.Retries,
		userAgent: opts.UserAgent,
		limiter:   limiter,
		log:       log,
	}
}

// Fetch processes candidates with at most MaxWorkers requests in flight.
// The returned channel has capacity 2*MaxWorkers: if the consumer falls
// behind, completed fetches buffer there and further requests block until
// drained. The channel closes once every candidate has produced a Result;
// after ctx is cancelled it closes as soon as the workers stop, and
// candidates not yet fetched produce no Result.
func (f *Fetcher) Fetch(ctx context.Context, candidates []source.Candidate) <-chan Result {
	jobs := make(chan source.Candidate)
	results := make(chan Result, 2*f.workers)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < f.workers; i++ {
		g.Go(func() error {
			for cand := range jobs {
				res := f.fetchOne(gctx, cand)
				select {
				case results <- res:
				case <-gctx.Done():
					return nil
				}
			}
			return nil
		})
	}

	go func() {
		defer close(jobs)
		for _, cand := range candidates {
			select {
			case jobs <- cand:
			case <-gctx.Done():
				return
			}
		}
	}()

	go func() {
		g.Wait()
		close(results)
	}()

	return results
}

// fetchOne runs the full retry loop for a single candidate.
func (f *Fetcher) fetchOne(ctx context.Context, cand source.Candidate) Result {
	var lastErr error
	var lastStatus int

	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoffDelay(attempt)):
			case <-ctx.Done():
				return Result{Candidate: cand, Err: ctx.Err(), Retries: attempt - 1}
			}
		}
		if f.limiter != nil {
			if err := f.limiter.Wait(ctx); err != nil {
				return Result{Candidate: cand, Err: err, Retries: attempt}
			}
		}

		body, status, err := f.get(ctx, cand.URL)
		lastStatus = status

		switch {
		case err == nil && status == http.StatusOK:
			f.log.Debug("fetched bulletin",
				zap.String("url", cand.URL),
				zap.Int("bytes", len(body)),
				zap.Int("attempt", attempt))
			return Result{Candidate: cand, StatusCode: status, Body: body, Retries: attempt}

		case status == http.StatusNotFound:
			// The bulletin does not exist for this month. Terminal.
			return Result{Candidate: cand, StatusCode: status, Err: ErrNotFound, Retries: attempt}

		case status >= 400 && status < 500:
			return Result{
				Candidate:  cand,
				StatusCode: status,
				Err:        fmt.Errorf("source returned status %d", status),
				Retries:    attempt,
			}

		case err != nil:
			lastErr = err
		default:
			lastErr = fmt.Errorf("source returned status %d", status)
		}

		if ctx.Err() != nil {
			return Result{Candidate: cand, Err: ctx.Err(), Retries: attempt}
		}
		f.log.Debug("retrying fetch",
			zap.String("url", cand.URL),
			zap.Int("attempt", attempt),
			zap.Error(lastErr))
	}

	return Result{
		Candidate:  cand,
		StatusCode: lastStatus,
		Err:        fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, f.retries+1, lastErr),
		Retries:    f.retries,
	}
}

// get performs a single GET.
func (f *Fetcher) get(ctx context.Context, url string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, resp.StatusCode, nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

// Verify probes url with a HEAD request and reports reachability without
// downloading the body.
func (f *Fetcher) Verify(ctx context.Context, url string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// backoffDelay computes the pre-attempt sleep: 1s * 2^(attempt-1) with
// +/-20% jitter.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= backoffFactor
	}
	jitter := 1 + jitterRatio*(2*rand.Float64()-1)
	return time.Duration(float64(d) * jitter)
}
