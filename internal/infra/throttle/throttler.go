// Package throttle is the shared rate-limiting and retry mechanism for
// outbound integrations: a golang.org/x/time/rate token bucket (RPS +
// burst) plus exponential backoff with jitter. Server-provided wait hints
// (Retry-After, 429 cooldowns, MTProto FLOOD_WAIT) are supported via
// pluggable WaitExtractor functions; StopRetryer lets a call abandon
// retries immediately.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// burstMultiplier is the default burst capacity as a multiple of rate.
const burstMultiplier = 2

// WaitExtractor inspects an error and, if it recognizes the shape, returns
// how long to wait before retrying. Extractors run in registration order;
// the first match wins.
type WaitExtractor func(err error) (time.Duration, bool)

// StopRetryer marks an error as non-retryable; any error satisfying it is
// returned to the caller without further attempts.
type StopRetryer interface {
	StopRetry() bool
}

// Option configures a Throttler at construction time.
type Option func(*Throttler)

// WithMaxRetries caps the number of retries. <=0 means unlimited.
func WithMaxRetries(maxRetries int) Option {
	return func(t *Throttler) { t.maxRetries = maxRetries }
}

// WithBurst overrides the token bucket capacity. <=0 falls back to 2*rate.
func WithBurst(burst int) Option {
	return func(t *Throttler) { t.burst = burst }
}

// WithWaitExtractors registers extractors that recognize server-provided
// backoff hints.
func WithWaitExtractors(extractors ...WaitExtractor) Option {
	return func(t *Throttler) {
		if len(extractors) == 0 {
			return
		}
		cloned := make([]WaitExtractor, len(extractors))
		copy(cloned, extractors)
		t.waitExtractors = append(t.waitExtractors, cloned...)
	}
}

// WithRand sets the jitter source, mainly for deterministic tests.
func WithRand(r *rand.Rand) Option {
	return func(t *Throttler) {
		if r != nil {
			t.randomFn = r.Float64
		}
	}
}

// WithRandom sets a custom jitter function, for tests.
func WithRandom(fn func() float64) Option {
	return func(t *Throttler) {
		if fn != nil {
			t.randomFn = fn
		}
	}
}

// ErrNotStarted is returned when Do is called before Start.
var ErrNotStarted = errors.New("throttle: Start must be called before Do")

// Throttler wraps a rate.Limiter token bucket and a retry strategy with
// exponential backoff plus server-hinted waits. Safe for concurrent use:
// Do may run from multiple goroutines; Start/Stop are idempotent.
type Throttler struct {
	ratePerSec int
	burst      int

	limiter *rate.Limiter

	waitExtractors []WaitExtractor
	maxRetries     int

	startOnce sync.Once
	stopOnce  sync.Once

	rootCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	randomFn func() float64
}

// New creates a throttler at rate operations/sec. burst defaults to
// 2*rate (floor 1). Start must be called separately to begin refilling.
func New(rate int, opts ...Option) *Throttler {
	if rate <= 0 {
		rate = 1
	}

	t := &Throttler{
		ratePerSec: rate,
		burst:      rate * burstMultiplier,
		maxRetries: -1,
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.burst <= 0 {
		t.burst = rate * burstMultiplier
	}
	if t.burst < 1 {
		t.burst = 1
	}

	if t.randomFn == nil {
		t.randomFn = rand.Float64
	}

	return t
}

// Start builds the rate.Limiter, pre-filled to burst capacity. Idempotent;
// a nil ctx defaults to Background.
func (t *Throttler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	t.startOnce.Do(func() {
		t.rootCtx, t.cancel = context.WithCancel(ctx)
		t.limiter = rate.NewLimiter(rate.Limit(t.ratePerSec), t.burst)
	})
}

// Stop cancels the root context any in-flight Wait calls are blocked on.
// Idempotent.
func (t *Throttler) Stop() {
	if !t.isStarted() {
		return
	}
	t.stopOnce.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
	})
}

// SetMaxRetries updates the retry limit after construction. <=0 means
// unlimited.
func (t *Throttler) SetMaxRetries(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxRetries = n
}

// Do runs fn under the token bucket and retry policy:
//  1. wait for a token (respecting ctx and Stop);
//  2. call fn;
//  3. on error: a StopRetryer returns immediately; a canceled context
//     returns immediately; a recognized wait hint sleeps and retries
//     without growing the attempt counter; otherwise exponential backoff
//     with jitter, bounded by the retry limit.
//
// Returns nil on success, or the last error once the strategy is exhausted.
func (t *Throttler) Do(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	root := t.rootContext()
	if root == nil {
		return ErrNotStarted
	}
	maxRetries := t.currentMaxRetries()

	attempt := 0
	for {
		if err := t.takeToken(ctx, root); err != nil {
			return err
		}

		callErr := fn()
		if callErr == nil {
			return nil
		}

		var stopper StopRetryer
		waitDur, hasWait := t.extractWait(callErr)

		switch {
		case errors.As(callErr, &stopper) && stopper.StopRetry():
			return callErr

		case errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded):
			return callErr

		case hasWait:
			if wErr := t.wait(ctx, root, waitDur); wErr != nil {
				return wErr
			}
			continue
		}

		if maxRetries > 0 && attempt >= maxRetries {
			return fmt.Errorf("throttle: max retries reached (%d): last error: %w", maxRetries, callErr)
		}

		sleep := t.expBackoff(attempt)
		attempt++
		if wErr := t.wait(ctx, root, sleep); wErr != nil {
			return wErr
		}
	}
}

func (t *Throttler) rootContext() context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootCtx
}

func (t *Throttler) isStarted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rootCtx != nil
}

func (t *Throttler) currentMaxRetries() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.maxRetries
}

// takeToken blocks for a token, ctx cancellation, or throttler shutdown.
func (t *Throttler) takeToken(ctx, rootCtx context.Context) error {
	lim := t.rateLimiter()
	if lim == nil {
		return ErrNotStarted
	}

	waitCtx, cancel := mergeDone(ctx, rootCtx)
	defer cancel()
	if err := lim.Wait(waitCtx); err != nil {
		if rootCtx.Err() != nil {
			return context.Canceled
		}
		return err
	}
	return nil
}

func (t *Throttler) rateLimiter() *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.limiter
}

// mergeDone returns a context canceled when either ctx or rootCtx is done,
// so rate.Limiter.Wait observes both the caller's cancellation and the
// throttler's own shutdown.
func mergeDone(ctx, rootCtx context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := make(chan struct{})
	go func() {
		select {
		case <-rootCtx.Done():
			cancel()
		case <-stop:
		}
	}()
	return merged, func() {
		close(stop)
		cancel()
	}
}

func (t *Throttler) extractWait(err error) (time.Duration, bool) {
	for _, extractor := range t.waitExtractors {
		if extractor == nil {
			continue
		}
		if wait, ok := extractor(err); ok {
			return wait, true
		}
	}
	return 0, false
}

func (t *Throttler) wait(ctx, rootCtx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}

	timer := time.NewTimer(duration)
	defer stopTimer(timer)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-rootCtx.Done():
		return context.Canceled
	case <-timer.C:
		return nil
	}
}

// expBackoff computes 2^attempt seconds, capped at 60s, scaled by jitter
// in [0.85, 1.15].
func (t *Throttler) expBackoff(attempt int) time.Duration {
	const (
		jitterRange = 0.3
		jitterMin   = 0.85
		maxSeconds  = 60.0
		basePower   = 2.0
	)

	base := math.Pow(basePower, float64(attempt))
	if base > maxSeconds {
		base = maxSeconds
	}

	jitter := t.random()*jitterRange + jitterMin
	seconds := base * jitter
	return time.Duration(seconds * float64(time.Second))
}

func (t *Throttler) random() float64 {
	if t.randomFn == nil {
		return rand.Float64()
	}
	return t.randomFn()
}

func stopTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

// Backoff computes the task-queue retry delay for a given attempt count:
// 1s * 2^attempts, capped and jittered the same way Do's backoff is. It is
// exported for callers (the task queue) that need the delay without a
// running Throttler.
func Backoff(attempts int) time.Duration {
	t := New(1)
	return t.expBackoff(attempts)
}
