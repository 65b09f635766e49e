// Package flusher implements the two durability fidelities the engine
// exposes: a periodic best-effort AsyncFlusher and a group-commit
// SyncGroupFlusher that amortizes fsync across concurrent writers
// while honoring per-writer timeouts (component C5).
package flusher

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sync/errgroup"

	"github.com/brokerlabs/commitlog/segqueue"
)

// Target is the subset of SegmentQueue both flushers drive.
type Target interface {
	Flush(leastPages int) (bool, error)
	CommittedWhere() int64
}

var _ Target = (*segqueue.SegmentQueue)(nil)

// AsyncFlusher wakes on a timer and flushes dirty pages best-effort;
// producers never wait on it directly.
type AsyncFlusher struct {
	target Target
	logger log.Logger

	interval         time.Duration
	leastPages       int
	thoroughInterval time.Duration

	stop chan struct{}
	g    *errgroup.Group
	gctx context.Context
}

// AsyncOption configures an AsyncFlusher.
type AsyncOption func(*AsyncFlusher)

func WithAsyncLogger(l log.Logger) AsyncOption { return func(f *AsyncFlusher) { f.logger = l } }

// WithInterval overrides the default 500ms tick.
func WithInterval(d time.Duration) AsyncOption { return func(f *AsyncFlusher) { f.interval = d } }

// WithLeastPages overrides the default least-pages-dirty threshold (4).
func WithLeastPages(n int) AsyncOption { return func(f *AsyncFlusher) { f.leastPages = n } }

// WithThoroughInterval overrides the default 10s full-flush interval.
func WithThoroughInterval(d time.Duration) AsyncOption {
	return func(f *AsyncFlusher) { f.thoroughInterval = d }
}

// NewAsyncFlusher constructs an AsyncFlusher with the defaults from §4.5:
// 500ms tick, leastPages=4, thoroughInterval=10s.
func NewAsyncFlusher(target Target, opts ...AsyncOption) *AsyncFlusher {
	f := &AsyncFlusher{
		target:           target,
		logger:           log.NewNopLogger(),
		interval:         500 * time.Millisecond,
		leastPages:       4,
		thoroughInterval: 10 * time.Second,
		stop:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start runs the flush loop until ctx is canceled or Stop is called,
// and attempts up to 3 final full flushes on shutdown.
func (f *AsyncFlusher) Start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	f.g, f.gctx = g, gctx
	g.Go(func() error {
		f.run(gctx)
		return nil
	})
}

// Wait blocks until the flush loop has returned after Stop/cancel.
func (f *AsyncFlusher) Wait() error {
	if f.g == nil {
		return nil
	}
	return f.g.Wait()
}

// Stop signals the flush loop to exit.
func (f *AsyncFlusher) Stop() {
	select {
	case <-f.stop:
	default:
		close(f.stop)
	}
}

func (f *AsyncFlusher) run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	lastThorough := time.Now()
	for {
		select {
		case <-ctx.Done():
			f.shutdownFlush()
			return
		case <-f.stop:
			f.shutdownFlush()
			return
		case <-ticker.C:
			leastPages := f.leastPages
			if time.Since(lastThorough) >= f.thoroughInterval {
				leastPages = 0
				lastThorough = time.Now()
			}
			if _, err := f.target.Flush(leastPages); err != nil {
				level.Error(f.logger).Log("msg", "async flush failed", "err", err)
			}
		}
	}
}

func (f *AsyncFlusher) shutdownFlush() {
	for i := 0; i < 3; i++ {
		progressed, err := f.target.Flush(0)
		if err != nil {
			level.Error(f.logger).Log("msg", "shutdown flush failed", "attempt", i, "err", err)
			continue
		}
		if !progressed {
			return
		}
	}
}

// groupRequest is a single producer's wait for durability up to
// nextOffset, carrying its own completion latch per §9 "double
// buffered sync-flush queue".
type groupRequest struct {
	nextOffset int64
	done       chan bool // true iff durability was confirmed
}

// SyncGroupFlusher implements group commit: producers enqueue a
// request and block on their own latch; a background loop swaps
// write/read buffers and flushes on their behalf, batching fsyncs
// across whoever is currently waiting.
type SyncGroupFlusher struct {
	target Target
	logger log.Logger

	mu    sync.Mutex
	write []*groupRequest

	wake chan struct{}
	stop chan struct{}
	g    *errgroup.Group
}

// SyncOption configures a SyncGroupFlusher.
type SyncOption func(*SyncGroupFlusher)

func WithSyncLogger(l log.Logger) SyncOption { return func(f *SyncGroupFlusher) { f.logger = l } }

// NewSyncGroupFlusher constructs a SyncGroupFlusher.
func NewSyncGroupFlusher(target Target, opts ...SyncOption) *SyncGroupFlusher {
	f := &SyncGroupFlusher{
		target: target,
		logger: log.NewNopLogger(),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Start runs the swap-and-flush loop until ctx is canceled.
func (f *SyncGroupFlusher) Start(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	f.g = g
	g.Go(func() error {
		f.run(gctx)
		return nil
	})
}

// Wait blocks until the flush loop has returned.
func (f *SyncGroupFlusher) Wait() error {
	if f.g == nil {
		return nil
	}
	return f.g.Wait()
}

// Stop signals the swap-and-flush loop to exit.
func (f *SyncGroupFlusher) Stop() {
	select {
	case <-f.stop:
	default:
		close(f.stop)
	}
}

// Await enqueues a request for durability up to nextOffset and blocks
// until the flusher confirms it or timeout elapses. Returns true only
// if signaled within timeout AND durability was confirmed, per §4.5.
func (f *SyncGroupFlusher) Await(nextOffset int64, timeout time.Duration) bool {
	req := &groupRequest{nextOffset: nextOffset, done: make(chan bool, 1)}

	f.mu.Lock()
	f.write = append(f.write, req)
	f.mu.Unlock()

	select {
	case f.wake <- struct{}{}:
	default:
	}

	select {
	case ok := <-req.done:
		return ok
	case <-time.After(timeout):
		return false
	}
}

func (f *SyncGroupFlusher) run(ctx context.Context) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.drainAndFail()
			return
		case <-f.stop:
			f.drainAndFail()
			return
		case <-f.wake:
			f.swapAndFlush()
		case <-ticker.C:
			f.swapAndFlush()
		}
	}
}

// swapAndFlush swaps the write buffer for a fresh one under the
// mutex, then flushes up to twice per request (a request may straddle
// a rotation, per §4.5) and signals every satisfied waiter.
func (f *SyncGroupFlusher) swapAndFlush() {
	f.mu.Lock()
	read := f.write
	f.write = nil
	f.mu.Unlock()

	if len(read) == 0 {
		return
	}

	for _, req := range read {
		if f.target.CommittedWhere() < req.nextOffset {
			for i := 0; i < 2 && f.target.CommittedWhere() < req.nextOffset; i++ {
				if _, err := f.target.Flush(0); err != nil {
					level.Error(f.logger).Log("msg", "sync flush failed", "err", err)
					break
				}
			}
		}
		req.done <- f.target.CommittedWhere() >= req.nextOffset
	}
}

func (f *SyncGroupFlusher) drainAndFail() {
	f.mu.Lock()
	pending := f.write
	f.write = nil
	f.mu.Unlock()
	for _, req := range pending {
		req.done <- false
	}
}
