// Package asyncio implements the async I/O queue (component C): a shared
// submission FIFO drained by a bounded worker pool, and a single reaper
// that completes transactions against chunk state under the manager's
// lock. Each sub-request runs on a worker goroutine that calls the swap
// file set's ReadAtSpan/WriteAtSpan; there is no platform-specific variant
// and no cancel operation.
package asyncio

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/aerisarn/rambrain-go/internal/rerrors"
	"github.com/aerisarn/rambrain-go/internal/swapfile"
)

// SubRequest is one page-aligned read or write against a single placement
// span, belonging to a larger Transaction.
type SubRequest struct {
	Span  swapfile.Span
	Buf   []byte
	Write bool
	Tx    *Transaction
}

// completion is what a worker hands to the reaper once the underlying I/O
// finishes (successfully or fatally).
type completion struct {
	req SubRequest
	err error
}

// Queue is the shared submission FIFO plus its worker pool and reaper.
type Queue struct {
	fs *swapfile.FileSet

	submissions chan SubRequest
	completions chan completion

	workers int
	sem     *semaphore.Weighted
	eg      *errgroup.Group

	aioWaiterLock sync.Mutex

	onFatal func(err error)

	stop   chan struct{}
	closed bool
	mu     sync.Mutex
}

// DefaultWorkerCount returns half the available hardware parallelism,
// minimum 1, the design's stated default for the submission worker pool.
func DefaultWorkerCount() int {
	n := runtime.GOMAXPROCS(0) / 2
	if n < 1 {
		n = 1
	}

	return n
}

// NewQueue creates a Queue bound to fs with the given worker count
// (DefaultWorkerCount() if <= 0). onFatal is invoked (outside any lock)
// whenever a sub-request fails with a non-retryable error.
func NewQueue(fs *swapfile.FileSet, workers int, onFatal func(err error)) *Queue {
	if workers <= 0 {
		workers = DefaultWorkerCount()
	}

	return &Queue{
		fs:          fs,
		submissions: make(chan SubRequest, 256),
		completions: make(chan completion, 256),
		workers:     workers,
		sem:         semaphore.NewWeighted(int64(workers)),
		onFatal:     onFatal,
		stop:        make(chan struct{}),
	}
}

// Start launches the worker pool behind an errgroup.WithContext, the same
// fan-out-with-shared-cancellation shape the teacher uses for its own
// bounded-concurrency I/O (package resolution, lockfile graph building). It
// returns immediately; workers run until ctx is cancelled or Close is
// called. Wait joins them and reports the first worker error.
func (q *Queue) Start(ctx context.Context) {
	g, egctx := errgroup.WithContext(ctx)
	q.eg = g

	for i := 0; i < q.workers; i++ {
		g.Go(func() error {
			return q.runWorker(egctx)
		})
	}
}

func (q *Queue) runWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.stop:
			return nil
		case req := <-q.submissions:
			if err := q.sem.Acquire(ctx, 1); err != nil {
				return err
			}

			err := q.issue(req)
			q.sem.Release(1)

			select {
			case q.completions <- completion{req: req, err: err}:
			case <-q.stop:
				return nil
			}
		}
	}
}

// Wait blocks until every worker launched by Start has returned, joining
// the errgroup and reporting the first non-nil error any worker produced.
// It is a no-op if Start was never called.
func (q *Queue) Wait() error {
	if q.eg == nil {
		return nil
	}

	return q.eg.Wait()
}

// issue performs the underlying synchronous I/O, backing off and retrying
// on benign transient errors (EAGAIN/EINTR) the way a real AIO submission
// would be re-tried by the worker that drives it.
func (q *Queue) issue(req SubRequest) error {
	const maxRetries = 8

	backoff := time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		var err error
		if req.Write {
			_, err = q.fs.WriteAtSpan(req.Span, req.Buf)
		} else {
			_, err = q.fs.ReadAtSpan(req.Span, req.Buf)
		}

		if err == nil {
			return nil
		}

		if isRetryable(err) {
			time.Sleep(backoff)

			if backoff < 50*time.Millisecond {
				backoff *= 2
			}

			continue
		}

		return rerrors.SwapIOError("asyncio sub-request", err)
	}

	return rerrors.SwapIOError("asyncio sub-request", errors.New("exceeded retry budget"))
}

func isRetryable(err error) bool {
	return errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EINTR)
}

// Submit enqueues one sub-request onto the shared FIFO. It never blocks on
// the I/O itself -- only (briefly, via the channel's buffer) on a full
// queue -- so a slow device cannot stall the caller of a transaction's
// scheduling loop.
func (q *Queue) Submit(ctx context.Context, req SubRequest) {
	select {
	case q.submissions <- req:
	case <-ctx.Done():
		req.Tx.done(ctx.Err())
	}
}

// Close stops the worker pool and reaper loop.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true

	close(q.stop)
}
