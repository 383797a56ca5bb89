// Package fetch implements FetchPool: a bounded-concurrency worker pool
// that opens object streams and feeds them to the archive writer through a
// back-pressuring handoff channel. Grounded in the teacher's
// coordinator.Pool (worker/stats shape) and streaming.RingBuffer
// (back-pressure/ErrWouldBlock shape), reimplemented on
// golang.org/x/sync/errgroup for the first-error-wins cancellation spec
// §4.4 requires.
package fetch

import (
	"context"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Ap3pp3rs94/batchforge/internal/bundlerrors"
	"github.com/Ap3pp3rs94/batchforge/internal/envelope"
)

// ObjectStore is the subset of the object store API FetchPool consumes.
type ObjectStore interface {
	GetObject(ctx context.Context, container, key string) (io.ReadCloser, error)
}

// Result is one fetched (or failed-to-fetch) object, handed off to the
// ArchiveWriter. Exactly one of Body/Err is set.
type Result struct {
	Ref          envelope.ObjectRef
	RecordID     string
	Body         io.ReadCloser
	DeclaredSize int64
	Err          error
}

// Job is one unit of work submitted to the pool.
type Job struct {
	Ref      envelope.ObjectRef
	RecordID string
}

// Stats mirrors the teacher's atomic-counter Pool.Stats shape.
type Stats struct {
	Dispatched int64
	Succeeded  int64
	Failed     int64
}

// Run fans jobs out across concurrency workers, sending each Result onto
// out. out has capacity <= concurrency, providing the back-pressure spec
// §4.4/§5 requires: a full channel past sendTimeout is treated as
// back-pressure overflow and fails the whole batch (the writer is
// considered stalled). Run returns once every job has been dispatched (or
// cancellation fired) and out is safe to close by the caller once the
// returned errgroup.Group-backed goroutines finish; callers should range
// over out concurrently with calling Run, not after.
func Run(ctx context.Context, store ObjectStore, jobs []Job, concurrency int, out chan<- Result, sendTimeout time.Duration) error {
	if concurrency < 1 {
		concurrency = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	workCh := make(chan Job)

	g.Go(func() error {
		defer close(workCh)
		for _, j := range jobs {
			select {
			case workCh <- j:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for {
				select {
				case job, ok := <-workCh:
					if !ok {
						return nil
					}
					if err := fetchOne(gctx, store, job, out, sendTimeout); err != nil {
						return err
					}
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		})
	}

	return g.Wait()
}

func fetchOne(ctx context.Context, store ObjectStore, job Job, out chan<- Result, sendTimeout time.Duration) error {
	var res Result
	res.Ref = job.Ref
	res.RecordID = job.RecordID
	res.DeclaredSize = int64(job.Ref.DeclaredSize)

	body, err := store.GetObject(ctx, job.Ref.Container, job.Ref.OriginalKey)
	if err != nil {
		res.Err = err
	} else {
		res.Body = body
	}

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()
	select {
	case out <- res:
		return nil
	case <-ctx.Done():
		if res.Body != nil {
			_ = res.Body.Close()
		}
		return ctx.Err()
	case <-timer.C:
		if res.Body != nil {
			_ = res.Body.Close()
		}
		return bundlerrors.New(bundlerrors.BackpressureOverflow,
			"writer did not drain the handoff channel within the send timeout")
	}
}
