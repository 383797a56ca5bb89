// Package budget implements BudgetGovernor: the two independent resource
// ceilings (remaining wall-clock time, on-disk bytes) that trigger a
// graceful stop, plus the input-size pre-flight check that instead raises a
// retryable BatchTooLargeError. Grounded in spec §4.6; remaining-time comes
// from an injected clock per that section's explicit requirement.
package budget

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Ap3pp3rs94/batchforge/internal/bundlerrors"
)

// RemainingTime returns how much wall-clock time is left for this
// invocation. Implementations wrap the runtime's own deadline (e.g. AWS
// Lambda's Context.RemainingTime) rather than computing from time.Now.
type RemainingTime func() time.Duration

// Governor enforces the time and disk budgets for one invocation. Its
// state is held in atomics, so it is safe for concurrent use. The
// ArchiveWriter is its only consumer: it checks the budgets before each
// entry and records committed bytes. The FetchPool does not consult it.
type Governor struct {
	remaining        RemainingTime
	timeoutGuard     time.Duration
	maxOnDiskBytes   int64
	bytesWritten     atomic.Int64
	stopped          atomic.Bool
}

// New builds a Governor. timeoutGuard is the minimum remaining time that
// must be left before starting new work; maxOnDiskBytes is the on-disk
// budget ceiling.
func New(remaining RemainingTime, timeoutGuard time.Duration, maxOnDiskBytes int64) *Governor {
	return &Governor{remaining: remaining, timeoutGuard: timeoutGuard, maxOnDiskBytes: maxOnDiskBytes}
}

// ShouldStop reports whether the Governor has already fired a graceful
// stop (either budget breached on a prior check).
func (g *Governor) ShouldStop() bool {
	return g.stopped.Load()
}

// CheckBeforeDispatch evaluates both budgets before the writer commits a
// fetched record, given the size that record would add on commit. It
// never returns an error: breaching either ceiling is a graceful stop, not
// a failure (spec §4.6).
func (g *Governor) CheckBeforeDispatch(nextDeclaredSize int64) (ok bool) {
	if g.stopped.Load() {
		return false
	}
	if g.remaining() < g.timeoutGuard {
		g.stopped.Store(true)
		return false
	}
	if g.bytesWritten.Load()+nextDeclaredSize > g.maxOnDiskBytes {
		g.stopped.Store(true)
		return false
	}
	return true
}

// RecordBytesWritten adds n to the running on-disk total after an entry is
// committed to the archive.
func (g *Governor) RecordBytesWritten(n int64) {
	g.bytesWritten.Add(n)
}

// BytesWritten returns the current running total.
func (g *Governor) BytesWritten() int64 {
	return g.bytesWritten.Load()
}

// PreflightInputSize checks the sum of declared sizes of survivors before
// any I/O begins. Exceeding maxInputBytes raises a retryable
// BatchTooLargeError (spec §4.6), distinct from the graceful-stop budgets
// above.
func PreflightInputSize(totalDeclaredBytes, maxInputBytes int64) error {
	if totalDeclaredBytes > maxInputBytes {
		return bundlerrors.New(bundlerrors.BatchTooLarge,
			fmt.Sprintf("declared input size %d bytes exceeds ceiling %d bytes", totalDeclaredBytes, maxInputBytes))
	}
	return nil
}
