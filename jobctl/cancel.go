// Package jobctl implements C4 (the process-wide cancellation flag) and C5
// (the single-job exclusion lock). Both are deliberately simple: the
// runtime's complexity lives in comm and launch, which consume these
// primitives.
package jobctl

import (
	"context"

	"github.com/thomasedgemon/gomp/gomperr"
)

// CancelFlag is a monotonic, job-scoped cancellation signal observed
// cooperatively by worker algorithms and blocking communicator operations.
// It is built on context.Context/CancelFunc, the same primitive the
// bspgraph-derived job coordinators use for their job-scoped contexts.
type CancelFlag struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCancelFlag creates a flag scoped to (and cancelled alongside) parent.
func NewCancelFlag(parent context.Context) *CancelFlag {
	ctx, cancel := context.WithCancel(parent)
	return &CancelFlag{ctx: ctx, cancel: cancel}
}

// Set requests cancellation. Idempotent: subsequent calls are no-ops.
func (f *CancelFlag) Set() { f.cancel() }

// IsSet is the non-blocking predicate: safe to poll at high frequency.
func (f *CancelFlag) IsSet() bool {
	select {
	case <-f.ctx.Done():
		return true
	default:
		return false
	}
}

// Done returns a channel closed once Set has been called, suitable for
// inclusion in a select alongside other wait conditions (comm's blocking
// calls use this to wake and fail with cancelled).
func (f *CancelFlag) Done() <-chan struct{} { return f.ctx.Done() }

// Check is the fail-fast observation primitive: it returns gomperr.ErrCancelled
// immediately if the flag is already set, and nil otherwise; it never waits.
// Kernels invoke it at points where a fail-fast exit is acceptable.
func (f *CancelFlag) Check() error {
	if f.IsSet() {
		return gomperr.ErrCancelled
	}
	return nil
}

// Context returns the underlying context, for plumbing into standard-library
// APIs that accept one (e.g. net.Dialer, exec.CommandContext).
func (f *CancelFlag) Context() context.Context { return f.ctx }
