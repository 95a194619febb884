// Package local implements C8: the degenerate size-1 Communicator used when
// a computation runs entirely within the calling process. Every collective
// is the identity on the caller's own value; point-to-point is impossible by
// definition, since there is no other rank to talk to.
package local

import (
	"context"

	"github.com/thomasedgemon/gomp/comm"
	"github.com/thomasedgemon/gomp/gomperr"
	"github.com/thomasedgemon/gomp/jobctl"
	"github.com/thomasedgemon/gomp/wire"
)

// Communicator is the comm.Communicator for a group of size 1. Cancellation
// is still observable (§4.8) even though there's no peer to route it from,
// so it wraps whatever CancelFlag the caller is driving for this job.
type Communicator struct {
	cancel *jobctl.CancelFlag
}

// New returns a ready-to-use size-1 communicator scoped to cancel.
func New(cancel *jobctl.CancelFlag) *Communicator { return &Communicator{cancel: cancel} }

func (Communicator) Size() int { return 1 }
func (Communicator) Rank() int { return 0 }

func (c Communicator) Cancelled() <-chan struct{} { return c.cancel.Done() }

func (c Communicator) RequestCancel() { c.cancel.Set() }

func (Communicator) Send(context.Context, int, wire.Payload) error {
	return gomperr.ErrNoPeer
}

func (Communicator) Recv(context.Context, int) (wire.Payload, error) {
	return wire.Payload{}, gomperr.ErrNoPeer
}

func (Communicator) Bcast(_ context.Context, _ int, value wire.Payload) (wire.Payload, error) {
	return value, nil
}

func (Communicator) Scatter(_ context.Context, _ int, chunks []wire.Payload) (wire.Payload, error) {
	if len(chunks) != 1 {
		return wire.Payload{}, gomperr.New(gomperr.InvalidShape, "local: scatter requires exactly one chunk")
	}
	return chunks[0], nil
}

func (Communicator) Gather(_ context.Context, _ int, value wire.Payload) ([]wire.Payload, error) {
	return []wire.Payload{value}, nil
}

func (Communicator) Reduce(_ context.Context, _ int, value wire.Payload, op comm.ReduceOp) (wire.Payload, error) {
	return comm.Fold(op, []wire.Payload{value})
}

func (Communicator) Barrier(context.Context) error { return nil }
