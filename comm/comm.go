// Package comm implements C3: the rank-indexed communicator that exposes
// point-to-point and collective operations to the worker algorithms in
// kernel/. All inter-rank traffic is routed through rank 0 (star routing,
// §4.3); this package also owns the router goroutine that makes that
// routing transparent to callers on every rank.
package comm

import (
	"context"

	"github.com/thomasedgemon/gomp/wire"
)

// Communicator is the message-passing surface described in §4.3. Every
// method's contract matches the table in that section; see the concrete
// implementations (MasterComm, WorkerComm, local.Communicator) for how each
// role realizes it.
type Communicator interface {
	// Size returns the group size. Constant, never errors.
	Size() int

	// Rank returns this process's rank. Constant.
	Rank() int

	// Send blocks until payload is enqueued for delivery to rank to. It
	// does not wait for the peer to receive it.
	Send(ctx context.Context, to int, payload wire.Payload) error

	// Recv blocks until the next DATA payload from rank from arrives, in
	// per-pair FIFO order.
	Recv(ctx context.Context, from int) (wire.Payload, error)

	// Bcast: on root, value is sent to every other rank; elsewhere the
	// return value is whatever root sent. All ranks must call this in
	// matching program order.
	Bcast(ctx context.Context, root int, value wire.Payload) (wire.Payload, error)

	// Scatter: on root, chunks must have length Size(); rank i receives
	// chunks[i]. Non-root ranks pass a nil/ignored chunks slice.
	Scatter(ctx context.Context, root int, chunks []wire.Payload) (wire.Payload, error)

	// Gather: every rank submits value; root gets back the length-Size()
	// list ordered by ascending rank. Non-root gets a nil slice.
	Gather(ctx context.Context, root int, value wire.Payload) ([]wire.Payload, error)

	// Reduce: same shape as Gather, but root gets fold(op, gathered) in
	// deterministic ascending-rank order (R3). Non-root gets a zero Payload.
	Reduce(ctx context.Context, root int, value wire.Payload, op ReduceOp) (wire.Payload, error)

	// Barrier blocks every rank until all have entered.
	Barrier(ctx context.Context) error

	// Cancelled returns a channel closed once the job's cancellation flag is
	// set, so a kernel's hot inner loop can poll for it without needing a
	// blocking comm call to wake it up (§4.9's "polled every 1024
	// iterations" requirement).
	Cancelled() <-chan struct{}

	// RequestCancel cooperatively asks the whole job to stop: it sets this
	// rank's own cancellation flag immediately, and for a distributed run
	// propagates the request to every other rank via rank 0 (§4.9's
	// "requests cancellation so peers can stop early").
	RequestCancel()
}
