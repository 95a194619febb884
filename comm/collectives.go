package comm

import (
	"context"

	"github.com/thomasedgemon/gomp/wire"
)

// pointToPoint is the subset of Communicator the generic collective
// algorithms below need. Both MasterComm and WorkerComm satisfy it, so the
// collective algorithms themselves are written once and shared: only routing
// of Send/Recv differs by role, and that's exactly what star routing (§4.3)
// is supposed to hide from callers.
type pointToPoint interface {
	Size() int
	Rank() int
	Send(ctx context.Context, to int, payload wire.Payload) error
	Recv(ctx context.Context, from int) (wire.Payload, error)
}

func genericBcast(ctx context.Context, c pointToPoint, root int, value wire.Payload) (wire.Payload, error) {
	if c.Rank() == root {
		for i := 0; i < c.Size(); i++ {
			if i == root {
				continue
			}
			if err := c.Send(ctx, i, value); err != nil {
				return wire.Payload{}, err
			}
		}
		return value, nil
	}
	return c.Recv(ctx, root)
}

func genericScatter(ctx context.Context, c pointToPoint, root int, chunks []wire.Payload) (wire.Payload, error) {
	if c.Rank() == root {
		for i := 0; i < c.Size(); i++ {
			if i == root {
				continue
			}
			if err := c.Send(ctx, i, chunks[i]); err != nil {
				return wire.Payload{}, err
			}
		}
		return chunks[root], nil
	}
	return c.Recv(ctx, root)
}

func genericGather(ctx context.Context, c pointToPoint, root int, value wire.Payload) ([]wire.Payload, error) {
	if c.Rank() != root {
		if err := c.Send(ctx, root, value); err != nil {
			return nil, err
		}
		return nil, nil
	}
	out := make([]wire.Payload, c.Size())
	out[root] = value
	for i := 0; i < c.Size(); i++ {
		if i == root {
			continue
		}
		p, err := c.Recv(ctx, i)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

func genericReduce(ctx context.Context, c pointToPoint, root int, value wire.Payload, op ReduceOp) (wire.Payload, error) {
	gathered, err := genericGather(ctx, c, root, value)
	if err != nil {
		return wire.Payload{}, err
	}
	if c.Rank() != root {
		return wire.Payload{}, nil
	}
	return Fold(op, gathered)
}

// genericBarrier always uses rank 0 as the rendezvous hub, matching the star
// topology's existing hub rather than introducing a second notion of root.
func genericBarrier(ctx context.Context, c pointToPoint) error {
	signal := wire.Payload{Kind: wire.PayloadArray, Array: wire.ScalarBool(true)}
	if c.Rank() == 0 {
		for i := 1; i < c.Size(); i++ {
			if _, err := c.Recv(ctx, i); err != nil {
				return err
			}
		}
		for i := 1; i < c.Size(); i++ {
			if err := c.Send(ctx, i, signal); err != nil {
				return err
			}
		}
		return nil
	}
	if err := c.Send(ctx, 0, signal); err != nil {
		return err
	}
	_, err := c.Recv(ctx, 0)
	return err
}

// withCancelFlag derives a context from ctx that also cancels when done
// closes, so every blocking comm call wakes promptly on job cancellation
// even when the caller's own ctx never would.
func withCancelFlag(ctx context.Context, done <-chan struct{}) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-done:
			cancel()
		case <-merged.Done():
		}
	}()
	return merged, cancel
}
