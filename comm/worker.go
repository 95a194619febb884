package comm

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/thomasedgemon/gomp/gomperr"
	"github.com/thomasedgemon/gomp/jobctl"
	"github.com/thomasedgemon/gomp/link"
	"github.com/thomasedgemon/gomp/wire"
)

// WorkerComm is a non-zero rank's Communicator: a single Link to rank 0,
// which routes everything else. A demux goroutine classifies every inbound
// envelope: DATA sent directly by rank 0 (From==0) lands under key 0; a
// ROUTED envelope is unwrapped and lands under its inner From, making
// peer-to-peer traffic relayed through the hub indistinguishable from a
// direct link, exactly as §4.3 describes.
type WorkerComm struct {
	rank   int
	size   int
	link   *link.Link
	cancel *jobctl.CancelFlag
	logger *logrus.Entry

	recv *recvQueues

	seqMu  sync.Mutex
	seqOut uint64

	fatalMu  sync.Mutex
	fatalErr error

	lostOnce     int32
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewWorker builds a WorkerComm over an established link to rank 0 and
// starts its demux goroutine.
func NewWorker(rank, size int, l *link.Link, cancel *jobctl.CancelFlag, logger *logrus.Entry) *WorkerComm {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	w := &WorkerComm{
		rank:       rank,
		size:       size,
		link:       l,
		cancel:     cancel,
		logger:     logger,
		recv:       newRecvQueues(),
		shutdownCh: make(chan struct{}),
	}
	go w.demux()
	return w
}

// ShutdownChan closes once rank 0 has sent SHUTDOWN, per §4.7: the worker's
// final step after DONE/FAIL is to wait for this before exiting.
func (w *WorkerComm) ShutdownChan() <-chan struct{} { return w.shutdownCh }

func (w *WorkerComm) Size() int { return w.size }
func (w *WorkerComm) Rank() int { return w.rank }

func (w *WorkerComm) Cancelled() <-chan struct{} { return w.cancel.Done() }

func (w *WorkerComm) RequestCancel() {
	w.cancel.Set()
	_ = w.link.Send(context.Background(), wire.EncodeControl(wire.KindCancel, int32(w.rank), 0))
}

func (w *WorkerComm) setFatal(err error) {
	w.fatalMu.Lock()
	if w.fatalErr == nil {
		w.fatalErr = err
	}
	w.fatalMu.Unlock()
	w.cancel.Set()
}

func (w *WorkerComm) waitErr() error {
	w.fatalMu.Lock()
	defer w.fatalMu.Unlock()
	if w.fatalErr != nil {
		return w.fatalErr
	}
	return gomperr.ErrCancelled
}

func (w *WorkerComm) nextSeq() uint64 {
	w.seqMu.Lock()
	defer w.seqMu.Unlock()
	s := w.seqOut
	w.seqOut++
	return s
}

// Send frames the envelope with the true destination rank per §4.3: rank 0
// delivers it directly if addressed to rank 0, and routes it onward
// otherwise. Either way the worker only ever writes to its one link.
func (w *WorkerComm) Send(ctx context.Context, to int, payload wire.Payload) error {
	if to == w.rank {
		return gomperr.New(gomperr.Internal, "comm: cannot send to self")
	}
	mctx, cancel := withCancelFlag(ctx, w.cancel.Done())
	defer cancel()
	env := wire.EncodeData(int32(w.rank), int32(to), w.nextSeq(), payload)
	if err := w.link.Send(mctx, env); err != nil {
		if mctx.Err() != nil && ctx.Err() == nil {
			return w.waitErr()
		}
		return err
	}
	return nil
}

func (w *WorkerComm) Recv(ctx context.Context, from int) (wire.Payload, error) {
	ch := w.recv.queueFor(int32(from))
	select {
	case p := <-ch:
		return p, nil
	case <-w.link.Done():
		return wire.Payload{}, w.waitErr()
	case <-w.cancel.Done():
		return wire.Payload{}, w.waitErr()
	case <-ctx.Done():
		return wire.Payload{}, ctx.Err()
	}
}

func (w *WorkerComm) Bcast(ctx context.Context, root int, value wire.Payload) (wire.Payload, error) {
	return genericBcast(ctx, w, root, value)
}

func (w *WorkerComm) Scatter(ctx context.Context, root int, chunks []wire.Payload) (wire.Payload, error) {
	return genericScatter(ctx, w, root, chunks)
}

func (w *WorkerComm) Gather(ctx context.Context, root int, value wire.Payload) ([]wire.Payload, error) {
	return genericGather(ctx, w, root, value)
}

func (w *WorkerComm) Reduce(ctx context.Context, root int, value wire.Payload, op ReduceOp) (wire.Payload, error) {
	return genericReduce(ctx, w, root, value, op)
}

func (w *WorkerComm) Barrier(ctx context.Context) error {
	return genericBarrier(ctx, w)
}

// Done reports DONE to rank 0 and returns (terminal: call once).
func (w *WorkerComm) Done(ctx context.Context, result *wire.Payload) error {
	return w.link.Send(ctx, wire.EncodeDone(int32(w.rank), result))
}

// Fail reports FAIL to rank 0 and returns (terminal: call once).
func (w *WorkerComm) Fail(ctx context.Context, reason string) error {
	return w.link.Send(ctx, wire.EncodeFail(int32(w.rank), reason))
}

func (w *WorkerComm) demux() {
	for {
		select {
		case e, ok := <-w.link.Recv():
			if !ok {
				w.reportLost()
				return
			}
			w.handleInbound(e)
		case <-w.link.Done():
			w.reportLost()
			return
		}
	}
}

func (w *WorkerComm) reportLost() {
	if !atomic.CompareAndSwapInt32(&w.lostOnce, 0, 1) {
		return
	}
	cause := w.link.Err()
	if cause != nil {
		w.setFatal(gomperr.Errorf(gomperr.PeerLost, "link to rank 0: %w", cause))
	} else {
		w.setFatal(gomperr.New(gomperr.PeerLost, "link to rank 0 closed"))
	}
}

func (w *WorkerComm) handleInbound(e wire.Envelope) {
	switch e.Kind {
	case wire.KindData:
		p, err := wire.DecodeData(e)
		if err != nil {
			w.setFatal(err)
			return
		}
		w.recv.push(w.cancel.Context(), e.From, p)
	case wire.KindRouted:
		inner, err := wire.DecodeRouted(e)
		if err != nil {
			w.setFatal(err)
			return
		}
		p, err := wire.DecodeData(inner)
		if err != nil {
			w.setFatal(err)
			return
		}
		w.recv.push(w.cancel.Context(), inner.From, p)
	case wire.KindCancel:
		w.cancel.Set()
	case wire.KindShutdown:
		w.shutdownOnce.Do(func() { close(w.shutdownCh) })
	default:
		w.setFatal(gomperr.Errorf(gomperr.ProtocolViolation, "comm: unexpected envelope kind %s", e.Kind))
	}
}
