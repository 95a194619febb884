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

// Callbacks lets the job orchestrator observe events the router sees as it
// pumps envelopes, without comm needing to know anything about job
// bookkeeping, job locks, or shell reaping. Grounded on the disconnect/step
// callback registration pattern the bspgraph-derived job coordinator uses.
type Callbacks struct {
	OnPeerLost func(rank int, err error)
	OnDone     func(rank int, result *wire.Payload)
	OnFail     func(rank int, reason string)
}

// MasterComm is rank 0's Communicator. It owns one Link per worker and a
// router goroutine per link that demultiplexes inbound envelopes: DATA
// addressed to rank 0 lands in the local receive FIFO, DATA addressed
// elsewhere is forwarded (wrapped ROUTED) to the destination's link, and
// control envelopes (FAIL/DONE) are handed to the registered callbacks.
type MasterComm struct {
	size   int
	links  map[int32]*link.Link
	cancel *jobctl.CancelFlag
	cb     Callbacks
	logger *logrus.Entry

	recv *recvQueues

	seqMu  sync.Mutex
	seqOut map[int32]uint64

	fatalMu  sync.Mutex
	fatalErr error
}

// NewMaster builds a MasterComm over an already-handshaken set of worker
// links (keyed by peer rank, 1..size-1) and starts its router goroutines.
func NewMaster(size int, links map[int32]*link.Link, cancel *jobctl.CancelFlag, cb Callbacks, logger *logrus.Entry) *MasterComm {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &MasterComm{
		size:   size,
		links:  links,
		cancel: cancel,
		cb:     cb,
		logger: logger,
		recv:   newRecvQueues(),
		seqOut: make(map[int32]uint64),
	}
	for peer, l := range links {
		go m.routeFromPeer(peer, l)
	}
	return m
}

func (m *MasterComm) Size() int { return m.size }
func (m *MasterComm) Rank() int { return 0 }

func (m *MasterComm) Cancelled() <-chan struct{} { return m.cancel.Done() }

func (m *MasterComm) RequestCancel() {
	m.setFatal(gomperr.ErrCancelled)
	m.BroadcastCancel(context.Background())
}

func (m *MasterComm) nextSeq(to int32) uint64 {
	m.seqMu.Lock()
	defer m.seqMu.Unlock()
	s := m.seqOut[to]
	m.seqOut[to]++
	return s
}

func (m *MasterComm) setFatal(err error) {
	m.fatalMu.Lock()
	if m.fatalErr == nil {
		m.fatalErr = err
	}
	m.fatalMu.Unlock()
	m.cancel.Set()
}

// waitErr is what a blocking call returns when it wakes via cancellation:
// the fatal cause if one was recorded (peer_lost, a worker FAIL), or plain
// cancelled if cancellation was user-initiated.
func (m *MasterComm) waitErr() error {
	m.fatalMu.Lock()
	defer m.fatalMu.Unlock()
	if m.fatalErr != nil {
		return m.fatalErr
	}
	return gomperr.ErrCancelled
}

func (m *MasterComm) Send(ctx context.Context, to int, payload wire.Payload) error {
	if to == 0 {
		return gomperr.New(gomperr.Internal, "comm: rank 0 cannot send to itself")
	}
	l, ok := m.links[int32(to)]
	if !ok {
		return gomperr.Errorf(gomperr.ProtocolViolation, "comm: no link to rank %d", to)
	}
	mctx, cancel := withCancelFlag(ctx, m.cancel.Done())
	defer cancel()
	env := wire.EncodeData(0, int32(to), m.nextSeq(int32(to)), payload)
	if err := l.Send(mctx, env); err != nil {
		if mctx.Err() != nil && ctx.Err() == nil {
			return m.waitErr()
		}
		return err
	}
	return nil
}

func (m *MasterComm) Recv(ctx context.Context, from int) (wire.Payload, error) {
	l, ok := m.links[int32(from)]
	if !ok && from != 0 {
		return wire.Payload{}, gomperr.Errorf(gomperr.ProtocolViolation, "comm: no link to rank %d", from)
	}
	ch := m.recv.queueFor(int32(from))
	var peerDone <-chan struct{}
	if l != nil {
		peerDone = l.Done()
	}
	select {
	case p := <-ch:
		return p, nil
	case <-peerDone:
		m.fatalMu.Lock()
		err := m.fatalErr
		m.fatalMu.Unlock()
		if err == nil {
			err = gomperr.Errorf(gomperr.PeerLost, "rank %d link closed", from)
		}
		return wire.Payload{}, err
	case <-m.cancel.Done():
		return wire.Payload{}, m.waitErr()
	case <-ctx.Done():
		return wire.Payload{}, ctx.Err()
	}
}

func (m *MasterComm) Bcast(ctx context.Context, root int, value wire.Payload) (wire.Payload, error) {
	return genericBcast(ctx, m, root, value)
}

func (m *MasterComm) Scatter(ctx context.Context, root int, chunks []wire.Payload) (wire.Payload, error) {
	return genericScatter(ctx, m, root, chunks)
}

func (m *MasterComm) Gather(ctx context.Context, root int, value wire.Payload) ([]wire.Payload, error) {
	return genericGather(ctx, m, root, value)
}

func (m *MasterComm) Reduce(ctx context.Context, root int, value wire.Payload, op ReduceOp) (wire.Payload, error) {
	return genericReduce(ctx, m, root, value, op)
}

func (m *MasterComm) Barrier(ctx context.Context) error {
	return genericBarrier(ctx, m)
}

// Broadcast CANCEL to every worker still connected. Called by RequestCancel
// and by the router when a worker sends CANCEL. A peer_lost or a worker FAIL
// sets rank 0's own cancellation flag but does not broadcast CANCEL.
func (m *MasterComm) BroadcastCancel(ctx context.Context) {
	for peer, l := range m.links {
		if l.State() == link.StateBroken || l.State() == link.StateClosed {
			continue
		}
		_ = l.Send(ctx, wire.EncodeControl(wire.KindCancel, 0, peer))
	}
}

// Shutdown sends SHUTDOWN to every worker and closes every link.
func (m *MasterComm) Shutdown(ctx context.Context) {
	for peer, l := range m.links {
		if l.State() != link.StateBroken && l.State() != link.StateClosed {
			_ = l.Send(ctx, wire.EncodeControl(wire.KindShutdown, 0, peer))
		}
	}
	for _, l := range m.links {
		_ = l.Close()
	}
}

func (m *MasterComm) routeFromPeer(peer int32, l *link.Link) {
	var lostOnce int32
	reportLost := func() {
		if atomic.CompareAndSwapInt32(&lostOnce, 0, 1) {
			cause := l.Err()
			var err error
			if cause != nil {
				err = gomperr.Errorf(gomperr.PeerLost, "rank %d: %w", peer, cause)
			} else {
				err = gomperr.Errorf(gomperr.PeerLost, "rank %d link closed", peer)
			}
			m.setFatal(err)
			if m.cb.OnPeerLost != nil {
				m.cb.OnPeerLost(int(peer), err)
			}
		}
	}
	for {
		select {
		case e, ok := <-l.Recv():
			if !ok {
				reportLost()
				return
			}
			m.handleInbound(peer, e)
		case <-l.Done():
			reportLost()
			return
		}
	}
}

func (m *MasterComm) handleInbound(peer int32, e wire.Envelope) {
	switch e.Kind {
	case wire.KindData:
		if e.To == 0 {
			p, err := wire.DecodeData(e)
			if err != nil {
				m.setFatal(err)
				return
			}
			m.recv.push(m.cancel.Context(), e.From, p)
			return
		}
		m.forward(e)
	case wire.KindCancel:
		// A worker called RequestCancel and is asking the job to wind down;
		// propagate to the rest. None of the kernel/ packages sends this on
		// its own: a primality rank that finds a divisor does not.
		m.cancel.Set()
		m.BroadcastCancel(context.Background())
	case wire.KindFail:
		body, err := wire.DecodeFail(e)
		if err != nil {
			m.setFatal(err)
			return
		}
		m.setFatal(gomperr.Errorf(gomperr.KernelError, "worker %d failed: %s", peer, body.Reason))
		if m.cb.OnFail != nil {
			m.cb.OnFail(int(peer), body.Reason)
		}
	case wire.KindDone:
		result, err := wire.DecodeDone(e)
		if err != nil {
			m.setFatal(err)
			return
		}
		if m.cb.OnDone != nil {
			m.cb.OnDone(int(peer), result)
		}
	default:
		m.setFatal(gomperr.Errorf(gomperr.ProtocolViolation, "comm: unexpected envelope kind %s from rank %d", e.Kind, peer))
	}
}

func (m *MasterComm) forward(e wire.Envelope) {
	dst, ok := m.links[e.To]
	if !ok {
		m.setFatal(gomperr.Errorf(gomperr.ProtocolViolation, "comm: route to unknown rank %d", e.To))
		return
	}
	routed := wire.EncodeRouted(e)
	if err := dst.Send(m.cancel.Context(), routed); err != nil {
		m.logger.WithField("to", e.To).WithField("err", err).Warn("failed to forward routed envelope")
	}
}
