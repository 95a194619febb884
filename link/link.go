// Package link implements C2: a single reliable, ordered, full-duplex byte
// stream to one peer. A Link owns its socket, a send queue drained by a
// dedicated writer goroutine, and a receive queue fed by a dedicated reader
// goroutine, matching the reader/writer-task split the runtime's I/O layer
// uses everywhere (see comm.MasterComm's router goroutines).
package link

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"github.com/thomasedgemon/gomp/gomperr"
	"github.com/thomasedgemon/gomp/wire"
)

// State is one of the link lifecycle states from §4.2.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateDraining
	StateClosed
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateBroken:
		return "broken"
	default:
		return "unknown"
	}
}

// outboxSize bounds the outbound queue; a full outbox makes Send block,
// which is the backpressure mechanism called out in §4.3.
const outboxSize = 64

// recvboxSize is the per-link inbound envelope buffer.
const recvboxSize = 64

// Link is a single TCP connection to one peer rank.
type Link struct {
	conn   net.Conn
	peer   int32
	logger *logrus.Entry

	sendCh chan wire.Envelope
	recvCh chan wire.Envelope
	doneCh chan struct{}

	state int32 // atomic State

	errMu sync.Mutex
	err   error

	closeOnce sync.Once
	doneOnce  sync.Once
}

// New wraps conn in a Link addressing the given peer rank and starts its
// reader and writer goroutines.
func New(conn net.Conn, peer int32, logger *logrus.Entry) *Link {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	l := &Link{
		conn:   conn,
		peer:   peer,
		logger: logger,
		sendCh: make(chan wire.Envelope, outboxSize),
		recvCh: make(chan wire.Envelope, recvboxSize),
		doneCh: make(chan struct{}),
	}
	atomic.StoreInt32(&l.state, int32(StateOpen))
	go l.writeLoop()
	go l.readLoop()
	return l
}

// Peer returns the rank at the other end of the link.
func (l *Link) Peer() int32 { return l.peer }

// State returns the link's current lifecycle state.
func (l *Link) State() State { return State(atomic.LoadInt32(&l.state)) }

// Err returns the error that caused the link to go broken, if any.
func (l *Link) Err() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.err
}

// Send enqueues e for transmission. It returns once the envelope is queued,
// not once the peer has received it (L1). It blocks if the outbound queue is
// full, and fails immediately with peer_lost if the link is already broken
// or closed, or with the ctx error if ctx is done first.
func (l *Link) Send(ctx context.Context, e wire.Envelope) error {
	if s := l.State(); s == StateBroken || s == StateClosed {
		return l.lostErr()
	}
	select {
	case l.sendCh <- e:
		return nil
	case <-l.doneCh:
		return l.lostErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the channel of envelopes received from the peer, in send
// order (L2). The channel is closed when the link becomes broken or closed.
func (l *Link) Recv() <-chan wire.Envelope { return l.recvCh }

// Done is closed exactly once, when the link becomes broken or is closed.
func (l *Link) Done() <-chan struct{} { return l.doneCh }

// Close shuts the link down: it stops accepting new sends and closes the
// socket at once. Queued envelopes not yet written are not drained.
func (l *Link) Close() error {
	l.closeOnce.Do(func() {
		atomic.StoreInt32(&l.state, int32(StateDraining))
		_ = l.conn.Close()
		atomic.StoreInt32(&l.state, int32(StateClosed))
		l.closeDone()
	})
	return nil
}

// closeDone closes doneCh exactly once, regardless of whether it was Close
// or breakLink that got there first. Both paths must wake blocked
// Send/Recv/collective waiters, so neither can rely on the state CAS alone
// (a graceful Close racing breakLink's own CAS must not leave doneCh open).
func (l *Link) closeDone() {
	l.doneOnce.Do(func() { close(l.doneCh) })
}

func (l *Link) lostErr() error {
	if err := l.Err(); err != nil {
		return gomperr.Errorf(gomperr.PeerLost, "link to rank %d: %w", l.peer, err)
	}
	return gomperr.Errorf(gomperr.PeerLost, "link to rank %d is broken", l.peer)
}

func (l *Link) breakLink(cause error) {
	l.errMu.Lock()
	if l.err == nil {
		l.err = cause
	}
	l.errMu.Unlock()

	if l.State() != StateClosed {
		atomic.StoreInt32(&l.state, int32(StateBroken))
		l.logger.WithField("peer", l.peer).WithField("err", cause).Warn("link broken")
	}
	l.closeDone()
	_ = l.conn.Close()
}

// writeLoop is the link's single writer task (L3: no interleaving).
func (l *Link) writeLoop() {
	for {
		select {
		case e := <-l.sendCh:
			if err := wire.WriteFrame(l.conn, e.Encode()); err != nil {
				l.breakLink(err)
				return
			}
		case <-l.doneCh:
			return
		}
	}
}

// readLoop is the link's single reader task.
func (l *Link) readLoop() {
	defer close(l.recvCh)
	for {
		frame, err := wire.ReadFrame(l.conn)
		if err != nil {
			l.breakLink(err)
			return
		}
		e, err := wire.DecodeEnvelope(frame)
		if err != nil {
			l.breakLink(err)
			return
		}
		select {
		case l.recvCh <- e:
		case <-l.doneCh:
			return
		}
	}
}
