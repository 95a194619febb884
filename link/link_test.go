package link_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/thomasedgemon/gomp/gomperr"
	"github.com/thomasedgemon/gomp/link"
	"github.com/thomasedgemon/gomp/wire"
)

func pipeLinks() (*link.Link, *link.Link) {
	a, b := net.Pipe()
	return link.New(a, 1, nil), link.New(b, 0, nil)
}

func TestSendRecvRoundTrip(t *testing.T) {
	la, lb := pipeLinks()
	defer la.Close()
	defer lb.Close()

	env := wire.EncodeData(0, 1, 1, wire.Payload{Kind: wire.PayloadArray, Array: wire.ScalarInt64(7)})
	require.NoError(t, lb.Send(context.Background(), env))

	select {
	case got := <-la.Recv():
		require.Equal(t, wire.KindData, got.Kind)
		p, err := wire.DecodeData(got)
		require.NoError(t, err)
		v, err := p.Array.Int64()
		require.NoError(t, err)
		require.EqualValues(t, 7, v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}

func TestCloseWakesBlockedWaiters(t *testing.T) {
	la, lb := pipeLinks()
	defer lb.Close()

	require.Equal(t, link.StateOpen, la.State())
	require.NoError(t, la.Close())

	select {
	case <-la.Done():
	case <-time.After(time.Second):
		t.Fatal("Done channel never closed after Close")
	}
	require.Equal(t, link.StateClosed, la.State())
}

func TestBrokenConnFailsSend(t *testing.T) {
	la, lb := pipeLinks()
	defer lb.Close()

	require.NoError(t, la.Close())
	// Give the writer/reader loops a moment to observe the closed conn.
	<-la.Done()

	err := la.Send(context.Background(), wire.EncodeControl(wire.KindCancel, 0, 1))
	require.ErrorIs(t, err, gomperr.ErrPeerLost)
}

func TestSendRespectsContextCancellation(t *testing.T) {
	a, b := net.Pipe()
	_ = b // never read from, so a's outbox will fill and Send must block until ctx fires
	la := link.New(a, 1, nil)
	defer la.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	// Fill the bounded outbox so the next Send has to block on ctx: 64 queued
	// envelopes plus the one the writer goroutine holds while its write to the
	// unread pipe blocks.
	for i := 0; i < 65; i++ {
		_ = la.Send(context.Background(), wire.EncodeControl(wire.KindCancel, 0, 1))
	}
	err := la.Send(ctx, wire.EncodeControl(wire.KindCancel, 0, 1))
	require.Error(t, err)
}
