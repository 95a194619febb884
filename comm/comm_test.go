package comm_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/thomasedgemon/gomp/comm"
	"github.com/thomasedgemon/gomp/gomperr"
	"github.com/thomasedgemon/gomp/jobctl"
	"github.com/thomasedgemon/gomp/link"
	"github.com/thomasedgemon/gomp/wire"
)

// trio wires up a 3-rank group (rank 0 + two workers) over in-memory pipes,
// the same topology launch/bootstrap establish over real TCP.
type trio struct {
	master      *comm.MasterComm
	workers     map[int]*comm.WorkerComm
	masterLinks map[int32]*link.Link
	cancel      *jobctl.CancelFlag
}

func newTrio(t *testing.T, size int) *trio {
	t.Helper()
	cancel := jobctl.NewCancelFlag(context.Background())
	masterLinks := make(map[int32]*link.Link, size-1)
	workers := make(map[int]*comm.WorkerComm, size-1)

	for r := 1; r < size; r++ {
		a, b := net.Pipe()
		masterLinks[int32(r)] = link.New(a, int32(r), nil)
		workerLink := link.New(b, 0, nil)
		workers[r] = comm.NewWorker(r, size, workerLink, cancel, nil)
	}
	master := comm.NewMaster(size, masterLinks, cancel, comm.Callbacks{}, nil)
	return &trio{master: master, workers: workers, masterLinks: masterLinks, cancel: cancel}
}

func f64(v float64) wire.Payload {
	return wire.Payload{Kind: wire.PayloadArray, Array: wire.ScalarFloat64(v)}
}

func mustF64(t *testing.T, p wire.Payload) float64 {
	t.Helper()
	v, err := p.Array.Float64()
	require.NoError(t, err)
	return v
}

func TestSendRecvDirectToRootAndBack(t *testing.T) {
	tr := newTrio(t, 3)
	ctx := context.Background()

	require.NoError(t, tr.master.Send(ctx, 1, f64(1.5)))
	p, err := tr.workers[1].Recv(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 1.5, mustF64(t, p))

	require.NoError(t, tr.workers[2].Send(ctx, 0, f64(2.5)))
	p, err = tr.master.Recv(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 2.5, mustF64(t, p))
}

func TestSendRecvRoutedBetweenWorkers(t *testing.T) {
	tr := newTrio(t, 3)
	ctx := context.Background()

	require.NoError(t, tr.workers[1].Send(ctx, 2, f64(9)))
	p, err := tr.workers[2].Recv(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, 9.0, mustF64(t, p))
}

func TestBcastFromRoot(t *testing.T) {
	tr := newTrio(t, 3)
	ctx := context.Background()
	var wg sync.WaitGroup
	results := make([]float64, 3)

	wg.Add(2)
	for r := 1; r < 3; r++ {
		r := r
		go func() {
			defer wg.Done()
			p, err := tr.workers[r].Bcast(ctx, 0, wire.Payload{})
			require.NoError(t, err)
			results[r] = mustF64(t, p)
		}()
	}
	time.Sleep(10 * time.Millisecond) // let workers enter Bcast before root sends
	got, err := tr.master.Bcast(ctx, 0, f64(42))
	require.NoError(t, err)
	results[0] = mustF64(t, got)
	wg.Wait()

	require.Equal(t, []float64{42, 42, 42}, results)
}

func TestGatherAndReduce(t *testing.T) {
	tr := newTrio(t, 3)
	ctx := context.Background()
	var wg sync.WaitGroup

	wg.Add(2)
	go func() { defer wg.Done(); _, err := tr.workers[1].Gather(ctx, 0, f64(1)); require.NoError(t, err) }()
	go func() { defer wg.Done(); _, err := tr.workers[2].Gather(ctx, 0, f64(2)); require.NoError(t, err) }()
	time.Sleep(10 * time.Millisecond)
	gathered, err := tr.master.Gather(ctx, 0, f64(0))
	require.NoError(t, err)
	wg.Wait()
	require.Len(t, gathered, 3)
	require.Equal(t, 0.0, mustF64(t, gathered[0]))
	require.Equal(t, 1.0, mustF64(t, gathered[1]))
	require.Equal(t, 2.0, mustF64(t, gathered[2]))

	wg.Add(2)
	go func() { defer wg.Done(); _, err := tr.workers[1].Reduce(ctx, 0, f64(10), comm.OpSum); require.NoError(t, err) }()
	go func() { defer wg.Done(); _, err := tr.workers[2].Reduce(ctx, 0, f64(20), comm.OpSum); require.NoError(t, err) }()
	time.Sleep(10 * time.Millisecond)
	sum, err := tr.master.Reduce(ctx, 0, f64(5), comm.OpSum)
	require.NoError(t, err)
	wg.Wait()
	require.Equal(t, 35.0, mustF64(t, sum))
}

func TestBarrier(t *testing.T) {
	tr := newTrio(t, 3)
	ctx := context.Background()
	var wg sync.WaitGroup
	wg.Add(2)
	for r := 1; r < 3; r++ {
		r := r
		go func() { defer wg.Done(); require.NoError(t, tr.workers[r].Barrier(ctx)) }()
	}
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, tr.master.Barrier(ctx))
	wg.Wait()
}

func TestPeerLostFailsPendingRecv(t *testing.T) {
	tr := newTrio(t, 3)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.master.Recv(ctx, 1)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, tr.masterLinks[1].Close())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, gomperr.ErrPeerLost)
	case <-time.After(time.Second):
		t.Fatal("Recv did not wake up on peer loss")
	}
}

func TestCancelPropagatesToBlockedRecv(t *testing.T) {
	tr := newTrio(t, 3)
	ctx := context.Background()

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.master.Recv(ctx, 1)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	tr.cancel.Set()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, gomperr.ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("Recv did not wake up on cancellation")
	}
}
