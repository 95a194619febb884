package primality_test

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/thomasedgemon/gomp/comm"
	"github.com/thomasedgemon/gomp/jobctl"
	"github.com/thomasedgemon/gomp/kernel/primality"
	"github.com/thomasedgemon/gomp/link"
	"github.com/thomasedgemon/gomp/local"
)

func TestLocalTrivialCases(t *testing.T) {
	ctx := context.Background()
	for n, want := range map[int64]bool{2: true, 3: true, 4: false, 9: false, 15: false} {
		c := local.New(jobctl.NewCancelFlag(ctx))
		got, err := primality.Run(ctx, c, primality.EncodeArgs(primality.Args{N: n}))
		require.NoError(t, err)
		require.NotNil(t, got)
		b, err := got.Array.Bool()
		require.NoError(t, err)
		require.Equalf(t, want, b, "n=%d", n)
	}
}

func TestLocalLargerCases(t *testing.T) {
	ctx := context.Background()
	for n, want := range map[int64]bool{17: true, 97: true, 91: false, 100: false, 101: true} {
		c := local.New(jobctl.NewCancelFlag(ctx))
		got, err := primality.Run(ctx, c, primality.EncodeArgs(primality.Args{N: n}))
		require.NoError(t, err)
		b, err := got.Array.Bool()
		require.NoError(t, err)
		require.Equalf(t, want, b, "n=%d", n)
	}
}

// distributedGroup wires up a 3-rank group the same way comm's own tests do,
// for exercising a kernel across real Send/Recv/collective traffic.
func distributedGroup(t *testing.T, size int) (*comm.MasterComm, map[int]*comm.WorkerComm) {
	t.Helper()
	cancel := jobctl.NewCancelFlag(context.Background())
	masterLinks := make(map[int32]*link.Link, size-1)
	workers := make(map[int]*comm.WorkerComm, size-1)
	for r := 1; r < size; r++ {
		a, b := net.Pipe()
		masterLinks[int32(r)] = link.New(a, int32(r), nil)
		workers[r] = comm.NewWorker(r, size, link.New(b, 0, nil), cancel, nil)
	}
	master := comm.NewMaster(size, masterLinks, cancel, comm.Callbacks{}, nil)
	return master, workers
}

func TestDistributedPrimality(t *testing.T) {
	const size = 3
	ctx := context.Background()

	cases := map[int64]bool{97: true, 91: false}
	for n, want := range cases {
		master, workers := distributedGroup(t, size)
		argsBlob := primality.EncodeArgs(primality.Args{N: n})

		var wg sync.WaitGroup
		wg.Add(size - 1)
		for r := 1; r < size; r++ {
			r := r
			go func() {
				defer wg.Done()
				_, err := primality.Run(ctx, workers[r], argsBlob)
				require.NoError(t, err)
			}()
		}

		got, err := primality.Run(ctx, master, argsBlob)
		wg.Wait()
		require.NoError(t, err)
		require.NotNil(t, got)
		b, err := got.Array.Bool()
		require.NoError(t, err)
		require.Equalf(t, want, b, "n=%d", n)
	}
}
