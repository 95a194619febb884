package matmul_test

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/thomasedgemon/gomp/comm"
	"github.com/thomasedgemon/gomp/jobctl"
	"github.com/thomasedgemon/gomp/kernel/matmul"
	"github.com/thomasedgemon/gomp/link"
)

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

func identityFloats(n int) []float64 {
	out := make([]float64, n*n)
	for i := 0; i < n; i++ {
		out[i*n+i] = 1
	}
	return out
}

func TestDistributedMatMulAgainstIdentity(t *testing.T) {
	const size = 3
	ctx := context.Background()
	m, k, n := 4, 4, 3

	a := identityFloats(4) // 4x4 identity, used as the left operand (m=k=4)
	b := []float64{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
		10, 11, 12,
	} // 4x3

	master, workers := distributedGroup(t, size)
	dims := matmul.Dims{M: m, K: k, N: n}
	argsBlob := matmul.EncodeDims(dims)

	var wg sync.WaitGroup
	wg.Add(size - 1)
	for r := 1; r < size; r++ {
		r := r
		go func() {
			defer wg.Done()
			_, err := matmul.Run(ctx, workers[r], argsBlob)
			require.NoError(t, err)
		}()
	}

	got, err := matmul.RunOnRoot(ctx, master, m, k, n, a, b)
	wg.Wait()
	require.NoError(t, err)
	require.NotNil(t, got)

	vals, err := got.Array.Float64s()
	require.NoError(t, err)
	require.Equal(t, b, vals)
}

func TestDistributedMatMulInvalidShapeAborts(t *testing.T) {
	const size = 2
	ctx := context.Background()

	master, workers := distributedGroup(t, size)
	dims := matmul.Dims{M: 2, K: 2, N: 2}
	argsBlob := matmul.EncodeDims(dims)

	var wg sync.WaitGroup
	wg.Add(size - 1)
	for r := 1; r < size; r++ {
		r := r
		go func() {
			defer wg.Done()
			_, err := matmul.Run(ctx, workers[r], argsBlob)
			require.NoError(t, err)
		}()
	}

	// Deliberately wrong operand length: a should be 2x2 (4 elements), not 3.
	_, err := matmul.RunOnRoot(ctx, master, 2, 2, 2, []float64{1, 2, 3}, []float64{1, 0, 0, 1})
	wg.Wait()
	require.Error(t, err)
}

func TestDistributedMatMulEmptyMatrixYieldsEmptyResultWithoutError(t *testing.T) {
	const size = 3
	ctx := context.Background()
	m, k, n := 0, 2, 3

	master, workers := distributedGroup(t, size)
	dims := matmul.Dims{M: m, K: k, N: n}
	argsBlob := matmul.EncodeDims(dims)

	var wg sync.WaitGroup
	wg.Add(size - 1)
	for r := 1; r < size; r++ {
		r := r
		go func() {
			defer wg.Done()
			_, err := matmul.Run(ctx, workers[r], argsBlob)
			require.NoError(t, err)
		}()
	}

	b := []float64{1, 2, 3, 4, 5, 6} // k*n = 2x3, still required even though m=0
	got, err := matmul.RunOnRoot(ctx, master, m, k, n, nil, b)
	wg.Wait()
	require.NoError(t, err)
	require.NotNil(t, got)

	vals, err := got.Array.Float64s()
	require.NoError(t, err)
	require.Empty(t, vals)
}
