// Package matmul implements the distributed dense matrix multiply from
// §4.9: rank 0 picks a 2-D process grid, scatters row/column strips of the
// two operands, every rank multiplies its own block with the host linear
// algebra primitive, and rank 0 gathers and assembles the full product.
package matmul

import (
	"context"

	"github.com/thomasedgemon/gomp/comm"
	"github.com/thomasedgemon/gomp/gomperr"
	"github.com/thomasedgemon/gomp/internal/partition"
	"github.com/thomasedgemon/gomp/wire"
	"gonum.org/v1/gonum/mat"
)

// Dims is the shape metadata every rank receives via the JOB_DESCRIPTOR
// (§4.9: only rank 0 ever holds the full operands; everyone else only needs
// to know the shapes to take part in the scatter/gather dance).
type Dims struct {
	M, K, N int
}

// EncodeDims builds the wire payload carried in KernelArgsBlob for workers.
func EncodeDims(d Dims) []byte {
	return wire.EncodePayload(wire.Payload{Kind: wire.PayloadArray, Array: wire.ArrayFromFloat64([]float64{float64(d.M), float64(d.K), float64(d.N)})})
}

func decodeDims(blob []byte) (Dims, error) {
	p, err := wire.DecodePayload(blob)
	if err != nil {
		return Dims{}, err
	}
	vals, err := p.Array.Float64s()
	if err != nil || len(vals) != 3 {
		return Dims{}, gomperr.New(gomperr.ProtocolViolation, "matmul: malformed dims payload")
	}
	return Dims{M: int(vals[0]), K: int(vals[1]), N: int(vals[2])}, nil
}

// Run is the bootstrap.Kernel entry point used by workers: it only knows
// the shapes, and participates in the scatter/compute/gather protocol
// without ever holding a full operand.
func Run(ctx context.Context, c comm.Communicator, argsBlob []byte) (*wire.Payload, error) {
	d, err := decodeDims(argsBlob)
	if err != nil {
		return nil, err
	}
	return core(ctx, c, d.M, d.K, d.N, nil, nil)
}

// RunOnRoot is rank 0's entry point: it holds the real operands in-process
// (no wire round trip needed for its own copy) and drives the same core
// protocol as the one Run puts workers through.
func RunOnRoot(ctx context.Context, c comm.Communicator, m, k, n int, a, b []float64) (*wire.Payload, error) {
	return core(ctx, c, m, k, n, a, b)
}

func boolPayload(b bool) wire.Payload {
	return wire.Payload{Kind: wire.PayloadArray, Array: wire.ScalarBool(b)}
}

func core(ctx context.Context, c comm.Communicator, m, k, n int, a, b []float64) (*wire.Payload, error) {
	rank, size := c.Rank(), c.Size()
	pr, pc := gridFor(m, n, size)

	valid := true
	if rank == 0 {
		valid = pr*pc == size && len(a) == m*k && len(b) == k*n
	}
	gotValid, err := c.Bcast(ctx, 0, boolPayload(valid))
	if err != nil {
		return nil, err
	}
	if ok, berr := gotValid.Array.Bool(); berr == nil && !ok {
		if rank == 0 {
			return nil, gomperr.New(gomperr.InvalidShape, "matmul: operand shapes do not match or cannot form a process grid")
		}
		return nil, nil
	}

	if m == 0 || n == 0 {
		if rank != 0 {
			return nil, nil
		}
		out := wire.Payload{Kind: wire.PayloadArray, Array: wire.ArrayFromFloat64Matrix(m, n, nil)}
		return &out, nil
	}

	rowShares := partition.Shares(m, pr)
	rowOffsets := partition.Offsets(rowShares)
	colShares := partition.Shares(n, pc)
	colOffsets := partition.Offsets(colShares)

	var chunksA, chunksB []wire.Payload
	if rank == 0 {
		chunksA = make([]wire.Payload, size)
		chunksB = make([]wire.Payload, size)
		for r := 0; r < size; r++ {
			prIdx, pcIdx := gridCoords(r, pc)
			chunksA[r] = wire.Payload{Kind: wire.PayloadArray, Array: wire.ArrayFromFloat64Matrix(
				rowShares[prIdx], k, rowStrip(a, k, rowOffsets[prIdx], rowShares[prIdx]))}
			chunksB[r] = wire.Payload{Kind: wire.PayloadArray, Array: wire.ArrayFromFloat64Matrix(
				k, colShares[pcIdx], colStrip(b, k, n, colOffsets[pcIdx], colShares[pcIdx]))}
		}
	}

	myA, err := c.Scatter(ctx, 0, chunksA)
	if err != nil {
		return nil, err
	}
	myB, err := c.Scatter(ctx, 0, chunksB)
	if err != nil {
		return nil, err
	}

	select {
	case <-c.Cancelled():
		return nil, gomperr.ErrCancelled
	default:
	}

	prIdx, pcIdx := gridCoords(rank, pc)
	aVals, err := myA.Array.Float64s()
	if err != nil {
		return nil, err
	}
	bVals, err := myB.Array.Float64s()
	if err != nil {
		return nil, err
	}
	aMat := mat.NewDense(rowShares[prIdx], k, aVals)
	bMat := mat.NewDense(k, colShares[pcIdx], bVals)
	var block mat.Dense
	block.Mul(aMat, bMat)

	blockPayload := wire.Payload{Kind: wire.PayloadArray, Array: wire.ArrayFromFloat64Matrix(
		rowShares[prIdx], colShares[pcIdx], block.RawMatrix().Data)}
	gathered, err := c.Gather(ctx, 0, blockPayload)
	if err != nil {
		return nil, err
	}
	if rank != 0 {
		return nil, nil
	}

	result := make([]float64, m*n)
	for r := 0; r < size; r++ {
		prIdx, pcIdx := gridCoords(r, pc)
		blockVals, err := gathered[r].Array.Float64s()
		if err != nil {
			return nil, err
		}
		placeBlock(result, n, rowOffsets[prIdx], colOffsets[pcIdx], rowShares[prIdx], colShares[pcIdx], blockVals)
	}
	out := wire.Payload{Kind: wire.PayloadArray, Array: wire.ArrayFromFloat64Matrix(m, n, result)}
	return &out, nil
}

// gridCoords maps a flat rank to its (pr, pc) grid coordinates, per §4.9's
// rank = pr*Pc + pc convention.
func gridCoords(rank, pc int) (int, int) {
	return rank / pc, rank % pc
}

func rowStrip(a []float64, k, rowOffset, rowCount int) []float64 {
	return append([]float64(nil), a[rowOffset*k:(rowOffset+rowCount)*k]...)
}

func colStrip(b []float64, k, n, colOffset, colCount int) []float64 {
	out := make([]float64, k*colCount)
	for row := 0; row < k; row++ {
		copy(out[row*colCount:(row+1)*colCount], b[row*n+colOffset:row*n+colOffset+colCount])
	}
	return out
}

func placeBlock(dst []float64, n, rowOffset, colOffset, rows, cols int, block []float64) {
	for r := 0; r < rows; r++ {
		copy(dst[(rowOffset+r)*n+colOffset:(rowOffset+r)*n+colOffset+cols], block[r*cols:(r+1)*cols])
	}
}

// gridFor picks the process grid (Pr, Pc) with Pr*Pc = size that minimizes
// max(ceil(m/Pr), ceil(n/Pc)); ties prefer the smaller |Pr-Pc|, per §4.9.
func gridFor(m, n, size int) (pr, pc int) {
	bestPr, bestPc := 1, size
	bestScore, bestDiff := -1, -1
	for candidatePr := 1; candidatePr <= size; candidatePr++ {
		if size%candidatePr != 0 {
			continue
		}
		candidatePc := size / candidatePr
		score := max(ceilDiv(m, candidatePr), ceilDiv(n, candidatePc))
		diff := abs(candidatePr - candidatePc)
		if bestScore == -1 || score < bestScore || (score == bestScore && diff < bestDiff) {
			bestScore, bestDiff = score, diff
			bestPr, bestPc = candidatePr, candidatePc
		}
	}
	return bestPr, bestPc
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func abs(a int) int {
	if a < 0 {
		return -a
	}
	return a
}
