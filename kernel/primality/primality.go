// Package primality implements the distributed primality test from §4.9:
// the odd-divisor search space below sqrt(n) is split across every rank and
// each rank streams its own share to completion (or until the job-wide
// cancellation flag fires), then all ranks fold their local found_divisor
// flags with reduce(op=any) back to rank 0.
package primality

import (
	"context"
	"math"

	"github.com/thomasedgemon/gomp/comm"
	"github.com/thomasedgemon/gomp/gomperr"
	"github.com/thomasedgemon/gomp/internal/partition"
	"github.com/thomasedgemon/gomp/wire"
)

// cancelCheckEvery is the iteration interval at which the hot trial-division
// loop polls for cancellation.
const cancelCheckEvery = 1024

// Args is the kernel's input, encoded as a 0-D int64 Array payload.
type Args struct {
	N int64
}

// EncodeArgs builds the wire payload bootstrap hands to Run via the
// JOB_DESCRIPTOR's KernelArgsBlob.
func EncodeArgs(a Args) []byte {
	return wire.EncodePayload(wire.Payload{Kind: wire.PayloadArray, Array: wire.ScalarInt64(a.N)})
}

func decodeArgs(blob []byte) (Args, error) {
	p, err := wire.DecodePayload(blob)
	if err != nil {
		return Args{}, err
	}
	n, err := p.Array.Int64()
	if err != nil {
		return Args{}, err
	}
	return Args{N: n}, nil
}

func boolPayload(b bool) wire.Payload {
	return wire.Payload{Kind: wire.PayloadArray, Array: wire.ScalarBool(b)}
}

// Run is the bootstrap.Kernel entry point. Only rank 0's returned Payload is
// meaningful in distributed mode, per §4.9.
func Run(ctx context.Context, c comm.Communicator, argsBlob []byte) (*wire.Payload, error) {
	args, err := decodeArgs(argsBlob)
	if err != nil {
		return nil, err
	}
	if args.N < 2 {
		return nil, gomperr.New(gomperr.InvalidConfig, "primality: n must be >= 2")
	}

	if args.N <= 3 || args.N%2 == 0 {
		isPrime := args.N == 2 || args.N == 3
		got, err := c.Bcast(ctx, 0, boolPayload(isPrime))
		if err != nil {
			return nil, err
		}
		if c.Rank() != 0 {
			return nil, nil
		}
		result := got
		return &result, nil
	}

	limit := isqrt(args.N)
	candidateCount := 0
	if limit >= 3 {
		candidateCount = int((limit-3)/2) + 1
	}

	found := false
	if candidateCount > 0 {
		start, end := partition.Extent(candidateCount, c.Size(), c.Rank())
		for i := start; i < end; i++ {
			if (i-start)%cancelCheckEvery == 0 {
				select {
				case <-c.Cancelled():
					return nil, gomperr.ErrCancelled
				default:
				}
			}
			divisor := int64(3) + 2*int64(i)
			if args.N%divisor == 0 {
				found = true
				break
			}
		}
	}

	anyFound, err := c.Reduce(ctx, 0, boolPayload(found), comm.OpAny)
	if err != nil {
		return nil, err
	}
	if c.Rank() != 0 {
		return nil, nil
	}
	isPrimeFlag, err := anyFound.Array.Bool()
	if err != nil {
		return nil, err
	}
	result := boolPayload(!isPrimeFlag)
	return &result, nil
}

func isqrt(n int64) int64 {
	r := int64(math.Sqrt(float64(n)))
	for r*r > n {
		r--
	}
	for (r+1)*(r+1) <= n {
		r++
	}
	return r
}
