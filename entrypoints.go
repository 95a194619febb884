package gomp

import (
	"context"

	"github.com/thomasedgemon/gomp/comm"
	"github.com/thomasedgemon/gomp/gomperr"
	"github.com/thomasedgemon/gomp/kernel/matmul"
	"github.com/thomasedgemon/gomp/kernel/montecarlo"
	"github.com/thomasedgemon/gomp/kernel/primality"
	"github.com/thomasedgemon/gomp/wire"
)

// IsPrime runs the distributed primality kernel (§4.9) and reports whether n
// is prime.
func IsPrime(ctx context.Context, n int64, opts JobOptions) (bool, error) {
	argsBlob := primality.EncodeArgs(primality.Args{N: n})
	result, err := withJob(ctx, "primality", argsBlob, opts, func(ctx context.Context, c comm.Communicator) (*wire.Payload, error) {
		return primality.Run(ctx, c, argsBlob)
	})
	if err != nil {
		if gomperr.Is(err, gomperr.Cancelled) {
			return false, nil
		}
		return false, err
	}
	return result.Array.Bool()
}

// MatMul runs the distributed dense matrix multiply kernel (§4.9). a and b
// are row-major (m*k) and (k*n) operands supplied by the caller; the result
// is the row-major (m*n) product.
func MatMul(ctx context.Context, m, k, n int, a, b []float64, opts JobOptions) ([]float64, error) {
	argsBlob := matmul.EncodeDims(matmul.Dims{M: m, K: k, N: n})
	result, err := withJob(ctx, "matmul", argsBlob, opts, func(ctx context.Context, c comm.Communicator) (*wire.Payload, error) {
		return matmul.RunOnRoot(ctx, c, m, k, n, a, b)
	})
	if err != nil {
		if gomperr.Is(err, gomperr.Cancelled) {
			return nil, nil
		}
		return nil, err
	}
	return result.Array.Float64s()
}

// MonteCarlo runs the generic Monte Carlo estimator kernel (§4.9). The named
// FuncSet must already be registered (via montecarlo.Register) identically
// in every worker's binary before the job is launched.
func MonteCarlo(ctx context.Context, args montecarlo.Args, opts JobOptions) (montecarlo.Result, error) {
	argsBlob := montecarlo.EncodeArgs(args)
	result, err := withJob(ctx, "montecarlo", argsBlob, opts, func(ctx context.Context, c comm.Communicator) (*wire.Payload, error) {
		return montecarlo.Run(ctx, c, argsBlob)
	})
	if err != nil {
		if gomperr.Is(err, gomperr.Cancelled) {
			return montecarlo.Result{}, nil
		}
		return montecarlo.Result{}, err
	}
	return montecarlo.DecodeResult(*result)
}
