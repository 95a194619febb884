// Package montecarlo implements the generic Monte Carlo estimator from
// §4.9: each rank draws its own share of samples with a deterministically
// (or freshly) seeded RNG, folds them into an accumulator, and rank 0
// combines every rank's accumulator left-to-right by ascending rank before
// finalizing the estimate.
//
// sample_fn/eval_fn/etc. are ordinary Go closures, which cannot cross a
// process boundary. A worker process only ever receives a func-set name
// over the wire, so the caller must Register the same named FuncSet in
// every rank's binary before launching a job that references it.
package montecarlo

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/thomasedgemon/gomp/comm"
	"github.com/thomasedgemon/gomp/gomperr"
	"github.com/thomasedgemon/gomp/internal/partition"
	"github.com/thomasedgemon/gomp/wire"
)

const defaultCancelCheckEvery = 1024

// Accumulator is the default (count, sum, sum_sq) triple; a custom Reduce/
// Combine/Init may use a FuncSet's own representation instead, but they
// must still round-trip through this same three-float64 wire shape.
type Accumulator struct {
	Count int64
	Sum   float64
	SumSq float64
}

// Result is the default finalized estimate.
type Result struct {
	Mean     float64
	Variance float64
	Stderr   float64
	Samples  int64
}

// FuncSet bundles the user-supplied callbacks for one named estimator.
// Init/Reduce/Combine/Finalize may be left nil to use the defaults
// described in §4.9.
type FuncSet struct {
	Sample   func(rng *rand.Rand) float64
	Eval     func(x float64) float64
	Init     func() Accumulator
	Reduce   func(acc Accumulator, y float64) Accumulator
	Combine  func(a, b Accumulator) Accumulator
	Finalize func(acc Accumulator) Result
}

func (fs FuncSet) init() Accumulator {
	if fs.Init != nil {
		return fs.Init()
	}
	return Accumulator{}
}

func (fs FuncSet) reduce(acc Accumulator, y float64) Accumulator {
	if fs.Reduce != nil {
		return fs.Reduce(acc, y)
	}
	acc.Count++
	acc.Sum += y
	acc.SumSq += y * y
	return acc
}

func (fs FuncSet) combine(a, b Accumulator) Accumulator {
	if fs.Combine != nil {
		return fs.Combine(a, b)
	}
	return Accumulator{Count: a.Count + b.Count, Sum: a.Sum + b.Sum, SumSq: a.SumSq + b.SumSq}
}

func (fs FuncSet) finalize(acc Accumulator) Result {
	if fs.Finalize != nil {
		return fs.Finalize(acc)
	}
	mean := acc.Sum / float64(acc.Count)
	variance := acc.SumSq/float64(acc.Count) - mean*mean
	if variance < 0 {
		variance = 0
	}
	return Result{
		Mean:     mean,
		Variance: variance,
		Stderr:   math.Sqrt(variance / float64(acc.Count)),
		Samples:  acc.Count,
	}
}

var (
	registryMu sync.RWMutex
	registry   = map[string]FuncSet{}
)

// Register makes a named FuncSet available to Run. Every rank's worker
// binary must call Register with the same name before bootstrap dispatches
// a job that references it.
func Register(name string, fs FuncSet) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = fs
}

func lookup(name string) (FuncSet, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fs, ok := registry[name]
	return fs, ok
}

// Args is the kernel's input, carried in the JOB_DESCRIPTOR's
// KernelArgsBlob.
type Args struct {
	FuncSet          string
	N                int64
	Seed             *int64
	CancelCheckEvery int64
}

// EncodeArgs builds the wire payload for Args.
func EncodeArgs(a Args) []byte {
	cancelEvery := a.CancelCheckEvery
	if cancelEvery <= 0 {
		cancelEvery = defaultCancelCheckEvery
	}
	seedPresent := a.Seed != nil
	seedVal := int64(0)
	if seedPresent {
		seedVal = *a.Seed
	}
	return wire.EncodePayload(wire.Payload{
		Kind: wire.PayloadList,
		List: []wire.Payload{
			{Kind: wire.PayloadBlob, Blob: []byte(a.FuncSet)},
			{Kind: wire.PayloadArray, Array: wire.ScalarInt64(a.N)},
			{Kind: wire.PayloadArray, Array: wire.ScalarBool(seedPresent)},
			{Kind: wire.PayloadArray, Array: wire.ScalarInt64(seedVal)},
			{Kind: wire.PayloadArray, Array: wire.ScalarInt64(cancelEvery)},
		},
	})
}

func decodeArgs(blob []byte) (Args, error) {
	p, err := wire.DecodePayload(blob)
	if err != nil {
		return Args{}, err
	}
	if p.Kind != wire.PayloadList || len(p.List) != 5 {
		return Args{}, gomperr.New(gomperr.ProtocolViolation, "montecarlo: malformed args payload")
	}
	n, err := p.List[1].Array.Int64()
	if err != nil {
		return Args{}, err
	}
	seedPresent, err := p.List[2].Array.Bool()
	if err != nil {
		return Args{}, err
	}
	seedVal, err := p.List[3].Array.Int64()
	if err != nil {
		return Args{}, err
	}
	cancelEvery, err := p.List[4].Array.Int64()
	if err != nil {
		return Args{}, err
	}
	args := Args{FuncSet: string(p.List[0].Blob), N: n, CancelCheckEvery: cancelEvery}
	if seedPresent {
		args.Seed = &seedVal
	}
	return args, nil
}

func accPayload(a Accumulator) wire.Payload {
	return wire.Payload{Kind: wire.PayloadArray, Array: wire.ArrayFromFloat64([]float64{float64(a.Count), a.Sum, a.SumSq})}
}

func accFromPayload(p wire.Payload) (Accumulator, error) {
	vals, err := p.Array.Float64s()
	if err != nil || len(vals) != 3 {
		return Accumulator{}, gomperr.New(gomperr.ProtocolViolation, "montecarlo: malformed accumulator payload")
	}
	return Accumulator{Count: int64(vals[0]), Sum: vals[1], SumSq: vals[2]}, nil
}

func resultPayload(r Result) wire.Payload {
	return wire.Payload{Kind: wire.PayloadArray, Array: wire.ArrayFromFloat64([]float64{r.Mean, r.Variance, r.Stderr, float64(r.Samples)})}
}

// DecodeResult reconstructs a Result from the Payload Run returns on rank 0.
func DecodeResult(p wire.Payload) (Result, error) {
	vals, err := p.Array.Float64s()
	if err != nil || len(vals) != 4 {
		return Result{}, gomperr.New(gomperr.ProtocolViolation, "montecarlo: malformed result payload")
	}
	return Result{Mean: vals[0], Variance: vals[1], Stderr: vals[2], Samples: int64(vals[3])}, nil
}

// rngFor derives this rank's random stream: deterministic from (seed, rank)
// when a seed was given, otherwise a fresh unpredictable seed per rank.
func rngFor(seed *int64, rank int) *rand.Rand {
	var s int64
	if seed != nil {
		h := fnv.New64a()
		var buf [16]byte
		binary.BigEndian.PutUint64(buf[0:8], uint64(*seed))
		binary.BigEndian.PutUint64(buf[8:16], uint64(rank))
		_, _ = h.Write(buf[:])
		s = int64(h.Sum64())
	} else {
		s = time.Now().UnixNano() ^ int64(rank)<<32
	}
	return rand.New(rand.NewSource(s))
}

// Run is the bootstrap.Kernel entry point. Only rank 0's returned Payload is
// meaningful in distributed mode, per §4.9.
func Run(ctx context.Context, c comm.Communicator, argsBlob []byte) (*wire.Payload, error) {
	args, err := decodeArgs(argsBlob)
	if err != nil {
		return nil, err
	}
	fs, ok := lookup(args.FuncSet)
	if !ok {
		return nil, gomperr.Errorf(gomperr.InvalidConfig, "montecarlo: func set %q is not registered", args.FuncSet)
	}
	cancelEvery := args.CancelCheckEvery
	if cancelEvery <= 0 {
		cancelEvery = defaultCancelCheckEvery
	}

	start, end := partition.Extent(int(args.N), c.Size(), c.Rank())
	rng := rngFor(args.Seed, c.Rank())
	acc := fs.init()
	for i := start; i < end; i++ {
		if int64(i-start)%cancelEvery == 0 {
			select {
			case <-c.Cancelled():
				return nil, gomperr.ErrCancelled
			default:
			}
		}
		y := fs.Eval(fs.Sample(rng))
		acc = fs.reduce(acc, y)
	}

	gathered, err := c.Gather(ctx, 0, accPayload(acc))
	if err != nil {
		return nil, err
	}
	if c.Rank() != 0 {
		return nil, nil
	}

	combined, err := accFromPayload(gathered[0])
	if err != nil {
		return nil, err
	}
	for i := 1; i < len(gathered); i++ {
		next, err := accFromPayload(gathered[i])
		if err != nil {
			return nil, err
		}
		combined = fs.combine(combined, next)
	}
	result := resultPayload(fs.finalize(combined))
	return &result, nil
}
