package comm

import (
	"math"

	"github.com/thomasedgemon/gomp/gomperr"
	"github.com/thomasedgemon/gomp/wire"
)

// ReduceOp names one of the built-in reducers §4.3 requires. Reducers fold
// elementwise over Array payloads (scalars included, as 0-D arrays) in
// strict ascending-rank order, which is what makes floating-point reduce
// results bit-identical across runs (R3, P3).
type ReduceOp string

const (
	OpSum  ReduceOp = "sum"
	OpProd ReduceOp = "prod"
	OpMin  ReduceOp = "min"
	OpMax  ReduceOp = "max"
	OpAll  ReduceOp = "all"
	OpAny  ReduceOp = "any"
)

// Fold combines values (already ordered by ascending rank) with op and
// returns the reduced Payload. It is exported so local.Communicator can
// reuse it without duplicating the arithmetic.
func Fold(op ReduceOp, values []wire.Payload) (wire.Payload, error) {
	if len(values) == 0 {
		return wire.Payload{}, gomperr.New(gomperr.Internal, "reduce: no values to fold")
	}

	switch op {
	case OpAll, OpAny:
		acc := op == OpAll
		for _, v := range values {
			b, err := scalarBool(v)
			if err != nil {
				return wire.Payload{}, err
			}
			if op == OpAll {
				acc = acc && b
			} else {
				acc = acc || b
			}
		}
		return wire.Payload{Kind: wire.PayloadArray, Array: wire.ScalarBool(acc)}, nil
	}

	// Numeric elementwise fold. All values must share the same shape.
	first, err := values[0].Array.Float64s()
	if err != nil {
		return wire.Payload{}, err
	}
	acc := append([]float64(nil), first...)

	for _, v := range values[1:] {
		vals, err := v.Array.Float64s()
		if err != nil {
			return wire.Payload{}, err
		}
		if len(vals) != len(acc) {
			return wire.Payload{}, gomperr.New(gomperr.ProtocolViolation, "reduce: shape mismatch across ranks")
		}
		for i := range acc {
			switch op {
			case OpSum:
				acc[i] += vals[i]
			case OpProd:
				acc[i] *= vals[i]
			case OpMin:
				acc[i] = math.Min(acc[i], vals[i])
			case OpMax:
				acc[i] = math.Max(acc[i], vals[i])
			default:
				return wire.Payload{}, gomperr.Errorf(gomperr.Internal, "reduce: unknown op %q", op)
			}
		}
	}

	shape := values[0].Array.Shape
	if len(shape) == 0 {
		return wire.Payload{Kind: wire.PayloadArray, Array: wire.ScalarFloat64(acc[0])}, nil
	}
	return wire.Payload{Kind: wire.PayloadArray, Array: wire.ArrayFromFloat64WithShape(shape, acc)}, nil
}

func scalarBool(p wire.Payload) (bool, error) {
	if p.Kind != wire.PayloadArray || p.Array == nil {
		return false, gomperr.New(gomperr.ProtocolViolation, "reduce: all/any requires a bool array payload")
	}
	if p.Array.Elem == wire.ElemBool {
		return p.Array.Bool()
	}
	// Accept numeric truthiness for convenience (non-zero == true), since
	// kernels sometimes represent a flag as int64/float64 0/1.
	vals, err := p.Array.Float64s()
	if err != nil {
		return false, err
	}
	for _, v := range vals {
		if v != 0 {
			return true, nil
		}
	}
	return false, nil
}
