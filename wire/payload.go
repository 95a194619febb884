package wire

import (
	"encoding/binary"
	"math"

	"github.com/thomasedgemon/gomp/gomperr"
)

// ElemKind identifies the element type of a numeric Array payload. The wire
// codec never implicitly converts between kinds.
type ElemKind uint8

const (
	ElemFloat64 ElemKind = iota
	ElemFloat32
	ElemInt64
	ElemBool
)

func (k ElemKind) size() int {
	switch k {
	case ElemFloat64, ElemInt64:
		return 8
	case ElemFloat32:
		return 4
	case ElemBool:
		return 1
	default:
		return 0
	}
}

// Array is a compact self-describing numeric payload: an element kind, a
// shape, and contiguous little-endian bytes. A nil/empty Shape denotes a
// scalar.
type Array struct {
	Elem  ElemKind
	Shape []int
	Data  []byte
}

func numElems(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// ArrayFromFloat64 builds a 1-D float64 Array payload.
func ArrayFromFloat64(vals []float64) *Array {
	data := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return &Array{Elem: ElemFloat64, Shape: []int{len(vals)}, Data: data}
}

// ArrayFromFloat64WithShape builds a float64 Array payload with an explicit
// shape (used when reconstructing a reduced/gathered value whose shape is
// known but isn't necessarily 1-D).
func ArrayFromFloat64WithShape(shape []int, vals []float64) *Array {
	data := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return &Array{Elem: ElemFloat64, Shape: append([]int(nil), shape...), Data: data}
}

// ArrayFromFloat64Matrix builds a 2-D row-major float64 Array payload.
func ArrayFromFloat64Matrix(rows, cols int, vals []float64) *Array {
	if len(vals) != rows*cols {
		panic("wire: matrix element count does not match shape")
	}
	data := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(v))
	}
	return &Array{Elem: ElemFloat64, Shape: []int{rows, cols}, Data: data}
}

// ScalarFloat64 builds a 0-D float64 Array payload.
func ScalarFloat64(v float64) *Array {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, math.Float64bits(v))
	return &Array{Elem: ElemFloat64, Shape: nil, Data: data}
}

// ScalarInt64 builds a 0-D int64 Array payload.
func ScalarInt64(v int64) *Array {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, uint64(v))
	return &Array{Elem: ElemInt64, Shape: nil, Data: data}
}

// ScalarBool builds a 0-D bool Array payload.
func ScalarBool(v bool) *Array {
	b := byte(0)
	if v {
		b = 1
	}
	return &Array{Elem: ElemBool, Shape: nil, Data: []byte{b}}
}

// Float64s decodes the Array as a slice of float64, regardless of shape.
func (a *Array) Float64s() ([]float64, error) {
	if a.Elem != ElemFloat64 {
		return nil, gomperr.New(gomperr.ProtocolViolation, "array element kind is not float64")
	}
	n := numElems(a.Shape) // 1 for a scalar (empty Shape)
	if len(a.Data) != n*8 {
		return nil, gomperr.New(gomperr.ProtocolViolation, "array byte length does not match shape")
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(a.Data[i*8:]))
	}
	return out, nil
}

// Float64 decodes a 0-D Array as a single float64.
func (a *Array) Float64() (float64, error) {
	vs, err := a.Float64s()
	if err != nil {
		return 0, err
	}
	return vs[0], nil
}

// Int64 decodes a 0-D Array as a single int64.
func (a *Array) Int64() (int64, error) {
	if a.Elem != ElemInt64 {
		return 0, gomperr.New(gomperr.ProtocolViolation, "array element kind is not int64")
	}
	if len(a.Data) != 8 {
		return 0, gomperr.New(gomperr.ProtocolViolation, "scalar int64 has wrong byte length")
	}
	return int64(binary.LittleEndian.Uint64(a.Data)), nil
}

// Bool decodes a 0-D Array as a single bool.
func (a *Array) Bool() (bool, error) {
	if a.Elem != ElemBool {
		return false, gomperr.New(gomperr.ProtocolViolation, "array element kind is not bool")
	}
	if len(a.Data) != 1 {
		return false, gomperr.New(gomperr.ProtocolViolation, "scalar bool has wrong byte length")
	}
	return a.Data[0] != 0, nil
}

// PayloadKind tags the union carried by a DATA envelope.
type PayloadKind uint8

const (
	PayloadArray PayloadKind = iota
	PayloadList
	PayloadBlob
)

// Payload is the application value carried by a DATA envelope, or an entry
// of a List payload (scatter/gather sequences are serialized by recursive
// application of this same encoding, per §4.1).
type Payload struct {
	Kind  PayloadKind
	Array *Array
	List  []Payload
	Blob  []byte // opaque bytes for structured application data, carried as-is
}

// encodeArray appends the wire form of a to buf.
func encodeArray(buf []byte, a *Array) []byte {
	buf = append(buf, byte(a.Elem))
	var shapeLen [2]byte
	binary.BigEndian.PutUint16(shapeLen[:], uint16(len(a.Shape)))
	buf = append(buf, shapeLen[:]...)
	for _, d := range a.Shape {
		var db [4]byte
		binary.BigEndian.PutUint32(db[:], uint32(d))
		buf = append(buf, db[:]...)
	}
	buf = append(buf, a.Data...)
	return buf
}

func decodeArray(buf []byte) (*Array, []byte, error) {
	if len(buf) < 3 {
		return nil, nil, gomperr.New(gomperr.ProtocolViolation, "truncated array header")
	}
	elem := ElemKind(buf[0])
	ndim := int(binary.BigEndian.Uint16(buf[1:3]))
	buf = buf[3:]
	if len(buf) < ndim*4 {
		return nil, nil, gomperr.New(gomperr.ProtocolViolation, "truncated array shape")
	}
	shape := make([]int, ndim)
	for i := 0; i < ndim; i++ {
		shape[i] = int(binary.BigEndian.Uint32(buf[i*4:]))
		if shape[i] < 0 {
			return nil, nil, gomperr.New(gomperr.ProtocolViolation, "negative array dimension")
		}
	}
	buf = buf[ndim*4:]
	n := numElems(shape)
	if ndim == 0 {
		n = 1
	}
	byteLen := n * elem.size()
	if elem.size() == 0 {
		return nil, nil, gomperr.New(gomperr.ProtocolViolation, "unknown element kind")
	}
	if len(buf) < byteLen {
		return nil, nil, gomperr.New(gomperr.ProtocolViolation, "truncated array data")
	}
	data := append([]byte(nil), buf[:byteLen]...)
	return &Array{Elem: elem, Shape: shape, Data: data}, buf[byteLen:], nil
}

// EncodePayload serializes p into its wire representation.
func EncodePayload(p Payload) []byte {
	buf := []byte{byte(p.Kind)}
	switch p.Kind {
	case PayloadArray:
		buf = encodeArray(buf, p.Array)
	case PayloadList:
		var countBuf [4]byte
		binary.BigEndian.PutUint32(countBuf[:], uint32(len(p.List)))
		buf = append(buf, countBuf[:]...)
		for _, item := range p.List {
			itemBytes := EncodePayload(item)
			var lenBuf [4]byte
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(itemBytes)))
			buf = append(buf, lenBuf[:]...)
			buf = append(buf, itemBytes...)
		}
	case PayloadBlob:
		buf = append(buf, p.Blob...)
	}
	return buf
}

// DecodePayload parses the wire representation produced by EncodePayload.
func DecodePayload(buf []byte) (Payload, error) {
	if len(buf) < 1 {
		return Payload{}, gomperr.New(gomperr.ProtocolViolation, "empty payload")
	}
	kind := PayloadKind(buf[0])
	buf = buf[1:]
	switch kind {
	case PayloadArray:
		arr, rest, err := decodeArray(buf)
		if err != nil {
			return Payload{}, err
		}
		if len(rest) != 0 {
			return Payload{}, gomperr.New(gomperr.ProtocolViolation, "trailing bytes after array payload")
		}
		return Payload{Kind: PayloadArray, Array: arr}, nil
	case PayloadList:
		if len(buf) < 4 {
			return Payload{}, gomperr.New(gomperr.ProtocolViolation, "truncated list count")
		}
		count := int(binary.BigEndian.Uint32(buf))
		buf = buf[4:]
		items := make([]Payload, 0, count)
		for i := 0; i < count; i++ {
			if len(buf) < 4 {
				return Payload{}, gomperr.New(gomperr.ProtocolViolation, "truncated list item length")
			}
			itemLen := int(binary.BigEndian.Uint32(buf))
			buf = buf[4:]
			if len(buf) < itemLen {
				return Payload{}, gomperr.New(gomperr.ProtocolViolation, "truncated list item")
			}
			item, err := DecodePayload(buf[:itemLen])
			if err != nil {
				return Payload{}, err
			}
			items = append(items, item)
			buf = buf[itemLen:]
		}
		return Payload{Kind: PayloadList, List: items}, nil
	case PayloadBlob:
		return Payload{Kind: PayloadBlob, Blob: append([]byte(nil), buf...)}, nil
	default:
		return Payload{}, gomperr.New(gomperr.ProtocolViolation, "unknown payload kind")
	}
}
