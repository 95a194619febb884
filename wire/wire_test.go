package wire_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/thomasedgemon/gomp/wire"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.WriteFrame(&buf, []byte("hello")))
	require.NoError(t, wire.WriteFrame(&buf, []byte("world")))

	got, err := wire.ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))

	got, err = wire.ReadFrame(&buf)
	require.NoError(t, err)
	require.Equal(t, "world", string(got))
}

func TestFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.WriteFrame(&buf, nil))
	got, err := wire.ReadFrame(&buf)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestArrayFloat64RoundTrip(t *testing.T) {
	a := wire.ArrayFromFloat64([]float64{1, 2, 3.5, -4})
	p := wire.Payload{Kind: wire.PayloadArray, Array: a}
	got, err := wire.DecodePayload(wire.EncodePayload(p))
	require.NoError(t, err)
	vals, err := got.Array.Float64s()
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2, 3.5, -4}, vals)
}

func TestArrayMatrixRoundTrip(t *testing.T) {
	a := wire.ArrayFromFloat64Matrix(2, 3, []float64{1, 2, 3, 4, 5, 6})
	got, err := wire.DecodePayload(wire.EncodePayload(wire.Payload{Kind: wire.PayloadArray, Array: a}))
	require.NoError(t, err)
	require.Equal(t, []int{2, 3}, got.Array.Shape)
	vals, err := got.Array.Float64s()
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2, 3, 4, 5, 6}, vals)
}

func TestScalarRoundTrip(t *testing.T) {
	p := wire.Payload{Kind: wire.PayloadArray, Array: wire.ScalarBool(true)}
	got, err := wire.DecodePayload(wire.EncodePayload(p))
	require.NoError(t, err)
	b, err := got.Array.Bool()
	require.NoError(t, err)
	require.True(t, b)
}

func TestListRoundTrip(t *testing.T) {
	p := wire.Payload{Kind: wire.PayloadList, List: []wire.Payload{
		{Kind: wire.PayloadArray, Array: wire.ScalarInt64(1)},
		{Kind: wire.PayloadArray, Array: wire.ScalarInt64(2)},
		{Kind: wire.PayloadArray, Array: wire.ArrayFromFloat64([]float64{9, 8})},
	}}
	got, err := wire.DecodePayload(wire.EncodePayload(p))
	require.NoError(t, err)
	require.Len(t, got.List, 3)
	v0, err := got.List[0].Array.Int64()
	require.NoError(t, err)
	require.EqualValues(t, 1, v0)
	v2, err := got.List[2].Array.Float64s()
	require.NoError(t, err)
	require.Equal(t, []float64{9, 8}, v2)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	e := wire.EncodeData(1, 2, 7, wire.Payload{Kind: wire.PayloadArray, Array: wire.ScalarFloat64(3.14)})
	got, err := wire.DecodeEnvelope(e.Encode())
	require.NoError(t, err)
	require.Equal(t, wire.KindData, got.Kind)
	require.EqualValues(t, 1, got.From)
	require.EqualValues(t, 2, got.To)
	require.EqualValues(t, 7, got.Seq)

	p, err := wire.DecodeData(got)
	require.NoError(t, err)
	f, err := p.Array.Float64()
	require.NoError(t, err)
	require.InDelta(t, 3.14, f, 1e-9)
}

func TestHelloRoundTrip(t *testing.T) {
	e := wire.EncodeHello(3, wire.HelloBody{JobID: "j1", AuthNonce: "n1", ClaimedRank: 3})
	got, err := wire.DecodeEnvelope(e.Encode())
	require.NoError(t, err)
	b, err := wire.DecodeHello(got)
	require.NoError(t, err)
	require.Equal(t, "j1", b.JobID)
	require.Equal(t, "n1", b.AuthNonce)
	require.EqualValues(t, 3, b.ClaimedRank)
}

func TestRoutedRoundTrip(t *testing.T) {
	inner := wire.EncodeData(2, 3, 1, wire.Payload{Kind: wire.PayloadArray, Array: wire.ScalarInt64(42)})
	routed := wire.EncodeRouted(inner)
	require.Equal(t, wire.KindRouted, routed.Kind)

	got, err := wire.DecodeEnvelope(routed.Encode())
	require.NoError(t, err)
	unwrapped, err := wire.DecodeRouted(got)
	require.NoError(t, err)
	require.Equal(t, wire.KindData, unwrapped.Kind)
	require.EqualValues(t, 2, unwrapped.From)
	require.EqualValues(t, 3, unwrapped.To)
}

func TestUnknownKindIsFatal(t *testing.T) {
	buf := []byte{0xFF, 0, 0, 0, 1, 0, 0, 0, 2, 0, 0, 0, 0, 0, 0, 0, 0}
	_, err := wire.DecodeEnvelope(buf)
	require.Error(t, err)
}
