package wire

import (
	"encoding/binary"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/thomasedgemon/gomp/gomperr"
)

// Kind identifies the purpose of an Envelope, per §6.
type Kind uint8

const (
	KindHello Kind = iota
	KindJobDescriptor
	KindReady
	KindGo
	KindData
	KindCancel
	KindShutdown
	KindDone
	KindFail
	KindRouted
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "HELLO"
	case KindJobDescriptor:
		return "JOB_DESCRIPTOR"
	case KindReady:
		return "READY"
	case KindGo:
		return "GO"
	case KindData:
		return "DATA"
	case KindCancel:
		return "CANCEL"
	case KindShutdown:
		return "SHUTDOWN"
	case KindDone:
		return "DONE"
	case KindFail:
		return "FAIL"
	case KindRouted:
		return "ROUTED"
	default:
		return "UNKNOWN"
	}
}

// Envelope is the unit of exchange on every Link, per §3. Body's encoding is
// determined by Kind: PayloadArray/PayloadList/PayloadBlob for DATA, a
// kind-specific msgpack struct for control kinds, and a fully encoded inner
// Envelope for ROUTED.
type Envelope struct {
	Kind Kind
	From int32
	To   int32
	Seq  uint64
	Body []byte
}

const envelopeHeaderLen = 1 + 4 + 4 + 8

// Encode serializes the envelope to its frame payload.
func (e Envelope) Encode() []byte {
	buf := make([]byte, envelopeHeaderLen, envelopeHeaderLen+len(e.Body))
	buf[0] = byte(e.Kind)
	binary.BigEndian.PutUint32(buf[1:5], uint32(e.From))
	binary.BigEndian.PutUint32(buf[5:9], uint32(e.To))
	binary.BigEndian.PutUint64(buf[9:17], e.Seq)
	buf = append(buf, e.Body...)
	return buf
}

// DecodeEnvelope parses the frame payload produced by Encode. Unknown kinds
// are a fatal protocol_violation per §4.1.
func DecodeEnvelope(buf []byte) (Envelope, error) {
	if len(buf) < envelopeHeaderLen {
		return Envelope{}, gomperr.New(gomperr.ProtocolViolation, "truncated envelope header")
	}
	kind := Kind(buf[0])
	if kind > KindRouted {
		return Envelope{}, gomperr.New(gomperr.ProtocolViolation, "unknown envelope kind")
	}
	from := int32(binary.BigEndian.Uint32(buf[1:5]))
	to := int32(binary.BigEndian.Uint32(buf[5:9]))
	seq := binary.BigEndian.Uint64(buf[9:17])
	body := append([]byte(nil), buf[envelopeHeaderLen:]...)
	return Envelope{Kind: kind, From: from, To: to, Seq: seq, Body: body}, nil
}

var msgpackHandle codec.MsgpackHandle

// marshal encodes v with msgpack, used for control envelope bodies.
func marshal(v interface{}) []byte {
	var out []byte
	enc := codec.NewEncoderBytes(&out, &msgpackHandle)
	if err := enc.Encode(v); err != nil {
		panic("wire: msgpack encode of a control body failed: " + err.Error())
	}
	return out
}

// unmarshal decodes msgpack bytes produced by marshal into v.
func unmarshal(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, &msgpackHandle)
	if err := dec.Decode(v); err != nil {
		return gomperr.Errorf(gomperr.ProtocolViolation, "malformed control body: %w", err)
	}
	return nil
}

// HelloBody is the body of a HELLO envelope: the first frame a worker sends.
type HelloBody struct {
	JobID        string
	AuthNonce    string
	ClaimedRank  int32
}

// EncodeHello builds a HELLO envelope from the given rank.
func EncodeHello(from int32, b HelloBody) Envelope {
	return Envelope{Kind: KindHello, From: from, To: 0, Body: marshal(b)}
}

// DecodeHello parses a HELLO envelope's body.
func DecodeHello(e Envelope) (HelloBody, error) {
	var b HelloBody
	err := unmarshal(e.Body, &b)
	return b, err
}

// JobDescriptorBody is the body of a JOB_DESCRIPTOR envelope (§3).
type JobDescriptorBody struct {
	JobID              string
	KernelName         string
	KernelArgsBlob     []byte
	Size               int32
	Rank               int32
	CancellationEpoch  uint64
}

func EncodeJobDescriptor(b JobDescriptorBody) Envelope {
	return Envelope{Kind: KindJobDescriptor, From: 0, To: b.Rank, Body: marshal(b)}
}

func DecodeJobDescriptor(e Envelope) (JobDescriptorBody, error) {
	var b JobDescriptorBody
	err := unmarshal(e.Body, &b)
	return b, err
}

// FailBody is the body of a FAIL envelope.
type FailBody struct {
	Reason string
}

func EncodeFail(from int32, reason string) Envelope {
	return Envelope{Kind: KindFail, From: from, To: 0, Body: marshal(FailBody{Reason: reason})}
}

func DecodeFail(e Envelope) (FailBody, error) {
	var b FailBody
	err := unmarshal(e.Body, &b)
	return b, err
}

// DoneBody is the body of a DONE envelope; Result is nil when the worker
// holds no rank-owned result data.
type DoneBody struct {
	Result []byte // encoded Payload, or nil
}

func EncodeDone(from int32, result *Payload) Envelope {
	var rb []byte
	if result != nil {
		rb = EncodePayload(*result)
	}
	return Envelope{Kind: KindDone, From: from, To: 0, Body: marshal(DoneBody{Result: rb})}
}

func DecodeDone(e Envelope) (*Payload, error) {
	var b DoneBody
	if err := unmarshal(e.Body, &b); err != nil {
		return nil, err
	}
	if b.Result == nil {
		return nil, nil
	}
	p, err := DecodePayload(b.Result)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// EncodeData builds a DATA envelope carrying an application Payload.
func EncodeData(from, to int32, seq uint64, p Payload) Envelope {
	return Envelope{Kind: KindData, From: from, To: to, Seq: seq, Body: EncodePayload(p)}
}

// DecodeData parses a DATA envelope's body into its Payload.
func DecodeData(e Envelope) (Payload, error) {
	return DecodePayload(e.Body)
}

// EncodeControl builds a fire-and-forget control envelope with no body
// (READY, GO, CANCEL, SHUTDOWN).
func EncodeControl(kind Kind, from, to int32) Envelope {
	return Envelope{Kind: kind, From: from, To: to}
}

// EncodeRouted wraps inner (addressed to a rank other than 0) for relaying
// through the master's router, per §6's ROUTED entry.
func EncodeRouted(inner Envelope) Envelope {
	return Envelope{Kind: KindRouted, From: inner.From, To: inner.To, Seq: inner.Seq, Body: inner.Encode()}
}

// DecodeRouted unwraps a ROUTED envelope back into the inner envelope it
// carries.
func DecodeRouted(e Envelope) (Envelope, error) {
	return DecodeEnvelope(e.Body)
}
