// Package wire implements the C1 wire codec: length-prefixed framing of
// envelopes on a TCP stream, plus the tagged-union payload encoding used for
// application data and control messages.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/thomasedgemon/gomp/gomperr"
)

// MaxFrameSize is the largest payload a frame may carry (math.MaxInt32). The
// 4-byte length prefix could express up to 2^32-1, so ReadFrame checks it.
const MaxFrameSize = 1<<31 - 1

// ReadFrame reads one length-prefixed frame from r and returns its payload.
// An oversize frame is reported as a protocol_violation error; a truncated
// frame returns the underlying read error (e.g. io.ErrUnexpectedEOF).
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, gomperr.New(gomperr.ProtocolViolation, "frame exceeds maximum size")
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes payload to w as a single length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return gomperr.New(gomperr.ProtocolViolation, "frame exceeds maximum size")
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
