package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxFramePayload bounds a single frame. Anything larger than this is
// a corrupt stream, not a legitimate message.
const MaxFramePayload = 64 * 1024

// EncodeFrame renders a complete frame: u32 big-endian payload length
// followed by the CBOR envelope.
func EncodeFrame(kind Kind, body any) ([]byte, error) {
	env, err := NewEnvelope(kind, body)
	if err != nil {
		return nil, err
	}
	payload, err := encMode.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", kind, err)
	}
	if len(payload) > MaxFramePayload {
		return nil, fmt.Errorf("%s frame payload %d exceeds %d bytes", kind, len(payload), MaxFramePayload)
	}

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	return buf, nil
}

// WriteFrame encodes and writes a single frame.
func WriteFrame(w io.Writer, kind Kind, body any) error {
	buf, err := EncodeFrame(kind, body)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", kind, err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame and decodes its envelope.
// A clean close between frames surfaces as io.EOF; a close mid-frame
// as io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) (*Envelope, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	size := binary.BigEndian.Uint32(header[:])
	if size == 0 {
		return nil, fmt.Errorf("zero-length frame")
	}
	if size > MaxFramePayload {
		return nil, fmt.Errorf("frame payload %d exceeds %d bytes", size, MaxFramePayload)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	var env Envelope
	if err := cbor.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Kind == "" {
		return nil, fmt.Errorf("frame envelope missing kind")
	}
	return &env, nil
}
